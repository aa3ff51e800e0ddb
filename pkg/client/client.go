// Package client is a thin in-process convenience wrapper over a set of
// engine.Engine values: it finds the current leader and retries a
// request against the newly-reported leader once if the one it tried
// turns out to be stale, the way pkg/api.Client finds a leader among a
// slice of local nodes.
package client

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/raftdb/raftcore/engine"
)

// ErrNoLeader is returned when no engine in the set currently believes
// itself to be leader.
var ErrNoLeader = errors.New("client: no leader available")

// Client multiplexes KV operations across a fixed set of in-process
// engines, routing each one to whichever currently claims leadership.
// Writes carry a stable (clientID, requestID) pair so a retry that
// lands after its first attempt already committed replays the cached
// result instead of applying twice.
type Client struct {
	engines  map[string]*engine.Engine
	clientID string
	nextReq  uint64
}

// New builds a Client over engines, keyed by node name. A random
// ClientID is generated so this client's writes dedup independently of
// any other client's.
func New(engines map[string]*engine.Engine) *Client {
	return &Client{engines: engines, clientID: uuid.NewString()}
}

func (c *Client) nextRequestID() uint64 {
	return atomic.AddUint64(&c.nextReq, 1)
}

func (c *Client) findLeader() *engine.Engine {
	for _, e := range c.engines {
		if e.IsLeader() {
			return e
		}
	}
	return nil
}

// Put writes a key, retrying once against the reported leader if the
// engine it first tried was not (or was no longer) leader. Both
// attempts carry the same request id, so a retry after a successful
// first apply is a no-op rather than a second write.
func (c *Client) Put(ctx context.Context, key, value string) error {
	reqID := c.nextRequestID()
	return c.withLeader(func(e *engine.Engine) error {
		return e.KVPutIdempotent(ctx, key, value, c.clientID, reqID)
	})
}

// Delete removes a key, with the same retry and dedup behavior as Put.
func (c *Client) Delete(ctx context.Context, key string) error {
	reqID := c.nextRequestID()
	return c.withLeader(func(e *engine.Engine) error {
		return e.KVDeleteIdempotent(ctx, key, c.clientID, reqID)
	})
}

// Get reads a key from any engine's local state; reads do not require a
// leader and are not linearizable.
func (c *Client) Get(key string) (string, bool, error) {
	for _, e := range c.engines {
		entry, err := e.KVGet(key)
		if err == nil {
			return entry.Value, true, nil
		}
	}
	return "", false, errors.New("client: key not found on any known engine")
}

func (c *Client) withLeader(do func(*engine.Engine) error) error {
	leader := c.findLeader()
	if leader == nil {
		return ErrNoLeader
	}
	err := do(leader)
	var hint engine.ErrNotLeaderHint
	if errors.As(err, &hint) && hint.LeaderID != "" {
		if retry, ok := c.engines[hint.LeaderID]; ok {
			return do(retry)
		}
	}
	return err
}
