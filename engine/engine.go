// Package engine assembles storage, raft, transport, the driver, and
// the KV state machine into the single long-lived value an embedder
// constructs once per process (SPEC_FULL.md §9's "consolidate into a
// single Engine value" redesign note, replacing the distributed global
// mutable state an earlier design would have reached for).
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/raftdb/raftcore/internal/apply"
	"github.com/raftdb/raftcore/internal/driver"
	"github.com/raftdb/raftcore/internal/kv"
	raftpkg "github.com/raftdb/raftcore/internal/raft"
	"github.com/raftdb/raftcore/internal/storage"
	"github.com/raftdb/raftcore/internal/transport"
)

// Config is the embedder-supplied configuration for one node, per
// SPEC_FULL.md §6.
type Config struct {
	Name                string
	InitialCluster      map[string]string // raft_id -> host:port, ordered by iterating sorted keys
	InitialClusterState string            // "new" or "existing"
	DataDir             string
	ListenPeerAddr      string

	ElectionTimeoutMillis   int
	HeartbeatIntervalMillis int
	SnapshotCount           uint64
	TickInterval            time.Duration

	Logger   zerolog.Logger
	Registry prometheus.Registerer
}

func (c *Config) setDefaults() {
	if c.ElectionTimeoutMillis == 0 {
		c.ElectionTimeoutMillis = 1000
	}
	if c.HeartbeatIntervalMillis == 0 {
		c.HeartbeatIntervalMillis = 100
	}
	if c.SnapshotCount == 0 {
		c.SnapshotCount = 10000
	}
	if c.TickInterval == 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	if c.Registry == nil {
		c.Registry = prometheus.NewRegistry()
	}
}

// Engine is a single running node: the control surface named in
// SPEC_FULL.md §6.
type Engine struct {
	cfg       Config
	storage   *storage.Storage
	raft      *raftpkg.Raft
	transport *transport.Transport
	pipeline  *apply.Pipeline
	kv        *kv.Store
	drv       *driver.Driver

	started     bool
	stopPublish chan struct{}
}

// New constructs an Engine but does not yet start its goroutines or
// bind its listener; call Start for that.
func New(cfg Config) (*Engine, error) {
	cfg.setDefaults()
	if cfg.Name == "" {
		return nil, fmt.Errorf("engine: Name is required")
	}
	if _, ok := cfg.InitialCluster[cfg.Name]; !ok {
		return nil, fmt.Errorf("engine: Name %q not present in InitialCluster", cfg.Name)
	}
	if cfg.ElectionTimeoutMillis < 5*cfg.HeartbeatIntervalMillis {
		return nil, fmt.Errorf("engine: ElectionTimeoutMillis must be at least 5x HeartbeatIntervalMillis")
	}

	metrics := storage.NewMetrics(cfg.Registry, cfg.Name)
	store, err := storage.Open(cfg.DataDir, cfg.Name, cfg.Logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("engine: open storage: %w", err)
	}

	hs, cs := store.InitialState()
	if len(cs.Voters) == 0 {
		cs = raftpkg.ConfState{Voters: orderedMemberIDs(cfg.InitialCluster)}
	}

	electionTicks := cfg.ElectionTimeoutMillis / cfg.HeartbeatIntervalMillis
	if electionTicks < 2 {
		electionTicks = 2
	}
	rcfg := raftpkg.Config{
		ID:            cfg.Name,
		ElectionTick:  electionTicks,
		HeartbeatTick: 1,
		PreVote:       true,
		Logger:        cfg.Logger,
	}
	entries, err := store.Entries(store.FirstIndex(), store.LastIndex()+1, 0)
	if err != nil && !errors.Is(err, storage.ErrUnavailable) {
		return nil, fmt.Errorf("engine: load entries: %w", err)
	}
	r := raftpkg.New(rcfg, hs, cs, entries, store.Snapshot(), seedFor(cfg.Name))

	peerAddrs := map[string]string{}
	for id, addr := range cfg.InitialCluster {
		if id != cfg.Name {
			peerAddrs[id] = addr
		}
	}
	tr := transport.New(cfg.Name, peerAddrs, orderedMemberIDs(cfg.InitialCluster), cfg.Logger)

	// The KV store lives in memory only, so it is rebuilt from the last
	// snapshot and the pipeline resumes at that snapshot's index: every
	// log entry after it replays into the rebuilt store.
	kvStore := kv.New()
	snap := store.Snapshot()
	if len(snap.Data) > 0 {
		if err := kvStore.Restore(snap.Data); err != nil {
			return nil, fmt.Errorf("engine: restore kv snapshot: %w", err)
		}
	}
	pipeline := apply.New(kvStore, r, tr, cfg.Logger)
	pipeline.SetAppliedIndex(snap.Metadata.Index)

	e := &Engine{cfg: cfg, storage: store, raft: r, transport: tr, pipeline: pipeline, kv: kvStore}
	e.drv = driver.New(r, store, tr, pipeline, kvStore, cfg.SnapshotCount, tr.Inbox(), cfg.TickInterval, cfg.Logger)
	return e, nil
}

func orderedMemberIDs(cluster map[string]string) []string {
	ids := make([]string, 0, len(cluster))
	for id := range cluster {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func seedFor(name string) int64 {
	var h int64 = 1469598103934665603
	for _, c := range name {
		h ^= int64(c)
		h *= 1099511628211
	}
	if h < 0 {
		h = -h
	}
	if h == 0 {
		h = 1
	}
	return h
}

// Start binds the peer listener and begins the driver goroutine.
func (e *Engine) Start() error {
	if e.started {
		return fmt.Errorf("engine: already started")
	}
	if err := e.transport.Listen(e.cfg.ListenPeerAddr); err != nil {
		return err
	}
	go e.drv.Run()
	e.started = true
	e.stopPublish = make(chan struct{})
	go e.publishClusterStateLoop()
	return nil
}

// Stop drains a final Ready, closes the transport, and stops accepting
// new work. It does not close storage (Storage.Close is a no-op; every
// write is already durable when it returns).
func (e *Engine) Stop() {
	if !e.started {
		return
	}
	close(e.stopPublish)
	e.drv.Stop()
	e.transport.Stop()
	e.started = false
}

// IsLeader, LeaderID, CurrentTerm, AppliedIndex, CommitIndex expose the
// control surface's read-only status fields. Each reads a status value
// the driver goroutine publishes once per processed Ready batch (§5),
// rather than raft's own fields directly, since those are mutated by
// the driver goroutine with no synchronization of their own.
func (e *Engine) IsLeader() bool       { return e.drv.Status().Role == raftpkg.RoleLeader }
func (e *Engine) LeaderID() string     { return e.drv.Status().Leader }
func (e *Engine) CurrentTerm() uint64  { return e.drv.Status().Term }
func (e *Engine) AppliedIndex() uint64 { return e.drv.Status().AppliedIndex }
func (e *Engine) CommitIndex() uint64  { return e.drv.Status().CommitIndex }

// ErrNotLeaderHint is returned by the KV write path when this node is
// not the leader; LeaderID names the current leader, if known.
type ErrNotLeaderHint struct{ LeaderID string }

func (e ErrNotLeaderHint) Error() string {
	if e.LeaderID == "" {
		return "engine: not leader, leader unknown"
	}
	return fmt.Sprintf("engine: not leader, leader is %s", e.LeaderID)
}

// KVPut validates and proposes a put, returning once it is applied (or
// the context/propose-timeout elapses). The write is not deduplicated
// against retries; callers that need idempotence under retry should use
// KVPutIdempotent with a stable (clientID, requestID) pair.
func (e *Engine) KVPut(ctx context.Context, key, value string) error {
	return e.kvWrite(ctx, kv.Op{Type: kv.OpPut, Key: key, Value: value})
}

// KVDelete proposes a delete, returning once it is applied. See KVPut's
// note on idempotence.
func (e *Engine) KVDelete(ctx context.Context, key string) error {
	return e.kvWrite(ctx, kv.Op{Type: kv.OpDelete, Key: key})
}

// KVPutIdempotent proposes a put tagged with clientID/requestID so a
// retried proposal with the same pair replays the cached result instead
// of double-applying, per SPEC_FULL.md §4.6.
func (e *Engine) KVPutIdempotent(ctx context.Context, key, value, clientID string, requestID uint64) error {
	return e.kvWrite(ctx, kv.Op{Type: kv.OpPut, Key: key, Value: value, ClientID: clientID, RequestID: requestID})
}

// KVDeleteIdempotent is KVDelete with client/request deduplication; see
// KVPutIdempotent.
func (e *Engine) KVDeleteIdempotent(ctx context.Context, key, clientID string, requestID uint64) error {
	return e.kvWrite(ctx, kv.Op{Type: kv.OpDelete, Key: key, ClientID: clientID, RequestID: requestID})
}

func (e *Engine) kvWrite(ctx context.Context, op kv.Op) error {
	if !e.IsLeader() {
		return ErrNotLeaderHint{LeaderID: e.LeaderID()}
	}
	if err := kv.Validate(op.Key, op.Value); err != nil {
		return err
	}
	data, err := kv.Encode(op)
	if err != nil {
		return err
	}
	_, err = e.drv.Propose(ctx, data)
	return err
}

// KVGet reads the current value for key. Reads are served from local
// state and are not linearizable; an embedder that needs a read
// barrier should route through Propose with an empty-payload entry.
func (e *Engine) KVGet(key string) (kv.Entry, error) {
	return e.kv.Get(key)
}

// ProposeConfChange adds or removes a voting member.
func (e *Engine) ProposeConfChange(ctx context.Context, cc raftpkg.ConfChangeV2) error {
	if !e.IsLeader() {
		return ErrNotLeaderHint{LeaderID: e.LeaderID()}
	}
	_, err := e.drv.ProposeConfChange(ctx, cc)
	return err
}

// clusterStateDoc is the tmp+rename JSON snapshot external observers
// poll, per SPEC_FULL.md §5/§6.
type clusterStateDoc struct {
	LeaderID    string    `json:"leader_id"`
	Term        uint64    `json:"term"`
	CommitIndex uint64    `json:"commit_index"`
	Voters      []string  `json:"voters"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (e *Engine) publishClusterStateLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.publishClusterState()
		case <-e.stopPublish:
			return
		}
	}
}

func (e *Engine) publishClusterState() {
	status := e.drv.Status()
	doc := clusterStateDoc{
		LeaderID:    status.Leader,
		Term:        status.Term,
		CommitIndex: status.CommitIndex,
		Voters:      status.Voters,
		UpdatedAt:   time.Now(),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(e.cfg.DataDir, "cluster_state.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	os.Rename(tmp, path)
}
