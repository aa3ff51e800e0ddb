package engine

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	raftpkg "github.com/raftdb/raftcore/internal/raft"
)

// testCluster boots a fixed set of real engines wired over loopback TCP,
// grounded on the teacher's pkg/testing.TestCluster: a fixed-size node
// set, a WaitForLeader poll loop, and leader-aware command submission.
type testCluster struct {
	t       *testing.T
	engines map[string]*Engine
	cfgs    map[string]Config
}

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func newTestCluster(t *testing.T, size int) *testCluster {
	t.Helper()
	cluster := map[string]string{}
	names := make([]string, size)
	for i := 0; i < size; i++ {
		name := fmt.Sprintf("n%d", i+1)
		names[i] = name
		cluster[name] = freePort(t)
	}

	tc := &testCluster{t: t, engines: map[string]*Engine{}, cfgs: map[string]Config{}}
	for _, name := range names {
		cfg := Config{
			Name:                    name,
			InitialCluster:          cluster,
			DataDir:                 t.TempDir(),
			ListenPeerAddr:          cluster[name],
			ElectionTimeoutMillis:   300,
			HeartbeatIntervalMillis: 30,
			TickInterval:            10 * time.Millisecond,
			Logger:                  zerolog.Nop(),
			Registry:                prometheus.NewRegistry(),
		}
		tc.cfgs[name] = cfg
		e, err := New(cfg)
		require.NoError(t, err)
		require.NoError(t, e.Start())
		tc.engines[name] = e
	}
	t.Cleanup(tc.stopAll)
	return tc
}

func (tc *testCluster) stopAll() {
	for _, e := range tc.engines {
		e.Stop()
	}
}

func (tc *testCluster) leader(timeout time.Duration) *Engine {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, e := range tc.engines {
			if e.IsLeader() {
				return e
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

// submit retries against whichever engine currently claims leadership
// until it succeeds or timeout elapses, mirroring the teacher's
// SubmitCommand retry loop.
func (tc *testCluster) submit(timeout time.Duration, do func(*Engine) error) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		leader := tc.leader(50 * time.Millisecond)
		if leader == nil {
			continue
		}
		lastErr = do(leader)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func TestThreeNodeClusterElectsSingleLeader(t *testing.T) {
	tc := newTestCluster(t, 3)
	leader := tc.leader(2 * time.Second)
	require.NotNil(t, leader)

	count := 0
	for _, e := range tc.engines {
		if e.IsLeader() {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestThreeNodeClusterReplicatesWrites(t *testing.T) {
	tc := newTestCluster(t, 3)
	require.NotNil(t, tc.leader(2*time.Second))

	err := tc.submit(2*time.Second, func(e *Engine) error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return e.KVPut(ctx, "x", "1")
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, e := range tc.engines {
			entry, err := e.KVGet("x")
			if err != nil || entry.Value != "1" {
				return false
			}
		}
		return true
	}, 2*time.Second, 20*time.Millisecond, "write did not replicate to every node")
}

func TestClusterElectsNewLeaderAfterLeaderStops(t *testing.T) {
	tc := newTestCluster(t, 3)
	first := tc.leader(2 * time.Second)
	require.NotNil(t, first)
	firstName := first.cfg.Name

	first.Stop()
	delete(tc.engines, firstName)

	require.Eventually(t, func() bool {
		for _, e := range tc.engines {
			if e.IsLeader() {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond, "no new leader elected after original leader stopped")
}

func TestClusterAppliesConfChangeAddingVoter(t *testing.T) {
	tc := newTestCluster(t, 3)
	leader := tc.leader(2 * time.Second)
	require.NotNil(t, leader)

	newAddr := freePort(t)
	cfg := Config{
		Name:                    "n4",
		InitialCluster:          map[string]string{"n1": tc.cfgs["n1"].ListenPeerAddr, "n2": tc.cfgs["n2"].ListenPeerAddr, "n3": tc.cfgs["n3"].ListenPeerAddr, "n4": newAddr},
		DataDir:                 t.TempDir(),
		ListenPeerAddr:          newAddr,
		ElectionTimeoutMillis:   300,
		HeartbeatIntervalMillis: 30,
		TickInterval:            10 * time.Millisecond,
		Logger:                  zerolog.Nop(),
		Registry:                prometheus.NewRegistry(),
	}
	// newEngine is constructed already believing all four are voters; a
	// production joiner would start as a learner and catch up via
	// snapshot instead, but that flow isn't exercised here.
	newEngine, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, newEngine.Start())
	t.Cleanup(newEngine.Stop)
	tc.engines["n4"] = newEngine

	leader.transport.AddPeer("n4", newAddr)

	cc := raftpkg.ConfChangeV2{Changes: []raftpkg.ConfChange{{Type: raftpkg.ConfChangeAddNode, NodeID: "n4", Address: newAddr}}}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = leader.ProposeConfChange(ctx, cc)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, v := range leader.raft.ConfState().Voters {
			if v == "n4" {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond, "conf change did not apply")
}
