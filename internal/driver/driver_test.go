package driver

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/raftdb/raftcore/internal/apply"
	"github.com/raftdb/raftcore/internal/kv"
	raftpkg "github.com/raftdb/raftcore/internal/raft"
	"github.com/raftdb/raftcore/internal/storage"
)

type noopSender struct{}

func (noopSender) Send(raftpkg.Message) {}

func newSingleNodeDriver(t *testing.T) (*Driver, *kv.Store, *storage.Storage) {
	t.Helper()
	dir := t.TempDir()
	metrics := storage.NewMetrics(prometheus.NewRegistry(), "n1")
	store, err := storage.Open(dir, "1", zerolog.Nop(), metrics)
	require.NoError(t, err)

	cs := raftpkg.ConfState{Voters: []string{"n1"}}
	r := raftpkg.New(raftpkg.Config{ID: "n1", ElectionTick: 10, HeartbeatTick: 2, Logger: zerolog.Nop()}, raftpkg.HardState{}, cs, nil, raftpkg.Snapshot{}, 1)

	kvStore := kv.New()
	pipeline := apply.New(kvStore, r, nil, zerolog.Nop())

	inbox := make(chan raftpkg.Message)
	d := New(r, store, noopSender{}, pipeline, kvStore, 0, inbox, 5*time.Millisecond, zerolog.Nop())
	go d.Run()
	t.Cleanup(d.Stop)
	return d, kvStore, store
}

func TestSingleNodeProposeAppliesToStore(t *testing.T) {
	d, store, _ := newSingleNodeDriver(t)
	waitLeader(t, d)

	op := kv.Op{Type: kv.OpPut, Key: "a", Value: "1"}
	data, err := kv.Encode(op)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = d.Propose(ctx, data)
	require.NoError(t, err)

	e, err := store.Get("a")
	require.NoError(t, err)
	require.Equal(t, "1", e.Value)
}

func TestSingleNodeProposeConfChangeApplies(t *testing.T) {
	d, _, _ := newSingleNodeDriver(t)
	waitLeader(t, d)

	cc := raftpkg.ConfChangeV2{Changes: []raftpkg.ConfChange{{Type: raftpkg.ConfChangeAddNode, NodeID: "n2"}}}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := d.ProposeConfChange(ctx, cc)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return contains(d.r.ConfState().Voters, "n2")
	}, time.Second, 10*time.Millisecond)
}

// waitLeader waits for the first tick to elect the lone voter; a propose
// handled before that is dropped with ErrProposalDropped.
func waitLeader(t *testing.T, d *Driver) {
	t.Helper()
	require.Eventually(t, func() bool {
		return d.Status().Role == raftpkg.RoleLeader
	}, time.Second, 5*time.Millisecond)
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func TestStatusReflectsLeadershipAfterElection(t *testing.T) {
	d, _, _ := newSingleNodeDriver(t)
	require.Eventually(t, func() bool {
		return d.Status().Role == raftpkg.RoleLeader
	}, time.Second, 5*time.Millisecond)
}

func TestSnapshotCompactsLogOnceSnapshotCountExceeded(t *testing.T) {
	dir := t.TempDir()
	metrics := storage.NewMetrics(prometheus.NewRegistry(), "n1")
	store, err := storage.Open(dir, "1", zerolog.Nop(), metrics)
	require.NoError(t, err)

	cs := raftpkg.ConfState{Voters: []string{"n1"}}
	r := raftpkg.New(raftpkg.Config{ID: "n1", ElectionTick: 10, HeartbeatTick: 2, Logger: zerolog.Nop()}, raftpkg.HardState{}, cs, nil, raftpkg.Snapshot{}, 1)

	kvStore := kv.New()
	pipeline := apply.New(kvStore, r, nil, zerolog.Nop())
	inbox := make(chan raftpkg.Message)
	d := New(r, store, noopSender{}, pipeline, kvStore, 2, inbox, 5*time.Millisecond, zerolog.Nop())
	go d.Run()
	t.Cleanup(d.Stop)
	waitLeader(t, d)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		op := kv.Op{Type: kv.OpPut, Key: fmt.Sprintf("k%d", i), Value: "v"}
		data, err := kv.Encode(op)
		require.NoError(t, err)
		_, err = d.Propose(ctx, data)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return store.FirstIndex() > 1
	}, time.Second, 10*time.Millisecond, "log was never compacted once SnapshotCount was exceeded")
}

func TestProposeRejectedWhenNotLeader(t *testing.T) {
	dir := t.TempDir()
	metrics := storage.NewMetrics(prometheus.NewRegistry(), "n2")
	store, err := storage.Open(dir, "2", zerolog.Nop(), metrics)
	require.NoError(t, err)
	cs := raftpkg.ConfState{Voters: []string{"n1", "n2"}}
	r := raftpkg.New(raftpkg.Config{ID: "n2", ElectionTick: 1000, HeartbeatTick: 1, Logger: zerolog.Nop()}, raftpkg.HardState{}, cs, nil, raftpkg.Snapshot{}, 2)
	kvStore := kv.New()
	pipeline := apply.New(kvStore, r, nil, zerolog.Nop())
	inbox := make(chan raftpkg.Message)
	d := New(r, store, noopSender{}, pipeline, kvStore, 0, inbox, time.Hour, zerolog.Nop())
	go d.Run()
	defer d.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = d.Propose(ctx, []byte("x"))
	require.ErrorIs(t, err, raftpkg.ErrProposalDropped)
}
