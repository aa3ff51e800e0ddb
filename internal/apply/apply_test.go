package apply

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/raftdb/raftcore/internal/kv"
	raftpkg "github.com/raftdb/raftcore/internal/raft"
)

type fakeConfApplier struct {
	applied []raftpkg.ConfChangeV2
	result  raftpkg.ConfState
}

func (f *fakeConfApplier) ApplyConfChange(cc raftpkg.ConfChangeV2) raftpkg.ConfState {
	f.applied = append(f.applied, cc)
	return f.result
}

type fakeObserver struct{ seen []raftpkg.ConfState }

func (f *fakeObserver) UpdateMembership(cs raftpkg.ConfState) { f.seen = append(f.seen, cs) }

func opEntry(t *testing.T, index uint64, op kv.Op) raftpkg.LogEntry {
	t.Helper()
	data, err := kv.Encode(op)
	require.NoError(t, err)
	return raftpkg.LogEntry{Index: index, Type: raftpkg.EntryNormal, Data: data}
}

func TestApplyPutOperationIntoStore(t *testing.T) {
	store := kv.New()
	p := New(store, &fakeConfApplier{}, nil, zerolog.Nop())

	err := p.Apply([]raftpkg.LogEntry{opEntry(t, 1, kv.Op{Type: kv.OpPut, Key: "a", Value: "1"})})
	require.NoError(t, err)
	require.Equal(t, uint64(1), p.AppliedIndex())
	e, err := store.Get("a")
	require.NoError(t, err)
	require.Equal(t, "1", e.Value)
}

func TestApplySkipsEntriesAtOrBelowWatermark(t *testing.T) {
	store := kv.New()
	p := New(store, &fakeConfApplier{}, nil, zerolog.Nop())

	require.NoError(t, p.Apply([]raftpkg.LogEntry{opEntry(t, 1, kv.Op{Type: kv.OpPut, Key: "a", Value: "1"})}))
	// re-delivering the same (already applied) entry plus a new one must
	// only apply the new one.
	require.NoError(t, p.Apply([]raftpkg.LogEntry{
		opEntry(t, 1, kv.Op{Type: kv.OpPut, Key: "a", Value: "should-not-apply"}),
		opEntry(t, 2, kv.Op{Type: kv.OpPut, Key: "b", Value: "2"}),
	}))
	e, err := store.Get("a")
	require.NoError(t, err)
	require.Equal(t, "1", e.Value)
	require.Equal(t, uint64(2), p.AppliedIndex())
}

func TestApplyEmptyNormalEntryIsNoopBarrier(t *testing.T) {
	store := kv.New()
	p := New(store, &fakeConfApplier{}, nil, zerolog.Nop())
	err := p.Apply([]raftpkg.LogEntry{{Index: 1, Type: raftpkg.EntryNormal, Data: nil}})
	require.NoError(t, err)
	require.Equal(t, uint64(1), p.AppliedIndex())
	require.Equal(t, 0, store.Size())
}

func TestApplyConfChangeUpdatesMembershipObserver(t *testing.T) {
	confApplier := &fakeConfApplier{result: raftpkg.ConfState{Voters: []string{"n1", "n2"}}}
	observer := &fakeObserver{}
	p := New(kv.New(), confApplier, observer, zerolog.Nop())

	cc := raftpkg.ConfChangeV2{Changes: []raftpkg.ConfChange{{Type: raftpkg.ConfChangeAddNode, NodeID: "n2"}}}
	entry := raftpkg.LogEntry{Index: 1, Type: raftpkg.EntryConfChangeV2, Data: raftpkg.EncodeConfChangeV2(cc)}

	require.NoError(t, p.Apply([]raftpkg.LogEntry{entry}))
	require.Len(t, confApplier.applied, 1)
	require.Len(t, observer.seen, 1)
	require.Equal(t, []string{"n1", "n2"}, observer.seen[0].Voters)
}

func TestApplyExternalHookForOpaquePayload(t *testing.T) {
	var gotIndex uint64
	var gotData []byte
	p := New(kv.New(), &fakeConfApplier{}, nil, zerolog.Nop())
	p.SetExternalHook(func(index uint64, data []byte) error {
		gotIndex, gotData = index, data
		return nil
	})
	err := p.Apply([]raftpkg.LogEntry{{Index: 1, Type: raftpkg.EntryNormal, Data: []byte("opaque")}})
	require.NoError(t, err)
	require.Equal(t, uint64(1), gotIndex)
	require.Equal(t, []byte("opaque"), gotData)
}
