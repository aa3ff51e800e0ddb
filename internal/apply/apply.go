// Package apply implements the apply pipeline: dispatching each
// committed log entry exactly once, in order, into either a
// configuration-change or a state-machine mutation.
package apply

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/raftdb/raftcore/internal/kv"
	raftpkg "github.com/raftdb/raftcore/internal/raft"
)

// ConfChangeApplier applies a committed ConfChangeV2 to the raft
// instance's membership and returns the resulting ConfState; satisfied
// by *raft.Raft.
type ConfChangeApplier interface {
	ApplyConfChange(raftpkg.ConfChangeV2) raftpkg.ConfState
}

// MembershipObserver is notified after a configuration change is
// applied so the transport layer can open/close peer connections.
type MembershipObserver interface {
	UpdateMembership(raftpkg.ConfState)
}

// ExternalHook lets an embedder interpose its own state machine for
// opaque (non-KV, non-empty) payloads, per SPEC_FULL.md §4.5.
type ExternalHook func(index uint64, data []byte) error

// Pipeline applies committed entries into the KV store (or conf state),
// tracking the applied-index watermark for exactly-once semantics.
type Pipeline struct {
	store        *kv.Store
	confApplier  ConfChangeApplier
	observer     MembershipObserver
	external     ExternalHook
	appliedIndex uint64
	log          zerolog.Logger
	onApplied    func(index uint64, err error)
}

// SetAppliedCallback installs a hook invoked once per entry right after
// it is applied, with whatever error (if any) the entry's own
// apply produced — this is how a caller waiting on a specific proposed
// index (driver.Propose) learns the outcome without the pipeline having
// to know anything about propose/wait bookkeeping.
func (p *Pipeline) SetAppliedCallback(f func(index uint64, err error)) { p.onApplied = f }

func New(store *kv.Store, confApplier ConfChangeApplier, observer MembershipObserver, log zerolog.Logger) *Pipeline {
	return &Pipeline{store: store, confApplier: confApplier, observer: observer, log: log.With().Str("component", "apply").Logger()}
}

// SetExternalHook installs the opaque-payload hook; nil restores the
// no-op default.
func (p *Pipeline) SetExternalHook(h ExternalHook) { p.external = h }

func (p *Pipeline) AppliedIndex() uint64 { return p.appliedIndex }

// SetAppliedIndex forcibly advances the watermark without applying
// anything: used to restore the persisted watermark at startup and to
// fast-forward past whatever a just-installed snapshot already covers.
func (p *Pipeline) SetAppliedIndex(idx uint64) {
	if idx > p.appliedIndex {
		p.appliedIndex = idx
	}
}

// Apply processes committed entries in order. Entries at or below the
// already-applied watermark are skipped (exactly-once under replay from
// a restart or a duplicated Ready batch). A ConfChange apply failure is
// fatal: membership state diverging between nodes is worse than
// crashing. A KV apply failure is logged and passed to the applied
// callback but does not stop the pipeline, since it reflects a bad
// individual operation, not a broken invariant; no failure count is kept.
func (p *Pipeline) Apply(entries []raftpkg.LogEntry) error {
	for _, e := range entries {
		if e.Index <= p.appliedIndex {
			continue
		}
		err := p.applyOne(e)
		if err != nil && isFatal(e) {
			return err
		}
		p.appliedIndex = e.Index
		if p.onApplied != nil {
			p.onApplied(e.Index, err)
		}
	}
	return nil
}

func isFatal(e raftpkg.LogEntry) bool {
	return e.Type != raftpkg.EntryNormal
}

func (p *Pipeline) applyOne(e raftpkg.LogEntry) error {
	switch e.Type {
	case raftpkg.EntryConfChangeV2, raftpkg.EntryConfChange:
		cc, err := raftpkg.DecodeConfChangeV2(e.Data)
		if err != nil {
			return fmt.Errorf("apply: fatal: decode conf change at index %d: %w", e.Index, err)
		}
		cs := p.confApplier.ApplyConfChange(cc)
		if p.observer != nil {
			p.observer.UpdateMembership(cs)
		}
		return nil
	case raftpkg.EntryNormal:
		if len(e.Data) == 0 {
			return nil // committed-barrier no-op, e.g. the leader's post-election entry
		}
		if kv.LooksLikeOp(e.Data) {
			op, err := kv.Decode(e.Data)
			if err != nil {
				p.log.Warn().Err(err).Uint64("index", e.Index).Msg("malformed kv operation, skipping")
				return err
			}
			if err := p.store.Apply(e.Index, op); err != nil {
				p.log.Debug().Err(err).Uint64("index", e.Index).Str("key", op.Key).Msg("kv apply failed")
				return err
			}
			return nil
		}
		if p.external != nil {
			if err := p.external(e.Index, e.Data); err != nil {
				p.log.Warn().Err(err).Uint64("index", e.Index).Msg("external apply hook failed")
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("apply: fatal: unknown entry type %v at index %d", e.Type, e.Index)
	}
}
