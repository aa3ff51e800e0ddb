// Package driver is the scheduler: the single goroutine that owns a
// raft.Raft instance, turns an external tick source and inbound
// transport messages into Step calls, and processes each resulting
// Ready batch in the fixed order the core requires — persist entries,
// persist HardState, send messages, apply committed entries, advance.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/raftdb/raftcore/internal/apply"
	raftpkg "github.com/raftdb/raftcore/internal/raft"
	"github.com/raftdb/raftcore/internal/storage"
)

// ErrStopped is returned by Propose/ProposeConfChange once the driver
// has shut down.
var ErrStopped = errors.New("driver: stopped")

// ErrProposeTimeout is returned when a proposal's entry neither commits
// nor applies within the configured timeout.
var ErrProposeTimeout = errors.New("driver: propose timed out")

const (
	DefaultProposeTimeout    = 30 * time.Second
	DefaultConfChangeRetries = 3
)

// Sender delivers outbound raft messages to peers; satisfied by
// *transport.Transport.
type Sender interface {
	Send(raftpkg.Message)
}

// Snapshotter is the external state machine's snapshot/restore surface;
// satisfied by *kv.Store. The driver calls Snapshot when SnapshotCount
// is exceeded and Restore when a Ready batch carries an installed
// snapshot from the leader.
type Snapshotter interface {
	Snapshot() ([]byte, error)
	Restore([]byte) error
}

// Status is a consistent, read-only view of the node's volatile raft
// state, published once per processed Ready batch so observers never
// read fields the driver goroutine is concurrently mutating (§5).
type Status struct {
	Role         raftpkg.Role
	Leader       string
	Term         uint64
	CommitIndex  uint64
	AppliedIndex uint64
	Voters       []string
}

type statusBox struct {
	mu sync.RWMutex
	s  Status
}

func (b *statusBox) get() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.s
}

func (b *statusBox) set(s Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.s = s
}

type proposeRequest struct {
	data     []byte
	isConf   bool
	cc       raftpkg.ConfChangeV2
	resultCh chan proposeResult
}

type proposeResult struct {
	index  uint64
	err    error
	waitCh chan error
}

// Driver wires a raft.Raft to storage, transport, and the apply
// pipeline, and owns the goroutine that drives all three.
type Driver struct {
	r           *raftpkg.Raft
	storage     *storage.Storage
	sender      Sender
	pipeline    *apply.Pipeline
	snapshotter Snapshotter
	tick        time.Duration
	proposeC    chan proposeRequest
	inbox       <-chan raftpkg.Message
	stopCh      chan struct{}
	doneCh      chan struct{}
	log         zerolog.Logger

	proposeTimeout    time.Duration
	confChangeRetries int
	snapshotCount     uint64
	lastSnapshotIndex uint64

	status statusBox

	pending map[uint64]chan error
}

// New builds a Driver. inbox is the transport's received-message
// channel; tickInterval is the external tick period (SPEC_FULL.md §4.4
// default 100ms). snapshotCount is the number of applied entries
// between automatic compactions (0 disables automatic snapshotting).
func New(r *raftpkg.Raft, store *storage.Storage, sender Sender, pipeline *apply.Pipeline, snapshotter Snapshotter, snapshotCount uint64, inbox <-chan raftpkg.Message, tickInterval time.Duration, log zerolog.Logger) *Driver {
	d := &Driver{
		r:                 r,
		storage:           store,
		sender:            sender,
		pipeline:          pipeline,
		snapshotter:       snapshotter,
		tick:              tickInterval,
		proposeC:          make(chan proposeRequest),
		inbox:             inbox,
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
		log:               log.With().Str("component", "driver").Logger(),
		proposeTimeout:    DefaultProposeTimeout,
		confChangeRetries: DefaultConfChangeRetries,
		snapshotCount:     snapshotCount,
		lastSnapshotIndex: store.Snapshot().Metadata.Index,
		pending:           map[uint64]chan error{},
	}
	pipeline.SetAppliedCallback(d.onApplied)
	return d
}

// Status returns a point-in-time, race-free snapshot of the node's
// volatile raft state.
func (d *Driver) Status() Status { return d.status.get() }

// Run is the driver's main loop; call it in its own goroutine. It
// returns once Stop is called, after draining one final Ready.
func (d *Driver) Run() {
	defer close(d.doneCh)
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.r.Tick()
			d.processReady()
		case m := <-d.inbox:
			d.r.Step(m)
			d.processReady()
		case req := <-d.proposeC:
			d.handlePropose(req)
			d.processReady()
		case <-d.stopCh:
			d.processReady() // one final drain, per the shutdown contract
			d.failAllPending(ErrStopped)
			return
		}
	}
}

func (d *Driver) handlePropose(req proposeRequest) {
	var idx uint64
	var err error
	if req.isConf {
		idx, err = d.r.ProposeConfChange(req.cc)
	} else {
		idx, err = d.r.Propose(req.data)
	}
	if err != nil {
		req.resultCh <- proposeResult{err: err}
		return
	}
	waitCh := make(chan error, 1)
	d.pending[idx] = waitCh
	req.resultCh <- proposeResult{index: idx, waitCh: waitCh}
}

func (d *Driver) onApplied(index uint64, err error) {
	if ch, ok := d.pending[index]; ok && ch != nil {
		ch <- err
		delete(d.pending, index)
	}
}

func (d *Driver) failAllPending(err error) {
	for idx, ch := range d.pending {
		if ch != nil {
			ch <- err
		}
		delete(d.pending, idx)
	}
}

// processReady drains and handles exactly one Ready batch in the
// mandated order: persist snapshot, persist entries, persist HardState,
// send messages, apply committed entries, advance.
func (d *Driver) processReady() {
	rd := d.r.Ready()
	if !rd.HasUpdates() {
		return
	}
	if rd.Snapshot.Metadata.Index != 0 || rd.Snapshot.Metadata.Term != 0 {
		d.installSnapshot(rd.Snapshot)
	}
	if len(rd.Entries) > 0 {
		if err := d.storage.Append(rd.Entries); err != nil {
			d.log.Warn().Err(err).Msg("failed to persist entries")
		}
	}
	if !(rd.HardState == raftpkg.HardState{}) {
		if err := d.storage.SetHardState(rd.HardState); err != nil {
			d.log.Warn().Err(err).Msg("failed to persist hard state")
		}
	}
	for _, m := range rd.Messages {
		d.sender.Send(m)
	}
	if len(rd.CommittedEntries) > 0 {
		if err := d.pipeline.Apply(rd.CommittedEntries); err != nil {
			d.log.Error().Err(err).Msg("fatal apply failure")
			panic(fmt.Sprintf("driver: fatal apply failure: %v", err))
		}
		if err := d.storage.SetAppliedIndex(d.pipeline.AppliedIndex()); err != nil {
			d.log.Warn().Err(err).Msg("failed to persist applied index")
		}
		d.maybeSnapshot()
	}
	d.r.Advance(rd)
	d.publishStatus()
}

// installSnapshot persists a leader-installed snapshot and restores the
// external state machine from it before anything else in the batch is
// processed, so the apply pipeline never sees committed entries the
// snapshot already covers applied against stale state.
func (d *Driver) installSnapshot(snap raftpkg.Snapshot) {
	if err := d.storage.ApplySnapshot(snap); err != nil {
		d.log.Warn().Err(err).Msg("failed to persist installed snapshot")
	}
	if err := d.snapshotter.Restore(snap.Data); err != nil {
		d.log.Error().Err(err).Msg("fatal: failed to restore state machine from snapshot")
		panic(fmt.Sprintf("driver: fatal snapshot restore failure: %v", err))
	}
	d.pipeline.SetAppliedIndex(snap.Metadata.Index)
	if err := d.storage.SetAppliedIndex(snap.Metadata.Index); err != nil {
		d.log.Warn().Err(err).Msg("failed to persist applied index after snapshot install")
	}
	d.lastSnapshotIndex = snap.Metadata.Index
}

// maybeSnapshot compacts the log once SnapshotCount entries have been
// applied since the last compaction; 0 disables automatic compaction.
func (d *Driver) maybeSnapshot() {
	if d.snapshotCount == 0 {
		return
	}
	applied := d.pipeline.AppliedIndex()
	if applied < d.lastSnapshotIndex+d.snapshotCount {
		return
	}
	data, err := d.snapshotter.Snapshot()
	if err != nil {
		d.log.Warn().Err(err).Msg("failed to snapshot state machine, skipping compaction")
		return
	}
	snap, err := d.r.CreateSnapshot(applied, data)
	if err != nil {
		d.log.Warn().Err(err).Msg("failed to build snapshot, skipping compaction")
		return
	}
	if err := d.storage.Compact(snap); err != nil {
		d.log.Warn().Err(err).Msg("failed to persist compaction")
		return
	}
	d.lastSnapshotIndex = snap.Metadata.Index
	d.log.Info().Uint64("index", snap.Metadata.Index).Msg("compacted log")
}

func (d *Driver) publishStatus() {
	d.status.set(Status{
		Role:         d.r.Role(),
		Leader:       d.r.Leader(),
		Term:         d.r.Term(),
		CommitIndex:  d.r.CommitIndex(),
		AppliedIndex: d.pipeline.AppliedIndex(),
		Voters:       d.r.ConfState().Voters,
	})
}

// Stop signals the driver to exit after one final Ready drain and waits
// for it to do so.
func (d *Driver) Stop() {
	select {
	case <-d.stopCh:
	default:
		close(d.stopCh)
	}
	<-d.doneCh
}

// Propose submits data as a normal log entry and blocks until it is
// applied, ctx is done, or the propose timeout elapses.
func (d *Driver) Propose(ctx context.Context, data []byte) (uint64, error) {
	return d.propose(ctx, proposeRequest{data: data})
}

// ProposeConfChange submits a configuration change and blocks until it
// is applied. Per SPEC_FULL.md §4.4, the caller retries up to
// confChangeRetries times with exponential backoff on ErrConfChangeInFlight.
func (d *Driver) ProposeConfChange(ctx context.Context, cc raftpkg.ConfChangeV2) (uint64, error) {
	backoff := 200 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= d.confChangeRetries; attempt++ {
		idx, err := d.propose(ctx, proposeRequest{isConf: true, cc: cc})
		if err == nil {
			return idx, nil
		}
		if !errors.Is(err, raftpkg.ErrConfChangeInFlight) {
			return 0, err
		}
		lastErr = err
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		backoff *= 2
	}
	return 0, lastErr
}

func (d *Driver) propose(ctx context.Context, req proposeRequest) (uint64, error) {
	req.resultCh = make(chan proposeResult, 1)
	select {
	case d.proposeC <- req:
	case <-d.stopCh:
		return 0, ErrStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	var res proposeResult
	select {
	case res = <-req.resultCh:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	if res.err != nil {
		return 0, res.err
	}
	return d.waitApplied(ctx, res.index, res.waitCh)
}

func (d *Driver) waitApplied(ctx context.Context, index uint64, ch chan error) (uint64, error) {
	timeout := time.NewTimer(d.proposeTimeout)
	defer timeout.Stop()
	select {
	case err := <-ch:
		return index, err
	case <-timeout.C:
		return index, ErrProposeTimeout
	case <-ctx.Done():
		return index, ctx.Err()
	case <-d.stopCh:
		return index, ErrStopped
	}
}
