// Package storage implements the durable log/state layer: one file per
// node containing a gob-encoded, CRC32-checked blob of HardState,
// ConfState, the log entry suffix, and the most recent snapshot. Writes
// are crash-safe: the new blob is written to a temp file in the same
// directory and renamed into place, so a crash mid-write never corrupts
// the previous generation.
package storage

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/raftdb/raftcore/internal/raft"
)

// ErrCorrupt is returned when the on-disk blob fails its CRC check and
// no usable backup generation exists.
var ErrCorrupt = errors.New("storage: checksum mismatch")

// ErrUnavailable signals the entries requested by Entries have been
// compacted away; the caller must fall back to InstallSnapshot.
var ErrUnavailable = errors.New("storage: requested entries are compacted")

const tmpSuffix = ".tmp"

type blob struct {
	HardState    raft.HardState
	ConfState    raft.ConfState
	Entries      []raft.LogEntry
	Snapshot     raft.Snapshot
	AppliedIndex uint64
}

// Storage is a single node's durable Raft state. All exported methods
// are safe for concurrent use.
type Storage struct {
	mu   sync.RWMutex
	path string
	log  zerolog.Logger

	hs           raft.HardState
	cs           raft.ConfState
	entries      []raft.LogEntry // entries[i].Index == offset+1+i
	offset       uint64
	snapshot     raft.Snapshot
	appliedIndex uint64

	metrics *Metrics
}

// Open loads (or creates) the state file for the given raft_id under
// dir, following the node_<raft_id>_state.json naming convention.
func Open(dir, raftID string, logger zerolog.Logger, metrics *Metrics) (*Storage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("node_%s_state.json", raftID))
	s := &Storage{path: path, log: logger.With().Str("component", "storage").Logger(), metrics: metrics}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Storage) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil // brand new node: empty state is valid
	}
	if err != nil {
		return fmt.Errorf("storage: read %s: %w", s.path, err)
	}
	b, err := decodeBlob(data)
	if err != nil {
		s.log.Warn().Err(err).Msg("state file failed checksum, trying backup generation")
		backup, berr := os.ReadFile(s.path + tmpSuffix)
		if berr != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		b, err = decodeBlob(backup)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}
	s.hs = b.HardState
	s.cs = b.ConfState
	s.entries = b.Entries
	s.snapshot = b.Snapshot
	s.offset = b.Snapshot.Metadata.Index
	s.appliedIndex = b.AppliedIndex
	if last := s.LastIndexLocked(); s.hs.Commit > last {
		s.log.Warn().Uint64("commit", s.hs.Commit).Uint64("last_index", last).Msg("hard state commit beyond last entry, clamping")
		s.hs.Commit = last
	}
	return nil
}

func decodeBlob(data []byte) (blob, error) {
	if len(data) < 4 {
		return blob{}, fmt.Errorf("storage: truncated state file")
	}
	payload := data[:len(data)-4]
	wantSum := bigEndianUint32(data[len(data)-4:])
	gotSum := crc32.ChecksumIEEE(payload)
	if gotSum != wantSum {
		return blob{}, fmt.Errorf("storage: crc mismatch (want %x got %x)", wantSum, gotSum)
	}
	var b blob
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&b); err != nil {
		return blob{}, fmt.Errorf("storage: decode: %w", err)
	}
	return b, nil
}

func bigEndianUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func putBigEndianUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

// persist serializes the current in-memory state and atomically
// replaces the state file: write to dir/node_X_state.json.tmp, fsync,
// rename over the real path. Until the rename the previous generation
// stays intact at the real path and the new one sits complete at the
// .tmp path, which load() reads only as a fallback when the real file
// fails its checksum, never as the primary source.
func (s *Storage) persist() error {
	b := blob{HardState: s.hs, ConfState: s.cs, Entries: s.entries, Snapshot: s.snapshot, AppliedIndex: s.appliedIndex}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(b); err != nil {
		s.recordFailure(err)
		return fmt.Errorf("storage: encode: %w", err)
	}
	sum := crc32.ChecksumIEEE(buf.Bytes())
	var trailer [4]byte
	putBigEndianUint32(trailer[:], sum)

	tmpPath := s.path + tmpSuffix
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		s.recordFailure(err)
		return fmt.Errorf("storage: open tmp: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		s.recordFailure(err)
		return fmt.Errorf("storage: write tmp: %w", err)
	}
	if _, err := f.Write(trailer[:]); err != nil {
		f.Close()
		s.recordFailure(err)
		return fmt.Errorf("storage: write trailer: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		s.recordFailure(err)
		return fmt.Errorf("storage: fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		s.recordFailure(err)
		return fmt.Errorf("storage: close tmp: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		s.recordFailure(err)
		return fmt.Errorf("storage: rename: %w", err)
	}
	if s.metrics != nil {
		s.metrics.LastPersistSuccess()
	}
	return nil
}

func (s *Storage) recordFailure(err error) {
	s.log.Warn().Err(err).Msg("persistence failed, continuing with in-memory state")
	if s.metrics != nil {
		s.metrics.RecordPersistenceFailure()
	}
}

// InitialState returns the durable HardState/ConfState recovered at
// Open.
func (s *Storage) InitialState() (raft.HardState, raft.ConfState) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hs, s.cs.Clone()
}

// SetConfState persists a new ConfState, e.g. after applying a
// configuration change.
func (s *Storage) SetConfState(cs raft.ConfState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cs = cs.Clone()
	return s.persist()
}

// SetHardState persists a new HardState. Per the ordering contract, the
// caller must have already called Append for any entries this
// HardState's Commit references.
func (s *Storage) SetHardState(hs raft.HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hs = hs
	return s.persist()
}

// AppliedIndex returns the durably-recorded applied-index watermark: the
// highest index passed to SetAppliedIndex or covered by ApplySnapshot.
func (s *Storage) AppliedIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.appliedIndex
}

// SetAppliedIndex persists the applied-index watermark alongside
// HardState, per SPEC_FULL.md §4.5/§6. Lower or equal indices are
// ignored: the watermark never moves backward.
func (s *Storage) SetAppliedIndex(idx uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx <= s.appliedIndex {
		return nil
	}
	s.appliedIndex = idx
	return s.persist()
}

// FirstIndex returns the index after the last compacted/snapshotted
// entry; entries at or before it are unavailable.
func (s *Storage) FirstIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offset + 1
}

// LastIndex returns the index of the last durable entry, or the
// snapshot index if the log is empty.
func (s *Storage) LastIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n := len(s.entries); n > 0 {
		return s.entries[n-1].Index
	}
	return s.offset
}

// Term returns the term of the durable entry at index i.
func (s *Storage) Term(i uint64) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i == s.offset {
		return s.snapshot.Metadata.Term, nil
	}
	if i < s.offset {
		return 0, ErrUnavailable
	}
	pos := i - s.offset - 1
	if pos >= uint64(len(s.entries)) {
		return 0, fmt.Errorf("storage: index %d out of range", i)
	}
	return s.entries[pos].Term, nil
}

// Entries returns log entries in [lo, hi), bounded by maxBytes of
// (approximate) payload size once maxBytes > 0.
func (s *Storage) Entries(lo, hi, maxBytes uint64) ([]raft.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if lo <= s.offset {
		return nil, ErrUnavailable
	}
	if hi > s.LastIndexLocked()+1 {
		hi = s.LastIndexLocked() + 1
	}
	if lo >= hi {
		return nil, nil
	}
	start := lo - s.offset - 1
	end := hi - s.offset - 1
	out := make([]raft.LogEntry, 0, end-start)
	var size uint64
	for _, e := range s.entries[start:end] {
		out = append(out, e)
		size += uint64(len(e.Data))
		if maxBytes > 0 && size > maxBytes {
			break
		}
	}
	return out, nil
}

// LastIndexLocked is LastIndex without re-acquiring the read lock, for
// internal callers already holding it.
func (s *Storage) LastIndexLocked() uint64 {
	if n := len(s.entries); n > 0 {
		return s.entries[n-1].Index
	}
	return s.offset
}

// Append durably appends entries. Per the append contract: entries that
// overlap the existing tail truncate it first (the leader's version
// always wins); a gap between the existing log and the first new entry
// is an error, never silently padded.
func (s *Storage) Append(entries []raft.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	first := entries[0].Index
	last := s.LastIndexLocked()
	if first > last+1 {
		return fmt.Errorf("storage: gap in log, have up to %d, got first new index %d", last, first)
	}
	if first <= s.offset {
		// entirely covered by the snapshot already; keep only the part
		// that extends past it.
		for len(entries) > 0 && entries[0].Index <= s.offset {
			entries = entries[1:]
		}
		if len(entries) == 0 {
			return s.persist()
		}
		first = entries[0].Index
	}
	keep := first - s.offset - 1
	if keep > uint64(len(s.entries)) {
		keep = uint64(len(s.entries))
	}
	s.entries = append(s.entries[:keep:keep], entries...)
	return s.persist()
}

// Snapshot returns the most recent snapshot.
func (s *Storage) Snapshot() raft.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// ApplySnapshot installs a snapshot received from the leader, replacing
// whatever log state existed before it.
func (s *Storage) ApplySnapshot(snap raft.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = snap
	s.offset = snap.Metadata.Index
	s.entries = nil
	s.cs = snap.Metadata.ConfState.Clone()
	if snap.Metadata.Index > s.hs.Commit {
		s.hs.Commit = snap.Metadata.Index
	}
	if snap.Metadata.Index > s.appliedIndex {
		s.appliedIndex = snap.Metadata.Index
	}
	return s.persist()
}

// Compact folds everything up to newSnapshot's index into the
// snapshot and discards the corresponding entry prefix.
func (s *Storage) Compact(newSnapshot raft.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := newSnapshot.Metadata.Index
	if idx <= s.offset {
		return nil
	}
	if idx > s.LastIndexLocked() {
		return fmt.Errorf("storage: compact index %d beyond last index %d", idx, s.LastIndexLocked())
	}
	keep := idx - s.offset
	s.entries = append([]raft.LogEntry(nil), s.entries[keep:]...)
	s.offset = idx
	s.snapshot = newSnapshot
	return s.persist()
}

// Close releases resources; Storage keeps no open file handles between
// calls (each persist opens, writes, and closes its own tmp file), so
// Close only exists to satisfy io.Closer-shaped call sites.
func (s *Storage) Close() error { return nil }

var _ io.Closer = (*Storage)(nil)
