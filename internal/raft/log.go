package raft

// raftLog holds the in-memory view of the replicated log: a suffix of
// entries starting just after the last snapshot, plus the snapshot
// metadata itself. Entry index 0 is never produced (see LogEntry); an
// empty log has offset 0 and no entries, so index 0 reads back as the
// zero-value sentinel entry.
type raftLog struct {
	entries  []LogEntry // entries[i] has Index == offset+1+i
	offset   uint64     // index of the last entry folded into snapshot
	offsetTerm uint64
	snapshot Snapshot
	committed uint64
	applied   uint64
	stable    uint64 // highest index already durable; see unstableEntries
}

func newRaftLog() *raftLog {
	return &raftLog{}
}

func (l *raftLog) restore(hs HardState, snap Snapshot, entries []LogEntry) {
	l.snapshot = snap
	l.offset = snap.Metadata.Index
	l.offsetTerm = snap.Metadata.Term
	l.entries = append([]LogEntry(nil), entries...)
	l.committed = hs.Commit
	l.applied = snap.Metadata.Index
	// entries handed to restore came from storage, so they are already
	// durable; only entries appended after this point are unstable.
	l.stable = l.lastIndex()
}

// unstableEntries returns the suffix of the log that has not yet been
// reported to the caller via Ready.Entries for persistence.
func (l *raftLog) unstableEntries() []LogEntry {
	return l.slice(l.stable+1, l.lastIndex()+1)
}

// stableTo records that entries up to and including index are now
// durable, so they are no longer included in unstableEntries.
func (l *raftLog) stableTo(index uint64) {
	if index > l.stable {
		l.stable = index
	}
}

func (l *raftLog) lastIndex() uint64 {
	if n := len(l.entries); n > 0 {
		return l.entries[n-1].Index
	}
	return l.offset
}

func (l *raftLog) lastTerm() uint64 {
	if n := len(l.entries); n > 0 {
		return l.entries[n-1].Term
	}
	return l.offsetTerm
}

// termAt returns the term of the entry at index i, or (0, false) if i
// precedes the snapshot or is beyond the end of the log.
func (l *raftLog) termAt(i uint64) (uint64, bool) {
	if i == l.offset {
		return l.offsetTerm, true
	}
	if i < l.offset {
		return 0, false
	}
	pos := i - l.offset - 1
	if pos >= uint64(len(l.entries)) {
		return 0, false
	}
	return l.entries[pos].Term, true
}

// slice returns entries with Index in [lo, hi).
func (l *raftLog) slice(lo, hi uint64) []LogEntry {
	if hi <= lo {
		return nil
	}
	if lo <= l.offset {
		lo = l.offset + 1
	}
	if hi > l.lastIndex()+1 {
		hi = l.lastIndex() + 1
	}
	if lo >= hi {
		return nil
	}
	start := lo - l.offset - 1
	end := hi - l.offset - 1
	out := make([]LogEntry, end-start)
	copy(out, l.entries[start:end])
	return out
}

// isUpToDate reports whether a candidate whose last entry has
// (lastTerm, lastIndex) is at least as up to date as this log, per the
// RequestVote comparison rule: higher term wins outright, equal term
// compares index.
func (l *raftLog) isUpToDate(lastTerm, lastIndex uint64) bool {
	myTerm := l.lastTerm()
	if lastTerm != myTerm {
		return lastTerm > myTerm
	}
	return lastIndex >= l.lastIndex()
}

// matchAndAppend adds entries starting at the given previous index/term after
// verifying the match, truncating any conflicting suffix first. Returns
// false if prevLogIndex/prevLogTerm do not match (caller should reject).
func (l *raftLog) matchAndAppend(prevLogIndex, prevLogTerm uint64, entries []LogEntry) (matched bool, conflictIndex, conflictTerm uint64) {
	if prevLogIndex > 0 {
		t, ok := l.termAt(prevLogIndex)
		if !ok || t != prevLogTerm {
			if !ok {
				return false, l.lastIndex() + 1, 0
			}
			conflictTerm = t
			conflictIndex = prevLogIndex
			for conflictIndex > l.offset+1 {
				pt, _ := l.termAt(conflictIndex - 1)
				if pt != conflictTerm {
					break
				}
				conflictIndex--
			}
			return false, conflictIndex, conflictTerm
		}
	}
	insertAt := prevLogIndex + 1
	for i, e := range entries {
		existingTerm, ok := l.termAt(e.Index)
		if ok && existingTerm == e.Term {
			continue
		}
		// conflict (or new territory): truncate here and append the rest.
		l.truncateAfter(insertAt + uint64(i) - 1)
		l.entries = append(l.entries, entries[i:]...)
		break
	}
	return true, 0, 0
}

// truncateAfter drops every entry with Index > after.
func (l *raftLog) truncateAfter(after uint64) {
	if after >= l.lastIndex() {
		return
	}
	if after < l.offset {
		after = l.offset
	}
	keep := after - l.offset
	l.entries = append([]LogEntry(nil), l.entries[:keep]...)
	// a truncated entry may have already been reported as durable; the
	// storage layer's own overlap-truncates-tail handling (see
	// internal/storage.Append) re-persists from the new first index, so
	// the unstable window must widen back to cover it.
	if l.stable > after {
		l.stable = after
	}
}

func (l *raftLog) appendEntry(e LogEntry) {
	l.entries = append(l.entries, e)
}

func (l *raftLog) commitTo(index uint64) {
	if index > l.committed && index <= l.lastIndex() {
		l.committed = index
	}
}

func (l *raftLog) nextCommittedEntries() []LogEntry {
	if l.applied >= l.committed {
		return nil
	}
	return l.slice(l.applied+1, l.committed+1)
}

func (l *raftLog) appliedTo(index uint64) {
	if index > l.applied {
		l.applied = index
	}
}

// compact folds everything up to and including newSnapshot's index into
// the snapshot, discarding the now-redundant entry prefix.
func (l *raftLog) compact(newSnapshot Snapshot) {
	idx := newSnapshot.Metadata.Index
	if idx <= l.offset {
		return
	}
	term, _ := l.termAt(idx)
	l.entries = append([]LogEntry(nil), l.slice(idx+1, l.lastIndex()+1)...)
	l.offset = idx
	l.offsetTerm = term
	l.snapshot = newSnapshot
	if l.applied < idx {
		l.applied = idx
	}
	if l.committed < idx {
		l.committed = idx
	}
	if l.stable < idx {
		l.stable = idx
	}
}
