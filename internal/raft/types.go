// Package raft implements the leader-election and log-replication state
// machine described by the replicated core: roles, ticks, the Ready batch,
// and the RequestVote/AppendEntries/InstallSnapshot handlers. It never
// touches a socket or a disk directly; callers own persistence (see
// internal/storage) and transport (see internal/transport) and feed their
// results back in through Step and Advance.
package raft

import "fmt"

// Role is one of the three (plus transient PreCandidate) Raft roles.
type Role int

const (
	RoleFollower Role = iota
	RolePreCandidate
	RoleCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RolePreCandidate:
		return "pre-candidate"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// EntryType tags what a LogEntry carries.
type EntryType int

const (
	EntryNormal EntryType = iota
	EntryConfChange
	EntryConfChangeV2
)

// LogEntry is the unit of replication. Index 0 is never produced; it is
// reserved as the zero-value sentinel so that log[0] can stand in for
// "nothing replicated yet" without a separate empty-log special case.
type LogEntry struct {
	Term  uint64
	Index uint64
	Type  EntryType
	Data  []byte
}

// HardState is the subset of state that must be durable before any
// message derived from it is sent.
type HardState struct {
	Term   uint64
	Vote   string
	Commit uint64
}

func (a HardState) equal(b HardState) bool {
	return a.Term == b.Term && a.Vote == b.Vote && a.Commit == b.Commit
}

func isEmptyHardState(hs HardState) bool {
	return hs.Term == 0 && hs.Vote == "" && hs.Commit == 0
}

// ConfState is the active membership as of the most recently applied
// configuration change (or the initial configuration before any change).
type ConfState struct {
	Voters  []string
	Learners []string
}

// Clone returns a deep copy of cs.
func (cs ConfState) Clone() ConfState {
	out := ConfState{
		Voters:   append([]string(nil), cs.Voters...),
		Learners: append([]string(nil), cs.Learners...),
	}
	return out
}

// ConfChangeType distinguishes single-step membership operations.
type ConfChangeType int

const (
	ConfChangeAddNode ConfChangeType = iota
	ConfChangeAddLearnerNode
	ConfChangeRemoveNode
)

// ConfChange is a single membership mutation, the payload of an
// EntryConfChange log entry.
type ConfChange struct {
	Type   ConfChangeType
	NodeID string
	Address string
}

// ConfChangeTransition controls whether a ConfChangeV2 goes through an
// intermediate joint configuration.
type ConfChangeTransition int

const (
	TransitionAuto ConfChangeTransition = iota
	TransitionJoint
)

// ConfChangeV2 is the payload of an EntryConfChangeV2 log entry: zero or
// more single-step changes applied together, optionally through joint
// consensus per SPEC_FULL.md §4.2.5. A zero-length Changes slice with
// Transition set is the auto-appended entry that leaves joint mode.
type ConfChangeV2 struct {
	Transition ConfChangeTransition
	Changes    []ConfChange
}

// MessageType enumerates the wire messages peers exchange.
type MessageType int

const (
	MsgVote MessageType = iota
	MsgVoteResp
	MsgPreVote
	MsgPreVoteResp
	MsgApp
	MsgAppResp
	MsgHeartbeat
	MsgHeartbeatResp
	MsgSnap
	MsgSnapResp
)

func (t MessageType) String() string {
	names := [...]string{"MsgVote", "MsgVoteResp", "MsgPreVote", "MsgPreVoteResp",
		"MsgApp", "MsgAppResp", "MsgHeartbeat", "MsgHeartbeatResp", "MsgSnap", "MsgSnapResp"}
	if int(t) < len(names) {
		return names[t]
	}
	return fmt.Sprintf("MessageType(%d)", int(t))
}

// Message is a single unit exchanged between raft instances, either over
// the wire (internal/transport) or looped back locally for self-sends.
type Message struct {
	Type MessageType
	From string
	To   string
	Term uint64

	// RequestVote / PreVote
	LastLogIndex uint64
	LastLogTerm  uint64

	// RequestVote / PreVote response
	VoteGranted bool

	// AppendEntries
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []LogEntry
	LeaderCommit uint64

	// AppendEntries response
	Success      bool
	ConflictIndex uint64
	ConflictTerm  uint64
	MatchIndex    uint64

	// InstallSnapshot
	Snapshot Snapshot
}

// Snapshot is a point-in-time compaction of the log plus the membership
// as of that point.
type Snapshot struct {
	Metadata SnapshotMetadata
	Data     []byte
}

type SnapshotMetadata struct {
	Index     uint64
	Term      uint64
	ConfState ConfState
}

func (s Snapshot) empty() bool {
	return s.Metadata.Index == 0 && s.Metadata.Term == 0
}

// SoftState is the volatile, non-durable state an observer may want to
// react to (a changed leader or role does not itself need to be
// persisted or sent anywhere).
type SoftState struct {
	Lead string
	Role Role
}

func (a SoftState) equal(b SoftState) bool {
	return a.Lead == b.Lead && a.Role == b.Role
}

// Ready bundles everything that became ready to persist, send, or apply
// since the last call to Advance. Callers MUST process it in this exact
// order: persist Entries, persist HardState, send Messages, apply
// CommittedEntries, then call Advance.
type Ready struct {
	SoftState        *SoftState
	HardState        HardState
	Entries          []LogEntry
	Snapshot         Snapshot
	CommittedEntries []LogEntry
	Messages         []Message
}

// HasUpdates reports whether rd carries anything worth persisting,
// sending, or applying.
func (rd Ready) HasUpdates() bool {
	return rd.containsUpdates()
}

func (rd Ready) containsUpdates() bool {
	return rd.SoftState != nil || !isEmptyHardState(rd.HardState) ||
		len(rd.Entries) > 0 || !rd.Snapshot.empty() ||
		len(rd.CommittedEntries) > 0 || len(rd.Messages) > 0
}
