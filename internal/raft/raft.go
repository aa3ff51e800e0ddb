package raft

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"github.com/rs/zerolog"
)

var (
	// ErrProposalDropped is returned by Propose/ProposeConfChange when
	// called on a non-leader; the caller already knows the leader hint
	// from Raft.Leader(), so no hint is attached here.
	ErrProposalDropped = errors.New("raft: proposal dropped, not leader")
	// ErrConfChangeInFlight is returned when a second configuration
	// change is proposed while one is still uncommitted/unapplied or
	// while the cluster is mid-joint-consensus.
	ErrConfChangeInFlight = errors.New("raft: configuration change already in flight")
)

// Config configures a single Raft instance. Timeouts are expressed in
// ticks, not wall-clock time; the driver decides how long a tick is.
type Config struct {
	ID                string
	ElectionTick      int
	HeartbeatTick     int
	PreVote           bool
	Logger            zerolog.Logger
}

// Raft is the leader-election and log-replication state machine. It owns
// no goroutines, no disk, and no socket: a driver feeds it ticks and
// inbound messages via Step, drains Ready, and persists/sends/applies on
// its behalf before calling Advance.
type Raft struct {
	id   string
	cfg  Config
	log  *zerolog.Logger

	term uint64
	vote string
	role Role
	lead string

	cs            ConfState
	jointOutgoing []string // non-nil while in joint consensus

	electionElapsed  int
	heartbeatElapsed int
	randomizedTimeout int

	votes map[string]bool

	nextIndex  map[string]uint64
	matchIndex map[string]uint64

	raftLog *raftLog

	msgs []Message

	pendingSnapshot *Snapshot

	pendingConfChange bool

	prevSoftSt *SoftState
	prevHardSt HardState

	rng *rand.Rand
}

// New constructs a Raft restored from the given durable state. hs and cs
// come from storage's InitialState-equivalent; entries and snapshot are
// whatever storage had on disk (possibly empty, for a brand new node).
func New(cfg Config, hs HardState, cs ConfState, entries []LogEntry, snapshot Snapshot, seed int64) *Raft {
	l := newRaftLog()
	l.restore(hs, snapshot, entries)
	r := &Raft{
		id:      cfg.ID,
		cfg:     cfg,
		log:     &cfg.Logger,
		term:    hs.Term,
		vote:    hs.Vote,
		role:    RoleFollower,
		cs:      cs.Clone(),
		raftLog: l,
		rng:     rand.New(rand.NewSource(seed)),
	}
	r.resetRandomizedTimeout()
	return r
}

func (r *Raft) Leader() string { return r.lead }
func (r *Raft) Role() Role     { return r.role }
func (r *Raft) Term() uint64   { return r.term }
func (r *Raft) CommitIndex() uint64 { return r.raftLog.committed }
func (r *Raft) AppliedIndex() uint64 { return r.raftLog.applied }
func (r *Raft) ConfState() ConfState { return r.cs.Clone() }

func (r *Raft) quorumSize(voters []string) int { return len(voters)/2 + 1 }

func (r *Raft) isVoter(id string) bool {
	for _, v := range r.cs.Voters {
		if v == id {
			return true
		}
	}
	return false
}

func (r *Raft) resetRandomizedTimeout() {
	r.randomizedTimeout = r.cfg.ElectionTick + r.rng.Intn(r.cfg.ElectionTick)
}

// Tick advances the logical clock by one tick; the driver calls this
// once per external 100ms-equivalent tick.
func (r *Raft) Tick() {
	switch r.role {
	case RoleLeader:
		r.heartbeatElapsed++
		if r.heartbeatElapsed >= r.cfg.HeartbeatTick {
			r.heartbeatElapsed = 0
			r.broadcastHeartbeat()
		}
	default:
		if len(r.cs.Voters) == 1 && r.cs.Voters[0] == r.id {
			// single-node bootstrap fast path: no point waiting out an
			// election timeout for peers that do not exist, so campaign
			// on the very first tick rather than the randomized timeout.
			r.campaign(false)
			return
		}
		r.electionElapsed++
		if r.electionElapsed >= r.randomizedTimeout {
			r.electionElapsed = 0
			if r.cfg.PreVote {
				r.campaign(true)
			} else {
				r.campaign(false)
			}
		}
	}
}

func (r *Raft) becomeFollower(term uint64, leader string) {
	r.role = RoleFollower
	r.term = term
	r.vote = ""
	r.lead = leader
	r.electionElapsed = 0
	r.resetRandomizedTimeout()
	r.log.Debug().Str("node", r.id).Uint64("term", term).Str("leader", leader).Msg("became follower")
}

func (r *Raft) becomePreCandidate() {
	r.role = RolePreCandidate
	r.lead = ""
	r.votes = map[string]bool{r.id: true}
	r.electionElapsed = 0
	r.resetRandomizedTimeout()
}

func (r *Raft) becomeCandidate() {
	r.role = RoleCandidate
	r.term++
	r.vote = r.id
	r.lead = ""
	r.votes = map[string]bool{r.id: true}
	r.electionElapsed = 0
	r.resetRandomizedTimeout()
	r.log.Debug().Str("node", r.id).Uint64("term", r.term).Msg("became candidate")
}

func (r *Raft) becomeLeader() {
	r.role = RoleLeader
	r.lead = r.id
	r.heartbeatElapsed = 0
	r.nextIndex = map[string]uint64{}
	r.matchIndex = map[string]uint64{}
	last := r.raftLog.lastIndex()
	for _, v := range r.allVoters() {
		r.nextIndex[v] = last + 1
		r.matchIndex[v] = 0
	}
	r.matchIndex[r.id] = last
	// a leader appends and immediately replicates a no-op entry so it
	// can establish whether any entries from prior terms are actually
	// committed (Raft §8, the "commit entries from prior term" problem).
	r.appendLocal(LogEntry{Type: EntryNormal, Data: nil})
	for _, v := range r.allVoters() {
		if v != r.id {
			r.sendAppend(v)
		}
	}
	r.log.Info().Str("node", r.id).Uint64("term", r.term).Msg("became leader")
}

func (r *Raft) allVoters() []string {
	set := map[string]struct{}{}
	for _, v := range r.cs.Voters {
		set[v] = struct{}{}
	}
	for _, v := range r.jointOutgoing {
		set[v] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	return out
}

func (r *Raft) campaign(preVote bool) {
	if preVote {
		r.becomePreCandidate()
	} else {
		r.becomeCandidate()
	}
	voters := r.cs.Voters
	if len(voters) == 1 && voters[0] == r.id {
		if preVote {
			r.campaign(false)
		} else {
			r.becomeLeader()
		}
		return
	}
	term := r.term
	if preVote {
		term = r.term + 1
	}
	for _, peer := range voters {
		if peer == r.id {
			continue
		}
		mt := MsgVote
		if preVote {
			mt = MsgPreVote
		}
		r.send(Message{
			Type:         mt,
			From:         r.id,
			To:           peer,
			Term:         term,
			LastLogIndex: r.raftLog.lastIndex(),
			LastLogTerm:  r.raftLog.lastTerm(),
		})
	}
}

func (r *Raft) send(m Message) {
	m.From = r.id
	r.msgs = append(r.msgs, m)
}

// Step is the single entry point for externally-arriving messages (peer
// RPCs delivered by the transport).
func (r *Raft) Step(m Message) error {
	switch {
	case m.Term > r.term:
		switch {
		case m.Type == MsgPreVote:
			// never adopt a term from a PreVote request: the sender has
			// not won anything at that term yet, and doing so would let
			// a partitioned or rejoining node force a live leader to
			// step down (§4.2, invariant 1) merely by asking.
		case m.Type == MsgPreVoteResp && m.VoteGranted:
			// m.Term here is only the prospective term our own PreVote
			// carried (term+1); we adopt it for real only if the
			// prevote tally wins and campaign(false) bumps it ourselves.
		default:
			leader := m.From
			if m.Type == MsgVote || m.Type == MsgVoteResp || m.Type == MsgPreVoteResp {
				leader = ""
			}
			r.becomeFollower(m.Term, leader)
		}
	case m.Term < r.term:
		switch m.Type {
		case MsgVote, MsgPreVote:
			r.send(Message{Type: respType(m.Type), To: m.From, Term: r.term, VoteGranted: false})
		case MsgApp, MsgHeartbeat, MsgSnap:
			r.send(Message{Type: respType(m.Type), To: m.From, Term: r.term, Success: false})
		}
		return nil
	}

	switch m.Type {
	case MsgVote, MsgPreVote:
		r.handleVoteRequest(m)
	case MsgVoteResp:
		r.handleVoteResponse(m, false)
	case MsgPreVoteResp:
		r.handleVoteResponse(m, true)
	case MsgApp:
		r.handleAppendEntries(m)
	case MsgAppResp:
		r.handleAppendResponse(m)
	case MsgHeartbeat:
		r.handleHeartbeat(m)
	case MsgHeartbeatResp:
		r.handleHeartbeatResponse(m)
	case MsgSnap:
		r.handleSnapshot(m)
	}
	return nil
}

func respType(t MessageType) MessageType {
	switch t {
	case MsgVote:
		return MsgVoteResp
	case MsgPreVote:
		return MsgPreVoteResp
	case MsgApp:
		return MsgAppResp
	case MsgHeartbeat:
		return MsgHeartbeatResp
	case MsgSnap:
		return MsgSnapResp
	}
	return t
}

func (r *Raft) handleVoteRequest(m Message) {
	grant := false
	canVote := r.vote == "" || r.vote == m.From || m.Term > r.term
	if m.Type == MsgPreVote {
		canVote = true // prevote never consumes the real vote
	}
	if canVote && r.raftLog.isUpToDate(m.LastLogTerm, m.LastLogIndex) {
		grant = true
	}
	if grant && m.Type == MsgVote {
		r.vote = m.From
		r.electionElapsed = 0
	}
	// a grant echoes the requested term; a rejection carries our own, so
	// a rejected pre-candidate only steps down to a term that really exists.
	respTerm := m.Term
	if !grant {
		respTerm = r.term
	}
	r.send(Message{Type: respType(m.Type), To: m.From, Term: respTerm, VoteGranted: grant})
}

func (r *Raft) handleVoteResponse(m Message, preVote bool) {
	wantRole := RoleCandidate
	if preVote {
		wantRole = RolePreCandidate
	}
	if r.role != wantRole || r.votes == nil {
		return
	}
	r.votes[m.From] = m.VoteGranted
	if r.tallyWon() {
		if preVote {
			r.campaign(false)
		} else {
			r.becomeLeader()
		}
	} else if r.tallyLost() {
		r.becomeFollower(r.term, "")
	}
}

func (r *Raft) tally() (granted, rejected int) {
	for _, v := range r.cs.Voters {
		if ok, voted := r.votes[v]; voted {
			if ok {
				granted++
			} else {
				rejected++
			}
		}
	}
	return
}

func (r *Raft) tallyWon() bool {
	g, _ := r.tally()
	return g >= r.quorumSize(r.cs.Voters)
}

func (r *Raft) tallyLost() bool {
	_, rej := r.tally()
	return rej >= r.quorumSize(r.cs.Voters)
}

func (r *Raft) handleAppendEntries(m Message) {
	r.lead = m.From
	r.electionElapsed = 0
	matched, ci, ct := r.raftLog.matchAndAppend(m.PrevLogIndex, m.PrevLogTerm, m.Entries)
	if !matched {
		r.send(Message{Type: MsgAppResp, To: m.From, Term: r.term, Success: false, ConflictIndex: ci, ConflictTerm: ct})
		return
	}
	if m.LeaderCommit > r.raftLog.committed {
		last := m.PrevLogIndex + uint64(len(m.Entries))
		idx := m.LeaderCommit
		if idx > last {
			idx = last
		}
		r.raftLog.commitTo(idx)
	}
	r.send(Message{Type: MsgAppResp, To: m.From, Term: r.term, Success: true, MatchIndex: r.raftLog.lastIndex()})
}

func (r *Raft) handleHeartbeat(m Message) {
	r.lead = m.From
	r.electionElapsed = 0
	if m.LeaderCommit > r.raftLog.committed {
		idx := m.LeaderCommit
		if idx > r.raftLog.lastIndex() {
			idx = r.raftLog.lastIndex()
		}
		r.raftLog.commitTo(idx)
	}
	r.send(Message{Type: MsgHeartbeatResp, To: m.From, Term: r.term})
}

func (r *Raft) handleHeartbeatResponse(m Message) {
	if r.role != RoleLeader {
		return
	}
	if r.nextIndex[m.From] <= r.raftLog.lastIndex() {
		r.sendAppend(m.From)
	}
}

func (r *Raft) handleSnapshot(m Message) {
	snap := m.Snapshot
	if snap.Metadata.Index <= r.raftLog.applied {
		r.send(Message{Type: MsgSnapResp, To: m.From, Term: r.term, Success: false})
		return
	}
	r.raftLog.restore(HardState{Term: r.term, Vote: r.vote, Commit: snap.Metadata.Index}, snap, nil)
	r.cs = snap.Metadata.ConfState.Clone()
	r.lead = m.From
	// surfaced via the next Ready so the caller persists it and restores
	// the external state machine before anything else in that batch.
	r.pendingSnapshot = &snap
	r.send(Message{Type: MsgSnapResp, To: m.From, Term: r.term, Success: true, MatchIndex: snap.Metadata.Index})
}

// CreateSnapshot builds a snapshot covering everything up to index,
// embedding data (the external state machine's serialized contents as
// of that index), and compacts the in-memory log to match. index is
// the caller's own applied-index watermark rather than raftLog's,
// since within a single Ready cycle the two can be briefly out of
// step (Advance, which moves raftLog.applied, runs after apply). The
// caller is responsible for persisting the returned snapshot (see
// internal/storage.Compact).
func (r *Raft) CreateSnapshot(index uint64, data []byte) (Snapshot, error) {
	term, ok := r.raftLog.termAt(index)
	if !ok {
		return Snapshot{}, fmt.Errorf("raft: no term recorded for index %d", index)
	}
	snap := Snapshot{Metadata: SnapshotMetadata{Index: index, Term: term, ConfState: r.cs.Clone()}, Data: data}
	r.raftLog.compact(snap)
	return snap, nil
}

func (r *Raft) handleAppendResponse(m Message) {
	if r.role != RoleLeader {
		return
	}
	if !m.Success {
		if m.ConflictTerm != 0 {
			idx := r.nextIndex[m.From]
			for idx > 1 {
				t, ok := r.raftLog.termAt(idx - 1)
				if ok && t <= m.ConflictTerm {
					break
				}
				idx--
			}
			if t, ok := r.raftLog.termAt(idx - 1); !ok || t != m.ConflictTerm {
				idx = m.ConflictIndex
			}
			r.nextIndex[m.From] = idx
		} else {
			r.nextIndex[m.From] = m.ConflictIndex
		}
		if r.nextIndex[m.From] < 1 {
			r.nextIndex[m.From] = 1
		}
		r.sendAppend(m.From)
		return
	}
	if m.MatchIndex > r.matchIndex[m.From] {
		r.matchIndex[m.From] = m.MatchIndex
		r.nextIndex[m.From] = m.MatchIndex + 1
		r.maybeCommit()
	}
}

// maybeCommit advances the commit index to the highest index replicated
// to a majority, but only if that entry was proposed in the current
// term (the Raft §5.4.2 restriction that prevents committing, and then
// losing, entries from a previous leader's term).
func (r *Raft) maybeCommit() {
	newCommit := r.majorityMatchIndex(r.cs.Voters)
	if len(r.jointOutgoing) > 0 {
		outCommit := r.majorityMatchIndex(r.jointOutgoing)
		if outCommit < newCommit {
			newCommit = outCommit
		}
	}
	if newCommit <= r.raftLog.committed {
		return
	}
	if t, ok := r.raftLog.termAt(newCommit); !ok || t != r.term {
		return
	}
	r.raftLog.commitTo(newCommit)
}

func (r *Raft) majorityMatchIndex(voters []string) uint64 {
	indices := make([]uint64, len(voters))
	for i, v := range voters {
		if v == r.id {
			indices[i] = r.raftLog.lastIndex()
			continue
		}
		indices[i] = r.matchIndex[v]
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] > indices[j] })
	return indices[r.quorumSize(voters)-1]
}

func (r *Raft) broadcastHeartbeat() {
	for _, v := range r.allVoters() {
		if v == r.id {
			continue
		}
		r.send(Message{Type: MsgHeartbeat, To: v, Term: r.term, LeaderCommit: r.raftLog.committed})
	}
}

func (r *Raft) sendAppend(to string) {
	next := r.nextIndex[to]
	if next == 0 {
		next = 1
	}
	prevIndex := next - 1
	prevTerm, ok := r.raftLog.termAt(prevIndex)
	if !ok {
		r.sendSnapshot(to)
		return
	}
	entries := r.raftLog.slice(next, r.raftLog.lastIndex()+1)
	r.send(Message{
		Type:         MsgApp,
		To:           to,
		Term:         r.term,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: r.raftLog.committed,
	})
}

func (r *Raft) sendSnapshot(to string) {
	if r.raftLog.snapshot.empty() {
		return
	}
	r.send(Message{Type: MsgSnap, To: to, Term: r.term, Snapshot: r.raftLog.snapshot})
}

func (r *Raft) appendLocal(e LogEntry) uint64 {
	e.Term = r.term
	e.Index = r.raftLog.lastIndex() + 1
	r.raftLog.appendEntry(e)
	if len(r.cs.Voters) == 1 && r.cs.Voters[0] == r.id {
		r.matchIndex[r.id] = e.Index
		r.maybeCommit()
	}
	return e.Index
}

// Propose appends a normal entry to the leader's log. It does not block
// for replication; the caller observes commit via CommittedEntries in a
// later Ready.
func (r *Raft) Propose(data []byte) (uint64, error) {
	if r.role != RoleLeader {
		return 0, ErrProposalDropped
	}
	idx := r.appendLocal(LogEntry{Type: EntryNormal, Data: data})
	for _, v := range r.allVoters() {
		if v != r.id {
			r.sendAppend(v)
		}
	}
	return idx, nil
}

// ProposeConfChange appends a configuration-change entry. At most one
// configuration change may be outstanding (proposed but not yet
// applied) at a time, including time spent in an intermediate joint
// configuration.
func (r *Raft) ProposeConfChange(cc ConfChangeV2) (uint64, error) {
	if r.role != RoleLeader {
		return 0, ErrProposalDropped
	}
	if r.pendingConfChange || len(r.jointOutgoing) > 0 {
		return 0, ErrConfChangeInFlight
	}
	r.pendingConfChange = true
	idx := r.appendLocal(LogEntry{Type: EntryConfChangeV2, Data: EncodeConfChangeV2(cc)})
	for _, v := range r.allVoters() {
		if v != r.id {
			r.sendAppend(v)
		}
	}
	return idx, nil
}

// ApplyConfChange is invoked by the apply pipeline once a ConfChangeV2
// entry is committed AND applied (never earlier) so that membership
// changes take effect at apply time. It returns the ConfState resulting
// from applying cc.
func (r *Raft) ApplyConfChange(cc ConfChangeV2) ConfState {
	r.pendingConfChange = false
	if len(cc.Changes) == 0 {
		// the auto-appended entry leaving joint mode.
		r.jointOutgoing = nil
		return r.cs.Clone()
	}
	if cc.Transition == TransitionJoint {
		r.jointOutgoing = append([]string(nil), r.cs.Voters...)
	}
	for _, c := range cc.Changes {
		switch c.Type {
		case ConfChangeAddNode:
			if !contains(r.cs.Voters, c.NodeID) {
				r.cs.Voters = append(r.cs.Voters, c.NodeID)
			}
		case ConfChangeAddLearnerNode:
			if !contains(r.cs.Learners, c.NodeID) {
				r.cs.Learners = append(r.cs.Learners, c.NodeID)
			}
		case ConfChangeRemoveNode:
			r.cs.Voters = remove(r.cs.Voters, c.NodeID)
			r.cs.Learners = remove(r.cs.Learners, c.NodeID)
			if r.role == RoleLeader {
				delete(r.nextIndex, c.NodeID)
				delete(r.matchIndex, c.NodeID)
			}
		}
	}
	if r.role == RoleLeader {
		last := r.raftLog.lastIndex()
		for _, v := range r.cs.Voters {
			if _, ok := r.nextIndex[v]; !ok {
				r.nextIndex[v] = last + 1
			}
		}
		if cc.Transition == TransitionJoint {
			// the joint config is committed and applied: append the empty
			// entry that leaves joint mode once it, in turn, is applied.
			r.appendLocal(LogEntry{Type: EntryConfChangeV2, Data: EncodeConfChangeV2(ConfChangeV2{Transition: TransitionJoint})})
		}
	}
	return r.cs.Clone()
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func remove(list []string, v string) []string {
	out := list[:0:0]
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// Ready returns the batch of state the caller must persist, send, and
// apply before calling Advance. Returns the zero Ready (containsUpdates
// == false) when there is nothing to do.
func (r *Raft) Ready() Ready {
	rd := Ready{
		HardState: r.hardState(),
		Entries:   r.raftLog.unstableEntries(),
		Messages:  r.msgs,
	}
	if r.pendingSnapshot != nil {
		rd.Snapshot = *r.pendingSnapshot
	}
	if ss := r.softState(); r.prevSoftSt == nil || !ss.equal(*r.prevSoftSt) {
		rd.SoftState = &ss
	}
	if rd.HardState.equal(r.prevHardSt) {
		rd.HardState = HardState{}
	}
	rd.CommittedEntries = r.raftLog.nextCommittedEntries()
	return rd
}

func (r *Raft) hardState() HardState {
	return HardState{Term: r.term, Vote: r.vote, Commit: r.raftLog.committed}
}

func (r *Raft) softState() SoftState {
	return SoftState{Lead: r.lead, Role: r.role}
}

// Advance tells Raft that the caller has finished persisting/sending/
// applying the Ready it was handed, so accounting can move forward:
// outgoing messages are cleared and the applied watermark advances past
// whatever CommittedEntries were handed out.
func (r *Raft) Advance(rd Ready) {
	r.msgs = nil
	if len(rd.Entries) > 0 {
		r.raftLog.stableTo(rd.Entries[len(rd.Entries)-1].Index)
	}
	if !rd.Snapshot.empty() {
		r.pendingSnapshot = nil
	}
	if len(rd.CommittedEntries) > 0 {
		r.raftLog.appliedTo(rd.CommittedEntries[len(rd.CommittedEntries)-1].Index)
	}
	if !rd.HardState.equal(HardState{}) {
		r.prevHardSt = rd.HardState
	} else {
		r.prevHardSt = r.hardState()
	}
	if rd.SoftState != nil {
		r.prevSoftSt = rd.SoftState
	}
}

// HasPendingConfChange reports whether a configuration change has been
// proposed but not yet observed as applied.
func (r *Raft) HasPendingConfChange() bool {
	return r.pendingConfChange || len(r.jointOutgoing) > 0
}
