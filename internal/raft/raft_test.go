package raft

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testConfig(id string) Config {
	return Config{ID: id, ElectionTick: 10, HeartbeatTick: 1, PreVote: true, Logger: zerolog.Nop()}
}

func newCluster(ids ...string) map[string]*Raft {
	cs := ConfState{Voters: ids}
	out := map[string]*Raft{}
	for i, id := range ids {
		out[id] = New(testConfig(id), HardState{}, cs, nil, Snapshot{}, int64(i+1))
	}
	return out
}

// drainAll collects every pending outbound message across all nodes via
// Ready/Advance, leaving each node's outbox empty.
func drainAll(nodes map[string]*Raft) []Message {
	var out []Message
	for _, n := range nodes {
		rd := n.Ready()
		out = append(out, rd.Messages...)
		n.Advance(rd)
	}
	return out
}

// drive repeatedly drains and delivers messages until the bus runs dry
// or maxRounds is hit (guards against infinite bounce in a buggy test).
func drive(nodes map[string]*Raft, maxRounds int) {
	for round := 0; round < maxRounds; round++ {
		msgs := drainAll(nodes)
		if len(msgs) == 0 {
			return
		}
		for _, m := range msgs {
			if n, ok := nodes[m.To]; ok {
				n.Step(m)
			}
		}
	}
}

func electLeader(t *testing.T, nodes map[string]*Raft, candidate string) {
	t.Helper()
	n := nodes[candidate]
	n.campaign(false)
	drive(nodes, 10)
	require.Equal(t, RoleLeader, n.Role(), "expected %s to have become leader", candidate)
}

func TestSingleNodeBootstrapBecomesLeaderImmediately(t *testing.T) {
	nodes := newCluster("n1")
	n := nodes["n1"]
	n.Tick()
	require.Equal(t, RoleLeader, n.Role(), "a lone voter must not wait out the election timeout")
}

// TestThreeNodeElectionViaTickUsesPreVote drives an election the way the
// driver actually does, through Tick and delivered messages, rather than
// electLeader's direct campaign(false) call; testConfig enables PreVote,
// so this is the regression test for the Step higher-term/PreVote guard.
func TestThreeNodeElectionViaTickUsesPreVote(t *testing.T) {
	nodes := newCluster("n1", "n2", "n3")
	n1 := nodes["n1"]
	for i := 0; i <= n1.randomizedTimeout && n1.Role() != RoleLeader; i++ {
		n1.Tick()
		drive(nodes, 10)
	}
	require.Equal(t, RoleLeader, n1.Role())
	leaders := 0
	for _, n := range nodes {
		if n.Role() == RoleLeader {
			leaders++
		}
	}
	require.Equal(t, 1, leaders)
}

func TestThreeNodeElectionPicksExactlyOneLeader(t *testing.T) {
	nodes := newCluster("n1", "n2", "n3")
	electLeader(t, nodes, "n1")
	leaders := 0
	for _, n := range nodes {
		if n.Role() == RoleLeader {
			leaders++
		}
	}
	require.Equal(t, 1, leaders)
}

func TestProposeReplicatesAndCommitsOnMajority(t *testing.T) {
	nodes := newCluster("n1", "n2", "n3")
	electLeader(t, nodes, "n1")
	leader := nodes["n1"]

	idx, err := leader.Propose([]byte("hello"))
	require.NoError(t, err)
	drive(nodes, 10)
	// followers learn the advanced commit index from the next heartbeat.
	leader.Tick()
	drive(nodes, 10)

	for _, n := range nodes {
		require.GreaterOrEqualf(t, n.raftLog.committed, idx, "node %s should have committed index %d", n.id, idx)
	}
}

func TestFollowerRejectsVoteForStaleLog(t *testing.T) {
	nodes := newCluster("n1", "n2")
	// the voter's log (last term 5) is ahead of the candidate's empty one.
	n1 := nodes["n1"]
	n1.raftLog.appendEntry(LogEntry{Term: 5, Index: 1})

	n1.Step(Message{Type: MsgVote, From: "n2", To: "n1", Term: 1, LastLogIndex: 0, LastLogTerm: 0})
	rd := n1.Ready()
	require.Len(t, rd.Messages, 1)
	require.False(t, rd.Messages[0].VoteGranted)
}

func TestAppendEntriesConflictBacktracking(t *testing.T) {
	nodes := newCluster("n1", "n2")
	leader := nodes["n1"]
	follower := nodes["n2"]

	// follower has a stale, conflicting entry at index 2; its conflicting
	// term 1 starts at index 1, so that is the index it reports back.
	follower.raftLog.appendEntry(LogEntry{Term: 1, Index: 1})
	follower.raftLog.appendEntry(LogEntry{Term: 1, Index: 2})
	leader.raftLog.appendEntry(LogEntry{Term: 1, Index: 1})
	leader.term = 2

	matched, ci, _ := follower.raftLog.matchAndAppend(2, 2, []LogEntry{{Term: 2, Index: 3}})
	require.False(t, matched)
	require.Equal(t, uint64(1), ci)
}

func TestConfChangeAppliesOnlyAtApplyTime(t *testing.T) {
	nodes := newCluster("n1", "n2", "n3")
	electLeader(t, nodes, "n1")
	leader := nodes["n1"]

	cc := ConfChangeV2{Changes: []ConfChange{{Type: ConfChangeAddNode, NodeID: "n4"}}}
	_, err := leader.ProposeConfChange(cc)
	require.NoError(t, err)
	require.True(t, leader.HasPendingConfChange())

	// membership must not change before ApplyConfChange is called, even
	// though the entry has been appended to the log.
	require.NotContains(t, leader.ConfState().Voters, "n4")

	leader.ApplyConfChange(cc)
	require.Contains(t, leader.ConfState().Voters, "n4")
	require.False(t, leader.pendingConfChange)
}

func TestSecondConfChangeRejectedWhileOneInFlight(t *testing.T) {
	nodes := newCluster("n1", "n2", "n3")
	electLeader(t, nodes, "n1")
	leader := nodes["n1"]

	_, err := leader.ProposeConfChange(ConfChangeV2{Changes: []ConfChange{{Type: ConfChangeAddNode, NodeID: "n4"}}})
	require.NoError(t, err)

	_, err = leader.ProposeConfChange(ConfChangeV2{Changes: []ConfChange{{Type: ConfChangeAddNode, NodeID: "n5"}}})
	require.ErrorIs(t, err, ErrConfChangeInFlight)
}

func TestReadyHardStateOmittedWhenUnchanged(t *testing.T) {
	nodes := newCluster("n1")
	n := nodes["n1"]
	rd := n.Ready()
	n.Advance(rd)
	rd2 := n.Ready()
	require.True(t, rd2.HardState.equal(HardState{}))
}
