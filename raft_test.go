package raft

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ctrlplane/raft/logging"
)

const testID = "test"

// newTestRaft creates a follower that is not started. Tests drive its
// handlers directly in place of the event loop.
func newTestRaft(t *testing.T, opts ...Option) (*Raft, *stateMachineMock) {
	network := newMemoryNetwork()
	defaults := []Option{
		WithTransport(network.transport(testAddress(testID))),
		WithElectionTimeout(maxElectionTimeout),
		WithLogLevel(logging.Error),
		WithLog(NewVolatileLog()),
	}
	fsm := &stateMachineMock{}
	raft, err := NewRaft(testID, testAddress(testID), fsm, t.TempDir(), append(defaults, opts...)...)
	require.NoError(t, err)
	require.NoError(t, raft.openStorage())

	raft.ctx, raft.cancel = context.WithCancel(context.Background())
	raft.state = Follower
	t.Cleanup(func() {
		raft.cancel()
		raft.stopElectionTimer()
		raft.stopHeartbeatTimer()
		raft.wg.Wait()
	})

	return raft, fsm
}

func testConfiguration(ids ...string) Configuration {
	members := make(map[string]string, len(ids))
	for _, id := range ids {
		members[id] = testAddress(id)
	}
	return *NewConfiguration(members)
}

// TestNewRaft checks that a newly created raft has no state and the default options.
func TestNewRaft(t *testing.T) {
	network := newMemoryNetwork()
	raft, err := NewRaft(testID, testAddress(testID), &stateMachineMock{}, t.TempDir(),
		WithTransport(network.transport(testAddress(testID))))
	require.NoError(t, err)

	require.Zero(t, raft.currentTerm)
	require.Equal(t, "", raft.votedFor)
	require.Equal(t, Shutdown, raft.state)
	require.Nil(t, raft.lease)
	require.Zero(t, raft.log.LastIndex())

	require.Equal(t, defaultHeartbeat, raft.options.heartbeatInterval)
	require.Equal(t, defaultElectionTimeout, raft.options.electionTimeout)
	require.Equal(t, defaultElectionTimeout, raft.options.leaseDuration)
	require.Equal(t, defaultMaxEntriesPerRequest, raft.options.maxEntriesPerRequest)
	require.NotNil(t, raft.logger)

	status := raft.Status()
	require.Equal(t, testID, status.ID)
	require.Equal(t, Shutdown, status.State)
}

// TestNewRaftInvalidOptions checks that a heartbeat interval that is not
// shorter than the election timeout is rejected.
func TestNewRaftInvalidOptions(t *testing.T) {
	network := newMemoryNetwork()
	_, err := NewRaft(testID, testAddress(testID), &stateMachineMock{}, t.TempDir(),
		WithTransport(network.transport(testAddress(testID))),
		WithElectionTimeout(defaultElectionTimeout),
		WithHeartbeatInterval(defaultElectionTimeout),
	)
	require.Error(t, err)

	_, err = NewRaft("", testAddress(testID), &stateMachineMock{}, t.TempDir())
	require.Error(t, err)
}

// TestBootstrap checks that a server can only be bootstrapped once and
// only with a configuration that includes it.
func TestBootstrap(t *testing.T) {
	network := newMemoryNetwork()
	path := t.TempDir()
	raft, err := NewRaft(testID, testAddress(testID), &stateMachineMock{}, path,
		WithTransport(network.transport(testAddress(testID))), WithLogLevel(logging.Error))
	require.NoError(t, err)

	require.Error(t, raft.Bootstrap(map[string]string{"other": testAddress("other")}))

	configuration := map[string]string{testID: testAddress(testID), "other": testAddress("other")}
	require.NoError(t, raft.Bootstrap(configuration))
	require.ErrorIs(t, raft.Bootstrap(configuration), ErrAlreadyBootstrapped)

	entry, ok := raft.log.EntryAt(1)
	require.True(t, ok)
	require.Equal(t, ConfigurationEntry, entry.EntryType)
	require.Zero(t, entry.Term)
	require.True(t, raft.membership.latest().IsVotingMember("other"))
	raft.Stop()

	raft, err = NewRaft(testID, testAddress(testID), &stateMachineMock{}, path,
		WithTransport(network.transport(testAddress(testID))), WithLogLevel(logging.Error))
	require.NoError(t, err)
	require.ErrorIs(t, raft.Bootstrap(configuration), ErrAlreadyBootstrapped)
	raft.Stop()
}

// TestAppendEntriesSuccess checks that raft handles a basic AppendEntries
// request that should be successful.
func TestAppendEntriesSuccess(t *testing.T) {
	raft, fsm := newTestRaft(t)
	require.NoError(t, raft.persistTermAndVote(1, "test-leader"))

	request := &AppendEntriesRequest{
		Entries:      []*LogEntry{NewLogEntry(1, 1, []byte("test1"), OperationEntry)},
		LeaderID:     "test-leader",
		LeaderCommit: 1,
		Term:         1,
	}
	response := &AppendEntriesResponse{}
	raft.handleAppendEntries(request, response)

	require.True(t, response.Success)
	require.Equal(t, uint64(1), response.Term)
	require.Equal(t, uint64(1), response.LastIndex)
	require.Equal(t, uint64(1), raft.log.CommitIndex())
	require.Equal(t, uint64(1), raft.log.LastApplied())
	require.Equal(t, "test-leader", raft.leaderID)
	require.Equal(t, []string{"test1"}, fsm.appliedOperations())
}

// TestAppendEntriesConflict checks that a follower reports the first index
// of a conflicting term and then accepts the leader's entries in place of
// its own.
func TestAppendEntriesConflict(t *testing.T) {
	raft, _ := newTestRaft(t)
	require.NoError(t, raft.persistTermAndVote(3, ""))
	require.NoError(t, raft.log.Append(makeEntries(1, 3, 1)...))
	require.NoError(t, raft.log.Append(makeEntries(4, 5, 2)...))

	request := &AppendEntriesRequest{LeaderID: "test-leader", Term: 3, PrevLogIndex: 5, PrevLogTerm: 3}
	response := &AppendEntriesResponse{}
	raft.handleAppendEntries(request, response)

	require.False(t, response.Success)
	require.Equal(t, uint64(2), response.ConflictTerm)
	require.Equal(t, uint64(4), response.ConflictIndex)

	request = &AppendEntriesRequest{
		LeaderID:     "test-leader",
		Term:         3,
		PrevLogIndex: 3,
		PrevLogTerm:  1,
		Entries:      makeEntries(4, 6, 3),
		LeaderCommit: 6,
	}
	response = &AppendEntriesResponse{}
	raft.handleAppendEntries(request, response)

	require.True(t, response.Success)
	require.Equal(t, uint64(6), raft.log.LastIndex())
	for index := uint64(4); index <= 6; index++ {
		term, ok := raft.log.TermAt(index)
		require.True(t, ok)
		require.Equal(t, uint64(3), term)
	}
	require.Equal(t, uint64(6), raft.log.CommitIndex())
}

// TestAppendEntriesTruncateSuffix checks that entries from a stale term
// after a matching entry are replaced by the leader's entries.
func TestAppendEntriesTruncateSuffix(t *testing.T) {
	raft, _ := newTestRaft(t)
	require.NoError(t, raft.persistTermAndVote(3, ""))
	require.NoError(t, raft.log.Append(makeEntries(1, 4, 1)...))
	require.NoError(t, raft.log.Append(makeEntries(5, 7, 2)...))

	request := &AppendEntriesRequest{
		LeaderID:     "test-leader",
		Term:         3,
		PrevLogIndex: 4,
		PrevLogTerm:  1,
		Entries:      makeEntries(5, 6, 3),
	}
	response := &AppendEntriesResponse{}
	raft.handleAppendEntries(request, response)

	require.True(t, response.Success)
	require.Equal(t, uint64(6), raft.log.LastIndex())
	require.Equal(t, uint64(3), raft.log.LastTerm())
	_, ok := raft.log.EntryAt(7)
	require.False(t, ok)
}

// TestAppendEntriesIdempotent checks that a repeated request leaves the log unchanged.
func TestAppendEntriesIdempotent(t *testing.T) {
	raft, _ := newTestRaft(t)
	require.NoError(t, raft.persistTermAndVote(2, ""))

	request := &AppendEntriesRequest{LeaderID: "test-leader", Term: 2, Entries: makeEntries(1, 5, 2)}
	for i := 0; i < 2; i++ {
		response := &AppendEntriesResponse{}
		raft.handleAppendEntries(request, response)
		require.True(t, response.Success)
		require.Equal(t, uint64(5), response.LastIndex)
	}

	// A stale request for a prefix does not truncate the entries after it.
	request = &AppendEntriesRequest{LeaderID: "test-leader", Term: 2, Entries: makeEntries(1, 2, 2)}
	response := &AppendEntriesResponse{}
	raft.handleAppendEntries(request, response)
	require.True(t, response.Success)
	require.Equal(t, uint64(5), raft.log.LastIndex())
}

// TestAppendEntriesMissingEntries checks that a follower whose log is too
// short rejects the request and reports its last index.
func TestAppendEntriesMissingEntries(t *testing.T) {
	raft, _ := newTestRaft(t)
	require.NoError(t, raft.persistTermAndVote(1, ""))
	require.NoError(t, raft.log.Append(makeEntries(1, 5, 1)...))

	request := &AppendEntriesRequest{LeaderID: "test-leader", Term: 1, PrevLogIndex: 10, PrevLogTerm: 1}
	response := &AppendEntriesResponse{}
	raft.handleAppendEntries(request, response)

	require.False(t, response.Success)
	require.Equal(t, uint64(5), response.LastIndex)
	require.Zero(t, response.ConflictTerm)
}

// TestAppendEntriesStaleTerm checks that a request from an old leader is rejected.
func TestAppendEntriesStaleTerm(t *testing.T) {
	raft, _ := newTestRaft(t)
	require.NoError(t, raft.persistTermAndVote(5, ""))

	request := &AppendEntriesRequest{LeaderID: "test-leader", Term: 3, Entries: makeEntries(1, 1, 3)}
	response := &AppendEntriesResponse{}
	raft.handleAppendEntries(request, response)

	require.False(t, response.Success)
	require.Equal(t, uint64(5), response.Term)
	require.Zero(t, raft.log.LastIndex())
}

// TestAppendEntriesLeaderStepDown checks that a leader steps down when it
// receives an AppendEntries request with a greater term than its own.
func TestAppendEntriesLeaderStepDown(t *testing.T) {
	raft, _ := newTestRaft(t)
	require.NoError(t, raft.persistTermAndVote(1, testID))
	raft.state = Leader
	raft.peers = make(map[string]*peer)

	request := &AppendEntriesRequest{LeaderID: "other-test-leader", Term: 3}
	response := &AppendEntriesResponse{}
	raft.handleAppendEntries(request, response)

	require.True(t, response.Success)
	require.Equal(t, uint64(3), response.Term)
	require.Equal(t, uint64(3), raft.currentTerm)
	require.Equal(t, Follower, raft.state)
	require.Equal(t, "", raft.votedFor)
	require.Nil(t, raft.peers)
}

// TestRequestVoteGranted checks that a vote is granted to a candidate with
// a more up to date log and that the vote is persisted.
func TestRequestVoteGranted(t *testing.T) {
	raft, _ := newTestRaft(t)
	require.NoError(t, raft.persistTermAndVote(5, ""))
	require.NoError(t, raft.log.Append(makeEntries(1, 10, 4)...))

	request := &RequestVoteRequest{CandidateID: "candidate-1", Term: 5, LastLogIndex: 10, LastLogTerm: 5}
	response := &RequestVoteResponse{}
	raft.handleRequestVote(request, response)

	require.True(t, response.VoteGranted)
	require.Equal(t, uint64(5), response.Term)

	term, votedFor, err := raft.stateStorage.State()
	require.NoError(t, err)
	require.Equal(t, uint64(5), term)
	require.Equal(t, "candidate-1", votedFor)

	// A repeated request from the same candidate is granted again.
	response = &RequestVoteResponse{}
	raft.handleRequestVote(request, response)
	require.True(t, response.VoteGranted)

	// Only one candidate receives a vote per term.
	request = &RequestVoteRequest{CandidateID: "candidate-2", Term: 5, LastLogIndex: 10, LastLogTerm: 5}
	response = &RequestVoteResponse{}
	raft.handleRequestVote(request, response)
	require.False(t, response.VoteGranted)
}

// TestRequestVoteStaleLog checks that a candidate with a log that is behind
// is refused, while its greater term is adopted.
func TestRequestVoteStaleLog(t *testing.T) {
	raft, _ := newTestRaft(t)
	require.NoError(t, raft.persistTermAndVote(5, ""))
	require.NoError(t, raft.log.Append(makeEntries(1, 10, 4)...))

	request := &RequestVoteRequest{CandidateID: "candidate-1", Term: 6, LastLogIndex: 9, LastLogTerm: 4}
	response := &RequestVoteResponse{}
	raft.handleRequestVote(request, response)

	require.False(t, response.VoteGranted)
	require.Equal(t, uint64(6), response.Term)
	require.Equal(t, uint64(6), raft.currentTerm)
	require.Equal(t, "", raft.votedFor)

	request = &RequestVoteRequest{CandidateID: "candidate-1", Term: 6, LastLogIndex: 12, LastLogTerm: 3}
	response = &RequestVoteResponse{}
	raft.handleRequestVote(request, response)
	require.False(t, response.VoteGranted)
}

// TestRequestVoteStaleTerm checks that a candidate from an old term is refused.
func TestRequestVoteStaleTerm(t *testing.T) {
	raft, _ := newTestRaft(t)
	require.NoError(t, raft.persistTermAndVote(5, ""))

	request := &RequestVoteRequest{CandidateID: "candidate-1", Term: 4}
	response := &RequestVoteResponse{}
	raft.handleRequestVote(request, response)

	require.False(t, response.VoteGranted)
	require.Equal(t, uint64(5), response.Term)
	require.Equal(t, "", raft.votedFor)
}

// TestCommitRequiresCurrentTerm checks that a leader only commits by
// counting replicas of an entry from its own term.
func TestCommitRequiresCurrentTerm(t *testing.T) {
	raft, fsm := newTestRaft(t)
	require.NoError(t, raft.persistTermAndVote(7, testID))
	require.NoError(t, raft.log.Append(makeEntries(1, 5, 5)...))
	require.NoError(t, raft.log.Append(makeEntries(6, 6, 7)...))

	raft.membership.reset(testConfiguration(testID, "a", "b"))
	raft.state = Leader
	raft.peers = map[string]*peer{
		"a": newPeer("a", testAddress("a"), 7),
		"b": newPeer("b", testAddress("b"), 7),
	}
	raft.peers["a"].matchIndex = 5
	raft.peers["b"].matchIndex = 5

	raft.advanceCommitIndex()
	require.Zero(t, raft.log.CommitIndex())

	raft.peers["a"].matchIndex = 6
	raft.advanceCommitIndex()
	require.Equal(t, uint64(6), raft.log.CommitIndex())
	require.Equal(t, uint64(6), raft.log.LastApplied())
	require.Len(t, fsm.appliedOperations(), 6)
}

// TestNextIndexAfterRejection checks how far a leader backs up after a
// follower rejects entries.
func TestNextIndexAfterRejection(t *testing.T) {
	raft, _ := newTestRaft(t)
	require.NoError(t, raft.log.Append(makeEntries(1, 3, 1)...))
	require.NoError(t, raft.log.Append(makeEntries(4, 6, 2)...))
	require.NoError(t, raft.log.Append(makeEntries(7, 8, 4)...))

	request := &AppendEntriesRequest{PrevLogIndex: 8}

	// The leader has entries of the conflicting term.
	next := raft.nextIndexAfterRejection(request, AppendEntriesResponse{ConflictTerm: 2, ConflictIndex: 4})
	require.Equal(t, uint64(7), next)

	// The leader has no entries of the conflicting term.
	next = raft.nextIndexAfterRejection(request, AppendEntriesResponse{ConflictTerm: 3, ConflictIndex: 5})
	require.Equal(t, uint64(5), next)

	// The follower log is shorter.
	next = raft.nextIndexAfterRejection(request, AppendEntriesResponse{LastIndex: 3})
	require.Equal(t, uint64(4), next)

	// The result is always below the rejected index.
	next = raft.nextIndexAfterRejection(request, AppendEntriesResponse{LastIndex: 20})
	require.Equal(t, uint64(8), next)
	next = raft.nextIndexAfterRejection(&AppendEntriesRequest{}, AppendEntriesResponse{})
	require.Equal(t, uint64(1), next)
}

// TestSubmitByRole checks how a submission is handled in each role.
func TestSubmitByRole(t *testing.T) {
	raft, _ := newTestRaft(t)
	raft.leaderID = "test-leader"

	responseCh := make(chan Result[OperationResponse], 1)
	raft.handleSubmit(&submitEvent{bytes: []byte("operation"), responseCh: responseCh})
	result := <-responseCh
	require.ErrorIs(t, result.Error(), ErrNotLeader)

	raft.state = PreLeader
	raft.handleSubmit(&submitEvent{bytes: []byte("operation"), responseCh: responseCh})
	require.Len(t, raft.operations.queued, 1)
	require.Len(t, responseCh, 0)

	raft.state = Leader
	raft.transfer = &leadershipTransfer{targetID: "other", responseCh: make(chan Result[LeadershipTransferResponse], 1)}
	raft.handleSubmit(&submitEvent{bytes: []byte("operation"), responseCh: responseCh})
	result = <-responseCh
	require.ErrorIs(t, result.Error(), ErrLeadershipTransferInProgress)
}

// TestInstallSnapshot checks that a follower assembles the chunks of a
// snapshot and installs it.
func TestInstallSnapshot(t *testing.T) {
	raft, fsm := newTestRaft(t)
	require.NoError(t, raft.persistTermAndVote(2, ""))

	source := &stateMachineMock{operations: []string{"a", "b", "c"}}
	data, err := source.Snapshot()
	require.NoError(t, err)
	configuration := testConfiguration(testID, "test-leader")
	encoded := encodeConfiguration(&configuration)

	chunk := 4
	request := func(offset int) *InstallSnapshotRequest {
		end := offset + chunk
		if end > len(data) {
			end = len(data)
		}
		return &InstallSnapshotRequest{
			LeaderID:          "test-leader",
			Term:              2,
			LastIncludedIndex: 5,
			LastIncludedTerm:  2,
			Configuration:     encoded,
			Offset:            uint64(offset),
			Bytes:             data[offset:end],
			Done:              end == len(data),
		}
	}

	response := &InstallSnapshotResponse{}
	raft.handleInstallSnapshot(request(0), response)
	require.True(t, response.Success)
	require.Equal(t, uint64(chunk), response.NextOffset)

	// A chunk at the wrong offset is refused with the expected offset.
	response = &InstallSnapshotResponse{}
	raft.handleInstallSnapshot(request(2*chunk), response)
	require.False(t, response.Success)
	require.Equal(t, uint64(chunk), response.NextOffset)

	var install *snapshotInstall
	for offset := chunk; offset < len(data); offset += chunk {
		response = &InstallSnapshotResponse{}
		install = raft.handleInstallSnapshot(request(offset), response)
		if install == nil {
			require.True(t, response.Success)
		}
	}

	// The last chunk is answered once the snapshot is written in the background.
	require.NotNil(t, install)
	require.False(t, response.Success)
	require.Empty(t, fsm.appliedOperations())

	raft.mu.Lock()
	raft.running = true
	raft.mu.Unlock()
	done := make(chan struct{})
	raft.persistReceivedSnapshot(install, response, done)
	require.True(t, raft.snapshotInProgress)

	ev := <-raft.events
	require.IsType(t, &snapshotReceivedEvent{}, ev)
	raft.handleEvent(ev)
	<-done
	require.True(t, response.Success)
	require.Equal(t, uint64(len(data)), response.NextOffset)
	require.False(t, raft.snapshotInProgress)

	require.Equal(t, []string{"a", "b", "c"}, fsm.appliedOperations())
	require.Equal(t, uint64(5), raft.log.SnapshotIndex())
	require.Equal(t, uint64(5), raft.log.LastApplied())
	require.Equal(t, uint64(5), raft.log.CommitIndex())
	require.Equal(t, uint64(5), raft.log.LastIndex())
	require.True(t, raft.membership.latest().IsVotingMember("test-leader"))

	file, err := raft.snapshotStorage.SnapshotFile()
	require.NoError(t, err)
	require.NotNil(t, file)
	defer file.Close()
	require.Equal(t, uint64(5), file.Metadata().LastIncludedIndex)

	// A snapshot that is already applied is acknowledged without installing.
	response = &InstallSnapshotResponse{}
	older := request(0)
	older.LastIncludedIndex = 3
	raft.handleInstallSnapshot(older, response)
	require.True(t, response.Success)
	require.Equal(t, uint64(5), raft.log.SnapshotIndex())
}

// TestInstallSnapshotAfterLeadershipChange checks that a snapshot written
// after this server stopped following is not installed.
func TestInstallSnapshotAfterLeadershipChange(t *testing.T) {
	raft, fsm := newTestRaft(t)
	require.NoError(t, raft.persistTermAndVote(4, testID))
	raft.state = Candidate

	source := &stateMachineMock{operations: []string{"a"}}
	data, err := source.Snapshot()
	require.NoError(t, err)
	install := &snapshotInstall{index: 3, term: 2}
	install.data.Write(data)

	response := &InstallSnapshotResponse{Term: 2}
	done := make(chan struct{})
	raft.handleSnapshotReceived(&snapshotReceivedEvent{install: install, response: response, done: done})
	<-done

	require.False(t, response.Success)
	require.Equal(t, uint64(4), response.Term)
	require.Zero(t, raft.log.SnapshotIndex())
	require.Empty(t, fsm.appliedOperations())
}

// TestTimeoutNow checks that a voting follower starts an election at the
// request of the leader and that a non-voter does not.
func TestTimeoutNow(t *testing.T) {
	raft, _ := newTestRaft(t)
	require.NoError(t, raft.persistTermAndVote(2, ""))

	configuration := testConfiguration(testID, "test-leader")
	configuration.IsVoter[testID] = false
	raft.membership.reset(configuration)

	response := &TimeoutNowResponse{}
	raft.handleTimeoutNow(&TimeoutNowRequest{LeaderID: "test-leader", Term: 2}, response)
	require.Equal(t, Follower, raft.state)
	require.Equal(t, uint64(2), raft.currentTerm)

	raft.membership.reset(testConfiguration(testID, "test-leader"))
	response = &TimeoutNowResponse{}
	raft.handleTimeoutNow(&TimeoutNowRequest{LeaderID: "test-leader", Term: 2}, response)
	require.Equal(t, uint64(2), response.Term)
	require.Equal(t, Candidate, raft.state)
	require.Equal(t, uint64(3), raft.currentTerm)
	require.Equal(t, testID, raft.votedFor)
}

// TestMembershipHistory checks that the latest configuration reverts when
// the entry holding it is truncated.
func TestMembershipHistory(t *testing.T) {
	m := newMembership()
	first := testConfiguration("a")
	first.Index = 1
	second := testConfiguration("a", "b")
	second.Index = 4

	m.append(first)
	m.append(second)
	require.True(t, m.latest().Contains("b"))

	m.commit(2)
	require.Equal(t, uint64(1), m.committed.Index)
	require.True(t, m.hasUncommitted())

	m.truncate(4)
	require.False(t, m.latest().Contains("b"))
	require.False(t, m.hasUncommitted())
}

func syncNotifications(notifications chan Notification) []FollowerInitialSyncUpStatus {
	var statuses []FollowerInitialSyncUpStatus
	for {
		select {
		case notification := <-notifications:
			if status, ok := notification.(FollowerInitialSyncUpStatus); ok {
				statuses = append(statuses, status)
			}
		default:
			return statuses
		}
	}
}

// TestInitialSyncHigherTerm checks that a follower that first hears from a
// leader in a greater term reports its initial sync, and reports it as done
// once it has applied what the leader had committed.
func TestInitialSyncHigherTerm(t *testing.T) {
	notifications := make(chan Notification, 16)
	raft, _ := newTestRaft(t, WithNotifications(notifications))

	request := &AppendEntriesRequest{
		LeaderID:     "test-leader",
		Term:         2,
		Entries:      makeEntries(1, 3, 2),
		LeaderCommit: 5,
	}
	response := &AppendEntriesResponse{}
	raft.handleAppendEntries(request, response)

	require.True(t, response.Success)
	require.NotNil(t, raft.initialSync)
	require.False(t, raft.initialSync.done)
	require.Equal(t, []FollowerInitialSyncUpStatus{{MemberID: testID, InitialSyncDone: false}},
		syncNotifications(notifications))

	request = &AppendEntriesRequest{
		LeaderID:     "test-leader",
		Term:         2,
		PrevLogIndex: 3,
		PrevLogTerm:  2,
		Entries:      makeEntries(4, 5, 2),
		LeaderCommit: 5,
	}
	response = &AppendEntriesResponse{}
	raft.handleAppendEntries(request, response)

	require.True(t, response.Success)
	require.True(t, raft.initialSync.done)
	require.Equal(t, []FollowerInitialSyncUpStatus{{MemberID: testID, InitialSyncDone: true}},
		syncNotifications(notifications))
}

// TestInitialSyncCandidate checks that a candidate that learns of a leader
// through InstallSnapshot starts tracking its initial sync.
func TestInitialSyncCandidate(t *testing.T) {
	notifications := make(chan Notification, 16)
	raft, _ := newTestRaft(t, WithNotifications(notifications))
	require.NoError(t, raft.persistTermAndVote(2, testID))
	raft.state = Candidate

	request := &InstallSnapshotRequest{
		LeaderID:          "test-leader",
		Term:              3,
		LastIncludedIndex: 10,
		LastIncludedTerm:  3,
		Bytes:             []byte("partial"),
	}
	response := &InstallSnapshotResponse{}
	raft.handleInstallSnapshot(request, response)

	require.True(t, response.Success)
	require.Equal(t, Follower, raft.state)
	require.Equal(t, "test-leader", raft.leaderID)
	require.NotNil(t, raft.initialSync)
	require.Equal(t, uint64(10), raft.initialSync.target)
	require.Equal(t, []FollowerInitialSyncUpStatus{{MemberID: testID, InitialSyncDone: false}},
		syncNotifications(notifications))
}

var errLogUnavailable = errors.New("log unavailable")

// failingLog is a volatile log whose appends fail while failing is set.
type failingLog struct {
	*VolatileLog
	failing bool
}

func (l *failingLog) AppendEntry(entry *LogEntry) error {
	if l.failing {
		return errLogUnavailable
	}
	return l.VolatileLog.AppendEntry(entry)
}

func (l *failingLog) AppendEntries(entries []*LogEntry) error {
	if l.failing {
		return errLogUnavailable
	}
	return l.VolatileLog.AppendEntries(entries)
}

// TestSubmitAppendFailure checks that a leader that cannot persist an
// operation fails it, leaves the commit index alone and stops leading.
func TestSubmitAppendFailure(t *testing.T) {
	log := &failingLog{VolatileLog: NewVolatileLog()}
	raft, fsm := newTestRaft(t, WithLog(log))
	require.NoError(t, raft.persistTermAndVote(1, testID))
	raft.membership.reset(testConfiguration(testID))
	raft.state = Leader
	raft.peers = make(map[string]*peer)

	responseCh := make(chan Result[OperationResponse], 1)
	raft.handleSubmit(&submitEvent{bytes: []byte("first"), responseCh: responseCh})
	result := <-responseCh
	require.NoError(t, result.Error())
	require.Equal(t, uint64(1), raft.log.CommitIndex())

	log.failing = true
	raft.handleSubmit(&submitEvent{bytes: []byte("second"), responseCh: responseCh})
	result = <-responseCh
	require.ErrorIs(t, result.Error(), errLogUnavailable)

	require.Equal(t, uint64(1), raft.log.CommitIndex())
	require.Equal(t, uint64(1), raft.log.LastIndex())
	require.Equal(t, []string{"first"}, fsm.appliedOperations())
	require.Equal(t, Follower, raft.state)
	require.Equal(t, uint64(1), raft.currentTerm)
	require.Nil(t, raft.peers)
}

// TestLeaveClusterTimeoutNow checks that a leader that removed itself only
// asks a voter holding its whole log to start an election.
func TestLeaveClusterTimeoutNow(t *testing.T) {
	network := newMemoryNetwork()
	local := network.transport(testAddress(testID))
	require.NoError(t, local.Run())
	remote := network.transport(testAddress("a"))
	require.NoError(t, remote.Run())
	received := make(chan TimeoutNowRequest, 4)
	remote.RegisterTimeoutNowHandler(func(request *TimeoutNowRequest, response *TimeoutNowResponse) error {
		received <- *request
		response.Term = request.Term
		return nil
	})

	raft, _ := newTestRaft(t, WithTransport(local))
	require.NoError(t, raft.persistTermAndVote(3, testID))
	require.NoError(t, raft.log.Append(makeEntries(1, 4, 3)...))
	raft.membership.reset(testConfiguration("a", "b"))

	lead := func(matchA, matchB uint64) {
		raft.state = Leader
		raft.peers = map[string]*peer{
			"a": newPeer("a", testAddress("a"), 5),
			"b": newPeer("b", testAddress("b"), 5),
		}
		raft.peers["a"].matchIndex = matchA
		raft.peers["b"].matchIndex = matchB
	}

	// No voter has the last entry.
	lead(3, 2)
	raft.leaveCluster()
	require.Equal(t, Follower, raft.state)
	raft.wg.Wait()
	require.Empty(t, received)

	lead(4, 2)
	raft.leaveCluster()
	require.Equal(t, Follower, raft.state)
	raft.wg.Wait()
	require.Len(t, received, 1)
	request := <-received
	require.Equal(t, testID, request.LeaderID)
	require.Equal(t, uint64(3), request.Term)
}
