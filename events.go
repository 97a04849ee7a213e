package raft

import "time"

// event is anything processed by the event loop of a server.
type event interface{}

// rpcEvent is an inbound RPC. The event loop fills in the response and
// closes the done channel.
type rpcEvent interface {
	doneCh() <-chan struct{}
}

type appendEntriesEvent struct {
	request  *AppendEntriesRequest
	response *AppendEntriesResponse
	done     chan struct{}
}

func (e *appendEntriesEvent) doneCh() <-chan struct{} { return e.done }

type requestVoteEvent struct {
	request  *RequestVoteRequest
	response *RequestVoteResponse
	done     chan struct{}
}

func (e *requestVoteEvent) doneCh() <-chan struct{} { return e.done }

type installSnapshotEvent struct {
	request  *InstallSnapshotRequest
	response *InstallSnapshotResponse
	done     chan struct{}
}

func (e *installSnapshotEvent) doneCh() <-chan struct{} { return e.done }

type timeoutNowEvent struct {
	request  *TimeoutNowRequest
	response *TimeoutNowResponse
	done     chan struct{}
}

func (e *timeoutNowEvent) doneCh() <-chan struct{} { return e.done }

// Outcomes of outbound RPCs.

type appendEntriesResult struct {
	peerID   string
	request  *AppendEntriesRequest
	response AppendEntriesResponse
	err      error
}

type requestVoteResult struct {
	peerID   string
	term     uint64
	response RequestVoteResponse
	err      error
}

type installSnapshotResult struct {
	peerID   string
	request  *InstallSnapshotRequest
	response InstallSnapshotResponse
	err      error
}

type timeoutNowResult struct {
	peerID   string
	response TimeoutNowResponse
	err      error
}

// Timer expirations. Events from a timer that was reset since are ignored.

type electionTimeoutEvent struct {
	generation uint64
}

type heartbeatEvent struct {
	generation uint64
}

// Client requests.

type submitEvent struct {
	bytes      []byte
	responseCh chan Result[OperationResponse]
}

type membershipChangeEvent struct {
	id         string
	address    string
	isVoter    bool
	remove     bool
	deadline   time.Time
	responseCh chan Result[Configuration]
}

type transferLeadershipEvent struct {
	targetID string
	deadline time.Time

	// Set when the server hands off leadership before stopping, which is
	// also allowed before the no-op entry of the term commits.
	stopping bool

	responseCh chan Result[LeadershipTransferResponse]
}

type takeSnapshotEvent struct {
	done chan error
}

// snapshotReceivedEvent reports that a snapshot received from the leader was
// written. The response to the last chunk is completed when it is handled.
type snapshotReceivedEvent struct {
	install  *snapshotInstall
	err      error
	response *InstallSnapshotResponse
	done     chan struct{}
}

// snapshotPersistedEvent reports that a snapshot taken by this server was written.
type snapshotPersistedEvent struct {
	index uint64
	term  uint64
	err   error
	done  chan error
}
