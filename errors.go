package raft

import (
	"errors"
	"fmt"
)

var (
	// ErrNotLeader is returned when an operation that requires leadership is
	// submitted to a server that is not the leader. The operation may be
	// retried against the known leader.
	ErrNotLeader = errors.New("raft: this server is not the leader")

	// ErrStopped is returned when an operation is submitted to a server that
	// is not running, or that stopped before the operation completed.
	ErrStopped = errors.New("raft: server is not running")

	// ErrNonMonotonicIndex is returned when a log entry is appended whose
	// index does not immediately follow the last index of the log.
	ErrNonMonotonicIndex = errors.New("raft: log entry index does not follow the last index")

	// ErrTruncateApplied is returned when a truncation would remove entries
	// that were already applied to the state machine.
	ErrTruncateApplied = errors.New("raft: cannot truncate applied log entries")

	// ErrConfigurationChangeInProgress is returned when a membership change is
	// requested while another has not yet completed.
	ErrConfigurationChangeInProgress = errors.New("raft: a configuration change is already in progress")

	// ErrLeadershipTransferInProgress is returned when an operation is
	// submitted to a leader that is handing off leadership.
	ErrLeadershipTransferInProgress = errors.New("raft: leadership transfer in progress")

	// ErrUnknownMember is returned when a membership operation names a server
	// that is not part of the configuration.
	ErrUnknownMember = errors.New("raft: server is not a member of the configuration")

	// ErrAlreadyBootstrapped is returned when Bootstrap is called on a server
	// that already has persisted state.
	ErrAlreadyBootstrapped = errors.New("raft: server already has state")

	// ErrIndexUnavailable is returned when a log entry is requested that was
	// compacted or has not been appended yet.
	ErrIndexUnavailable = errors.New("raft: log index is unavailable")
)

// NotLeaderError is returned in place of ErrNotLeader and carries the
// identity of the leader, if one is known.
type NotLeaderError struct {
	// The ID of the server that rejected the operation.
	ServerID string

	// The ID of the leader known to the server, or the empty string.
	KnownLeader string
}

func (e *NotLeaderError) Error() string {
	if e.KnownLeader == "" {
		return fmt.Sprintf("raft: server %s is not the leader and no leader is known", e.ServerID)
	}
	return fmt.Sprintf("raft: server %s is not the leader, try %s", e.ServerID, e.KnownLeader)
}

func (e *NotLeaderError) Unwrap() error {
	return ErrNotLeader
}
