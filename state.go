package raft

import "fmt"

// State is the role a server plays in the cluster.
type State uint32

const (
	// Follower is the initial role of a server. Followers replicate the
	// leader's log and vote in elections.
	Follower State = iota

	// Candidate is the role of a server that is campaigning for leadership.
	Candidate

	// PreLeader is the role of a server that won an election but has not yet
	// committed an entry in its own term.
	PreLeader

	// Leader is the role of the server that accepts operations.
	Leader

	// Shutdown is the role of a server that is not running.
	Shutdown
)

func (s State) String() string {
	switch s {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case PreLeader:
		return "pre-leader"
	case Leader:
		return "leader"
	case Shutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(s))
	}
}

// Status is a point-in-time view of a server.
type Status struct {
	// The ID of the server.
	ID string

	// The address of the server.
	Address string

	// The current term of the server.
	Term uint64

	// The ID of the server this server believes is the leader.
	LeaderID string

	// The index of the last entry in the log.
	LastIndex uint64

	// The index of the highest committed entry.
	CommitIndex uint64

	// The index of the highest entry applied to the state machine.
	LastApplied uint64

	// The last index included in the most recent snapshot.
	SnapshotIndex uint64

	// The role of the server.
	State State

	// The latest configuration known to the server.
	Configuration Configuration
}
