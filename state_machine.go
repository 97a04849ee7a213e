package raft

// StateMachine is an interface representing a replicated state machine.
// Its methods are only ever called from a single goroutine.
type StateMachine interface {
	// Apply applies a committed operation to the state machine. It is called
	// exactly once for every committed operation, in log order.
	Apply(operation *Operation) interface{}

	// Snapshot returns a serialized copy of the current state of the state
	// machine that Restore can understand.
	Snapshot() ([]byte, error)

	// Restore replaces the state of the state machine with a snapshot that
	// was produced by Snapshot.
	Restore(snapshot []byte) error
}
