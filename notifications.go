package raft

// Notification is an event describing a change in the role or leadership
// of a server. The concrete types are RoleChanged, LeaderStateChanged and
// FollowerInitialSyncUpStatus.
type Notification interface {
	notification()
}

// RoleChanged is emitted every time a server changes its role.
type RoleChanged struct {
	MemberID string
	OldRole  State
	NewRole  State
}

// LeaderStateChanged is emitted when a server learns of a new leader, or
// loses track of the leader, in which case LeaderID is empty.
type LeaderStateChanged struct {
	MemberID             string
	LeaderID             string
	Term                 uint64
	LeaderPayloadVersion int16
}

// FollowerInitialSyncUpStatus is emitted by a follower when it starts
// following a new leader, and again once it has applied everything the
// leader had committed when it first heard from it.
type FollowerInitialSyncUpStatus struct {
	MemberID        string
	InitialSyncDone bool
}

func (RoleChanged) notification()                 {}
func (LeaderStateChanged) notification()          {}
func (FollowerInitialSyncUpStatus) notification() {}
