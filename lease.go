package raft

import "time"

// lease is the leader's claim that it can still reach a majority of the
// cluster. It runs for a fixed duration from the time a majority of voting
// members was last heard from. A leader whose lease has expired is isolated
// and steps down.
type lease struct {
	// Time at which the lease expires.
	expiration time.Time

	// The duration of a lease, measured from the contact that renewed it.
	duration time.Duration
}

// newLease creates a lease that runs for duration from now.
func newLease(duration time.Duration, now time.Time) *lease {
	return &lease{duration: duration, expiration: now.Add(duration)}
}

// renew extends the lease to run for its duration from contact. A contact
// older than the one that last renewed the lease has no effect.
func (l *lease) renew(contact time.Time) {
	if expiration := contact.Add(l.duration); expiration.After(l.expiration) {
		l.expiration = expiration
	}
}

func (l *lease) isValid(now time.Time) bool {
	return now.Before(l.expiration)
}
