package raft

import (
	"fmt"
	"time"
)

// LeadershipTransferResponse is the result of a successful leadership transfer.
type LeadershipTransferResponse struct {
	// The ID of the server that was asked to take over.
	TargetID string
}

// membership tracks the configurations found in the log. The latest one is
// in effect as soon as it is appended, whether or not it is committed.
type membership struct {
	// The latest committed configuration.
	committed Configuration

	// Configurations appended after the committed one, in index order.
	history []Configuration

	// The configuration change being carried out by the leader, if any.
	pending *membershipChange
}

// membershipChange is a request to add, promote, demote or remove a server.
type membershipChange struct {
	id      string
	address string
	remove  bool
	voter   bool

	// The index of the last configuration appended for this change.
	index uint64

	// Indicates whether the server is catching up before being made a voter.
	promoting bool

	deadline   time.Time
	responseCh chan Result[Configuration]
}

// leadershipTransfer is an in-progress hand-off of leadership.
type leadershipTransfer struct {
	targetID string
	deadline time.Time

	// Indicates whether TimeoutNow was sent to the target.
	sent bool

	responseCh chan Result[LeadershipTransferResponse]
}

func newMembership() *membership {
	return &membership{}
}

func (m *membership) latest() *Configuration {
	if len(m.history) > 0 {
		return &m.history[len(m.history)-1]
	}
	return &m.committed
}

func (m *membership) append(configuration Configuration) {
	m.history = append(m.history, configuration)
}

// truncate drops the configurations at or after index.
func (m *membership) truncate(index uint64) {
	for len(m.history) > 0 && m.history[len(m.history)-1].Index >= index {
		m.history = m.history[:len(m.history)-1]
	}
}

// commit marks the configurations at or below commitIndex as committed.
func (m *membership) commit(commitIndex uint64) {
	for len(m.history) > 0 && m.history[0].Index <= commitIndex {
		m.committed = m.history[0]
		m.history = m.history[1:]
	}
}

// reset replaces every configuration with one taken from a snapshot.
func (m *membership) reset(configuration Configuration) {
	m.committed = configuration
	m.history = nil
}

func (m *membership) hasUncommitted() bool {
	return len(m.history) > 0
}

// fail completes the pending change with err.
func (m *membership) fail(err error) {
	if m.pending == nil {
		return
	}
	respond(m.pending.responseCh, Configuration{}, err)
	m.pending = nil
}

// AddServer adds a server to the cluster. A server that will vote is first
// added as a non-voter and promoted once it has caught up with the leader.
// Adding an existing member changes its voting status.
func (r *Raft) AddServer(id string, address string, isVoter bool, timeout time.Duration) Future[Configuration] {
	configurationFuture := newFuture[Configuration](timeout)
	ev := &membershipChangeEvent{
		id:         id,
		address:    address,
		isVoter:    isVoter,
		deadline:   time.Now().Add(timeout),
		responseCh: configurationFuture.responseCh,
	}
	if !r.post(ev) {
		respond(configurationFuture.responseCh, Configuration{}, ErrStopped)
	}
	return configurationFuture
}

// RemoveServer removes a server from the cluster. A leader that removes
// itself hands off leadership once the change is committed.
func (r *Raft) RemoveServer(id string, timeout time.Duration) Future[Configuration] {
	configurationFuture := newFuture[Configuration](timeout)
	ev := &membershipChangeEvent{
		id:         id,
		remove:     true,
		deadline:   time.Now().Add(timeout),
		responseCh: configurationFuture.responseCh,
	}
	if !r.post(ev) {
		respond(configurationFuture.responseCh, Configuration{}, ErrStopped)
	}
	return configurationFuture
}

// TransferLeadership hands leadership to the voting member id, or to the most
// caught up voting member if id is empty. Operations are rejected until the
// transfer completes or is abandoned after an election timeout.
func (r *Raft) TransferLeadership(id string, timeout time.Duration) Future[LeadershipTransferResponse] {
	transferFuture := newFuture[LeadershipTransferResponse](timeout)
	ev := &transferLeadershipEvent{
		targetID:   id,
		deadline:   time.Now().Add(timeout),
		responseCh: transferFuture.responseCh,
	}
	if !r.post(ev) {
		respond(transferFuture.responseCh, LeadershipTransferResponse{}, ErrStopped)
	}
	return transferFuture
}

func (r *Raft) handleMembershipChange(ev *membershipChangeEvent) {
	if r.state != Leader {
		respond(ev.responseCh, Configuration{}, &NotLeaderError{ServerID: r.id, KnownLeader: r.leaderID})
		return
	}
	if r.transfer != nil {
		respond(ev.responseCh, Configuration{}, ErrLeadershipTransferInProgress)
		return
	}
	if r.membership.pending != nil || r.membership.hasUncommitted() {
		respond(ev.responseCh, Configuration{}, ErrConfigurationChangeInProgress)
		return
	}

	latest := r.membership.latest()
	change := &membershipChange{
		id:         ev.id,
		address:    ev.address,
		remove:     ev.remove,
		voter:      ev.isVoter,
		deadline:   ev.deadline,
		responseCh: ev.responseCh,
	}

	if ev.remove {
		if !latest.Contains(ev.id) {
			respond(ev.responseCh, Configuration{}, fmt.Errorf("%w: %s", ErrUnknownMember, ev.id))
			return
		}
		configuration := latest.Clone()
		delete(configuration.Members, ev.id)
		delete(configuration.IsVoter, ev.id)
		r.membership.pending = change
		r.appendConfiguration(configuration)
		return
	}

	if ev.id == "" || ev.address == "" {
		respond(ev.responseCh, Configuration{}, fmt.Errorf("server ID and address must not be empty"))
		return
	}

	if !latest.Contains(ev.id) {
		configuration := latest.Clone()
		if configuration.Members == nil {
			configuration.Members = make(map[string]string)
			configuration.IsVoter = make(map[string]bool)
		}
		configuration.Members[ev.id] = ev.address
		configuration.IsVoter[ev.id] = false
		r.membership.pending = change
		r.appendConfiguration(configuration)
		return
	}

	if latest.Members[ev.id] != ev.address {
		respond(ev.responseCh, Configuration{}, fmt.Errorf(
			"server %s is already a member with address %s", ev.id, latest.Members[ev.id],
		))
		return
	}

	switch {
	case latest.IsVoter[ev.id] == ev.isVoter:
		respond(ev.responseCh, latest.Clone(), nil)
	case ev.isVoter:
		change.promoting = true
		r.membership.pending = change
		if p, ok := r.peers[ev.id]; ok {
			r.checkCatchUp(p)
		}
	default:
		configuration := latest.Clone()
		configuration.IsVoter[ev.id] = false
		r.membership.pending = change
		r.appendConfiguration(configuration)
	}
}

// appendConfiguration appends a configuration entry. The configuration
// takes effect immediately.
func (r *Raft) appendConfiguration(configuration Configuration) {
	configuration.Index = r.log.LastIndex() + 1
	entry := NewLogEntry(configuration.Index, r.currentTerm, encodeConfiguration(&configuration), ConfigurationEntry)
	if err := r.log.Append(entry); err != nil {
		r.logger.Errorf("failed to append configuration at index %d: %s", entry.Index, err.Error())
		r.membership.fail(err)
		r.becomeFollower(r.currentTerm, "")
		return
	}

	r.membership.append(configuration)
	if r.membership.pending != nil {
		r.membership.pending.index = configuration.Index
	}
	r.logger.Infof("appended configuration %s", configuration.String())

	r.syncPeers()
	r.broadcastAppendEntries()
	r.advanceCommitIndex()
}

// checkMembershipChange moves the pending change forward once its latest
// configuration is committed.
func (r *Raft) checkMembershipChange() {
	change := r.membership.pending
	if change == nil || change.promoting || r.log.CommitIndex() < change.index {
		return
	}

	if !change.remove && change.voter && !r.membership.latest().IsVoter[change.id] {
		change.promoting = true
		if p, ok := r.peers[change.id]; ok {
			r.checkCatchUp(p)
		}
		return
	}

	r.membership.pending = nil
	respond(change.responseCh, r.membership.committed.Clone(), nil)
	r.logger.Infof("committed configuration %s", r.membership.committed.String())

	if change.remove && change.id == r.id {
		r.leaveCluster()
	}
}

// checkCatchUp promotes a server being added as a voter once it holds every
// committed entry.
func (r *Raft) checkCatchUp(p *peer) {
	change := r.membership.pending
	if change == nil || !change.promoting || change.id != p.id {
		return
	}
	if p.matchIndex < r.log.CommitIndex() {
		return
	}

	configuration := r.membership.latest().Clone()
	configuration.IsVoter[p.id] = true
	change.promoting = false
	r.appendConfiguration(configuration)
}

func (r *Raft) checkMembershipDeadline(now time.Time) {
	change := r.membership.pending
	if change == nil || now.Before(change.deadline) {
		return
	}
	r.logger.Warnf("configuration change for %s timed out", change.id)
	r.membership.fail(ErrTimeout)
}

// leaveCluster steps down after this server was removed from the cluster,
// asking the most caught up voter to start an election if it holds every
// entry of the log. Otherwise the remaining voters elect a leader once their
// election timers fire.
func (r *Raft) leaveCluster() {
	if target := r.mostCaughtUpVoter(); target != nil && r.caughtUp(target) {
		r.sendTimeoutNow(target)
	}
	r.logger.Infof("removed from the cluster, stepping down")
	r.becomeFollower(r.currentTerm, "")
}

// syncPeers tracks every member of the latest and the committed
// configuration other than this server.
func (r *Raft) syncPeers() {
	if r.peers == nil {
		return
	}
	latest, committed := r.membership.latest(), &r.membership.committed
	members := make(map[string]string, len(latest.Members))
	for id, address := range committed.Members {
		members[id] = address
	}
	for id, address := range latest.Members {
		members[id] = address
	}

	for id, address := range members {
		if id == r.id {
			continue
		}
		if p, ok := r.peers[id]; ok {
			p.address = address
			continue
		}
		r.peers[id] = newPeer(id, address, r.log.LastIndex()+1)
	}
	for id := range r.peers {
		if _, ok := members[id]; !ok {
			delete(r.peers, id)
		}
	}
}

// rebuildMembership collects the configurations held by the log after the snapshot.
func (r *Raft) rebuildMembership() error {
	r.membership.history = nil
	for index := r.log.SnapshotIndex() + 1; index <= r.log.LastIndex(); index++ {
		entry, ok := r.log.EntryAt(index)
		if !ok {
			return fmt.Errorf("%w: entry %d", ErrIndexUnavailable, index)
		}
		if entry.EntryType != ConfigurationEntry {
			continue
		}
		configuration, err := decodeConfiguration(entry.Data)
		if err != nil {
			return err
		}
		configuration.Index = index
		r.membership.append(configuration)
	}
	r.membership.commit(r.log.CommitIndex())
	return nil
}

func (r *Raft) handleTransferLeadership(ev *transferLeadershipEvent) {
	if r.state != Leader && !(ev.stopping && r.state == PreLeader) {
		respond(ev.responseCh, LeadershipTransferResponse{}, &NotLeaderError{ServerID: r.id, KnownLeader: r.leaderID})
		return
	}
	if r.transfer != nil {
		respond(ev.responseCh, LeadershipTransferResponse{}, ErrLeadershipTransferInProgress)
		return
	}
	if r.membership.pending != nil {
		respond(ev.responseCh, LeadershipTransferResponse{}, ErrConfigurationChangeInProgress)
		return
	}

	targetID := ev.targetID
	if targetID == "" {
		target := r.mostCaughtUpVoter()
		if target == nil {
			respond(ev.responseCh, LeadershipTransferResponse{}, fmt.Errorf("%w: no other voting member", ErrUnknownMember))
			return
		}
		targetID = target.id
	}
	if targetID == r.id {
		respond(ev.responseCh, LeadershipTransferResponse{TargetID: r.id}, nil)
		return
	}
	if _, ok := r.peers[targetID]; !ok || !r.membership.latest().IsVotingMember(targetID) {
		respond(ev.responseCh, LeadershipTransferResponse{}, fmt.Errorf("%w: %s", ErrUnknownMember, targetID))
		return
	}

	deadline := time.Now().Add(r.options.electionTimeout)
	if ev.deadline.Before(deadline) {
		deadline = ev.deadline
	}
	r.transfer = &leadershipTransfer{targetID: targetID, deadline: deadline, responseCh: ev.responseCh}
	r.logger.Infof("transferring leadership to %s", targetID)
	r.tryTransfer()
}

// tryTransfer sends TimeoutNow to the transfer target once it has every
// entry of the leader's log.
func (r *Raft) tryTransfer() {
	transfer := r.transfer
	if transfer == nil || transfer.sent {
		return
	}
	target, ok := r.peers[transfer.targetID]
	if !ok {
		respond(transfer.responseCh, LeadershipTransferResponse{}, fmt.Errorf("%w: %s", ErrUnknownMember, transfer.targetID))
		r.transfer = nil
		return
	}
	if !r.caughtUp(target) {
		r.replicateTo(target)
		return
	}
	transfer.sent = true
	r.sendTimeoutNow(target)
}

// caughtUp reports whether a peer holds every entry of the leader's log.
func (r *Raft) caughtUp(p *peer) bool {
	return p.matchIndex >= r.log.LastIndex()
}

func (r *Raft) checkTransferDeadline(now time.Time) {
	transfer := r.transfer
	if transfer == nil || now.Before(transfer.deadline) {
		return
	}
	r.logger.Warnf("leadership transfer to %s timed out", transfer.targetID)
	respond(transfer.responseCh, LeadershipTransferResponse{}, ErrTimeout)
	r.transfer = nil
}
