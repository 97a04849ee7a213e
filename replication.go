package raft

import (
	"context"
	"time"

	"github.com/ctrlplane/raft/internal/numeric"
)

// initialSync tracks whether a follower has applied everything the current
// leader had committed when it was first heard from.
type initialSync struct {
	target uint64
	done   bool
}

func (r *Raft) handleSubmit(ev *submitEvent) {
	switch r.state {
	case Leader:
		if r.transfer != nil {
			respond(ev.responseCh, OperationResponse{}, ErrLeadershipTransferInProgress)
			return
		}
		r.appendOperation(ev.bytes, ev.responseCh)
	case PreLeader:
		r.operations.queue(ev.bytes, ev.responseCh)
	default:
		respond(ev.responseCh, OperationResponse{}, &NotLeaderError{ServerID: r.id, KnownLeader: r.leaderID})
	}
}

// appendOperation appends an operation to the log of the leader and starts
// replicating it. A leader that cannot append relinquishes leadership.
func (r *Raft) appendOperation(bytes []byte, responseCh chan Result[OperationResponse]) {
	entry := NewLogEntry(r.log.LastIndex()+1, r.currentTerm, bytes, OperationEntry)
	if err := r.log.Append(entry); err != nil {
		r.logger.Errorf("failed to append operation at index %d: %s", entry.Index, err.Error())
		respond(responseCh, OperationResponse{}, err)
		r.becomeFollower(r.currentTerm, "")
		return
	}
	r.operations.track(entry.Index, responseCh)

	r.broadcastAppendEntries()
	r.advanceCommitIndex()
}

func (r *Raft) handleHeartbeat(ev *heartbeatEvent) {
	if ev.generation != r.heartbeatGeneration {
		return
	}
	if r.state != Leader && r.state != PreLeader {
		return
	}

	if r.isolated() {
		r.logger.Warnf("stepping down: no contact with a majority within %s", r.options.leaseDuration)
		r.becomeFollower(r.currentTerm, "")
		return
	}

	now := time.Now()
	r.checkMembershipDeadline(now)
	r.checkTransferDeadline(now)

	r.broadcastAppendEntries()
	r.resetHeartbeatTimer()
}

func (r *Raft) broadcastAppendEntries() {
	for _, p := range r.peers {
		r.replicateTo(p)
	}
}

// replicateTo sends the entries starting at the next index of the peer, or
// an empty request if the peer is up to date. Peers that need compacted
// entries are sent the snapshot instead.
func (r *Raft) replicateTo(p *peer) {
	if p.inflight {
		return
	}
	if p.snapshot != nil || p.nextIndex <= r.log.SnapshotIndex() {
		r.sendSnapshot(p)
		return
	}

	prevLogIndex := p.nextIndex - 1
	prevLogTerm, ok := r.log.TermAt(prevLogIndex)
	if !ok {
		r.sendSnapshot(p)
		return
	}
	entries, err := r.log.Entries(p.nextIndex, r.options.maxEntriesPerRequest)
	if err != nil {
		r.logger.Errorf("failed to read entries for %s: %s", p.id, err.Error())
		return
	}

	request := &AppendEntriesRequest{
		LeaderID:       r.id,
		Term:           r.currentTerm,
		LeaderCommit:   r.log.CommitIndex(),
		PrevLogIndex:   prevLogIndex,
		PrevLogTerm:    prevLogTerm,
		Entries:        entries,
		PayloadVersion: r.options.leaderPayloadVersion,
	}

	p.inflight = true
	id, address := p.id, p.address
	ctx := r.leaderCtx
	r.goAsync(func() {
		ctx, cancel := context.WithTimeout(ctx, r.rpcTimeout())
		defer cancel()
		response, err := r.transport.SendAppendEntries(ctx, address, *request)
		r.post(&appendEntriesResult{peerID: id, request: request, response: response, err: err})
	})
}

func (r *Raft) handleAppendEntriesResult(result *appendEntriesResult) {
	if result.err == nil && result.response.Term > r.currentTerm {
		r.becomeFollower(result.response.Term, "")
		return
	}
	if (r.state != Leader && r.state != PreLeader) || result.request.Term != r.currentTerm {
		return
	}
	p, ok := r.peers[result.peerID]
	if !ok {
		return
	}

	p.inflight = false
	if result.err != nil {
		r.logger.Debugf("AppendEntries to %s failed: %s", p.id, result.err.Error())
		return
	}
	p.lastContact = time.Now()

	request, response := result.request, result.response
	if response.Success {
		match := request.PrevLogIndex + uint64(len(request.Entries))
		p.matchIndex = numeric.Max(p.matchIndex, match)
		p.nextIndex = p.matchIndex + 1

		r.advanceCommitIndex()
		if r.state != Leader && r.state != PreLeader {
			return
		}
		r.onPeerProgress(p)
		if p.nextIndex <= r.log.LastIndex() {
			r.replicateTo(p)
		}
		return
	}

	p.nextIndex = r.nextIndexAfterRejection(request, response)
	r.logger.Debugf("%s rejected entries after %d, retrying from %d", p.id, request.PrevLogIndex, p.nextIndex)
	r.replicateTo(p)
}

// nextIndexAfterRejection picks the next index to try for a peer that
// rejected an AppendEntries request. The result is always below the
// rejected next index and never below one.
func (r *Raft) nextIndexAfterRejection(request *AppendEntriesRequest, response AppendEntriesResponse) uint64 {
	var next uint64
	if response.ConflictTerm != 0 {
		next = response.ConflictIndex
		for index := numeric.Min(request.PrevLogIndex, r.log.LastIndex()); index > r.log.SnapshotIndex(); index-- {
			term, ok := r.log.TermAt(index)
			if !ok || term < response.ConflictTerm {
				break
			}
			if term == response.ConflictTerm {
				next = index + 1
				break
			}
		}
	} else {
		next = response.LastIndex + 1
	}

	next = numeric.Min(next, request.PrevLogIndex)
	return numeric.Max(next, 1)
}

// advanceCommitIndex commits the highest entry of the current term that is
// stored on a majority of voters.
func (r *Raft) advanceCommitIndex() {
	if r.state != Leader && r.state != PreLeader {
		return
	}
	voters := r.membership.latest().Voters()
	if len(voters) == 0 {
		return
	}

	for index := r.log.LastIndex(); index > r.log.CommitIndex(); index-- {
		term, ok := r.log.TermAt(index)
		if !ok || term < r.currentTerm {
			return
		}
		if term != r.currentTerm {
			continue
		}

		replicated := 0
		for _, id := range voters {
			if id == r.id {
				replicated++
			} else if p, ok := r.peers[id]; ok && p.matchIndex >= index {
				replicated++
			}
		}
		if replicated >= numeric.Quorum(len(voters)) {
			r.log.AdvanceCommitIndex(index)
			r.applyCommitted()
			return
		}
	}
}

// onPeerProgress is called when the match index of a peer advances.
func (r *Raft) onPeerProgress(p *peer) {
	r.checkCatchUp(p)
	r.tryTransfer()
}

// handleAppendEntries processes entries from the leader. The response is
// successful only if the log of this server matches the leader's log up to
// and including the last entry in the request.
func (r *Raft) handleAppendEntries(request *AppendEntriesRequest, response *AppendEntriesResponse) {
	response.Term = r.currentTerm
	response.Success = false
	response.LastIndex = r.log.LastIndex()

	if request.Term < r.currentTerm {
		return
	}
	// Decided before becomeFollower, which records the leader.
	newLeader := r.leaderID != request.LeaderID
	if request.Term > r.currentTerm || r.state != Follower {
		if err := r.becomeFollower(request.Term, request.LeaderID); err != nil {
			return
		}
		response.Term = r.currentTerm
	}

	if newLeader {
		r.initialSync = &initialSync{target: request.LeaderCommit}
		r.notify(FollowerInitialSyncUpStatus{MemberID: r.id, InitialSyncDone: false})
	}
	r.setLeader(request.LeaderID, request.PayloadVersion)
	r.resetElectionTimer()

	prevLogIndex, entries := request.PrevLogIndex, request.Entries
	if snapshotIndex := r.log.SnapshotIndex(); prevLogIndex < snapshotIndex {
		// Everything up to the snapshot is committed and therefore matches.
		skip := snapshotIndex - prevLogIndex
		if uint64(len(entries)) <= skip {
			entries = nil
		} else {
			entries = entries[skip:]
		}
		prevLogIndex = snapshotIndex
	} else {
		if prevLogIndex > r.log.LastIndex() {
			return
		}
		term, ok := r.log.TermAt(prevLogIndex)
		if !ok {
			return
		}
		if term != request.PrevLogTerm {
			response.ConflictTerm = term
			response.ConflictIndex = r.firstIndexOfTerm(prevLogIndex, term)
			return
		}
	}

	for i, entry := range entries {
		if entry.Index <= r.log.LastIndex() {
			term, _ := r.log.TermAt(entry.Index)
			if term == entry.Term {
				continue
			}
			if err := r.truncateLog(entry.Index); err != nil {
				r.logger.Errorf("failed to truncate log at %d: %s", entry.Index, err.Error())
				return
			}
		}
		if err := r.appendReplicated(entries[i:]); err != nil {
			r.logger.Errorf("failed to append entries from %s: %s", request.LeaderID, err.Error())
			response.LastIndex = r.log.LastIndex()
			return
		}
		break
	}

	lastNewIndex := prevLogIndex + uint64(len(entries))
	if request.LeaderCommit > r.log.CommitIndex() {
		if r.log.AdvanceCommitIndex(numeric.Min(request.LeaderCommit, lastNewIndex)) {
			r.applyCommitted()
		}
	}
	r.checkInitialSync()

	response.Success = true
	response.LastIndex = r.log.LastIndex()
}

// firstIndexOfTerm returns the first index at or below index holding term,
// searching no lower than the first index after the snapshot.
func (r *Raft) firstIndexOfTerm(index uint64, term uint64) uint64 {
	for index-1 > r.log.SnapshotIndex() {
		previous, ok := r.log.TermAt(index - 1)
		if !ok || previous != term {
			break
		}
		index--
	}
	return index
}

// truncateLog removes the entries at or after index along with any
// configuration they held.
func (r *Raft) truncateLog(index uint64) error {
	if err := r.log.TruncateFrom(index); err != nil {
		return err
	}
	r.membership.truncate(index)
	r.operations.failFrom(index, &NotLeaderError{ServerID: r.id, KnownLeader: r.leaderID})
	r.logger.Infof("truncated log at index %d", index)
	return nil
}

// appendReplicated appends entries received from the leader. Configurations
// take effect as soon as they are appended.
func (r *Raft) appendReplicated(entries []*LogEntry) error {
	if err := r.log.Append(entries...); err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.EntryType != ConfigurationEntry {
			continue
		}
		configuration, err := decodeConfiguration(entry.Data)
		if err != nil {
			r.logger.Errorf("failed to decode configuration at index %d: %s", entry.Index, err.Error())
			continue
		}
		configuration.Index = entry.Index
		r.membership.append(configuration)
	}
	return nil
}

func (r *Raft) checkInitialSync() {
	if r.initialSync == nil || r.initialSync.done || r.log.LastApplied() < r.initialSync.target {
		return
	}
	r.initialSync.done = true
	r.notify(FollowerInitialSyncUpStatus{MemberID: r.id, InitialSyncDone: true})
}
