package raft

import (
	"context"
	"time"

	"golang.org/x/exp/slices"

	"github.com/ctrlplane/raft/internal/numeric"
)

func (r *Raft) handleElectionTimeout(ev *electionTimeoutEvent) {
	if ev.generation != r.electionGeneration {
		return
	}
	if r.state == Leader || r.state == PreLeader {
		return
	}
	r.logger.Debugf("election timeout expired in term %d", r.currentTerm)
	r.startElection()
}

// startElection increments the term, votes for this server and requests
// votes from every other voting member of the latest configuration.
func (r *Raft) startElection() {
	configuration := r.membership.latest()
	if !configuration.IsVotingMember(r.id) {
		r.resetElectionTimer()
		return
	}

	if err := r.persistTermAndVote(r.currentTerm+1, r.id); err != nil {
		r.resetElectionTimer()
		return
	}

	r.setState(Candidate)
	r.setLeader("", 0)
	r.votes = map[string]bool{r.id: true}
	r.resetElectionTimer()

	r.logger.Infof("starting election in term %d", r.currentTerm)

	if r.hasQuorumOfVotes() {
		r.becomePreLeader()
		return
	}

	request := RequestVoteRequest{
		CandidateID:  r.id,
		Term:         r.currentTerm,
		LastLogIndex: r.log.LastIndex(),
		LastLogTerm:  r.log.LastTerm(),
	}
	for _, id := range configuration.Voters() {
		if id == r.id {
			continue
		}
		id, address := id, configuration.Members[id]
		r.goAsync(func() {
			ctx, cancel := context.WithTimeout(r.ctx, r.rpcTimeout())
			defer cancel()
			response, err := r.transport.SendRequestVote(ctx, address, request)
			r.post(&requestVoteResult{peerID: id, term: request.Term, response: response, err: err})
		})
	}
}

func (r *Raft) hasQuorumOfVotes() bool {
	voters := r.membership.latest().Voters()
	granted := 0
	for _, id := range voters {
		if r.votes[id] {
			granted++
		}
	}
	return granted >= numeric.Quorum(len(voters))
}

func (r *Raft) handleRequestVoteResult(result *requestVoteResult) {
	if result.err != nil {
		r.logger.Debugf("RequestVote to %s failed: %s", result.peerID, result.err.Error())
		return
	}
	if result.response.Term > r.currentTerm {
		r.becomeFollower(result.response.Term, "")
		return
	}
	if r.state != Candidate || result.term != r.currentTerm || !result.response.VoteGranted {
		return
	}

	r.votes[result.peerID] = true
	if r.hasQuorumOfVotes() {
		r.becomePreLeader()
	}
}

// handleRequestVote decides whether to grant a vote. A vote is granted at
// most once per term and only to a candidate whose log is at least as up to
// date as this server's log.
func (r *Raft) handleRequestVote(request *RequestVoteRequest, response *RequestVoteResponse) {
	response.VoteGranted = false
	if request.Term > r.currentTerm {
		if err := r.becomeFollower(request.Term, ""); err != nil {
			response.Term = r.currentTerm
			return
		}
	}
	response.Term = r.currentTerm

	if request.Term < r.currentTerm {
		return
	}
	if r.votedFor != "" && r.votedFor != request.CandidateID {
		return
	}

	lastIndex, lastTerm := r.log.LastIndex(), r.log.LastTerm()
	if request.LastLogTerm < lastTerm || (request.LastLogTerm == lastTerm && request.LastLogIndex < lastIndex) {
		r.logger.Debugf(
			"rejected vote for %s in term %d: candidate log is behind (%d, %d) < (%d, %d)",
			request.CandidateID, request.Term, request.LastLogIndex, request.LastLogTerm, lastIndex, lastTerm,
		)
		return
	}

	if r.votedFor != request.CandidateID {
		if err := r.persistTermAndVote(r.currentTerm, request.CandidateID); err != nil {
			return
		}
	}
	response.VoteGranted = true
	r.resetElectionTimer()

	r.logger.Debugf("voted for %s in term %d", request.CandidateID, r.currentTerm)
}

// becomePreLeader takes over as leader of the current term. Operations are
// queued until the no-op entry of the term commits.
func (r *Raft) becomePreLeader() {
	r.votes = nil
	r.stopElectionTimer()
	r.setState(PreLeader)
	r.setLeader(r.id, r.options.leaderPayloadVersion)

	r.leaderCtx, r.leaderCancel = context.WithCancel(r.ctx)
	r.lease = newLease(r.options.leaseDuration, time.Now())
	r.peers = make(map[string]*peer)
	r.syncPeers()

	noop := NewLogEntry(r.log.LastIndex()+1, r.currentTerm, nil, NoOpEntry)
	if err := r.log.Append(noop); err != nil {
		r.logger.Errorf("failed to append no-op entry: %s", err.Error())
		r.becomeFollower(r.currentTerm, "")
		return
	}
	r.noopIndex = noop.Index

	r.broadcastAppendEntries()
	r.advanceCommitIndex()
	if r.state == PreLeader || r.state == Leader {
		r.resetHeartbeatTimer()
	}
}

// becomeLeader starts accepting operations once an entry of the current
// term is committed.
func (r *Raft) becomeLeader() {
	r.setState(Leader)
	for _, operation := range r.operations.dequeueAll() {
		r.appendOperation(operation.bytes, operation.responseCh)
		if r.state != Leader {
			return
		}
	}
}

// handleTimeoutNow starts an election immediately at the request of the
// leader of the current term.
func (r *Raft) handleTimeoutNow(request *TimeoutNowRequest, response *TimeoutNowResponse) {
	if request.Term > r.currentTerm {
		if err := r.becomeFollower(request.Term, request.LeaderID); err != nil {
			response.Term = r.currentTerm
			return
		}
	}
	response.Term = r.currentTerm
	if request.Term < r.currentTerm || r.state != Follower {
		return
	}

	r.logger.Infof("received TimeoutNow from %s in term %d", request.LeaderID, request.Term)
	r.startElection()
}

func (r *Raft) sendTimeoutNow(target *peer) {
	request := TimeoutNowRequest{LeaderID: r.id, Term: r.currentTerm}
	id, address := target.id, target.address
	r.goAsync(func() {
		// Not bound to the term of this leader, which may end before the reply.
		ctx, cancel := context.WithTimeout(r.ctx, r.rpcTimeout())
		defer cancel()
		response, err := r.transport.SendTimeoutNow(ctx, address, request)
		r.post(&timeoutNowResult{peerID: id, response: response, err: err})
	})
}

func (r *Raft) handleTimeoutNowResult(result *timeoutNowResult) {
	if result.err != nil {
		r.logger.Warnf("TimeoutNow to %s failed: %s", result.peerID, result.err.Error())
		return
	}
	if result.response.Term > r.currentTerm {
		r.becomeFollower(result.response.Term, "")
	}
}

// mostCaughtUpVoter returns the voting peer with the highest match index.
func (r *Raft) mostCaughtUpVoter() *peer {
	var best *peer
	for _, id := range r.membership.latest().Voters() {
		p, ok := r.peers[id]
		if !ok {
			continue
		}
		if best == nil || p.matchIndex > best.matchIndex {
			best = p
		}
	}
	return best
}

// isolated renews the lease from the contact time of the voter that makes a
// majority with the most recently heard from voters, and reports whether
// the lease has expired.
func (r *Raft) isolated() bool {
	voters := r.membership.latest().Voters()
	if len(voters) == 0 {
		return false
	}
	now := time.Now()
	contacts := make([]int64, 0, len(voters))
	for _, id := range voters {
		if id == r.id {
			contacts = append(contacts, now.UnixNano())
		} else if p, ok := r.peers[id]; ok && !p.lastContact.IsZero() {
			contacts = append(contacts, p.lastContact.UnixNano())
		}
	}
	if quorum := numeric.Quorum(len(voters)); len(contacts) >= quorum {
		slices.Sort(contacts)
		r.lease.renew(time.Unix(0, contacts[len(contacts)-quorum]))
	}
	return !r.lease.isValid(now)
}
