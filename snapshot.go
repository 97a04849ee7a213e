package raft

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ctrlplane/raft/internal/numeric"
)

var errSnapshotInProgress = errors.New("a snapshot is already being taken")

// snapshotInstall is a snapshot being received from the leader.
type snapshotInstall struct {
	index         uint64
	term          uint64
	configuration []byte
	data          bytes.Buffer
}

// maybeSnapshot takes a snapshot once enough entries were applied since the
// last one.
func (r *Raft) maybeSnapshot() {
	threshold := r.options.snapshotThreshold
	if threshold == 0 || r.snapshotInProgress {
		return
	}
	if r.log.LastApplied()-r.log.SnapshotIndex() < threshold {
		return
	}
	r.takeSnapshot(nil)
}

// takeSnapshot captures the state machine as of the last applied index and
// writes it in the background. The log is compacted once the snapshot is
// durable. If done is not nil it receives the outcome.
func (r *Raft) takeSnapshot(done chan error) {
	reply := func(err error) {
		if done != nil {
			done <- err
		}
	}
	if r.state == Shutdown {
		reply(ErrStopped)
		return
	}
	if r.snapshotInProgress {
		reply(errSnapshotInProgress)
		return
	}

	index := r.log.LastApplied()
	if index == 0 || index == r.log.SnapshotIndex() {
		reply(nil)
		return
	}
	term, ok := r.log.TermAt(index)
	if !ok {
		reply(fmt.Errorf("%w: term of index %d", ErrIndexUnavailable, index))
		return
	}

	data, err := r.fsm.Snapshot()
	if err != nil {
		r.logger.Errorf("failed to snapshot state machine: %s", err.Error())
		reply(err)
		return
	}
	configuration := r.membership.committed.Clone()
	unapplied, err := r.log.Entries(index+1, 0)
	if err != nil {
		r.logger.Errorf("failed to read unapplied entries: %s", err.Error())
		reply(err)
		return
	}

	r.snapshotInProgress = true
	r.goAsync(func() {
		err := r.writeSnapshot(index, term, encodeConfiguration(&configuration), data, unapplied...)
		r.post(&snapshotPersistedEvent{index: index, term: term, err: err, done: done})
	})
}

func (r *Raft) writeSnapshot(index, term uint64, configuration []byte, data []byte, unapplied ...*LogEntry) error {
	writer, err := r.snapshotStorage.NewSnapshotFile(index, term, configuration, unapplied...)
	if err != nil {
		return err
	}
	if _, err := writer.Write(data); err != nil {
		writer.Discard()
		return err
	}
	return writer.Close()
}

func (r *Raft) handleSnapshotPersisted(ev *snapshotPersistedEvent) {
	r.snapshotInProgress = false

	err := ev.err
	if err == nil {
		err = r.log.Compact(ev.index, ev.term)
	}
	if err != nil {
		r.logger.Errorf("failed to take snapshot at index %d: %s", ev.index, err.Error())
	} else {
		r.logger.Infof("took snapshot at index %d, term %d", ev.index, ev.term)
	}

	if ev.done != nil {
		ev.done <- err
	}
}

// sendSnapshot sends the next chunk of the latest snapshot to a peer.
func (r *Raft) sendSnapshot(p *peer) {
	if p.snapshot == nil {
		transfer, err := r.loadSnapshotTransfer()
		if err != nil {
			r.logger.Errorf("failed to load snapshot for %s: %s", p.id, err.Error())
			return
		}
		p.snapshot = transfer
	}

	transfer := p.snapshot
	end := numeric.Min(transfer.offset+uint64(r.options.snapshotChunkSize), uint64(len(transfer.data)))
	request := &InstallSnapshotRequest{
		LeaderID:          r.id,
		Term:              r.currentTerm,
		LastIncludedIndex: transfer.index,
		LastIncludedTerm:  transfer.term,
		Configuration:     transfer.configuration,
		Offset:            transfer.offset,
		Bytes:             transfer.data[transfer.offset:end],
		Done:              end == uint64(len(transfer.data)),
	}

	p.inflight = true
	id, address := p.id, p.address
	ctx := r.leaderCtx
	r.goAsync(func() {
		ctx, cancel := context.WithTimeout(ctx, r.rpcTimeout())
		defer cancel()
		response, err := r.transport.SendInstallSnapshot(ctx, address, *request)
		r.post(&installSnapshotResult{peerID: id, request: request, response: response, err: err})
	})
}

// loadSnapshotTransfer reads the latest snapshot into memory.
func (r *Raft) loadSnapshotTransfer() (*snapshotTransfer, error) {
	file, err := r.snapshotStorage.SnapshotFile()
	if err != nil {
		return nil, err
	}
	if file == nil {
		return nil, errors.New("there is no snapshot")
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	metadata := file.Metadata()

	return &snapshotTransfer{
		index:         metadata.LastIncludedIndex,
		term:          metadata.LastIncludedTerm,
		configuration: metadata.Configuration,
		data:          data,
	}, nil
}

func (r *Raft) handleInstallSnapshotResult(result *installSnapshotResult) {
	if result.err == nil && result.response.Term > r.currentTerm {
		r.becomeFollower(result.response.Term, "")
		return
	}
	if (r.state != Leader && r.state != PreLeader) || result.request.Term != r.currentTerm {
		return
	}
	p, ok := r.peers[result.peerID]
	if !ok || p.snapshot == nil {
		return
	}

	p.inflight = false
	if result.err != nil {
		r.logger.Debugf("InstallSnapshot to %s failed: %s", p.id, result.err.Error())
		return
	}
	p.lastContact = time.Now()

	request, response := result.request, result.response
	if !response.Success {
		p.snapshot.offset = numeric.Min(response.NextOffset, uint64(len(p.snapshot.data)))
		r.replicateTo(p)
		return
	}
	if !request.Done {
		p.snapshot.offset = request.Offset + uint64(len(request.Bytes))
		r.replicateTo(p)
		return
	}

	p.snapshot = nil
	p.matchIndex = numeric.Max(p.matchIndex, request.LastIncludedIndex)
	p.nextIndex = p.matchIndex + 1
	r.logger.Infof("installed snapshot at index %d on %s", request.LastIncludedIndex, p.id)

	r.advanceCommitIndex()
	if r.state != Leader && r.state != PreLeader {
		return
	}
	r.onPeerProgress(p)
	r.replicateTo(p)
}

// handleInstallSnapshot receives a chunk of a snapshot from the leader. Once
// the last chunk arrives the assembled snapshot is returned so it can be
// written, and the response is left unanswered until it is installed.
func (r *Raft) handleInstallSnapshot(request *InstallSnapshotRequest, response *InstallSnapshotResponse) *snapshotInstall {
	response.Term = r.currentTerm
	response.Success = false
	response.NextOffset = 0

	if request.Term < r.currentTerm {
		return nil
	}
	// Decided before becomeFollower, which records the leader.
	newLeader := r.leaderID != request.LeaderID
	if request.Term > r.currentTerm || r.state != Follower {
		if err := r.becomeFollower(request.Term, request.LeaderID); err != nil {
			return nil
		}
		response.Term = r.currentTerm
	}
	if newLeader {
		r.initialSync = &initialSync{target: request.LastIncludedIndex}
		r.notify(FollowerInitialSyncUpStatus{MemberID: r.id, InitialSyncDone: false})
	}
	r.setLeader(request.LeaderID, 0)
	r.resetElectionTimer()

	if request.LastIncludedIndex <= r.log.LastApplied() {
		r.install = nil
		response.Success = true
		response.NextOffset = request.Offset + uint64(len(request.Bytes))
		return nil
	}

	if request.Offset == 0 {
		r.install = &snapshotInstall{
			index:         request.LastIncludedIndex,
			term:          request.LastIncludedTerm,
			configuration: request.Configuration,
		}
	}
	install := r.install
	if install == nil || install.index != request.LastIncludedIndex || install.term != request.LastIncludedTerm {
		r.install = nil
		return nil
	}
	if received := uint64(install.data.Len()); received != request.Offset {
		response.NextOffset = received
		return nil
	}

	install.data.Write(request.Bytes)
	response.NextOffset = uint64(install.data.Len())
	if !request.Done {
		response.Success = true
		return nil
	}

	if r.snapshotInProgress {
		// Ask for the last chunk again once the local snapshot is written.
		install.data.Truncate(int(request.Offset))
		response.NextOffset = request.Offset
		return nil
	}

	r.install = nil
	return install
}

// persistReceivedSnapshot writes a snapshot received from the leader in the
// background. The response to its last chunk is completed by
// handleSnapshotReceived.
func (r *Raft) persistReceivedSnapshot(install *snapshotInstall, response *InstallSnapshotResponse, done chan struct{}) {
	r.snapshotInProgress = true
	r.goAsync(func() {
		err := r.writeSnapshot(install.index, install.term, install.configuration, install.data.Bytes())
		r.post(&snapshotReceivedEvent{install: install, err: err, response: response, done: done})
	})
}

func (r *Raft) handleSnapshotReceived(ev *snapshotReceivedEvent) {
	r.snapshotInProgress = false
	defer close(ev.done)

	install, response := ev.install, ev.response
	response.Term = r.currentTerm
	response.NextOffset = 0
	if r.state != Follower {
		// Leadership changed while the snapshot was written.
		return
	}
	err := ev.err
	if err == nil && install.index > r.log.LastApplied() {
		err = r.installSnapshot(install)
	}
	if err != nil {
		r.logger.Errorf("failed to install snapshot at index %d: %s", install.index, err.Error())
		return
	}
	response.Success = true
	response.NextOffset = uint64(install.data.Len())
}

// installSnapshot replaces the state machine and log with a snapshot
// received from the leader that was already written.
func (r *Raft) installSnapshot(install *snapshotInstall) error {
	data := install.data.Bytes()
	if err := r.fsm.Restore(data); err != nil {
		return err
	}
	if err := r.log.Restore(install.index, install.term); err != nil {
		return err
	}

	configuration, err := decodeConfiguration(install.configuration)
	if err != nil {
		return err
	}
	r.membership.reset(configuration)
	if err := r.rebuildMembership(); err != nil {
		return err
	}

	r.logger.Infof("installed snapshot at index %d, term %d", install.index, install.term)

	r.checkInitialSync()
	return nil
}
