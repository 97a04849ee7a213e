package raft

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ctrlplane/raft/internal/journal"
	"github.com/ctrlplane/raft/internal/random"
	"github.com/ctrlplane/raft/logging"
)

// The capacity of the event queue of a server.
const eventQueueSize = 256

// Raft is a member of a replicated state machine cluster.
//
// All protocol state is owned by a single goroutine that processes events
// one at a time: inbound RPCs, replies to outbound RPCs, timer expirations,
// client submissions, and completed snapshot writes. Public methods post
// events and wait for the outcome.
type Raft struct {
	// The ID of this server.
	id string

	// The network address of this server.
	address string

	options options

	logger *logging.Logger

	// The replicated state machine.
	fsm StateMachine

	// The log, including the snapshot prefix and commit progress.
	log *ReplicatedLog

	stateStorage    StateStorage
	snapshotStorage SnapshotStorage
	transport       Transport

	// The current term and the vote cast in it. Always persisted before use.
	currentTerm uint64
	votedFor    string

	// The role of this server.
	state State

	// The ID of the leader this server knows of, if any.
	leaderID string

	// Configurations in the log and the in-flight membership change.
	membership *membership

	// Votes granted to this server in the current election.
	votes map[string]bool

	// Replication progress of every other member. Only valid while leading.
	peers map[string]*peer

	// The index of the no-op entry appended on election.
	noopIndex uint64

	// Cancelled when this server stops leading.
	leaderCtx    context.Context
	leaderCancel context.CancelFunc

	// Tracks contact with a majority while leading.
	lease *lease

	// Client operations awaiting a result.
	operations *operationManager

	// An in-progress leadership transfer, if any.
	transfer *leadershipTransfer

	// A snapshot being received from the leader, if any.
	install *snapshotInstall

	// Indicates whether a snapshot is being written.
	snapshotInProgress bool

	// Follower catch-up tracking for the current leader.
	initialSync *initialSync

	electionTimer       *time.Timer
	electionGeneration  uint64
	heartbeatTimer      *time.Timer
	heartbeatGeneration uint64

	events chan event
	stopCh chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	// Indicates whether storage was opened and replayed.
	storageOpen bool

	running bool
	stopped bool

	// Tracks the event loop and every goroutine it starts.
	wg sync.WaitGroup

	mu sync.Mutex

	// A copy of the server status, refreshed after every event.
	status   Status
	statusMu sync.RWMutex
}

// NewRaft creates a new server with the provided ID and address. The server
// stores its log, state and snapshots under dataPath unless storage is
// supplied through options.
func NewRaft(id string, address string, fsm StateMachine, dataPath string, opts ...Option) (*Raft, error) {
	if id == "" {
		return nil, fmt.Errorf("server ID must not be empty")
	}
	if fsm == nil {
		return nil, fmt.Errorf("state machine must not be nil")
	}

	options := defaultOptions()
	for _, opt := range opts {
		if err := opt(&options); err != nil {
			return nil, fmt.Errorf("could not create new raft: %w", err)
		}
	}
	if options.heartbeatInterval >= options.electionTimeout {
		return nil, fmt.Errorf(
			"heartbeat interval %s must be less than election timeout %s",
			options.heartbeatInterval, options.electionTimeout,
		)
	}
	if options.leaseDuration == 0 {
		options.leaseDuration = options.electionTimeout
	}

	logger := options.logger
	if logger == nil {
		loggingOpts := []logging.Option{logging.WithPrefix(fmt.Sprintf("raft[%s]: ", id))}
		if options.levelSet {
			loggingOpts = append(loggingOpts, logging.WithLevel(options.logLevel))
		}
		var err error
		if logger, err = logging.NewLogger(loggingOpts...); err != nil {
			return nil, fmt.Errorf("could not create logger: %w", err)
		}
	}

	log := options.log
	if log == nil {
		journalOpts := []journal.Option{
			journal.WithIndexDensity(options.indexDensity),
			journal.WithLogger(logger),
		}
		if options.maxEntriesPerSegment != 0 {
			journalOpts = append(journalOpts, journal.WithMaxEntriesPerSegment(options.maxEntriesPerSegment))
		}
		if options.maxSegmentSize != 0 {
			journalOpts = append(journalOpts, journal.WithMaxSegmentSize(options.maxSegmentSize))
		}
		log = NewLog(dataPath, journalOpts...)
	}

	stateStorage := options.stateStorage
	if stateStorage == nil {
		var err error
		if stateStorage, err = NewStateStorage(dataPath); err != nil {
			return nil, fmt.Errorf("could not create state storage: %w", err)
		}
	}

	snapshotStorage := options.snapshotStorage
	if snapshotStorage == nil {
		var err error
		if snapshotStorage, err = NewSnapshotStorage(dataPath); err != nil {
			return nil, fmt.Errorf("could not create snapshot storage: %w", err)
		}
	}

	transport := options.transport
	if transport == nil {
		var err error
		if transport, err = NewTransport(address); err != nil {
			return nil, fmt.Errorf("could not create transport: %w", err)
		}
	}

	r := &Raft{
		id:              id,
		address:         address,
		options:         options,
		logger:          logger,
		fsm:             fsm,
		log:             newReplicatedLog(log),
		stateStorage:    stateStorage,
		snapshotStorage: snapshotStorage,
		transport:       transport,
		state:           Shutdown,
		membership:      newMembership(),
		operations:      newOperationManager(),
		events:          make(chan event, eventQueueSize),
		stopCh:          make(chan struct{}),
	}
	r.publishStatus()

	return r, nil
}

// Bootstrap initializes a server that has no state with the provided
// configuration, a map from server ID to address. Every server of a new
// cluster must be bootstrapped with the same configuration before it is
// started. Servers added to an existing cluster must not be bootstrapped.
func (r *Raft) Bootstrap(configuration map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running || r.stopped {
		return fmt.Errorf("could not bootstrap: server must be bootstrapped before it is started")
	}
	if _, ok := configuration[r.id]; !ok {
		return fmt.Errorf("could not bootstrap: configuration does not contain server %s", r.id)
	}
	if err := r.openStorage(); err != nil {
		return fmt.Errorf("could not bootstrap: %w", err)
	}
	if r.currentTerm != 0 || r.log.LastIndex() != 0 {
		return ErrAlreadyBootstrapped
	}

	config := NewConfiguration(configuration)
	config.Index = 1
	entry := NewLogEntry(config.Index, 0, encodeConfiguration(config), ConfigurationEntry)
	if err := r.log.Append(entry); err != nil {
		return fmt.Errorf("could not bootstrap: %w", err)
	}
	r.membership.append(*config)
	r.publishStatus()

	r.logger.Infof("bootstrapped with configuration %s", config)

	return nil
}

// Start starts the server. A stopped server cannot be started again.
func (r *Raft) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}
	if r.stopped {
		return ErrStopped
	}

	if err := r.openStorage(); err != nil {
		return err
	}

	r.transport.RegisterAppendEntriesHandler(r.AppendEntries)
	r.transport.RegisterRequestVoteHandler(r.RequestVote)
	r.transport.RegisterInstallSnapshotHandler(r.InstallSnapshot)
	r.transport.RegisterTimeoutNowHandler(r.TimeoutNow)
	if err := r.transport.Run(); err != nil {
		return fmt.Errorf("could not start transport: %w", err)
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.running = true
	r.setState(Follower)
	r.resetElectionTimer()
	r.publishStatus()

	r.wg.Add(1)
	go r.run()

	r.logger.Infof(
		"started at %s: term = %d, last index = %d, snapshot index = %d",
		r.address, r.currentTerm, r.log.LastIndex(), r.log.SnapshotIndex(),
	)

	return nil
}

// Stop stops the server. Operations that have not completed fail with ErrStopped.
// A leading server first hands leadership to the most caught up voter, waiting
// at most one election timeout for it to take over.
func (r *Raft) Stop() {
	r.handOffLeadership()

	r.mu.Lock()
	if !r.running {
		// A bootstrapped server that never started still holds the log open.
		if r.storageOpen && !r.stopped {
			r.stopped = true
			r.log.log.Close()
		}
		r.mu.Unlock()
		return
	}
	r.running = false
	r.stopped = true
	close(r.stopCh)
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()

	if err := r.transport.Shutdown(); err != nil {
		r.logger.Errorf("failed to shut down transport: %s", err.Error())
	}
	if err := r.log.log.Close(); err != nil {
		r.logger.Errorf("failed to close log: %s", err.Error())
	}
	r.publishStatus()

	r.logger.Infof("stopped")
}

func (r *Raft) handOffLeadership() {
	if state := r.Status().State; state != Leader && state != PreLeader {
		return
	}
	timeout := r.options.electionTimeout
	transferFuture := newFuture[LeadershipTransferResponse](timeout)
	ev := &transferLeadershipEvent{
		deadline:   time.Now().Add(timeout),
		stopping:   true,
		responseCh: transferFuture.responseCh,
	}
	if !r.post(ev) {
		return
	}
	result := transferFuture.Await()
	if err := result.Error(); err != nil {
		r.logger.Debugf("stopping without handing off leadership: %s", err.Error())
		return
	}
	r.logger.Infof("handed leadership to %s before stopping", result.Success().TargetID)
}

// Status returns the status of the server.
func (r *Raft) Status() Status {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.status
}

// SubmitOperation submits an operation to the server. The returned future
// completes once the operation has been committed and applied, or when it
// can no longer be committed by this server.
func (r *Raft) SubmitOperation(operation []byte, timeout time.Duration) Future[OperationResponse] {
	operationFuture := newFuture[OperationResponse](timeout)
	if !r.post(&submitEvent{bytes: operation, responseCh: operationFuture.responseCh}) {
		respond(operationFuture.responseCh, OperationResponse{}, ErrStopped)
	}
	return operationFuture
}

// TakeSnapshot takes a snapshot of the state machine and compacts the log.
func (r *Raft) TakeSnapshot() error {
	done := make(chan error, 1)
	if !r.post(&takeSnapshotEvent{done: done}) {
		return ErrStopped
	}
	select {
	case err := <-done:
		return err
	case <-r.stopCh:
		return ErrStopped
	}
}

// AppendEntries handles an inbound AppendEntries request.
func (r *Raft) AppendEntries(request *AppendEntriesRequest, response *AppendEntriesResponse) error {
	return r.call(&appendEntriesEvent{request: request, response: response, done: make(chan struct{})})
}

// RequestVote handles an inbound RequestVote request.
func (r *Raft) RequestVote(request *RequestVoteRequest, response *RequestVoteResponse) error {
	return r.call(&requestVoteEvent{request: request, response: response, done: make(chan struct{})})
}

// InstallSnapshot handles an inbound InstallSnapshot request.
func (r *Raft) InstallSnapshot(request *InstallSnapshotRequest, response *InstallSnapshotResponse) error {
	return r.call(&installSnapshotEvent{request: request, response: response, done: make(chan struct{})})
}

// TimeoutNow handles an inbound TimeoutNow request.
func (r *Raft) TimeoutNow(request *TimeoutNowRequest, response *TimeoutNowResponse) error {
	return r.call(&timeoutNowEvent{request: request, response: response, done: make(chan struct{})})
}

// call posts an inbound RPC and waits until the event loop has filled in the response.
func (r *Raft) call(ev rpcEvent) error {
	if !r.post(ev) {
		return ErrStopped
	}
	select {
	case <-ev.doneCh():
		return nil
	case <-r.stopCh:
		return ErrStopped
	}
}

// post queues an event for the event loop. It returns false if the server
// is not running.
func (r *Raft) post(ev event) bool {
	r.mu.Lock()
	running := r.running
	r.mu.Unlock()
	if !running {
		return false
	}
	select {
	case r.events <- ev:
		return true
	case <-r.stopCh:
		return false
	}
}

// goAsync runs fn on a goroutine that Stop waits for.
func (r *Raft) goAsync(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

func (r *Raft) run() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			r.shutdown()
			return
		case ev := <-r.events:
			r.handleEvent(ev)
			r.publishStatus()
		}
	}
}

func (r *Raft) handleEvent(ev event) {
	switch ev := ev.(type) {
	case *appendEntriesEvent:
		r.handleAppendEntries(ev.request, ev.response)
		close(ev.done)
	case *requestVoteEvent:
		r.handleRequestVote(ev.request, ev.response)
		close(ev.done)
	case *installSnapshotEvent:
		if install := r.handleInstallSnapshot(ev.request, ev.response); install != nil {
			r.persistReceivedSnapshot(install, ev.response, ev.done)
		} else {
			close(ev.done)
		}
	case *timeoutNowEvent:
		r.handleTimeoutNow(ev.request, ev.response)
		close(ev.done)
	case *appendEntriesResult:
		r.handleAppendEntriesResult(ev)
	case *requestVoteResult:
		r.handleRequestVoteResult(ev)
	case *installSnapshotResult:
		r.handleInstallSnapshotResult(ev)
	case *timeoutNowResult:
		r.handleTimeoutNowResult(ev)
	case *electionTimeoutEvent:
		r.handleElectionTimeout(ev)
	case *heartbeatEvent:
		r.handleHeartbeat(ev)
	case *submitEvent:
		r.handleSubmit(ev)
	case *membershipChangeEvent:
		r.handleMembershipChange(ev)
	case *transferLeadershipEvent:
		r.handleTransferLeadership(ev)
	case *takeSnapshotEvent:
		r.takeSnapshot(ev.done)
	case *snapshotPersistedEvent:
		r.handleSnapshotPersisted(ev)
	case *snapshotReceivedEvent:
		r.handleSnapshotReceived(ev)
	default:
		r.logger.Errorf("unknown event type %T", ev)
	}
}

// shutdown releases everything owned by the event loop.
func (r *Raft) shutdown() {
	r.stopElectionTimer()
	r.stopHeartbeatTimer()
	if r.leaderCancel != nil {
		r.leaderCancel()
	}
	r.operations.failAll(ErrStopped)
	r.membership.fail(ErrStopped)
	if r.transfer != nil {
		respond(r.transfer.responseCh, LeadershipTransferResponse{}, ErrStopped)
		r.transfer = nil
	}
	r.setState(Shutdown)
}

// openStorage loads the persisted term, vote, snapshot and log. It is
// called once, by Bootstrap or Start.
func (r *Raft) openStorage() error {
	if r.storageOpen {
		return nil
	}

	if err := r.log.log.Open(); err != nil {
		return fmt.Errorf("could not open log: %w", err)
	}
	if err := r.log.log.Replay(); err != nil {
		return fmt.Errorf("could not replay log: %w", err)
	}

	term, votedFor, err := r.stateStorage.State()
	if err != nil {
		return fmt.Errorf("could not load state: %w", err)
	}
	r.currentTerm, r.votedFor = term, votedFor

	file, err := r.snapshotStorage.SnapshotFile()
	if err != nil {
		return fmt.Errorf("could not open snapshot: %w", err)
	}
	if file != nil {
		if err := r.restoreSnapshotFile(file); err != nil {
			return err
		}
	} else if first := r.log.log.FirstIndex(); first > 1 {
		return fmt.Errorf("log starts at index %d but there is no snapshot", first)
	}

	if err := r.rebuildMembership(); err != nil {
		return err
	}

	r.storageOpen = true
	return nil
}

func (r *Raft) restoreSnapshotFile(file SnapshotFile) error {
	defer file.Close()

	metadata := file.Metadata()
	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("could not read snapshot: %w", err)
	}
	if err := r.fsm.Restore(data); err != nil {
		return fmt.Errorf("could not restore state machine: %w", err)
	}
	if err := r.log.Restore(metadata.LastIncludedIndex, metadata.LastIncludedTerm); err != nil {
		return fmt.Errorf("could not restore log: %w", err)
	}

	// Recover entries that followed the snapshot if the log lost them.
	for _, entry := range metadata.UnappliedEntries {
		if entry.Index != r.log.LastIndex()+1 {
			continue
		}
		if err := r.log.Append(entry); err != nil {
			return fmt.Errorf("could not recover unapplied entry %d: %w", entry.Index, err)
		}
	}

	configuration, err := decodeConfiguration(metadata.Configuration)
	if err != nil {
		return err
	}
	r.membership.reset(configuration)

	r.logger.Infof(
		"restored snapshot: last included index = %d, last included term = %d",
		metadata.LastIncludedIndex, metadata.LastIncludedTerm,
	)

	return nil
}

// persistTermAndVote durably records a term and vote before adopting them.
func (r *Raft) persistTermAndVote(term uint64, votedFor string) error {
	if err := r.stateStorage.SetState(term, votedFor); err != nil {
		r.logger.Errorf("failed to persist term %d and vote %q: %s", term, votedFor, err.Error())
		return err
	}
	r.currentTerm, r.votedFor = term, votedFor
	return nil
}

// becomeFollower makes this server a follower in term, which must not be
// lower than the current term.
func (r *Raft) becomeFollower(term uint64, leaderID string) error {
	if term > r.currentTerm {
		if err := r.persistTermAndVote(term, ""); err != nil {
			return err
		}
	}

	if r.state == Leader || r.state == PreLeader {
		r.stepDown()
	}
	r.votes = nil
	r.setState(Follower)
	r.setLeader(leaderID, 0)
	r.resetElectionTimer()

	return nil
}

// stepDown releases the state held while leading.
func (r *Raft) stepDown() {
	r.stopHeartbeatTimer()
	if r.leaderCancel != nil {
		r.leaderCancel()
		r.leaderCancel = nil
	}
	r.peers = nil
	r.lease = nil

	notLeader := &NotLeaderError{ServerID: r.id}
	r.operations.failAll(notLeader)
	r.membership.fail(notLeader)

	if r.transfer != nil {
		if r.transfer.sent {
			respond(r.transfer.responseCh, LeadershipTransferResponse{TargetID: r.transfer.targetID}, nil)
		} else {
			respond(r.transfer.responseCh, LeadershipTransferResponse{}, notLeader)
		}
		r.transfer = nil
	}
}

func (r *Raft) setState(state State) {
	if r.state == state {
		return
	}
	old := r.state
	r.state = state
	r.logger.Infof("%s -> %s in term %d", old, state, r.currentTerm)
	r.notify(RoleChanged{MemberID: r.id, OldRole: old, NewRole: state})
}

func (r *Raft) setLeader(leaderID string, payloadVersion int16) {
	if r.leaderID == leaderID {
		return
	}
	r.leaderID = leaderID
	r.notify(LeaderStateChanged{
		MemberID:             r.id,
		LeaderID:             leaderID,
		Term:                 r.currentTerm,
		LeaderPayloadVersion: payloadVersion,
	})
}

// notify delivers a notification without blocking the event loop.
func (r *Raft) notify(notification Notification) {
	if r.options.notifications == nil {
		return
	}
	select {
	case r.options.notifications <- notification:
	default:
		r.logger.Warnf("dropped notification %T: channel is full", notification)
	}
}

func (r *Raft) resetElectionTimer() {
	r.stopElectionTimer()
	generation := r.electionGeneration
	timeout := random.RandomTimeout(r.options.electionTimeout, 2*r.options.electionTimeout)
	r.electionTimer = time.AfterFunc(timeout, func() {
		r.post(&electionTimeoutEvent{generation: generation})
	})
}

func (r *Raft) stopElectionTimer() {
	if r.electionTimer != nil {
		r.electionTimer.Stop()
		r.electionTimer = nil
	}
	r.electionGeneration++
}

func (r *Raft) resetHeartbeatTimer() {
	r.stopHeartbeatTimer()
	generation := r.heartbeatGeneration
	r.heartbeatTimer = time.AfterFunc(r.options.heartbeatInterval, func() {
		r.post(&heartbeatEvent{generation: generation})
	})
}

func (r *Raft) stopHeartbeatTimer() {
	if r.heartbeatTimer != nil {
		r.heartbeatTimer.Stop()
		r.heartbeatTimer = nil
	}
	r.heartbeatGeneration++
}

// applyCommitted applies every committed entry that has not been applied
// and completes whatever was waiting on them.
func (r *Raft) applyCommitted() {
	for r.log.LastApplied() < r.log.CommitIndex() {
		index := r.log.LastApplied() + 1
		entry, ok := r.log.EntryAt(index)
		if !ok {
			r.logger.Errorf("failed to apply entry %d: entry is not in the log", index)
			return
		}

		if entry.EntryType == OperationEntry {
			operation := Operation{Bytes: entry.Data, LogIndex: entry.Index, LogTerm: entry.Term}
			response := r.fsm.Apply(&operation)
			if responseCh, ok := r.operations.complete(index); ok {
				respond(responseCh, OperationResponse{Operation: operation, ApplicationResponse: response}, nil)
			}
		}

		r.log.setLastApplied(index)
	}

	r.membership.commit(r.log.CommitIndex())

	switch r.state {
	case PreLeader:
		r.syncPeers()
		if r.log.CommitIndex() >= r.noopIndex {
			r.becomeLeader()
		}
	case Leader:
		r.syncPeers()
		r.checkMembershipChange()
	case Follower:
		r.checkInitialSync()
	}

	r.maybeSnapshot()
}

func (r *Raft) publishStatus() {
	status := Status{
		ID:            r.id,
		Address:       r.address,
		Term:          r.currentTerm,
		LeaderID:      r.leaderID,
		LastIndex:     r.log.LastIndex(),
		CommitIndex:   r.log.CommitIndex(),
		LastApplied:   r.log.LastApplied(),
		SnapshotIndex: r.log.SnapshotIndex(),
		State:         r.state,
		Configuration: r.membership.latest().Clone(),
	}

	r.statusMu.Lock()
	r.status = status
	r.statusMu.Unlock()
}

func (r *Raft) rpcTimeout() time.Duration {
	return r.options.electionTimeout
}
