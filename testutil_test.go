package raft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ctrlplane/raft/logging"
)

var errUnreachable = errors.New("address is unreachable")

// memoryNetwork connects memory transports. Messages are copied through the
// wire encoding so that servers never share memory.
type memoryNetwork struct {
	transports   map[string]*memoryTransport
	disconnected map[string]bool
	mu           sync.RWMutex
}

func newMemoryNetwork() *memoryNetwork {
	return &memoryNetwork{
		transports:   make(map[string]*memoryTransport),
		disconnected: make(map[string]bool),
	}
}

// transport returns a transport for address, replacing any previous one.
func (n *memoryNetwork) transport(address string) *memoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	transport := &memoryTransport{network: n, address: address}
	n.transports[address] = transport
	return transport
}

func (n *memoryNetwork) disconnect(address string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disconnected[address] = true
}

func (n *memoryNetwork) connect(address string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.disconnected, address)
}

func (n *memoryNetwork) route(from, to string) (*memoryTransport, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.disconnected[from] || n.disconnected[to] {
		return nil, fmt.Errorf("%w: %s -> %s", errUnreachable, from, to)
	}
	transport, ok := n.transports[to]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnreachable, to)
	}
	return transport, nil
}

type memoryTransport struct {
	network *memoryNetwork
	address string
	running bool

	appendEntriesHandler   func(*AppendEntriesRequest, *AppendEntriesResponse) error
	requestVoteHandler     func(*RequestVoteRequest, *RequestVoteResponse) error
	installSnapshotHandler func(*InstallSnapshotRequest, *InstallSnapshotResponse) error
	timeoutNowHandler      func(*TimeoutNowRequest, *TimeoutNowResponse) error

	mu sync.RWMutex
}

func (t *memoryTransport) Run() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = true
	return nil
}

func (t *memoryTransport) Shutdown() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	return nil
}

func (t *memoryTransport) Address() string {
	return t.address
}

func (t *memoryTransport) isRunning() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.running
}

// deliver routes a request to address and copies the response back. The
// reply is dropped if the route broke while the request was handled.
func (t *memoryTransport) deliver(
	ctx context.Context,
	address string,
	request wireMessage,
	response wireMessage,
	handle func(target *memoryTransport, request []byte) (wireMessage, error),
) error {
	if !t.isRunning() {
		return errTransportClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := t.network.route(t.address, address)
	if err != nil {
		return err
	}
	if !target.isRunning() {
		return fmt.Errorf("%w: %s is not running", errUnreachable, address)
	}

	reply, err := handle(target, request.marshalWire())
	if err != nil {
		return err
	}
	if _, err := t.network.route(address, t.address); err != nil {
		return err
	}
	return response.unmarshalWire(reply.marshalWire())
}

func (t *memoryTransport) SendAppendEntries(
	ctx context.Context,
	address string,
	request AppendEntriesRequest,
) (AppendEntriesResponse, error) {
	var response AppendEntriesResponse
	err := t.deliver(ctx, address, &request, &response, func(target *memoryTransport, data []byte) (wireMessage, error) {
		target.mu.RLock()
		handler := target.appendEntriesHandler
		target.mu.RUnlock()
		in, out := &AppendEntriesRequest{}, &AppendEntriesResponse{}
		if err := in.unmarshalWire(data); err != nil {
			return nil, err
		}
		return out, handler(in, out)
	})
	return response, err
}

func (t *memoryTransport) SendRequestVote(
	ctx context.Context,
	address string,
	request RequestVoteRequest,
) (RequestVoteResponse, error) {
	var response RequestVoteResponse
	err := t.deliver(ctx, address, &request, &response, func(target *memoryTransport, data []byte) (wireMessage, error) {
		target.mu.RLock()
		handler := target.requestVoteHandler
		target.mu.RUnlock()
		in, out := &RequestVoteRequest{}, &RequestVoteResponse{}
		if err := in.unmarshalWire(data); err != nil {
			return nil, err
		}
		return out, handler(in, out)
	})
	return response, err
}

func (t *memoryTransport) SendInstallSnapshot(
	ctx context.Context,
	address string,
	request InstallSnapshotRequest,
) (InstallSnapshotResponse, error) {
	var response InstallSnapshotResponse
	err := t.deliver(ctx, address, &request, &response, func(target *memoryTransport, data []byte) (wireMessage, error) {
		target.mu.RLock()
		handler := target.installSnapshotHandler
		target.mu.RUnlock()
		in, out := &InstallSnapshotRequest{}, &InstallSnapshotResponse{}
		if err := in.unmarshalWire(data); err != nil {
			return nil, err
		}
		return out, handler(in, out)
	})
	return response, err
}

func (t *memoryTransport) SendTimeoutNow(
	ctx context.Context,
	address string,
	request TimeoutNowRequest,
) (TimeoutNowResponse, error) {
	var response TimeoutNowResponse
	err := t.deliver(ctx, address, &request, &response, func(target *memoryTransport, data []byte) (wireMessage, error) {
		target.mu.RLock()
		handler := target.timeoutNowHandler
		target.mu.RUnlock()
		in, out := &TimeoutNowRequest{}, &TimeoutNowResponse{}
		if err := in.unmarshalWire(data); err != nil {
			return nil, err
		}
		return out, handler(in, out)
	})
	return response, err
}

func (t *memoryTransport) RegisterAppendEntriesHandler(handler func(*AppendEntriesRequest, *AppendEntriesResponse) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.appendEntriesHandler = handler
}

func (t *memoryTransport) RegisterRequestVoteHandler(handler func(*RequestVoteRequest, *RequestVoteResponse) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requestVoteHandler = handler
}

func (t *memoryTransport) RegisterInstallSnapshotHandler(
	handler func(*InstallSnapshotRequest, *InstallSnapshotResponse) error,
) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.installSnapshotHandler = handler
}

func (t *memoryTransport) RegisterTimeoutNowHandler(handler func(*TimeoutNowRequest, *TimeoutNowResponse) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeoutNowHandler = handler
}

// stateMachineMock records every applied operation.
type stateMachineMock struct {
	operations []string
	mu         sync.Mutex
}

func (s *stateMachineMock) Apply(operation *Operation) interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operations = append(s.operations, string(operation.Bytes))
	return len(s.operations)
}

func (s *stateMachineMock) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Marshal(s.operations)
}

func (s *stateMachineMock) Restore(data []byte) error {
	var operations []string
	if err := json.Unmarshal(data, &operations); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operations = operations
	return nil
}

func (s *stateMachineMock) appliedOperations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.operations...)
}

const (
	testElectionTimeout = 100 * time.Millisecond
	testHeartbeat       = 20 * time.Millisecond
	testWaitTimeout     = 5 * time.Second
	testPollInterval    = 10 * time.Millisecond
)

func testOptions(opts ...Option) []Option {
	defaults := []Option{
		WithElectionTimeout(testElectionTimeout),
		WithHeartbeatInterval(testHeartbeat),
		WithLogLevel(logging.Error),
	}
	return append(defaults, opts...)
}

type testCluster struct {
	// The testing instance associated with the cluster.
	t *testing.T

	network *memoryNetwork

	// The IDs of the servers in the order they were created.
	ids []string

	// The servers of the cluster, their state machines and data directories,
	// keyed by server ID.
	servers map[string]*Raft
	fsms    map[string]*stateMachineMock
	paths   map[string]string

	// Options every server is created with.
	options []Option

	mu sync.Mutex
}

func testAddress(id string) string {
	return "memory://" + id
}

// newCluster creates and bootstraps a cluster of numServers servers.
func newCluster(t *testing.T, numServers int, opts ...Option) *testCluster {
	tc := &testCluster{
		t:       t,
		network: newMemoryNetwork(),
		servers: make(map[string]*Raft),
		fsms:    make(map[string]*stateMachineMock),
		paths:   make(map[string]string),
		options: testOptions(opts...),
	}

	configuration := make(map[string]string, numServers)
	for i := 0; i < numServers; i++ {
		id := fmt.Sprintf("server-%d", i)
		configuration[id] = testAddress(id)
	}
	for i := 0; i < numServers; i++ {
		id := fmt.Sprintf("server-%d", i)
		server := tc.addServer(id)
		require.NoError(t, server.Bootstrap(configuration))
	}

	return tc
}

// addServer creates a server that is not started.
func (tc *testCluster) addServer(id string) *Raft {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	path, ok := tc.paths[id]
	if !ok {
		path = tc.t.TempDir()
		tc.paths[id] = path
		tc.ids = append(tc.ids, id)
	}

	fsm := &stateMachineMock{}
	opts := append([]Option{WithTransport(tc.network.transport(testAddress(id)))}, tc.options...)
	server, err := NewRaft(id, testAddress(id), fsm, path, opts...)
	require.NoError(tc.t, err)

	tc.servers[id] = server
	tc.fsms[id] = fsm

	return server
}

func (tc *testCluster) server(id string) *Raft {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.servers[id]
}

func (tc *testCluster) fsm(id string) *stateMachineMock {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.fsms[id]
}

func (tc *testCluster) startCluster() {
	for _, id := range tc.ids {
		require.NoError(tc.t, tc.server(id).Start())
	}
}

func (tc *testCluster) stopCluster() {
	for _, id := range tc.ids {
		tc.server(id).Stop()
	}
}

// crashServer stops a server without removing it from the cluster.
func (tc *testCluster) crashServer(id string) {
	tc.server(id).Stop()
}

// restartServer replaces a stopped server with a new one that recovers from
// the same data directory.
func (tc *testCluster) restartServer(id string) {
	tc.server(id).Stop()
	require.NoError(tc.t, tc.addServer(id).Start())
}

func (tc *testCluster) disconnectServer(id string) {
	tc.network.disconnect(testAddress(id))
}

func (tc *testCluster) reconnectServer(id string) {
	tc.network.connect(testAddress(id))
}

// checkLeader waits until exactly one of the provided servers is leader and
// returns its ID. It fails if two servers lead in the same term.
func (tc *testCluster) checkLeader(ids ...string) string {
	if len(ids) == 0 {
		ids = tc.ids
	}

	var leaderID, conflict string
	require.Eventually(tc.t, func() bool {
		leaders := make(map[uint64]string)
		leaderID = ""
		for _, id := range ids {
			status := tc.server(id).Status()
			if status.State != Leader {
				continue
			}
			if other, ok := leaders[status.Term]; ok {
				conflict = fmt.Sprintf("servers %s and %s are both leader in term %d", other, id, status.Term)
				return true
			}
			leaders[status.Term] = id
			leaderID = id
		}
		return len(leaders) == 1
	}, testWaitTimeout, testPollInterval, "no leader was elected")
	require.Empty(tc.t, conflict)

	return leaderID
}

// checkNoLeader asserts that none of the provided servers is leader after
// several election timeouts.
func (tc *testCluster) checkNoLeader(ids ...string) {
	time.Sleep(10 * testElectionTimeout)
	for _, id := range ids {
		require.NotEqual(tc.t, Leader, tc.server(id).Status().State, "server %s is leader without a quorum", id)
	}
}

// submit submits an operation to the leader of the provided servers,
// retrying until it succeeds.
func (tc *testCluster) submit(operation string, ids ...string) OperationResponse {
	deadline := time.Now().Add(testWaitTimeout)
	for time.Now().Before(deadline) {
		leaderID := tc.checkLeader(ids...)
		result := tc.server(leaderID).SubmitOperation([]byte(operation), time.Second).Await()
		if result.Error() == nil {
			return result.Success()
		}
		time.Sleep(testElectionTimeout)
	}
	tc.t.Fatalf("failed to submit operation %q", operation)
	return OperationResponse{}
}

// checkApplied waits until the state machine of server id holds the
// expected operations.
func (tc *testCluster) checkApplied(id string, expected []string) {
	require.Eventually(tc.t, func() bool {
		applied := tc.fsm(id).appliedOperations()
		if len(applied) != len(expected) {
			return false
		}
		for i := range applied {
			if applied[i] != expected[i] {
				return false
			}
		}
		return true
	}, testWaitTimeout, testPollInterval, "server %s did not apply the expected operations", id)
}

func makeOperations(from, to int) []string {
	operations := make([]string, 0, to-from)
	for i := from; i < to; i++ {
		operations = append(operations, fmt.Sprintf("operation-%d", i))
	}
	return operations
}
