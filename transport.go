package raft

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const shutdownGracePeriod = 300 * time.Millisecond

var errTransportClosed = errors.New("transport is closed")

// Transport represents the underlying transport mechanism used by a server in a cluster
// to send and receive RPCs. It acts as both a server for a node and a client of other nodes.
type Transport interface {
	// Run will start serving incoming RPCs received at the local network address.
	Run() error

	// Shutdown will stop the serving of incoming RPCs.
	Shutdown() error

	// SendAppendEntries sends an append entries request to the provided address.
	SendAppendEntries(ctx context.Context, address string, request AppendEntriesRequest) (AppendEntriesResponse, error)

	// SendRequestVote sends a request vote request to the provided address.
	SendRequestVote(ctx context.Context, address string, request RequestVoteRequest) (RequestVoteResponse, error)

	// SendInstallSnapshot sends a chunk of a snapshot to the provided address.
	SendInstallSnapshot(
		ctx context.Context,
		address string,
		request InstallSnapshotRequest,
	) (InstallSnapshotResponse, error)

	// SendTimeoutNow asks the server at the provided address to start an election.
	SendTimeoutNow(ctx context.Context, address string, request TimeoutNowRequest) (TimeoutNowResponse, error)

	// RegisterAppendEntriesHandler registers the function the that will be called when an
	// AppendEntries RPC is received.
	RegisterAppendEntriesHandler(handler func(*AppendEntriesRequest, *AppendEntriesResponse) error)

	// RegisterRequestVoteHandler registers the function that will be called when a
	// RequestVote RPC is received.
	RegisterRequestVoteHandler(handler func(*RequestVoteRequest, *RequestVoteResponse) error)

	// RegisterInstallSnapshotHandler registers the function that will called when an
	// InstallSnapshot RPC is received.
	RegisterInstallSnapshotHandler(handler func(*InstallSnapshotRequest, *InstallSnapshotResponse) error)

	// RegisterTimeoutNowHandler registers the function that will be called when a
	// TimeoutNow RPC is received.
	RegisterTimeoutNowHandler(handler func(*TimeoutNowRequest, *TimeoutNowResponse) error)

	// Address returns the local network address.
	Address() string
}

// connectionManager handles creating new connections and closing existing ones.
// This implementation is concurrent safe.
type connectionManager struct {
	// The connections to the nodes in the cluster. Maps address to connection.
	connections map[string]*grpc.ClientConn

	// The credentials each connection will use.
	creds credentials.TransportCredentials

	mu sync.Mutex
}

func newConnectionManager(creds credentials.TransportCredentials) *connectionManager {
	return &connectionManager{
		connections: make(map[string]*grpc.ClientConn),
		creds:       creds,
	}
}

// getConnection will retrieve a connection for the provided address. If one does not
// exist, it will be created.
func (c *connectionManager) getConnection(address string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.connections[address]; ok {
		return conn, nil
	}

	conn, err := grpc.Dial(
		address,
		grpc.WithTransportCredentials(c.creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(wireCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("could not establish connection: %w", err)
	}
	c.connections[address] = conn

	return conn, nil
}

// closeAll closes all open connections.
func (c *connectionManager) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for address, conn := range c.connections {
		conn.Close()
		delete(c.connections, address)
	}
}

// transport is an implementation of the Transport interface.
type transport struct {
	// Indicates whether the transport is started.
	running bool

	// The local network address.
	address net.Addr

	// The RPC server for raft.
	server *grpc.Server

	// The function that is called when an AppendEntries RPC is received.
	appendEntriesHandler func(*AppendEntriesRequest, *AppendEntriesResponse) error

	// The function that is called when a RequestVote RPC is received.
	requestVoteHandler func(*RequestVoteRequest, *RequestVoteResponse) error

	// The function that is called when an InstallSnapshot RPC is received.
	installSnapshotHandler func(*InstallSnapshotRequest, *InstallSnapshotResponse) error

	// The function that is called when a TimeoutNow RPC is received.
	timeoutNowHandler func(*TimeoutNowRequest, *TimeoutNowResponse) error

	// Manages connections to other members of the cluster.
	connManager *connectionManager

	mu sync.RWMutex
}

// NewTransport creates a new instance of Transport that can
// be used to make RPCs and serve incoming RPCs at the provided
// address.
func NewTransport(address string) (Transport, error) {
	resolvedAddress, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("could not resolve tcp address: %w", err)
	}
	creds := insecure.NewCredentials()
	connManager := newConnectionManager(creds)
	return &transport{address: resolvedAddress, connManager: connManager}, nil
}

func (t *transport) Run() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}

	listener, err := net.Listen(t.address.Network(), t.address.String())
	if err != nil {
		return fmt.Errorf("could not create listener: %w", err)
	}
	t.address = listener.Addr()

	t.server = grpc.NewServer(grpc.ForceServerCodec(wireCodec{}))
	t.server.RegisterService(&raftServiceDesc, t)
	go t.server.Serve(listener)
	t.running = true

	return nil
}

func (t *transport) Shutdown() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	t.mu.Unlock()

	stopped := make(chan interface{})
	defer t.connManager.closeAll()

	go func() {
		t.server.GracefulStop()
		close(stopped)
	}()

	timer := time.NewTimer(shutdownGracePeriod)
	defer timer.Stop()
	select {
	case <-timer.C:
		t.server.Stop()
		<-stopped
	case <-stopped:
	}

	return nil
}

// invoke makes a unary RPC to the server at address.
func (t *transport) invoke(ctx context.Context, address string, method string, request, response wireMessage) error {
	t.mu.RLock()
	running := t.running
	t.mu.RUnlock()
	if !running {
		return fmt.Errorf("could not make %s RPC: %w", method, errTransportClosed)
	}

	conn, err := t.connManager.getConnection(address)
	if err != nil {
		return fmt.Errorf("could not get client connection: %w", err)
	}
	if err := conn.Invoke(ctx, method, request, response); err != nil {
		return fmt.Errorf("could not make %s RPC: %w", method, err)
	}

	return nil
}

func (t *transport) SendAppendEntries(
	ctx context.Context,
	address string,
	request AppendEntriesRequest,
) (AppendEntriesResponse, error) {
	var response AppendEntriesResponse
	err := t.invoke(ctx, address, appendEntriesMethod, &request, &response)
	return response, err
}

func (t *transport) SendRequestVote(
	ctx context.Context,
	address string,
	request RequestVoteRequest,
) (RequestVoteResponse, error) {
	var response RequestVoteResponse
	err := t.invoke(ctx, address, requestVoteMethod, &request, &response)
	return response, err
}

func (t *transport) SendInstallSnapshot(
	ctx context.Context,
	address string,
	request InstallSnapshotRequest,
) (InstallSnapshotResponse, error) {
	var response InstallSnapshotResponse
	err := t.invoke(ctx, address, installSnapshotMethod, &request, &response)
	return response, err
}

func (t *transport) SendTimeoutNow(
	ctx context.Context,
	address string,
	request TimeoutNowRequest,
) (TimeoutNowResponse, error) {
	var response TimeoutNowResponse
	err := t.invoke(ctx, address, timeoutNowMethod, &request, &response)
	return response, err
}

func (t *transport) RegisterAppendEntriesHandler(
	handler func(*AppendEntriesRequest, *AppendEntriesResponse) error,
) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.appendEntriesHandler = handler
}

func (t *transport) RegisterRequestVoteHandler(
	handler func(*RequestVoteRequest, *RequestVoteResponse) error,
) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requestVoteHandler = handler
}

func (t *transport) RegisterInstallSnapshotHandler(
	handler func(*InstallSnapshotRequest, *InstallSnapshotResponse) error,
) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.installSnapshotHandler = handler
}

func (t *transport) RegisterTimeoutNowHandler(
	handler func(*TimeoutNowRequest, *TimeoutNowResponse) error,
) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeoutNowHandler = handler
}

func (t *transport) Address() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.address.String()
}

// AppendEntries handles the AppendEntries gRPC request by invoking the registered handler.
func (t *transport) AppendEntries(
	ctx context.Context,
	request *AppendEntriesRequest,
) (*AppendEntriesResponse, error) {
	t.mu.RLock()
	handler := t.appendEntriesHandler
	t.mu.RUnlock()
	if handler == nil {
		return nil, status.Error(codes.Unimplemented, "no AppendEntries handler registered")
	}

	response := &AppendEntriesResponse{}
	if err := handler(request, response); err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return response, nil
}

// RequestVote handles the RequestVote gRPC request by invoking the registered handler.
func (t *transport) RequestVote(
	ctx context.Context,
	request *RequestVoteRequest,
) (*RequestVoteResponse, error) {
	t.mu.RLock()
	handler := t.requestVoteHandler
	t.mu.RUnlock()
	if handler == nil {
		return nil, status.Error(codes.Unimplemented, "no RequestVote handler registered")
	}

	response := &RequestVoteResponse{}
	if err := handler(request, response); err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return response, nil
}

// InstallSnapshot handles the InstallSnapshot gRPC request by invoking the registered handler.
func (t *transport) InstallSnapshot(
	ctx context.Context,
	request *InstallSnapshotRequest,
) (*InstallSnapshotResponse, error) {
	t.mu.RLock()
	handler := t.installSnapshotHandler
	t.mu.RUnlock()
	if handler == nil {
		return nil, status.Error(codes.Unimplemented, "no InstallSnapshot handler registered")
	}

	response := &InstallSnapshotResponse{}
	if err := handler(request, response); err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return response, nil
}

// TimeoutNow handles the TimeoutNow gRPC request by invoking the registered handler.
func (t *transport) TimeoutNow(
	ctx context.Context,
	request *TimeoutNowRequest,
) (*TimeoutNowResponse, error) {
	t.mu.RLock()
	handler := t.timeoutNowHandler
	t.mu.RUnlock()
	if handler == nil {
		return nil, status.Error(codes.Unimplemented, "no TimeoutNow handler registered")
	}

	response := &TimeoutNowResponse{}
	if err := handler(request, response); err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return response, nil
}
