package raft

// Operation is an operation that will be applied to the state machine.
// An operation must be deterministic.
type Operation struct {
	// The operation as bytes. The provided state machine should be capable
	// of decoding these bytes.
	Bytes []byte

	// The log entry index associated with the operation.
	// Valid only if the operation was successful.
	LogIndex uint64

	// The log entry term associated with the operation.
	// Valid only if the operation was successful.
	LogTerm uint64
}

// OperationResponse is the response that is generated after applying
// an operation to the state machine.
type OperationResponse struct {
	// The operation applied to the state machine.
	Operation Operation

	// The response returned by the state machine after applying the operation.
	ApplicationResponse interface{}
}

// queuedOperation is an operation submitted to a pre-leader. It is appended
// to the log once the pre-leader becomes leader.
type queuedOperation struct {
	bytes      []byte
	responseCh chan Result[OperationResponse]
}

// operationManager tracks the client operations awaiting a result.
type operationManager struct {
	// Operations waiting for the server to finish becoming leader.
	queued []queuedOperation

	// Maps log index associated with the operation to its response channel.
	pendingReplicated map[uint64]chan Result[OperationResponse]
}

func newOperationManager() *operationManager {
	return &operationManager{
		pendingReplicated: make(map[uint64]chan Result[OperationResponse]),
	}
}

func (r *operationManager) queue(bytes []byte, responseCh chan Result[OperationResponse]) {
	r.queued = append(r.queued, queuedOperation{bytes: bytes, responseCh: responseCh})
}

func (r *operationManager) dequeueAll() []queuedOperation {
	queued := r.queued
	r.queued = nil
	return queued
}

func (r *operationManager) track(index uint64, responseCh chan Result[OperationResponse]) {
	r.pendingReplicated[index] = responseCh
}

// complete removes and returns the response channel for the operation at index.
func (r *operationManager) complete(index uint64) (chan Result[OperationResponse], bool) {
	responseCh, ok := r.pendingReplicated[index]
	if ok {
		delete(r.pendingReplicated, index)
	}
	return responseCh, ok
}

// failFrom fails every tracked operation at or above index. It is used when
// the entries holding them are truncated.
func (r *operationManager) failFrom(index uint64, err error) {
	for operationIndex, responseCh := range r.pendingReplicated {
		if operationIndex >= index {
			respond(responseCh, OperationResponse{}, err)
			delete(r.pendingReplicated, operationIndex)
		}
	}
}

// failAll fails every queued and tracked operation.
func (r *operationManager) failAll(err error) {
	for _, operation := range r.queued {
		respond(operation.responseCh, OperationResponse{}, err)
	}
	for _, responseCh := range r.pendingReplicated {
		respond(responseCh, OperationResponse{}, err)
	}
	r.queued = nil
	r.pendingReplicated = make(map[uint64]chan Result[OperationResponse])
}
