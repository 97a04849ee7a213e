package raft

import (
	"errors"
	"time"
)

// ErrTimeout is returned by a future that did not complete in time. The
// outcome of the operation is unknown and it may be submitted again.
var ErrTimeout = errors.New(
	"raft: a timeout occurred while waiting for the result - try submitting the operation again",
)

// Response is the concrete result produced by a node after processing a client submitted operation.
type Response interface {
	OperationResponse | Configuration | LeadershipTransferResponse
}

// Future represents an operation that will occur at a later point in time.
type Future[T Response] interface {
	// Await retrieves the result of the future.
	Await() Result[T]
}

// future implements the Future interface.
type future[T Response] struct {
	// The channel that will receive the result.
	responseCh chan Result[T]

	// The amount of time to wait on a result before timing out.
	timeout time.Duration

	// The result of the future.
	response Result[T]
}

func newFuture[T Response](timeout time.Duration) *future[T] {
	return &future[T]{
		timeout:    timeout,
		responseCh: make(chan Result[T], 1),
	}
}

func (f *future[T]) Await() Result[T] {
	if f.response != nil {
		return f.response
	}
	timer := time.NewTimer(f.timeout)
	defer timer.Stop()
	select {
	case response := <-f.responseCh:
		f.response = response
	case <-timer.C:
		f.response = &result[T]{err: ErrTimeout}
	}
	return f.response
}

// Result represents an abstract result produced by a node after processing a
// client submitted operation.
type Result[T Response] interface {
	// Success returns the response associated with an operation.
	// Error should always be called before Success - the result
	// returned by Success is only valid if Error returns nil.
	Success() T

	// Error returns any error that occurred during the
	// operation that was to produce the response.
	Error() error
}

// result implements the Result interface.
type result[T Response] struct {
	// The actual result of an operation.
	success T

	// Any error that occurred during the processing of the result.
	err error
}

func newResult[T Response](response T, err error) Result[T] {
	return &result[T]{success: response, err: err}
}

func (r *result[T]) Success() T {
	return r.success
}

func (r *result[T]) Error() error {
	return r.err
}

// respond delivers a result without blocking. Response channels are
// buffered and receive at most one result.
func respond[T Response](responseCh chan Result[T], response T, err error) {
	select {
	case responseCh <- newResult(response, err):
	default:
	}
}
