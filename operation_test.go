package raft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestOperationManagerFailFrom checks that only operations at or above the index are failed.
func TestOperationManagerFailFrom(t *testing.T) {
	manager := newOperationManager()
	futures := make([]*future[OperationResponse], 5)
	for i := range futures {
		futures[i] = newFuture[OperationResponse](time.Second)
		manager.track(uint64(i+1), futures[i].responseCh)
	}

	manager.failFrom(4, ErrNotLeader)
	require.ErrorIs(t, futures[3].Await().Error(), ErrNotLeader)
	require.ErrorIs(t, futures[4].Await().Error(), ErrNotLeader)

	responseCh, ok := manager.complete(2)
	require.True(t, ok)
	require.Equal(t, futures[1].responseCh, responseCh)
	_, ok = manager.complete(4)
	require.False(t, ok)
}

// TestOperationManagerFailAll checks that queued and tracked operations are all failed.
func TestOperationManagerFailAll(t *testing.T) {
	manager := newOperationManager()
	queued := newFuture[OperationResponse](time.Second)
	tracked := newFuture[OperationResponse](time.Second)
	manager.queue([]byte("queued"), queued.responseCh)
	manager.track(1, tracked.responseCh)

	manager.failAll(ErrStopped)
	require.ErrorIs(t, queued.Await().Error(), ErrStopped)
	require.ErrorIs(t, tracked.Await().Error(), ErrStopped)
	require.Empty(t, manager.dequeueAll())
	require.Empty(t, manager.pendingReplicated)
}
