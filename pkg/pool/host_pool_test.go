package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timiblossom/dyno/pkg/dynoerr"
)

func newTestHostPool(t *testing.T, capacity int, factory ConnectionFactory) *HostConnectionPool {
	t.Helper()
	hp := newHostConnectionPool(Host{Hostname: "h1", Port: 8102}, factory, capacity, time.Second, NewNoopMonitor(), newRecoveryExecutor())
	t.Cleanup(func() { hp.Shutdown(context.Background()) })
	return hp
}

func TestHostConnectionPool_PrimeConnections(t *testing.T) {
	factory := &fakeFactory{}
	hp := newTestHostPool(t, 4, factory)

	require.NoError(t, hp.PrimeConnections(context.Background()))
	assert.Equal(t, StateActive, hp.State())
	assert.Equal(t, 4, factory.callCount())
	assert.Equal(t, 4, hp.Stats().Available)
}

func TestHostConnectionPool_PrimeConnections_RollsBackOnFailure(t *testing.T) {
	factory := &fakeFactory{failOnCall: 3}
	hp := newTestHostPool(t, 4, factory)

	err := hp.PrimeConnections(context.Background())
	require.Error(t, err)
	assert.NotEqual(t, StateActive, hp.State())
	assert.Equal(t, 0, hp.Stats().Available)
}

func TestHostConnectionPool_PrimeConnections_Idempotent(t *testing.T) {
	factory := &fakeFactory{}
	hp := newTestHostPool(t, 2, factory)

	require.NoError(t, hp.PrimeConnections(context.Background()))
	require.NoError(t, hp.PrimeConnections(context.Background()))
	assert.Equal(t, 2, factory.callCount())
}

func TestHostConnectionPool_BorrowReturn(t *testing.T) {
	hp := newTestHostPool(t, 2, &fakeFactory{})
	require.NoError(t, hp.PrimeConnections(context.Background()))

	conn, err := hp.BorrowConnection(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, hp.Stats().Available)

	hp.ReturnConnection(conn)
	assert.Equal(t, 2, hp.Stats().Available)
}

func TestHostConnectionPool_Borrow_OfflineBeforePriming(t *testing.T) {
	hp := newTestHostPool(t, 2, &fakeFactory{})
	_, err := hp.BorrowConnection(context.Background(), 10*time.Millisecond)
	assert.True(t, errors.Is(err, dynoerr.ErrPoolOffline))
}

func TestHostConnectionPool_Borrow_ExhaustedWithinTimeout(t *testing.T) {
	hp := newTestHostPool(t, 1, &fakeFactory{})
	require.NoError(t, hp.PrimeConnections(context.Background()))

	conn, err := hp.BorrowConnection(context.Background(), time.Second)
	require.NoError(t, err)

	start := time.Now()
	_, err = hp.BorrowConnection(context.Background(), 50*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Less(t, elapsed, 200*time.Millisecond)

	hp.ReturnConnection(conn)
}

func TestHostConnectionPool_Return_Idempotent(t *testing.T) {
	hp := newTestHostPool(t, 1, &fakeFactory{})
	require.NoError(t, hp.PrimeConnections(context.Background()))

	conn, err := hp.BorrowConnection(context.Background(), time.Second)
	require.NoError(t, err)

	hp.ReturnConnection(conn)
	hp.ReturnConnection(conn) // second return must be a no-op, not a panic or double-count

	assert.Equal(t, 1, hp.Stats().Available)
}

func TestHostConnectionPool_FatalErrorDiscardsAndReplaces(t *testing.T) {
	factory := &fakeFactory{}
	hp := newTestHostPool(t, 1, factory)
	require.NoError(t, hp.PrimeConnections(context.Background()))
	assert.Equal(t, 1, factory.callCount())

	conn, err := hp.BorrowConnection(context.Background(), time.Second)
	require.NoError(t, err)
	conn.SetLastError(errFatal)
	hp.ReturnConnection(conn)

	require.Eventually(t, func() bool {
		return factory.callCount() == 2 && hp.Stats().Available == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHostConnectionPool_Invariant_CreatedMinusClosedEqualsLive(t *testing.T) {
	hp := newTestHostPool(t, 5, &fakeFactory{})
	require.NoError(t, hp.PrimeConnections(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := hp.BorrowConnection(context.Background(), time.Second)
			if err != nil {
				return
			}
			hp.ReturnConnection(conn)
		}()
	}
	wg.Wait()

	stats := hp.Stats()
	assert.Equal(t, stats.Created-stats.Closed, int64(stats.Available)+stats.Borrowed)
	assert.LessOrEqual(t, stats.Borrowed+int64(stats.Available), int64(5))
}

func TestHostConnectionPool_Shutdown_WaitsForOutstandingThenCloses(t *testing.T) {
	factory := &fakeFactory{}
	hp := newHostConnectionPool(Host{Hostname: "h2", Port: 8102}, factory, 2, 200*time.Millisecond, NewNoopMonitor(), newRecoveryExecutor())
	require.NoError(t, hp.PrimeConnections(context.Background()))

	conn, err := hp.BorrowConnection(context.Background(), time.Second)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		hp.Shutdown(context.Background())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	hp.ReturnConnection(conn)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shutdown did not complete after outstanding borrow was returned")
	}
	assert.Equal(t, StateClosed, hp.State())
}

func TestHostConnectionPool_Shutdown_Idempotent(t *testing.T) {
	hp := newTestHostPool(t, 1, &fakeFactory{})
	require.NoError(t, hp.PrimeConnections(context.Background()))

	hp.Shutdown(context.Background())
	hp.Shutdown(context.Background())
	assert.Equal(t, StateClosed, hp.State())
}

func TestHostConnectionPool_Shutdown_ForceClosesAfterGraceElapses(t *testing.T) {
	hp := newHostConnectionPool(Host{Hostname: "h3", Port: 8102}, &fakeFactory{}, 1, 30*time.Millisecond, NewNoopMonitor(), newRecoveryExecutor())
	require.NoError(t, hp.PrimeConnections(context.Background()))

	_, err := hp.BorrowConnection(context.Background(), time.Second)
	require.NoError(t, err)

	start := time.Now()
	hp.Shutdown(context.Background())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, StateClosed, hp.State())
}
