package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timiblossom/dyno/pkg/dynoerr"
)

func activeHostPool(t *testing.T, hostname string, capacity int) *HostConnectionPool {
	t.Helper()
	hp := newHostConnectionPool(Host{Hostname: hostname, Port: 8102}, &fakeFactory{}, capacity, time.Second, NewNoopMonitor(), newRecoveryExecutor())
	require.NoError(t, hp.PrimeConnections(context.Background()))
	t.Cleanup(func() { hp.Shutdown(context.Background()) })
	return hp
}

func TestRoundRobinSelector_NoHosts(t *testing.T) {
	s := NewRoundRobinSelector()
	_, err := s.GetConnection(context.Background(), &scriptedOp{}, 10*time.Millisecond)
	assert.True(t, errors.Is(err, dynoerr.ErrNoAvailableHosts))
}

func TestRoundRobinSelector_CyclesAcrossHosts(t *testing.T) {
	s := NewRoundRobinSelector()
	a := activeHostPool(t, "a", 1)
	b := activeHostPool(t, "b", 1)
	s.AddHost(a.Host(), a)
	s.AddHost(b.Host(), b)

	seen := map[Host]int{}
	for i := 0; i < 10; i++ {
		conn, err := s.GetConnection(context.Background(), &scriptedOp{}, time.Second)
		require.NoError(t, err)
		seen[conn.Host()]++
		conn.ParentPool().ReturnConnection(conn)
	}
	assert.Equal(t, 5, seen[a.Host()])
	assert.Equal(t, 5, seen[b.Host()])
}

func TestRoundRobinSelector_FailsOverWhenFirstHostExhausted(t *testing.T) {
	s := NewRoundRobinSelector()
	a := activeHostPool(t, "a", 1)
	b := activeHostPool(t, "b", 1)
	s.AddHost(a.Host(), a)
	s.AddHost(b.Host(), b)

	// Exhaust a.
	held, err := a.BorrowConnection(context.Background(), time.Second)
	require.NoError(t, err)
	defer a.ReturnConnection(held)

	for i := 0; i < 6; i++ {
		conn, err := s.GetConnection(context.Background(), &scriptedOp{}, 200*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, b.Host(), conn.Host())
		conn.ParentPool().ReturnConnection(conn)
	}
}

func TestRoundRobinSelector_AllExhausted_BoundedByTotalTimeout(t *testing.T) {
	s := NewRoundRobinSelector()
	a := activeHostPool(t, "a", 1)
	b := activeHostPool(t, "b", 1)
	c := activeHostPool(t, "c", 1)
	s.AddHost(a.Host(), a)
	s.AddHost(b.Host(), b)
	s.AddHost(c.Host(), c)

	for _, hp := range []*HostConnectionPool{a, b, c} {
		_, err := hp.BorrowConnection(context.Background(), time.Second)
		require.NoError(t, err)
	}

	timeout := 150 * time.Millisecond
	start := time.Now()
	_, err := s.GetConnection(context.Background(), &scriptedOp{}, timeout)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, dynoerr.ErrPoolExhausted))
	// The whole call, across all three hosts tried, must respect the
	// single timeout budget rather than timeout once per host.
	assert.Less(t, elapsed, timeout+100*time.Millisecond)
}

func TestRoundRobinSelector_RemoveHost_StopsRouting(t *testing.T) {
	s := NewRoundRobinSelector()
	a := activeHostPool(t, "a", 2)
	s.AddHost(a.Host(), a)
	s.RemoveHost(a.Host(), a)

	_, err := s.GetConnection(context.Background(), &scriptedOp{}, 10*time.Millisecond)
	assert.True(t, errors.Is(err, dynoerr.ErrNoAvailableHosts))
}

func TestRoundRobinSelector_AddHost_Idempotent(t *testing.T) {
	s := NewRoundRobinSelector()
	a := activeHostPool(t, "a", 1)
	s.AddHost(a.Host(), a)
	s.AddHost(a.Host(), a)
	assert.Len(t, s.Hosts(), 1)
}
