package grpcconn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timiblossom/dyno/pkg/dynoerr"
	"github.com/timiblossom/dyno/pkg/pool"
)

func primedLoopbackConn(t *testing.T, f *LoopbackFactory) *LoopbackConnection {
	t.Helper()
	cfg := pool.DefaultConfig()
	cfg.RetryPolicyFactory = pool.NewRetryNTimesFactory(1)
	p, err := pool.NewConnectionPool(cfg, f)
	require.NoError(t, err)
	t.Cleanup(func() { p.Shutdown(context.Background()) })

	h := pool.Host{Hostname: "h1", Port: 8102}
	require.True(t, p.AddHost(context.Background(), h))

	hp, ok := p.GetHostPool(h)
	require.True(t, ok)
	conn, err := hp.BorrowConnection(context.Background(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { hp.ReturnConnection(conn) })

	return conn.Raw().(*LoopbackConnection)
}

func TestLoopbackFactory_NeverFailsAtZeroRate(t *testing.T) {
	conn := primedLoopbackConn(t, NewLoopbackFactory(0, 0))
	out, err := conn.Invoke(context.Background(), "/dyno.Bench/Get", []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), out)
}

func TestLoopbackFactory_AlwaysFailsAtFullRate(t *testing.T) {
	conn := primedLoopbackConn(t, NewLoopbackFactory(1, 0))
	_, err := conn.Invoke(context.Background(), "/dyno.Bench/Get", []byte("ping"))
	require.Error(t, err)
	assert.True(t, dynoerr.Fatal(err))
}

func TestLoopbackFactory_RespectsContextCancellation(t *testing.T) {
	conn := primedLoopbackConn(t, NewLoopbackFactory(0, time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := conn.Invoke(ctx, "/dyno.Bench/Get", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
