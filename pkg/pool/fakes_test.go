package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/timiblossom/dyno/pkg/dynoerr"
)

// fakeRawConn is a minimal RawConnection used across the suite. It can be
// configured to fail Open, and counts how many times Close was called.
type fakeRawConn struct {
	openErr error
	closed  atomic.Int32
}

func (c *fakeRawConn) Open(ctx context.Context) error { return c.openErr }
func (c *fakeRawConn) Close() error {
	c.closed.Add(1)
	return nil
}

// fakeFactory builds fakeRawConn instances, optionally failing the Nth
// call (1-indexed; 0 means never fail).
type fakeFactory struct {
	mu        sync.Mutex
	calls     int
	failOnCall int
	failErr   error
}

func (f *fakeFactory) CreateConnection(ctx context.Context, hp *HostConnectionPool) (RawConnection, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()

	if f.failOnCall != 0 && n == f.failOnCall {
		err := f.failErr
		if err == nil {
			err = errors.New("fake factory failure")
		}
		return nil, err
	}
	return &fakeRawConn{}, nil
}

func (f *fakeFactory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// scriptedOp runs a function against whatever connection it's handed; it
// lets tests drive exact success/failure sequences through
// ExecuteWithFailover.
type scriptedOp struct {
	name string
	key  string
	fn   func(conn Connection) (any, error)
}

func (o *scriptedOp) Execute(ctx context.Context, conn Connection) (any, error) {
	return o.fn(conn)
}
func (o *scriptedOp) Name() string { return o.name }
func (o *scriptedOp) Key() string  { return o.key }

// countingRetryFactory hands out retryNTimes policies and records how many
// it created, so tests can assert one fresh policy per call.
func countingRetryFactory(n int, created *atomic.Int64) RetryPolicyFactory {
	return RetryPolicyFactoryFunc(func() RetryPolicy {
		created.Add(1)
		return &retryNTimes{limit: n, state: RetryFresh}
	})
}

func testConfig(connectionsPerHost int, retries int) Config {
	cfg := DefaultConfig()
	cfg.ConnectionsPerHost = connectionsPerHost
	cfg.RetryPolicyFactory = NewRetryNTimesFactory(retries)
	cfg.MaxTimeoutWhenExhausted = 100 * time.Millisecond
	cfg.DrainGrace = time.Second
	return cfg
}

var errFatal = &dynoerr.FatalConnectionError{Host: "h", Err: errors.New("reset by peer")}
var errTransient = &dynoerr.TransientError{Host: "h", Err: errors.New("throttled")}
