// Package pool implements the coordination fabric for a client-side
// connection pool with automatic failover across a sharded backend: a
// bounded per-host connection pool (HostConnectionPool), round-robin host
// selection (HostSelectionStrategy), a sliding error-rate eviction signal
// (ErrorRateMonitor / ConnectionPoolHealthTracker), a per-call retry policy,
// and a top-level ConnectionPool that wires all of it together behind
// ExecuteWithFailover / ExecuteAsync.
//
// The wire protocol, the physical socket, and the metric sink are treated
// as external collaborators (ConnectionFactory, RawConnection, Monitor);
// reference implementations live in sibling packages (grpcconn, sqlmonitor)
// so this package stays dependency-free on any particular backend.
package pool

import (
	"context"
	"fmt"
	"time"
)

// Host identifies a backend endpoint by hostname and port. It is a plain
// comparable struct so it can be used directly as a map key.
type Host struct {
	Hostname string
	Port     int
}

func (h Host) String() string {
	return fmt.Sprintf("%s:%d", h.Hostname, h.Port)
}

// RawConnection is what a ConnectionFactory produces: the physical,
// protocol-specific capability. HostConnectionPool wraps it with pooling
// metadata before handing it to callers as a Connection.
type RawConnection interface {
	Open(ctx context.Context) error
	Close() error
}

// ConnectionFactory produces a RawConnection bound to hp's host. It may
// fail with a connect or throttled error; HostConnectionPool.PrimeConnections
// treats any factory error as fatal to priming.
type ConnectionFactory interface {
	CreateConnection(ctx context.Context, hp *HostConnectionPool) (RawConnection, error)
}

// ConnectionFactoryFunc adapts a function to a ConnectionFactory.
type ConnectionFactoryFunc func(ctx context.Context, hp *HostConnectionPool) (RawConnection, error)

// CreateConnection implements ConnectionFactory.
func (f ConnectionFactoryFunc) CreateConnection(ctx context.Context, hp *HostConnectionPool) (RawConnection, error) {
	return f(ctx, hp)
}

// Connection is a borrowed reference handed out by HostConnectionPool. It
// must be returned exactly once, via its ParentPool's ReturnConnection.
type Connection interface {
	Host() Host
	ParentPool() *HostConnectionPool
	Raw() RawConnection
	LastError() error
	SetLastError(err error)
}

// Operation is an opaque unit of work the pool dispatches against a
// borrowed Connection. Name and Key are used for logging/metrics and
// (optionally) admission control; they carry no pool semantics.
type Operation interface {
	Execute(ctx context.Context, conn Connection) (any, error)
	Name() string
	Key() string
}

// AsyncOperation additionally supports fire-and-forget dispatch. There is
// no failover for the async path (§4.3 / §9): a single attempt is made and
// the returned Future is the caller's sole contract.
type AsyncOperation interface {
	Operation
	ExecuteAsync(ctx context.Context, conn Connection) (Future[OperationResult], error)
}

// OperationResult is the value object returned on successful dispatch.
type OperationResult struct {
	Host     Host
	Latency  time.Duration
	Attempts int
	Value    any
}

// Monitor receives the counters and latency events described in §6. A
// no-op or counting implementation is used by default; sqlmonitor provides
// a durable alternative.
type Monitor interface {
	HostAdded(h Host)
	HostRemoved(h Host)
	IncOperationSuccess(h Host, latency time.Duration)
	IncOperationFailure(h *Host, err error)
	IncFailover(h Host, err error)
	ConnectionCreated(h Host)
	ConnectionCreateFailed(h Host, err error)
	ConnectionClosed(h Host)
	ConnectionBorrowed(h Host)
	ConnectionReturned(h Host)
}

// Future is a minimal already-resolved handle, per §9/§13's "a future that
// is ready on return" decision: no cancellation, no callbacks.
type Future[T any] interface {
	Get() (T, error)
}

type resolvedFuture[T any] struct {
	val T
	err error
}

func (f resolvedFuture[T]) Get() (T, error) { return f.val, f.err }

// ResolvedFuture builds a Future that is already complete when returned,
// matching updateHosts/start's vestigial future contract.
func ResolvedFuture[T any](val T, err error) Future[T] {
	return resolvedFuture[T]{val: val, err: err}
}
