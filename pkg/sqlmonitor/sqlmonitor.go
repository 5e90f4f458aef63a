// Package sqlmonitor is a durable pool.Monitor backed by gorm: every host,
// operation, and connection-lifecycle event is written to a small set of
// tables, so the history of a pool's behavior survives process restarts
// (the in-memory pool.CountingMonitor does not). It supports the same
// sqlite/postgres driver switch the rest of the teacher's stack uses.
package sqlmonitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/timiblossom/dyno/pkg/pool"
)

// Config selects and configures the backing database.
type Config struct {
	Driver   string // "sqlite" or "postgres"
	Database string // file path (sqlite) or database name (postgres)
	Host     string
	Port     int
	Username string
	Password string
	SSLMode  string
}

// Connect opens a *gorm.DB for cfg and runs AutoMigrate against it.
func Connect(cfg Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		database := cfg.Database
		if database == "" {
			database = "dyno-monitor.db"
		}
		dialector = sqlite.Open(database + "?_time_format=sqlite")
	case "postgres", "postgresql":
		dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.Database, cfg.Username, cfg.Password, cfg.SSLMode)
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("sqlmonitor: unsupported driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("sqlmonitor: connect: %w", err)
	}
	if err := db.AutoMigrate(&PoolEvent{}, &OperationEvent{}, &ConnectionEvent{}); err != nil {
		return nil, fmt.Errorf("sqlmonitor: migrate: %w", err)
	}
	return db, nil
}

// PoolEvent records a host being added to or removed from a ConnectionPool.
type PoolEvent struct {
	ID        uint `gorm:"primaryKey"`
	Host      string
	Kind      string // "added" or "removed"
	CreatedAt time.Time
}

// OperationEvent records the outcome of one ExecuteWithFailover attempt.
type OperationEvent struct {
	ID         uint `gorm:"primaryKey"`
	Host       string
	Kind       string // "success", "failure", or "failover"
	LatencyMs  int64
	Error      string
	CreatedAt  time.Time
}

// ConnectionEvent records a connection lifecycle transition within a
// HostConnectionPool.
type ConnectionEvent struct {
	ID        uint `gorm:"primaryKey"`
	Host      string
	Kind      string // "created", "create_failed", "closed", "borrowed", "returned"
	Error     string
	CreatedAt time.Time
}

// Monitor is a pool.Monitor that writes every event to db. Writes are
// fire-and-forget from the caller's perspective: a failed insert is logged
// by gorm's own logger and otherwise swallowed, since losing a metrics row
// must never fail or slow down the operation it's describing.
type Monitor struct {
	db *gorm.DB
}

// NewMonitor wraps db as a pool.Monitor.
func NewMonitor(db *gorm.DB) *Monitor {
	return &Monitor{db: db}
}

func (m *Monitor) HostAdded(h pool.Host) {
	m.db.Create(&PoolEvent{Host: h.String(), Kind: "added", CreatedAt: time.Now()})
}

func (m *Monitor) HostRemoved(h pool.Host) {
	m.db.Create(&PoolEvent{Host: h.String(), Kind: "removed", CreatedAt: time.Now()})
}

func (m *Monitor) IncOperationSuccess(h pool.Host, latency time.Duration) {
	m.db.Create(&OperationEvent{Host: h.String(), Kind: "success", LatencyMs: latency.Milliseconds(), CreatedAt: time.Now()})
}

func (m *Monitor) IncOperationFailure(h *pool.Host, err error) {
	host := ""
	if h != nil {
		host = h.String()
	}
	m.db.Create(&OperationEvent{Host: host, Kind: "failure", Error: errString(err), CreatedAt: time.Now()})
}

func (m *Monitor) IncFailover(h pool.Host, err error) {
	m.db.Create(&OperationEvent{Host: h.String(), Kind: "failover", Error: errString(err), CreatedAt: time.Now()})
}

func (m *Monitor) ConnectionCreated(h pool.Host) {
	m.db.Create(&ConnectionEvent{Host: h.String(), Kind: "created", CreatedAt: time.Now()})
}

func (m *Monitor) ConnectionCreateFailed(h pool.Host, err error) {
	m.db.Create(&ConnectionEvent{Host: h.String(), Kind: "create_failed", Error: errString(err), CreatedAt: time.Now()})
}

func (m *Monitor) ConnectionClosed(h pool.Host) {
	m.db.Create(&ConnectionEvent{Host: h.String(), Kind: "closed", CreatedAt: time.Now()})
}

func (m *Monitor) ConnectionBorrowed(h pool.Host) {
	m.db.Create(&ConnectionEvent{Host: h.String(), Kind: "borrowed", CreatedAt: time.Now()})
}

func (m *Monitor) ConnectionReturned(h pool.Host) {
	m.db.Create(&ConnectionEvent{Host: h.String(), Kind: "returned", CreatedAt: time.Now()})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
