package cli

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	benchconfig "github.com/timiblossom/dyno/cmd/dyno-bench/config"
	"github.com/timiblossom/dyno/pkg/grpcconn"
	"github.com/timiblossom/dyno/pkg/logger"
	"github.com/timiblossom/dyno/pkg/pool"
	"github.com/timiblossom/dyno/pkg/sqlmonitor"
)

var (
	runWorkers     int
	runDuration    time.Duration
	runLive        bool
	runFailureRate float64
)

func init() {
	runCmd.Flags().IntVar(&runWorkers, "workers", 8, "number of concurrent callers")
	runCmd.Flags().DurationVar(&runDuration, "duration", 10*time.Second, "how long to drive traffic")
	runCmd.Flags().BoolVar(&runLive, "live", false, "dial real gRPC backends instead of the in-process loopback")
	runCmd.Flags().Float64Var(&runFailureRate, "loopback-failure-rate", 0.05, "simulated per-call failure rate for the loopback factory")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive ExecuteWithFailover traffic against the configured hosts and print a summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := benchconfig.Load(configPath)
		if err != nil {
			return err
		}
		if err := logger.Setup(logger.Config{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Output: cfg.Logging.Output,
			File:   cfg.Logging.File,
		}); err != nil {
			return err
		}

		p, monitor, err := buildPool(cfg)
		if err != nil {
			return err
		}
		defer p.Shutdown(context.Background())

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		deadline := time.Now().Add(runDuration)
		var wg sync.WaitGroup
		var successes, failures int64

		for i := 0; i < runWorkers; i++ {
			wg.Add(1)
			go func(worker int) {
				defer wg.Done()
				for time.Now().Before(deadline) {
					select {
					case <-ctx.Done():
						return
					default:
					}
					op := benchOp(worker)
					if _, err := p.ExecuteWithFailover(ctx, op); err != nil {
						atomic.AddInt64(&failures, 1)
					} else {
						atomic.AddInt64(&successes, 1)
					}
				}
			}(i)
		}
		wg.Wait()

		fmt.Printf("successes=%d failures=%d\n", successes, failures)
		if cm, ok := monitor.(*pool.CountingMonitor); ok {
			for h, c := range cm.Snapshot() {
				fmt.Printf("  %s: ok=%d fail=%d failover=%d avgLatency=%s\n",
					h, c.Successes, c.Failures, c.Failovers, avgLatency(c))
			}
		}
		return nil
	},
}

func avgLatency(c pool.HostCounters) time.Duration {
	if c.Successes == 0 {
		return 0
	}
	return c.TotalLatency / time.Duration(c.Successes)
}

func benchOp(worker int) pool.Operation {
	return &benchOperation{key: fmt.Sprintf("worker-%d", worker)}
}

type invoker interface {
	Invoke(ctx context.Context, method string, payload []byte) ([]byte, error)
}

type benchOperation struct{ key string }

func (o *benchOperation) Name() string { return "bench.echo" }
func (o *benchOperation) Key() string  { return o.key }

func (o *benchOperation) Execute(ctx context.Context, conn pool.Connection) (any, error) {
	inv, ok := conn.Raw().(invoker)
	if !ok {
		return nil, fmt.Errorf("dyno-bench: connection does not support Invoke")
	}
	payload := make([]byte, 8)
	rand.Read(payload)
	return inv.Invoke(ctx, "/dyno.Bench/Echo", payload)
}

func buildPool(cfg *benchconfig.Config) (*pool.ConnectionPool, pool.Monitor, error) {
	poolCfg := cfg.ToPoolConfig()

	var monitor pool.Monitor
	switch cfg.Monitor.Driver {
	case "", "memory":
		monitor = pool.NewCountingMonitor()
	default:
		db, err := sqlmonitor.Connect(sqlmonitor.Config{
			Driver:   cfg.Monitor.Driver,
			Database: cfg.Monitor.Database,
			Host:     cfg.Monitor.Host,
			Port:     cfg.Monitor.Port,
			Username: cfg.Monitor.Username,
			Password: cfg.Monitor.Password,
			SSLMode:  cfg.Monitor.SSLMode,
		})
		if err != nil {
			return nil, nil, err
		}
		monitor = sqlmonitor.NewMonitor(db)
	}
	poolCfg.Monitor = monitor

	var factory pool.ConnectionFactory
	if runLive {
		factory = grpcconn.NewFactory(grpcconn.Options{
			TLS:         cfg.Transport.TLS,
			TLSInsecure: cfg.Transport.TLSInsecure,
		})
	} else {
		factory = grpcconn.NewLoopbackFactory(runFailureRate, 2*time.Millisecond)
	}

	p, err := pool.NewConnectionPool(poolCfg, factory)
	if err != nil {
		return nil, nil, err
	}

	ctx := context.Background()
	for _, h := range cfg.PoolHosts() {
		if !p.AddHost(ctx, h) {
			logger.WarnEvent().Str("host", h.String()).Msg("failed to bring host online at startup")
		}
	}
	return p, monitor, nil
}
