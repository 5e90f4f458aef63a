// Command dyno-bench is the reference harness for pkg/pool: it loads a
// host list and pool configuration from YAML, drives ExecuteWithFailover
// against a gRPC-backed factory (or a loopback one for local demos), and
// either prints a summary (run) or renders a live dashboard (top).
package main

import (
	"github.com/timiblossom/dyno/cmd/dyno-bench/cli"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	cli.SetVersion(version, buildTime, gitCommit)
	cli.Execute()
}
