package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	version    = "dev"
	buildTime  = "unknown"
	gitCommit  = "unknown"
)

// SetVersion records build-time version information for the version
// subcommand.
func SetVersion(v, b, g string) {
	version = v
	buildTime = b
	gitCommit = g
}

var rootCmd = &cobra.Command{
	Use:   "dyno-bench",
	Short: "Drive and observe a pkg/pool connection pool against a sharded backend",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/dyno-bench.yaml", "path to config file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dyno-bench\n")
			fmt.Printf("  Version:    %s\n", version)
			fmt.Printf("  Build Time: %s\n", buildTime)
			fmt.Printf("  Git Commit: %s\n", gitCommit)
		},
	})
}
