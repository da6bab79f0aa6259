// ============================================================================
// mailq CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running nodes and talking to a master
//
// Command Structure:
//   mailq                          # Root command
//   ├── run                        # Start a node (standalone | master | worker)
//   ├── enqueue                    # Submit jobs to a master over gRPC
//   ├── job get <id>               # Show one job
//   ├── status                     # Config summary and remote queue statistics
//   ├── migrate up|down|status     # Postgres schema (goose)
//   └── wal dump|stats|validate    # Inspect the memory backend's WAL
//
// Configuration:
//   YAML file (default: configs/default.yaml) overridden by MAILQ_* env vars,
//   see internal/config.
//
// Examples:
//   ./mailq run
//   ./mailq run --mode master
//   MAILQ_GRPC_MASTER_ADDR=10.0.0.5:9000 ./mailq run --mode worker
//   ./mailq enqueue --to alice@example.com
//   ./mailq enqueue -f jobs.json
//   ./mailq job get 01920c7e-...
// ============================================================================

package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/mailq/internal/config"
	"github.com/ChuLiYu/mailq/internal/logging"
	"github.com/ChuLiYu/mailq/internal/rpc"
)

// Version is reported by --version.
var Version = "1.0.0"

// rootOptions holds flags shared by every subcommand.
type rootOptions struct {
	configFile string
	masterAddr string
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "mailq",
		Short: "mailq: asynchronous notification dispatch",
		Long: `mailq hands email and webhook notifications to a durable task queue
and delivers them with a pool of workers:
- at-least-once delivery with lease expiry
- exponential retry backoff for transient failures
- memory (WAL + snapshot), Redis or Postgres broker backends
- Prometheus metrics`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", config.DefaultPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.masterAddr, "master", "", "master gRPC address (overrides grpc.master_addr)")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildEnqueueCommand(opts))
	rootCmd.AddCommand(buildJobCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildMigrateCommand(opts))
	rootCmd.AddCommand(buildWALCommand(opts))

	return rootCmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if o.masterAddr != "" {
		cfg.GRPC.MasterAddr = o.masterAddr
	}
	return cfg, nil
}

// setupLogger installs the configured logger as slog's default.
func setupLogger(cfg *config.Config, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	logger, closer, err := logging.New(cfg.Log, stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	slog.SetDefault(logger)
	return logger, closer, nil
}

// dialMaster connects to the configured master node.
func dialMaster(cfg *config.Config) (*rpc.Client, error) {
	client, err := rpc.Dial(cfg.GRPC.MasterAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to master: %w", err)
	}
	return client, nil
}
