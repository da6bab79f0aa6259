package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/mailq/internal/broker"
	"github.com/ChuLiYu/mailq/internal/config"
	"github.com/ChuLiYu/mailq/internal/delivery"
	"github.com/ChuLiYu/mailq/pkg/types"
)

const requestTimeout = 10 * time.Second

// jobInput is one entry of an enqueue --file JSON array.
type jobInput struct {
	Destination string `json:"destination"`
	Payload     string `json:"payload"`
	MaxAttempts int    `json:"max_attempts"`
}

func buildEnqueueCommand(opts *rootOptions) *cobra.Command {
	var (
		to          string
		payload     string
		maxAttempts int
		jobFile     string
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue jobs on a master node",
		Long: `Enqueue a single job (--to) or a batch read from a JSON file (--file):
  [
    {"destination": "alice@example.com", "payload": "hello", "max_attempts": 5}
  ]`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var jobs []jobInput
			switch {
			case jobFile != "":
				loaded, err := readJobFile(jobFile)
				if err != nil {
					return err
				}
				jobs = loaded
			case to != "":
				if payload == "" {
					payload = delivery.DefaultBody
				}
				jobs = []jobInput{{Destination: to, Payload: payload, MaxAttempts: maxAttempts}}
			default:
				return fmt.Errorf("either --to or --file is required")
			}

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			client, err := dialMaster(cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			return enqueueJobs(cmd.Context(), client, jobs, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "destination address or webhook URL")
	cmd.Flags().StringVar(&payload, "payload", "", "payload (defaults to the templated test message)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "maximum delivery attempts (0 = broker default)")
	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing job definitions")
	cmd.MarkFlagsMutuallyExclusive("to", "file")

	return cmd
}

func readJobFile(path string) ([]jobInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	var jobs []jobInput
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	return jobs, nil
}

// enqueueJobs submits every job, reporting failures without stopping the batch.
func enqueueJobs(ctx context.Context, b broker.Broker, jobs []jobInput, out io.Writer) error {
	ok := 0
	for _, j := range jobs {
		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		id, err := b.Enqueue(reqCtx, broker.EnqueueRequest{
			Destination: j.Destination,
			Payload:     []byte(j.Payload),
			MaxAttempts: j.MaxAttempts,
		})
		cancel()
		if err != nil {
			fmt.Fprintf(out, "failed  %-30s %v\n", j.Destination, err)
			continue
		}
		fmt.Fprintf(out, "queued  %-30s %s\n", j.Destination, id)
		ok++
	}

	fmt.Fprintf(out, "Successfully enqueued %d/%d jobs\n", ok, len(jobs))
	if ok < len(jobs) {
		return fmt.Errorf("%d of %d jobs were rejected", len(jobs)-ok, len(jobs))
	}
	return nil
}

func buildJobCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect jobs",
	}

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Print a job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			client, err := dialMaster(cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			job, err := client.GetJob(ctx, types.JobID(args[0]))
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(job)
		},
	}

	cmd.AddCommand(get)
	return cmd
}

func buildStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and queue statistics",
		Long:  "Display the effective configuration and, when the master is reachable, job counts per state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			var stats *broker.Stats
			if client, err := dialMaster(cfg); err == nil {
				ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
				if st, err := client.Stats(ctx); err == nil {
					stats = &st
				}
				cancel()
				client.Close()
			}

			printStatus(cmd.OutOrStdout(), opts.configFile, cfg, stats)
			return nil
		},
	}
}

func printStatus(out io.Writer, configFile string, cfg *config.Config, stats *broker.Stats) {
	fmt.Fprintln(out, "mailq status")
	fmt.Fprintln(out, "============")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Configuration:")
	fmt.Fprintf(out, "  Config file:        %s\n", configFile)
	fmt.Fprintf(out, "  Node / mode:        %s / %s\n", cfg.NodeID, cfg.Mode)
	fmt.Fprintf(out, "  Broker backend:     %s\n", cfg.Broker.Backend)
	fmt.Fprintf(out, "  Delivery:           %s\n", cfg.Delivery.Kind)
	fmt.Fprintf(out, "  Workers:            %d\n", cfg.Worker.Count)
	fmt.Fprintf(out, "  Visibility timeout: %s\n", cfg.Worker.VisibilityTimeout)
	fmt.Fprintf(out, "  Retry backoff:      %s base, %s max\n", cfg.Retry.BaseDelay, cfg.Retry.MaxDelay)
	fmt.Fprintln(out)

	if cfg.Broker.Backend == config.BackendMemory {
		fmt.Fprintln(out, "Storage:")
		fmt.Fprintf(out, "  WAL:                %s\n", cfg.WAL.Path)
		fmt.Fprintf(out, "  Snapshot:           %s (every %s)\n", cfg.Snapshot.Path, cfg.Snapshot.Interval)
		fmt.Fprintln(out)
	}

	fmt.Fprintf(out, "Queue (%s):\n", cfg.GRPC.MasterAddr)
	if stats == nil {
		fmt.Fprintln(out, "  master not reachable (start one with 'mailq run --mode master')")
	} else {
		fmt.Fprintf(out, "  Total:              %d\n", stats.Total())
		fmt.Fprintf(out, "  Queued:             %d\n", stats.Queued)
		fmt.Fprintf(out, "  Leased:             %d\n", stats.Leased)
		fmt.Fprintf(out, "  Retry scheduled:    %d\n", stats.RetryScheduled)
		fmt.Fprintf(out, "  Succeeded:          %d\n", stats.Succeeded)
		fmt.Fprintf(out, "  Failed:             %d\n", stats.Failed)
		if done := stats.Succeeded + stats.Failed; done > 0 {
			fmt.Fprintf(out, "  Success rate:       %.1f%%\n", float64(stats.Succeeded)/float64(done)*100)
		}
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  Enabled on http://%s/metrics\n", cfg.Metrics.Addr)
	} else {
		fmt.Fprintln(out, "  Disabled")
	}
}
