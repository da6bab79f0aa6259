package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/mailq/internal/broker"
	"github.com/ChuLiYu/mailq/internal/config"
	"github.com/ChuLiYu/mailq/internal/controller"
	"github.com/ChuLiYu/mailq/internal/gateway"
	"github.com/ChuLiYu/mailq/internal/metrics"
	"github.com/ChuLiYu/mailq/internal/migrate"
	"github.com/ChuLiYu/mailq/internal/rpc"
	"github.com/ChuLiYu/mailq/internal/storage/wal"
	"github.com/ChuLiYu/mailq/internal/worker"
)

func buildRunCommand(opts *rootOptions) *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a mailq node",
		Long: `Start a node in one of three modes:
  standalone  broker, workers and HTTP gateway in one process
  master      broker, HTTP gateway and gRPC service for remote workers
  worker      workers only, leasing from a master over gRPC`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if mode != "" {
				cfg.Mode = mode
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			logger, closer, err := setupLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "", "node mode: standalone, master, worker (overrides config)")
	return cmd
}

// runNode assembles and runs one node until ctx is cancelled.
func runNode(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting mailq", "mode", cfg.Mode, "node_id", cfg.NodeID, "backend", cfg.Broker.Backend)

	reg := prometheus.NewRegistry()
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		collector = metrics.NewCollector(reg)
	}

	ctrl, err := buildController(ctx, cfg, collector, logger)
	if err != nil {
		return err
	}
	if err := ctrl.Start(); err != nil {
		return multierr.Append(fmt.Errorf("failed to start controller: %w", err), ctrl.Stop())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if cfg.Mode != config.ModeWorker {
		gw := gateway.New(ctrl, gateway.Config{LogFile: cfg.Log.File, Logger: logger})
		g.Go(func() error {
			return gw.ListenAndServe(gctx, cfg.HTTP.Addr)
		})
	}
	if cfg.Mode == config.ModeMaster {
		g.Go(func() error {
			return serveGRPC(gctx, cfg.GRPC.Addr, ctrl.Broker(), logger)
		})
	}
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.Metrics.Addr, reg)
		})
	}

	logger.Info("mailq started")
	runErr := g.Wait()
	logger.Info("shutting down")

	return multierr.Append(runErr, ctrl.Stop())
}

// buildController picks the broker backend for the node's mode.
func buildController(ctx context.Context, cfg *config.Config, collector *metrics.Collector, logger *slog.Logger) (*controller.Controller, error) {
	ccfg := controllerConfig(cfg, collector, logger)
	if cfg.Mode == config.ModeMaster {
		ccfg.WorkerCount = 0
	}

	client, err := cfg.DeliveryClient()
	if err != nil {
		return nil, err
	}

	if cfg.Mode == config.ModeWorker {
		remote, err := dialMaster(cfg)
		if err != nil {
			return nil, err
		}
		logger.Info("leasing from master", "addr", cfg.GRPC.MasterAddr)
		return controller.NewWithBroker(remote, client, ccfg), nil
	}

	switch cfg.Broker.Backend {
	case config.BackendMemory:
		ctrl, err := controller.New(ccfg, client)
		if err != nil {
			return nil, fmt.Errorf("failed to create controller: %w", err)
		}
		return ctrl, nil
	default:
		b, err := openBroker(ctx, cfg, collector, logger)
		if err != nil {
			return nil, err
		}
		return controller.NewWithBroker(b, client, ccfg), nil
	}
}

func controllerConfig(cfg *config.Config, collector *metrics.Collector, logger *slog.Logger) controller.Config {
	return controller.Config{
		WorkerCount: cfg.Worker.Count,
		Worker: worker.Config{
			NodeID:            cfg.NodeID,
			VisibilityTimeout: cfg.Worker.VisibilityTimeout,
			HeartbeatInterval: cfg.Worker.HeartbeatInterval,
			PollInterval:      cfg.Worker.PollInterval,
			DeliveryTimeout:   cfg.Worker.DeliveryTimeout,
			Retry:             cfg.RetryPolicy(),
			Logger:            logger,
		},
		ReaperInterval:   cfg.Reaper.Interval,
		SnapshotInterval: cfg.Snapshot.Interval,
		WALPath:          cfg.WAL.Path,
		WALOptions: wal.Options{
			SyncOnAppend:  cfg.WAL.SyncOnAppend,
			BufferSize:    cfg.WAL.BufferSize,
			FlushInterval: cfg.WAL.FlushInterval,
		},
		SnapshotPath:       cfg.Snapshot.Path,
		DefaultMaxAttempts: cfg.Broker.DefaultMaxAttempts,
		Metrics:            collector,
		Logger:             logger,
	}
}

// openBroker connects to the Redis or Postgres backend.
func openBroker(ctx context.Context, cfg *config.Config, collector *metrics.Collector, logger *slog.Logger) (broker.Broker, error) {
	opts := []broker.Option{
		broker.WithLogger(logger),
		broker.WithDefaultMaxAttempts(cfg.Broker.DefaultMaxAttempts),
	}
	if collector != nil {
		opts = append(opts, broker.WithObserver(collector))
	}

	switch cfg.Broker.Backend {
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Broker.RedisAddr,
			Password: cfg.Broker.RedisPassword,
			DB:       cfg.Broker.RedisDB,
		})
		b := broker.NewRedisBroker(rdb, cfg.Broker.RedisPrefix, opts...)
		if err := b.Ping(ctx); err != nil {
			return nil, multierr.Append(fmt.Errorf("failed to reach redis at %s: %w", cfg.Broker.RedisAddr, err), b.Close())
		}
		return b, nil

	case config.BackendPostgres:
		if err := migrate.Up(ctx, cfg.Broker.PostgresDSN, cfg.Broker.MigrationsDir); err != nil {
			return nil, err
		}
		pool, err := pgxpool.New(ctx, cfg.Broker.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to reach postgres: %w", err)
		}
		return broker.NewPostgresBroker(pool, opts...), nil

	default:
		return nil, fmt.Errorf("unknown broker backend %q", cfg.Broker.Backend)
	}
}

// serveGRPC exposes b to remote workers until ctx is cancelled.
func serveGRPC(ctx context.Context, addr string, b broker.Broker, logger *slog.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	gs := rpc.NewGRPCServer(rpc.NewServer(b, logger))
	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()

	logger.Info("gRPC server listening", "addr", lis.Addr().String())
	if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
