// demo 展示 memory 後端的崩潰恢復：
//
//	go run ./cmd/demo start     # 入隊一批任務，處理中按 Ctrl+C
//	go run ./cmd/demo recover   # 從 WAL + 快照恢復並繼續處理
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/mailq/internal/broker"
	"github.com/ChuLiYu/mailq/internal/config"
	"github.com/ChuLiYu/mailq/internal/controller"
	"github.com/ChuLiYu/mailq/internal/delivery"
	"github.com/ChuLiYu/mailq/internal/storage/wal"
	"github.com/ChuLiYu/mailq/internal/worker"
)

const demoJobs = 500

func main() {
	if len(os.Args) < 2 || (os.Args[1] != "start" && os.Args[1] != "recover") {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	cfg, err := config.Load(config.DefaultPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	// 模擬投遞：延遲夠長才來得及在處理中中斷
	client := delivery.NewSimulatedClient(200*time.Millisecond, 0.1, 0.02)

	ctrl, err := controller.New(controller.Config{
		WorkerCount: cfg.Worker.Count,
		Worker: worker.Config{
			NodeID:            cfg.NodeID,
			VisibilityTimeout: cfg.Worker.VisibilityTimeout,
			PollInterval:      cfg.Worker.PollInterval,
			Retry:             cfg.RetryPolicy(),
			Logger:            logger,
		},
		ReaperInterval:     cfg.Reaper.Interval,
		SnapshotInterval:   cfg.Snapshot.Interval,
		WALPath:            cfg.WAL.Path,
		WALOptions:         wal.Options{SyncOnAppend: true},
		SnapshotPath:       cfg.Snapshot.Path,
		DefaultMaxAttempts: cfg.Broker.DefaultMaxAttempts,
		Logger:             logger,
	}, client)
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}
	if err := ctrl.Start(); err != nil {
		log.Fatalf("Failed to start controller: %v", err)
	}
	fmt.Printf("Controller started (mode: %s)\n", mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, _ := ctrl.Stats(ctx)
	switch {
	case mode == "start" && st.Total() == 0:
		for i := 1; i <= demoJobs; i++ {
			_, err := ctrl.Enqueue(ctx, broker.EnqueueRequest{
				Destination: fmt.Sprintf("user%03d@example.com", i),
				Payload:     []byte(delivery.DefaultBody),
			})
			if err != nil {
				log.Fatalf("Failed to enqueue: %v", err)
			}
		}
		fmt.Printf("Enqueued %d jobs; press Ctrl+C while jobs are leased, then run 'recover'\n\n", demoJobs)
	default:
		printStats("Recovered state", st)
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			st, err := ctrl.Stats(ctx)
			if err != nil {
				continue
			}
			fmt.Printf("queued=%d leased=%d retry=%d succeeded=%d failed=%d\n",
				st.Queued, st.Leased, st.RetryScheduled, st.Succeeded, st.Failed)
		}
	}

	fmt.Println("\nStopping...")
	if err := ctrl.Stop(); err != nil {
		log.Fatalf("Stop failed: %v", err)
	}
	fmt.Println("Controller stopped")
}

func printStats(title string, st broker.Stats) {
	fmt.Printf("%s:\n", title)
	fmt.Printf("  Queued:          %d\n", st.Queued)
	fmt.Printf("  Leased:          %d\n", st.Leased)
	fmt.Printf("  Retry scheduled: %d\n", st.RetryScheduled)
	fmt.Printf("  Succeeded:       %d\n", st.Succeeded)
	fmt.Printf("  Failed:          %d\n", st.Failed)
	fmt.Printf("  Total:           %d\n\n", st.Total())
}
