// ============================================================================
// mailq 控制器 - 系統組裝與生命週期
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 組裝 broker、worker pool、WAL/快照與 metrics，負責恢復與背景循環
//
// 架構設計:
//   - Broker: 任務狀態的唯一擁有者（memory / redis / postgres / 遠端 gRPC）
//   - WAL + Snapshot: memory 後端的持久化（其他後端由資料庫負責）
//   - WorkerPool: 向 broker 租用任務並投遞
//   - Metrics: 觀察狀態轉換與投遞結果
//
// 背景循環:
//   1. Reaper Loop   - 定期 ReclaimExpired，回收過期租約
//   2. Snapshot Loop - 定期 Checkpoint（僅 memory 後端且設定了快照）
//   3. Stats Loop    - 定期把 broker 統計寫入 metrics gauge
//
// 崩潰恢復流程（memory 後端）:
//   1. 載入快照 → broker.Restore
//   2. 重放快照 LastSeq 之後的 WAL 事件 → broker.ApplyEvent
//   3. ReclaimExpired 一次：崩潰前已過期的租約立即回到佇列，
//      尚未過期的租約保留，由原 worker 或之後的回收處理
//
// 關閉順序:
//   1. close(stopCh) → 背景循環停止
//   2. pool.Stop()   → 不再租用，等待進行中的嘗試 ack
//   3. 最後一次快照，關閉 broker 與 WAL
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/ChuLiYu/mailq/internal/broker"
	"github.com/ChuLiYu/mailq/internal/delivery"
	"github.com/ChuLiYu/mailq/internal/metrics"
	"github.com/ChuLiYu/mailq/internal/snapshot"
	"github.com/ChuLiYu/mailq/internal/storage/wal"
	"github.com/ChuLiYu/mailq/internal/worker"
	"github.com/ChuLiYu/mailq/pkg/types"
)

// ErrStopped 表示 controller 已停止
var ErrStopped = errors.New("controller stopped")

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	WorkerCount int           // 本地 worker 數量，0 表示不跑 worker（master 模式）
	Worker      worker.Config // worker 行為（租約、輪詢、退避）

	ReaperInterval   time.Duration // 回收過期租約的間隔
	SnapshotInterval time.Duration // 快照間隔，0 表示只在停止時快照
	StatsInterval    time.Duration // metrics gauge 刷新間隔

	// 以下僅用於 memory 後端
	WALPath            string      // 空字串表示不持久化
	WALOptions         wal.Options // WAL 寫入選項
	SnapshotPath       string      // 快照檔案路徑
	DefaultMaxAttempts int         // 入隊未指定時的最大嘗試次數
	Clock              func() time.Time

	Metrics *metrics.Collector // 可為 nil
	Logger  *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = time.Second
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.WALOptions == (wal.Options{}) {
		c.WALOptions = wal.DefaultOptions()
	}
	return c
}

// Status 系統狀態摘要
type Status struct {
	Uptime  time.Duration `json:"uptime"`
	Workers int           `json:"workers"`
	Stats   broker.Stats  `json:"stats"`
}

// Controller 核心控制器
type Controller struct {
	broker broker.Broker
	memory *broker.MemoryBroker // 非 nil 時由 controller 負責 WAL 與快照
	wal    *wal.WAL
	snap   *snapshot.Manager
	pool   *worker.Pool
	config Config
	log    *slog.Logger

	mu        sync.Mutex
	started   bool
	stopped   bool
	startTime time.Time
	stopCh    chan struct{}
	loopWg    sync.WaitGroup
}

// ============================================================================
// 建構
// ============================================================================

// New 建立使用 memory broker 的 Controller；設定了 WALPath 時開啟 WAL 與快照
func New(cfg Config, client delivery.Client) (*Controller, error) {
	cfg = cfg.withDefaults()

	var (
		journal broker.Journal
		walLog  *wal.WAL
		snap    *snapshot.Manager
	)
	if cfg.WALPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.WALPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create WAL dir: %w", err)
		}
		w, err := wal.NewWAL(cfg.WALPath, cfg.WALOptions)
		if err != nil {
			return nil, fmt.Errorf("failed to open WAL: %w", err)
		}
		walLog, journal = w, w

		if cfg.SnapshotPath != "" {
			if err := os.MkdirAll(filepath.Dir(cfg.SnapshotPath), 0o755); err != nil {
				_ = w.Close()
				return nil, fmt.Errorf("failed to create snapshot dir: %w", err)
			}
			snap = snapshot.NewManager(cfg.SnapshotPath)
		}
	}

	opts := []broker.Option{broker.WithLogger(cfg.Logger)}
	if cfg.Clock != nil {
		opts = append(opts, broker.WithClock(cfg.Clock))
	}
	if cfg.DefaultMaxAttempts > 0 {
		opts = append(opts, broker.WithDefaultMaxAttempts(cfg.DefaultMaxAttempts))
	}
	if cfg.Metrics != nil {
		opts = append(opts, broker.WithObserver(cfg.Metrics))
	}
	mem := broker.NewMemoryBroker(journal, opts...)

	c := newController(mem, client, cfg)
	c.memory = mem
	c.wal = walLog
	c.snap = snap
	return c, nil
}

// NewWithBroker 以外部 broker（redis、postgres 或遠端 gRPC）建立 Controller。
// Controller 取得 b 的所有權，Stop 時會關閉它。
func NewWithBroker(b broker.Broker, client delivery.Client, cfg Config) *Controller {
	return newController(b, client, cfg.withDefaults())
}

func newController(b broker.Broker, client delivery.Client, cfg Config) *Controller {
	c := &Controller{
		broker: b,
		config: cfg,
		log:    cfg.Logger,
		stopCh: make(chan struct{}),
	}

	if cfg.WorkerCount > 0 && client != nil {
		wcfg := cfg.Worker
		if wcfg.Logger == nil {
			wcfg.Logger = cfg.Logger
		}
		if cfg.Metrics != nil {
			onResult := wcfg.OnResult
			wcfg.OnResult = func(r worker.Result) {
				cfg.Metrics.ObserveResult(r)
				if onResult != nil {
					onResult(r)
				}
			}
		}
		c.pool = worker.NewPool(b, client, wcfg)
	}
	return c
}

// ============================================================================
// 生命週期
// ============================================================================

// Start 執行恢復並啟動 worker 與背景循環
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return errors.New("controller already started")
	}
	c.startTime = time.Now()

	if c.memory != nil {
		if err := c.recover(); err != nil {
			return fmt.Errorf("recovery failed: %w", err)
		}
	}

	if c.pool != nil {
		if err := c.pool.Start(c.config.WorkerCount); err != nil {
			return fmt.Errorf("failed to start worker pool: %w", err)
		}
	}

	c.loopWg.Add(1)
	go c.reaperLoop()

	if c.memory != nil && c.snap != nil && c.config.SnapshotInterval > 0 {
		c.loopWg.Add(1)
		go c.snapshotLoop()
	}
	if c.config.Metrics != nil {
		c.loopWg.Add(1)
		go c.statsLoop()
	}

	c.started = true
	c.log.Info("controller started", "workers", c.workerCount())
	return nil
}

// recover 從快照與 WAL 重建 memory broker 狀態
func (c *Controller) recover() error {
	start := time.Now()
	c.log.Info("starting recovery")

	data := types.SnapshotData{}
	if c.snap != nil {
		if !c.snap.Exists() {
			c.log.Info("no snapshot found, rebuilding from WAL", "path", c.snap.Path())
		}
		loaded, err := c.snap.Load()
		if err != nil {
			return fmt.Errorf("failed to load snapshot: %w", err)
		}
		data = loaded
		c.memory.Restore(data)
	}

	replayed := 0
	if c.wal != nil {
		// 快照後 WAL 可能已旋轉為空，序號必須從快照繼續
		c.wal.AdvanceSeq(data.LastSeq)
		err := c.wal.Replay(data.LastSeq, func(event wal.Event) error {
			replayed++
			return c.memory.ApplyEvent(event)
		})
		if err != nil {
			return fmt.Errorf("failed to replay WAL: %w", err)
		}
	}

	reclaimed, err := c.memory.ReclaimExpired(context.Background())
	if err != nil {
		return fmt.Errorf("failed to reclaim expired leases: %w", err)
	}

	elapsed := time.Since(start)
	c.config.Metrics.SetRecoveryTime(elapsed)
	if elapsed > 3*time.Second {
		c.log.Warn("recovery time exceeds 3s", "duration", elapsed)
	}
	c.log.Info("recovery completed",
		"duration", elapsed,
		"snapshot_jobs", len(data.Jobs),
		"snapshot_seq", data.LastSeq,
		"replayed_events", replayed,
		"reclaimed_leases", reclaimed)
	return nil
}

// Stop 優雅關閉 Controller，回傳關閉過程中所有錯誤
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	c.log.Info("stopping controller")

	close(c.stopCh)
	if c.pool != nil {
		c.pool.Stop()
	}
	c.loopWg.Wait()

	var err error
	if started && c.memory != nil && c.snap != nil {
		err = multierr.Append(err, c.takeSnapshot())
	}
	err = multierr.Append(err, c.broker.Close())
	if c.wal != nil {
		err = multierr.Append(err, c.wal.Close())
	}

	if err != nil {
		c.log.Error("controller stopped with errors", "error", err)
		return err
	}
	c.log.Info("controller stopped")
	return nil
}

// ============================================================================
// 背景循環
// ============================================================================

// reaperLoop 定期回收過期租約
func (c *Controller) reaperLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			n, err := c.broker.ReclaimExpired(context.Background())
			if err != nil {
				c.log.Error("reclaim expired leases failed", "error", err)
				continue
			}
			if n > 0 {
				c.log.Info("reclaimed expired leases", "count", n)
			}
		}
	}
}

// snapshotLoop 定期生成快照
func (c *Controller) snapshotLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.takeSnapshot(); err != nil {
				c.log.Error("failed to take snapshot", "error", err)
			}
		}
	}
}

// statsLoop 定期刷新 metrics gauge
func (c *Controller) statsLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.StatsInterval)
	defer ticker.Stop()

	c.refreshStats()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.refreshStats()
		}
	}
}

func (c *Controller) refreshStats() {
	st, err := c.broker.Stats(context.Background())
	if err != nil {
		c.log.Warn("stats refresh failed", "error", err)
		return
	}
	c.config.Metrics.SetStats(st)
}

// takeSnapshot 寫出快照並旋轉 WAL
func (c *Controller) takeSnapshot() error {
	start := time.Now()
	var jobs int
	var seq uint64

	err := c.memory.Checkpoint(func(data types.SnapshotData) error {
		jobs, seq = len(data.Jobs), data.LastSeq
		return c.snap.Write(data)
	})
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}

	c.log.Info("snapshot taken", "duration", time.Since(start), "jobs", jobs, "last_seq", seq)
	return nil
}

// ============================================================================
// 公開方法
// ============================================================================

// Enqueue 加入一個任務
func (c *Controller) Enqueue(ctx context.Context, req broker.EnqueueRequest) (types.JobID, error) {
	return c.broker.Enqueue(ctx, req)
}

// GetJob 查詢任務
func (c *Controller) GetJob(ctx context.Context, jobID types.JobID) (*types.Job, error) {
	return c.broker.GetJob(ctx, jobID)
}

// Stats 各狀態任務數
func (c *Controller) Stats(ctx context.Context) (broker.Stats, error) {
	return c.broker.Stats(ctx)
}

// Status 取得系統狀態
func (c *Controller) Status(ctx context.Context) (Status, error) {
	st, err := c.broker.Stats(ctx)
	if err != nil {
		return Status{}, err
	}

	c.mu.Lock()
	var uptime time.Duration
	if c.started {
		uptime = time.Since(c.startTime)
	}
	c.mu.Unlock()

	return Status{Uptime: uptime, Workers: c.workerCount(), Stats: st}, nil
}

// Broker 回傳底層 broker（供 gRPC server 使用）
func (c *Controller) Broker() broker.Broker {
	return c.broker
}

func (c *Controller) workerCount() int {
	if c.pool == nil {
		return 0
	}
	return c.config.WorkerCount
}
