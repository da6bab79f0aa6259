// ============================================================================
// mailq Worker Pool - 並發投遞執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期
//
// 設計模式:
//   每個 Worker 自己向 JobSource 租用任務（pull 模式），
//   不再由 controller 派發；broker 負責互斥，Pool 只負責啟停。
//
//   ┌─────────────┐      Lease / Ack / Extend
//   │   Pool      │ ─────────────────────────▶ JobSource (broker 或 gRPC)
//   │  ┌────────┐ │
//   │  │Worker 1│ │ ──Deliver──▶ delivery.Client
//   │  │Worker 2│ │
//   │  │Worker N│ │
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 建立 Pool，補齊設定預設值
//   2. Start(n) - 啟動 n 個 Worker goroutines
//   3. Stop()   - 停止租用新任務，等待進行中的嘗試 ack 完畢
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/mailq/internal/delivery"
	"github.com/ChuLiYu/mailq/internal/retry"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示 Pool 已停止，無法再啟動
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolStarted 表示 Pool 已啟動
	ErrPoolStarted = errors.New("worker pool already started")
)

// ============================================================================
// 設定
// ============================================================================

// Config 控制 Worker 行為
type Config struct {
	NodeID            string        // worker id 前綴，預設 "worker"
	VisibilityTimeout time.Duration // 租約長度
	HeartbeatInterval time.Duration // 延長租約的間隔，預設 VisibilityTimeout/3
	PollInterval      time.Duration // 沒有任務時的等待時間
	DeliveryTimeout   time.Duration // 單次投遞上限，預設等於 VisibilityTimeout
	Retry             *retry.Policy // 暫時失敗的退避策略
	OnResult          func(Result)  // 每次嘗試結束後呼叫（可為 nil）
	Logger            *slog.Logger
}

// DefaultConfig 回傳預設設定
func DefaultConfig() Config {
	return Config{
		NodeID:            "worker",
		VisibilityTimeout: 30 * time.Second,
		PollInterval:      500 * time.Millisecond,
		Retry:             retry.DefaultPolicy(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.NodeID == "" {
		c.NodeID = d.NodeID
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = d.VisibilityTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.VisibilityTimeout / 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = c.VisibilityTimeout
	}
	if c.Retry == nil {
		c.Retry = d.Retry
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	source  JobSource
	client  delivery.Client
	cfg     Config
	workers []*Worker
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
	mu      sync.Mutex // 保護 started / stopped / workers
}

// NewPool 建立新的 Worker Pool
func NewPool(source JobSource, client delivery.Client, cfg Config) *Pool {
	return &Pool{
		source:  source,
		client:  client,
		cfg:     cfg.withDefaults(),
		workers: make([]*Worker, 0),
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolStarted
	}
	if workerCount <= 0 {
		return fmt.Errorf("worker count must be positive, got %d", workerCount)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	for i := 0; i < workerCount; i++ {
		w := newWorker(fmt.Sprintf("%s-%d", p.cfg.NodeID, i), p.source, p.client, p.cfg)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}

	p.started = true
	p.cfg.Logger.Info("worker pool started",
		"workers", workerCount, "visibility_timeout", p.cfg.VisibilityTimeout, "poll_interval", p.cfg.PollInterval)
	return nil
}

// Stop 優雅地關閉 Worker Pool
//
// 關閉流程：
//  1. 取消 context，Worker 不再租用新任務
//  2. 進行中的嘗試照常完成並 ack
//  3. 等待所有 Worker 退出
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	p.cfg.Logger.Info("worker pool stopped")
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
