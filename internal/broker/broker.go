// ============================================================================
// mailq Broker - 任務佇列抽象
// ============================================================================
//
// Package: internal/broker
// 功能: 持有所有任務紀錄，負責入隊、租用、確認、延長租約與回收過期租約
//
// 任務狀態轉換:
//
//	QUEUED ──Lease──▶ LEASED ──Ack(success)──▶ SUCCEEDED
//	                    │
//	                    ├──Ack(retry)──▶ RETRY_SCHEDULED ──(到期後 Lease)──▶ LEASED
//	                    ├──Ack(permanent) / 次數耗盡──▶ FAILED
//	                    └──租約過期──▶ 回到租用前狀態（最後一次嘗試則 FAILED）
//
// 後端實作:
//   - MemoryBroker   : 互斥鎖保護的任務表，可掛 WAL 與快照
//   - RedisBroker    : WATCH/MULTI 樂觀交易
//   - PostgresBroker : SELECT ... FOR UPDATE SKIP LOCKED
//
// 所有後端共用 transition.go 中的純函式，保證狀態機行為一致。
// ============================================================================

package broker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ChuLiYu/mailq/pkg/types"
	"github.com/google/uuid"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrInvalidInput 入隊或租用參數不合法（例如 destination 為空）
	ErrInvalidInput = errors.New("invalid input")
	// ErrJobNotFound 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// ErrLeaseLost 租約已過期、已被回收或 token 不符
	ErrLeaseLost = errors.New("lease lost")
	// ErrClosed broker 已關閉
	ErrClosed = errors.New("broker closed")
)

// ============================================================================
// 介面與資料結構
// ============================================================================

// Broker 是 worker、gateway 與 controller 共用的佇列介面
type Broker interface {
	// Enqueue 建立 QUEUED 任務並回傳其 ID
	Enqueue(ctx context.Context, req EnqueueRequest) (types.JobID, error)
	// Lease 租用最早的可執行任務；沒有任務時回傳 (nil, nil)
	Lease(ctx context.Context, workerID string, visibility time.Duration) (*types.Job, error)
	// Ack 回報一次嘗試的結果
	Ack(ctx context.Context, jobID types.JobID, leaseToken string, outcome types.Outcome) error
	// Extend 延長仍有效的租約
	Extend(ctx context.Context, jobID types.JobID, leaseToken string, visibility time.Duration) error
	// GetJob 取得任務的拷貝
	GetJob(ctx context.Context, jobID types.JobID) (*types.Job, error)
	// ReclaimExpired 回收所有過期租約，回傳處理的任務數
	ReclaimExpired(ctx context.Context) (int, error)
	// Stats 回傳各狀態的任務數量
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// EnqueueRequest 入隊參數，MaxAttempts 為 0 時使用預設值
type EnqueueRequest struct {
	Destination string `json:"destination"`
	Payload     []byte `json:"payload"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
}

// Stats 各狀態任務數量
type Stats struct {
	Queued         int `json:"queued"`
	Leased         int `json:"leased"`
	RetryScheduled int `json:"retry_scheduled"`
	Succeeded      int `json:"succeeded"`
	Failed         int `json:"failed"`
}

// Total 回傳任務總數
func (s Stats) Total() int {
	return s.Queued + s.Leased + s.RetryScheduled + s.Succeeded + s.Failed
}

// ByState 以狀態為鍵回傳數量
func (s Stats) ByState() map[types.JobState]int {
	return map[types.JobState]int{
		types.StateQueued:         s.Queued,
		types.StateLeased:         s.Leased,
		types.StateRetryScheduled: s.RetryScheduled,
		types.StateSucceeded:      s.Succeeded,
		types.StateFailed:         s.Failed,
	}
}

func (s *Stats) add(state types.JobState, n int) {
	switch state {
	case types.StateQueued:
		s.Queued += n
	case types.StateLeased:
		s.Leased += n
	case types.StateRetryScheduled:
		s.RetryScheduled += n
	case types.StateSucceeded:
		s.Succeeded += n
	case types.StateFailed:
		s.Failed += n
	}
}

// ============================================================================
// 狀態轉換觀察
// ============================================================================

// Transition 標記一次狀態轉換的種類
type Transition string

const (
	TransitionEnqueue Transition = "enqueue"
	TransitionLease   Transition = "lease"
	TransitionExtend  Transition = "extend"
	TransitionSucceed Transition = "succeed"
	TransitionRetry   Transition = "retry"
	TransitionFail    Transition = "fail"
	TransitionReclaim Transition = "reclaim"
)

// Observer 在每次狀態轉換提交後被呼叫，job 為轉換後的拷貝
type Observer interface {
	ObserveTransition(t Transition, job *types.Job)
}

// ObserverFunc 函式形式的 Observer
type ObserverFunc func(t Transition, job *types.Job)

func (f ObserverFunc) ObserveTransition(t Transition, job *types.Job) { f(t, job) }

// ============================================================================
// 共用選項
// ============================================================================

type options struct {
	now                func() time.Time
	newID              func() types.JobID
	newToken           func() string
	defaultMaxAttempts int
	observers          []Observer
	logger             *slog.Logger
}

// Option 設定 broker 行為
type Option func(*options)

// WithClock 替換時間來源（測試用）
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithIDGenerator 替換任務 ID 產生器
func WithIDGenerator(gen func() types.JobID) Option {
	return func(o *options) { o.newID = gen }
}

// WithDefaultMaxAttempts 設定未指定 max_attempts 時的預設值
func WithDefaultMaxAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.defaultMaxAttempts = n
		}
	}
}

// WithObserver 註冊狀態轉換觀察者（例如 metrics collector）
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

// WithLogger 設定 logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		now:                time.Now,
		newID:              NewJobID,
		newToken:           newLeaseToken,
		defaultMaxAttempts: types.DefaultMaxAttempts,
		logger:             slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o *options) notify(t Transition, job *types.Job) {
	for _, obs := range o.observers {
		obs.ObserveTransition(t, job.Clone())
	}
}

// NewJobID 產生依時間排序的 UUIDv7 任務 ID
func NewJobID() types.JobID {
	id, err := uuid.NewV7()
	if err != nil {
		return types.JobID(uuid.NewString())
	}
	return types.JobID(id.String())
}

func newLeaseToken() string {
	return uuid.NewString()
}
