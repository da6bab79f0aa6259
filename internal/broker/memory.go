package broker

// ============================================================================
// MemoryBroker - 單一行程內的任務表
// ============================================================================
//
// 數據結構設計:
//   jobs map[JobID]*Job - 主存儲，單一真實來源
//   輔助索引:
//   - queue  []JobID - QUEUED 與 RETRY_SCHEDULED 任務，依 (created_at, id) 排序
//   - leased map     - LEASED 任務，回收過期租約時只需掃描這裡
//
// 持久化（可選）:
//   每次轉換先寫入 Journal（WAL），成功後才修改記憶體狀態；
//   Checkpoint 在寫鎖內產生快照並旋轉 WAL，兩者不會錯開。
//
// 並發安全:
//   sync.RWMutex 保護所有數據結構；Observer 在鎖內被呼叫，不可回呼 broker。
// ============================================================================

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/mailq/internal/storage/wal"
	"github.com/ChuLiYu/mailq/pkg/types"
)

// Journal 是 MemoryBroker 需要的 WAL 能力，*wal.WAL 直接滿足
type Journal interface {
	Append(eventType wal.EventType, job types.Job) error
	GetLastSeq() uint64
	Rotate() error
}

var journalEvents = map[Transition]wal.EventType{
	TransitionEnqueue: wal.EventEnqueue,
	TransitionLease:   wal.EventLease,
	TransitionExtend:  wal.EventExtend,
	TransitionSucceed: wal.EventAck,
	TransitionRetry:   wal.EventRetry,
	TransitionFail:    wal.EventFail,
	TransitionReclaim: wal.EventReclaim,
}

// MemoryBroker 以互斥鎖保護的記憶體 broker
type MemoryBroker struct {
	mu      sync.RWMutex
	jobs    map[types.JobID]*types.Job
	queue   []types.JobID
	leased  map[types.JobID]*types.Job
	journal Journal
	closed  bool

	opts options
}

var _ Broker = (*MemoryBroker)(nil)

// NewMemoryBroker 建立記憶體 broker；journal 可為 nil（不持久化）
func NewMemoryBroker(journal Journal, opts ...Option) *MemoryBroker {
	return &MemoryBroker{
		jobs:    make(map[types.JobID]*types.Job),
		queue:   make([]types.JobID, 0),
		leased:  make(map[types.JobID]*types.Job),
		journal: journal,
		opts:    buildOptions(opts),
	}
}

// ============================================================================
// Broker 介面實作
// ============================================================================

// Enqueue 建立 QUEUED 任務
func (b *MemoryBroker) Enqueue(ctx context.Context, req EnqueueRequest) (types.JobID, error) {
	job, err := newJob(&b.opts, req)
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", ErrClosed
	}
	if _, exists := b.jobs[job.ID]; exists {
		return "", fmt.Errorf("%w: duplicate job id %s", ErrInvalidInput, job.ID)
	}
	if err := b.commitLocked(TransitionEnqueue, "", job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// Lease 租用最早的可執行任務
func (b *MemoryBroker) Lease(ctx context.Context, workerID string, visibility time.Duration) (*types.Job, error) {
	if err := validateLease(workerID, visibility); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	now := b.opts.now()
	if _, err := b.reclaimLocked(now); err != nil {
		return nil, err
	}

	for _, id := range b.queue {
		current := b.jobs[id]
		if !current.Eligible(now) {
			continue
		}

		job := current.Clone()
		applyLease(job, workerID, b.opts.newToken(), visibility, now)
		if err := b.commitLocked(TransitionLease, current.State, job); err != nil {
			return nil, err
		}
		return job.Clone(), nil
	}
	return nil, nil
}

// Ack 回報一次嘗試的結果
func (b *MemoryBroker) Ack(ctx context.Context, jobID types.JobID, leaseToken string, outcome types.Outcome) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	current, ok := b.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	now := b.opts.now()
	if err := checkLease(current, leaseToken, now); err != nil {
		if leaseExpired(current, now) {
			if rerr := b.reclaimJobLocked(current, now); rerr != nil {
				return rerr
			}
		}
		return err
	}

	job := current.Clone()
	t, err := applyOutcome(job, outcome, now)
	if err != nil {
		return err
	}
	return b.commitLocked(t, current.State, job)
}

// Extend 延長仍有效的租約
func (b *MemoryBroker) Extend(ctx context.Context, jobID types.JobID, leaseToken string, visibility time.Duration) error {
	if visibility <= 0 {
		return fmt.Errorf("%w: visibility timeout must be positive, got %s", ErrInvalidInput, visibility)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	current, ok := b.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	now := b.opts.now()
	if err := checkLease(current, leaseToken, now); err != nil {
		if leaseExpired(current, now) {
			if rerr := b.reclaimJobLocked(current, now); rerr != nil {
				return rerr
			}
		}
		return err
	}

	job := current.Clone()
	applyExtend(job, visibility, now)
	return b.commitLocked(TransitionExtend, current.State, job)
}

// GetJob 取得任務拷貝
func (b *MemoryBroker) GetJob(ctx context.Context, jobID types.JobID) (*types.Job, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	job, ok := b.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return job.Clone(), nil
}

// ReclaimExpired 回收所有過期租約
func (b *MemoryBroker) ReclaimExpired(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrClosed
	}
	return b.reclaimLocked(b.opts.now())
}

// Stats 各狀態任務數量
func (b *MemoryBroker) Stats(ctx context.Context) (Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var s Stats
	for _, job := range b.jobs {
		s.add(job.State, 1)
	}
	return s, nil
}

// Close 停止接受操作；journal 由擁有者關閉
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// ============================================================================
// 快照與恢復
// ============================================================================

// Snapshot 回傳所有任務的深拷貝
func (b *MemoryBroker) Snapshot() types.SnapshotData {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshotLocked()
}

// Checkpoint 在寫鎖內產生快照、交給 persist 寫出，成功後旋轉 journal
//
// 快照的 LastSeq 等於 journal 目前序號，恢復時只需重放之後的事件。
func (b *MemoryBroker) Checkpoint(persist func(types.SnapshotData) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	data := b.snapshotLocked()
	if b.journal != nil {
		data.LastSeq = b.journal.GetLastSeq()
	}
	if err := persist(data); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	if b.journal != nil {
		if err := b.journal.Rotate(); err != nil {
			return fmt.Errorf("rotate journal: %w", err)
		}
	}
	return nil
}

// Restore 以快照內容取代目前狀態並重建索引
func (b *MemoryBroker) Restore(data types.SnapshotData) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.jobs = make(map[types.JobID]*types.Job, len(data.Jobs))
	b.queue = make([]types.JobID, 0)
	b.leased = make(map[types.JobID]*types.Job)

	for id, job := range data.Jobs {
		b.jobs[id] = job.Clone()
		b.indexLocked(b.jobs[id])
	}
}

// ApplyEvent 套用一筆 WAL 事件（重放用，不再寫回 journal）
//
// 事件帶有轉換後的完整任務，因此套用是冪等的 upsert。
func (b *MemoryBroker) ApplyEvent(event wal.Event) error {
	job, err := event.DecodeJob()
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.jobs[job.ID]; ok {
		b.unindexLocked(old)
	}
	b.jobs[job.ID] = job
	b.indexLocked(job)
	return nil
}

func (b *MemoryBroker) snapshotLocked() types.SnapshotData {
	jobs := make(map[types.JobID]*types.Job, len(b.jobs))
	for id, job := range b.jobs {
		jobs[id] = job.Clone()
	}
	return types.SnapshotData{Jobs: jobs}
}

// ============================================================================
// 內部輔助方法（假設調用者已持有寫鎖）
// ============================================================================

// commitLocked 先寫 journal，再替換任務並更新索引
func (b *MemoryBroker) commitLocked(t Transition, prev types.JobState, job *types.Job) error {
	if b.journal != nil {
		if err := b.journal.Append(journalEvents[t], *job); err != nil {
			return fmt.Errorf("journal %s for job %s: %w", t, job.ID, err)
		}
	}

	if old, ok := b.jobs[job.ID]; ok {
		b.unindexLocked(old)
	}
	b.jobs[job.ID] = job
	b.indexLocked(job)

	b.opts.logger.Debug("job transition",
		"job_id", job.ID, "transition", t, "from", prev, "to", job.State, "attempt", job.AttemptCount)
	b.opts.notify(t, job)
	return nil
}

func (b *MemoryBroker) reclaimLocked(now time.Time) (int, error) {
	expired := make([]*types.Job, 0)
	for _, job := range b.leased {
		if leaseExpired(job, now) {
			expired = append(expired, job)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].Before(expired[j]) })

	for i, job := range expired {
		if err := b.reclaimJobLocked(job, now); err != nil {
			return i, err
		}
	}
	return len(expired), nil
}

func (b *MemoryBroker) reclaimJobLocked(current *types.Job, now time.Time) error {
	job := current.Clone()
	t := applyReclaim(job, now)
	b.opts.logger.Info("reclaimed expired lease",
		"job_id", job.ID, "owner", current.LeaseOwner, "state", job.State, "attempt", job.AttemptCount)
	return b.commitLocked(t, current.State, job)
}

func (b *MemoryBroker) indexLocked(job *types.Job) {
	switch job.State {
	case types.StateQueued, types.StateRetryScheduled:
		i := b.queuePos(job)
		b.queue = append(b.queue, "")
		copy(b.queue[i+1:], b.queue[i:])
		b.queue[i] = job.ID
	case types.StateLeased:
		b.leased[job.ID] = job
	}
}

func (b *MemoryBroker) unindexLocked(job *types.Job) {
	switch job.State {
	case types.StateQueued, types.StateRetryScheduled:
		i := b.queuePos(job)
		if i < len(b.queue) && b.queue[i] == job.ID {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
		}
	case types.StateLeased:
		delete(b.leased, job.ID)
	}
}

// queuePos 以二分搜尋找出 job 在 queue 中的位置（created_at 與 id 不會改變）
func (b *MemoryBroker) queuePos(job *types.Job) int {
	return sort.Search(len(b.queue), func(i int) bool {
		return !b.jobs[b.queue[i]].Before(job)
	})
}
