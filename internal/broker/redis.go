package broker

// ============================================================================
// RedisBroker - 多行程共用的 Redis 佇列
// ============================================================================
//
// 鍵配置（prefix 預設 "mailq"）:
//   <prefix>:job:<id>  STRING  任務 JSON
//   <prefix>:pending   ZSET    可租用的任務，score = created_at (µs)
//                              同分時 Redis 依 member（id）字典序排列，正好是 FIFO 的次序
//   <prefix>:delayed   ZSET    RETRY_SCHEDULED，score = next_eligible_at (µs)
//   <prefix>:created   HASH    非終態任務的 created_at (µs)，搬移到 pending 時當作 score
//   <prefix>:leased    ZSET    LEASED，score = lease_expires_at (µs)
//   <prefix>:states    HASH    各狀態計數
//
// 每次轉換都 WATCH 任務鍵，在 MULTI/EXEC 中同時更新任務與索引；
// 被其他行程搶先修改時 EXEC 失敗（TxFailedErr），重新讀取後再判斷。
// Lease 先用 Lua 把到期的 delayed 任務搬到 pending，因此輪詢不會逐一讀取尚未到期的重試。
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ChuLiYu/mailq/pkg/types"
	"github.com/redis/go-redis/v9"
)

const (
	redisScanBatch    = 100
	redisPromoteBatch = 1000
	redisMaxTxRetry   = 5
	defaultKeyPrefix  = "mailq"
)

// promoteDueScript 把 next_eligible_at <= now 的重試任務移到 pending
//
// KEYS: delayed, pending, created
// ARGV: now (µs), limit
var promoteDueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[1], id)
	local created = redis.call('HGET', KEYS[3], id)
	if created then
		redis.call('ZADD', KEYS[2], created, id)
	end
end
return #due
`)

// errSkip 候選任務已不可租用，換下一個
var errSkip = errors.New("candidate not eligible")

// RedisBroker 以 Redis 為儲存的 broker
type RedisBroker struct {
	rdb    redis.UniversalClient
	prefix string
	opts   options
}

var _ Broker = (*RedisBroker)(nil)

// NewRedisBroker 建立 Redis broker；Close 會一併關閉 rdb
func NewRedisBroker(rdb redis.UniversalClient, prefix string, opts ...Option) *RedisBroker {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisBroker{rdb: rdb, prefix: prefix, opts: buildOptions(opts)}
}

func (b *RedisBroker) jobKey(id types.JobID) string { return b.prefix + ":job:" + string(id) }
func (b *RedisBroker) pendingKey() string           { return b.prefix + ":pending" }
func (b *RedisBroker) delayedKey() string           { return b.prefix + ":delayed" }
func (b *RedisBroker) createdKey() string           { return b.prefix + ":created" }
func (b *RedisBroker) leasedKey() string            { return b.prefix + ":leased" }
func (b *RedisBroker) statesKey() string            { return b.prefix + ":states" }

// Ping 確認連線可用
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// ============================================================================
// Broker 介面實作
// ============================================================================

func (b *RedisBroker) Enqueue(ctx context.Context, req EnqueueRequest) (types.JobID, error) {
	job, err := newJob(&b.opts, req)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}

	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, b.jobKey(job.ID), data, 0)
		b.reindex(ctx, pipe, nil, job)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("redis enqueue: %w", err)
	}

	b.opts.notify(TransitionEnqueue, job)
	return job.ID, nil
}

func (b *RedisBroker) Lease(ctx context.Context, workerID string, visibility time.Duration) (*types.Job, error) {
	if err := validateLease(workerID, visibility); err != nil {
		return nil, err
	}
	if _, err := b.ReclaimExpired(ctx); err != nil {
		return nil, err
	}

	if err := b.promoteDue(ctx); err != nil {
		return nil, err
	}

	// 每輪都從頭讀取，範圍隨已嘗試的數量擴大：
	// 其他 worker 同時移除成員時不會跳過任何候選
	tried := make(map[string]bool)
	for {
		ids, err := b.rdb.ZRange(ctx, b.pendingKey(), 0, int64(len(tried))+redisScanBatch-1).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan pending: %w", err)
		}

		fresh := 0
		for _, id := range ids {
			if tried[id] {
				continue
			}
			tried[id] = true
			fresh++

			job, _, err := b.update(ctx, types.JobID(id), func(job *types.Job, now time.Time) (Transition, error) {
				if !job.Eligible(now) {
					return "", errSkip
				}
				applyLease(job, workerID, b.opts.newToken(), visibility, now)
				return TransitionLease, nil
			})
			switch {
			case err == nil:
				return job, nil
			case errors.Is(err, errSkip), errors.Is(err, ErrJobNotFound), errors.Is(err, redis.TxFailedErr):
				continue
			default:
				return nil, err
			}
		}
		if fresh == 0 {
			return nil, nil
		}
	}
}

// promoteDue 把到期的重試任務搬到 pending
func (b *RedisBroker) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(b.opts.now().UnixMicro(), 10)
	keys := []string{b.delayedKey(), b.pendingKey(), b.createdKey()}
	for {
		n, err := promoteDueScript.Run(ctx, b.rdb, keys, now, redisPromoteBatch).Int()
		if err != nil {
			return fmt.Errorf("redis promote due retries: %w", err)
		}
		if n < redisPromoteBatch {
			return nil
		}
	}
}

func (b *RedisBroker) Ack(ctx context.Context, jobID types.JobID, leaseToken string, outcome types.Outcome) error {
	_, _, err := b.update(ctx, jobID, func(job *types.Job, now time.Time) (Transition, error) {
		if err := checkLease(job, leaseToken, now); err != nil {
			if leaseExpired(job, now) {
				return applyReclaim(job, now), err
			}
			return "", err
		}
		return applyOutcome(job, outcome, now)
	})
	return err
}

func (b *RedisBroker) Extend(ctx context.Context, jobID types.JobID, leaseToken string, visibility time.Duration) error {
	if visibility <= 0 {
		return fmt.Errorf("%w: visibility timeout must be positive, got %s", ErrInvalidInput, visibility)
	}
	_, _, err := b.update(ctx, jobID, func(job *types.Job, now time.Time) (Transition, error) {
		if err := checkLease(job, leaseToken, now); err != nil {
			if leaseExpired(job, now) {
				return applyReclaim(job, now), err
			}
			return "", err
		}
		applyExtend(job, visibility, now)
		return TransitionExtend, nil
	})
	return err
}

func (b *RedisBroker) GetJob(ctx context.Context, jobID types.JobID) (*types.Job, error) {
	raw, err := b.rdb.Get(ctx, b.jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get job: %w", err)
	}
	var job types.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return &job, nil
}

func (b *RedisBroker) ReclaimExpired(ctx context.Context) (int, error) {
	max := strconv.FormatInt(b.opts.now().UnixMicro(), 10)
	ids, err := b.rdb.ZRangeByScore(ctx, b.leasedKey(), &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis scan leased: %w", err)
	}

	reclaimed := 0
	for _, id := range ids {
		job, _, err := b.update(ctx, types.JobID(id), func(job *types.Job, now time.Time) (Transition, error) {
			if !leaseExpired(job, now) {
				return "", errSkip
			}
			return applyReclaim(job, now), nil
		})
		switch {
		case err == nil:
			reclaimed++
			b.opts.logger.Info("reclaimed expired lease", "job_id", job.ID, "state", job.State, "attempt", job.AttemptCount)
		case errors.Is(err, errSkip), errors.Is(err, ErrJobNotFound), errors.Is(err, redis.TxFailedErr):
		default:
			return reclaimed, err
		}
	}
	return reclaimed, nil
}

func (b *RedisBroker) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	counts, err := b.rdb.HGetAll(ctx, b.statesKey()).Result()
	if err != nil {
		return s, fmt.Errorf("redis stats: %w", err)
	}
	for state, raw := range counts {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return s, fmt.Errorf("redis stats %s=%q: %w", state, raw, err)
		}
		s.add(types.JobState(state), n)
	}
	return s, nil
}

func (b *RedisBroker) Close() error {
	return b.rdb.Close()
}

// ============================================================================
// 內部輔助方法
// ============================================================================

// mutateFunc 修改任務並回傳轉換種類；空字串表示不寫入。
// 同時回傳轉換與錯誤時，先提交轉換再把錯誤交給呼叫者（例如回收後回報 LeaseLost）。
type mutateFunc func(job *types.Job, now time.Time) (Transition, error)

// update 以 WATCH/MULTI 對單一任務做樂觀交易
func (b *RedisBroker) update(ctx context.Context, id types.JobID, fn mutateFunc) (*types.Job, Transition, error) {
	key := b.jobKey(id)

	for i := 0; i < redisMaxTxRetry; i++ {
		var (
			committed  *types.Job
			transition Transition
			fnErr      error
		)

		err := b.rdb.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %s", ErrJobNotFound, id)
			}
			if err != nil {
				return err
			}

			var current types.Job
			if err := json.Unmarshal(raw, &current); err != nil {
				return fmt.Errorf("decode job %s: %w", id, err)
			}

			job := current.Clone()
			transition, fnErr = fn(job, b.opts.now())
			if transition == "" {
				return nil
			}

			data, err := json.Marshal(job)
			if err != nil {
				return fmt.Errorf("encode job %s: %w", id, err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				b.reindex(ctx, pipe, &current, job)
				return nil
			})
			if err == nil {
				committed = job
			}
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		if committed != nil {
			b.opts.notify(transition, committed)
		}
		return committed, transition, fnErr
	}
	return nil, "", fmt.Errorf("job %s: %w", id, redis.TxFailedErr)
}

// reindex 在交易中更新 pending / leased 索引與狀態計數
func (b *RedisBroker) reindex(ctx context.Context, pipe redis.Pipeliner, old, job *types.Job) {
	id := string(job.ID)
	if old != nil {
		switch old.State {
		case types.StateQueued:
			pipe.ZRem(ctx, b.pendingKey(), id)
		case types.StateRetryScheduled:
			// 可能已被搬到 pending
			pipe.ZRem(ctx, b.delayedKey(), id)
			pipe.ZRem(ctx, b.pendingKey(), id)
		case types.StateLeased:
			pipe.ZRem(ctx, b.leasedKey(), id)
		}
	}

	created := job.CreatedAt.UnixMicro()
	switch job.State {
	case types.StateQueued:
		pipe.ZAdd(ctx, b.pendingKey(), redis.Z{Score: float64(created), Member: id})
	case types.StateRetryScheduled:
		pipe.ZAdd(ctx, b.delayedKey(), redis.Z{Score: float64(job.NextEligibleAt.UnixMicro()), Member: id})
	case types.StateLeased:
		pipe.ZAdd(ctx, b.leasedKey(), redis.Z{Score: float64(job.LeaseExpiresAt.UnixMicro()), Member: id})
	}
	if old == nil {
		pipe.HSet(ctx, b.createdKey(), id, created)
	} else if job.State.IsTerminal() {
		pipe.HDel(ctx, b.createdKey(), id)
	}

	if old != nil && old.State == job.State {
		return
	}
	if old != nil {
		pipe.HIncrBy(ctx, b.statesKey(), string(old.State), -1)
	}
	pipe.HIncrBy(ctx, b.statesKey(), string(job.State), 1)
}
