package broker

// ============================================================================
// PostgresBroker - 以 jobs 資料表為真實來源
// ============================================================================
//
// 每個操作都在一個交易內：
//   1. SELECT ... FOR UPDATE（租用時加 SKIP LOCKED，其他 worker 直接跳過被鎖的列）
//   2. 在 Go 中套用 transition.go 的狀態轉換
//   3. UPDATE 寫回整列
//
// 資料表由 migrations/ 下的 goose migration 建立（見 internal/migrate）。
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/mailq/pkg/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const jobColumns = `id, destination, payload, state, attempt_count, max_attempts,
	error_class, error_message, next_eligible_at,
	lease_owner, lease_token, lease_expires_at, leased_from,
	created_at, updated_at`

// leaseCandidateSQL 依 FIFO 取出第一個可執行且未被鎖住的任務
const leaseCandidateSQL = `
SELECT ` + jobColumns + `
FROM jobs
WHERE state = 'QUEUED'
   OR (state = 'RETRY_SCHEDULED' AND next_eligible_at <= $1)
ORDER BY created_at, id
LIMIT 1
FOR UPDATE SKIP LOCKED`

const selectForUpdateSQL = `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1 FOR UPDATE`

const expiredLeasesSQL = `
SELECT ` + jobColumns + `
FROM jobs
WHERE state = 'LEASED' AND lease_expires_at <= $1
ORDER BY lease_expires_at, id
FOR UPDATE SKIP LOCKED`

const insertJobSQL = `
INSERT INTO jobs (` + jobColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

const updateJobSQL = `
UPDATE jobs SET
	state = $2, attempt_count = $3,
	error_class = $4, error_message = $5, next_eligible_at = $6,
	lease_owner = $7, lease_token = $8, lease_expires_at = $9, leased_from = $10,
	updated_at = $11
WHERE id = $1`

// PostgresBroker 以 PostgreSQL 為儲存的 broker
type PostgresBroker struct {
	pool *pgxpool.Pool
	opts options
}

var _ Broker = (*PostgresBroker)(nil)

// NewPostgresBroker 建立 Postgres broker；Close 會關閉 pool
func NewPostgresBroker(pool *pgxpool.Pool, opts ...Option) *PostgresBroker {
	o := buildOptions(opts)
	// timestamptz 只有微秒精度，先截斷避免寫入前後比較不一致
	clock := o.now
	o.now = func() time.Time { return clock().UTC().Truncate(time.Microsecond) }
	return &PostgresBroker{pool: pool, opts: o}
}

// ============================================================================
// Broker 介面實作
// ============================================================================

func (b *PostgresBroker) Enqueue(ctx context.Context, req EnqueueRequest) (types.JobID, error) {
	job, err := newJob(&b.opts, req)
	if err != nil {
		return "", err
	}

	class, message := errorColumns(job)
	_, err = b.pool.Exec(ctx, insertJobSQL,
		job.ID, job.Destination, job.Payload, job.State, job.AttemptCount, job.MaxAttempts,
		class, message, nullTime(job.NextEligibleAt),
		job.LeaseOwner, job.LeaseToken, nullTime(job.LeaseExpiresAt), string(job.LeasedFrom),
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}

	b.opts.notify(TransitionEnqueue, job)
	return job.ID, nil
}

func (b *PostgresBroker) Lease(ctx context.Context, workerID string, visibility time.Duration) (*types.Job, error) {
	if err := validateLease(workerID, visibility); err != nil {
		return nil, err
	}
	if _, err := b.ReclaimExpired(ctx); err != nil {
		return nil, err
	}

	var leased *types.Job
	err := b.inTx(ctx, func(tx pgx.Tx) error {
		now := b.opts.now()
		job, err := scanJob(tx.QueryRow(ctx, leaseCandidateSQL, now))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select lease candidate: %w", err)
		}

		applyLease(job, workerID, b.opts.newToken(), visibility, now)
		if err := writeJob(ctx, tx, job); err != nil {
			return err
		}
		leased = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	if leased != nil {
		b.opts.notify(TransitionLease, leased)
	}
	return leased, nil
}

func (b *PostgresBroker) Ack(ctx context.Context, jobID types.JobID, leaseToken string, outcome types.Outcome) error {
	return b.update(ctx, jobID, func(job *types.Job, now time.Time) (Transition, error) {
		if err := checkLease(job, leaseToken, now); err != nil {
			if leaseExpired(job, now) {
				return applyReclaim(job, now), err
			}
			return "", err
		}
		return applyOutcome(job, outcome, now)
	})
}

func (b *PostgresBroker) Extend(ctx context.Context, jobID types.JobID, leaseToken string, visibility time.Duration) error {
	if visibility <= 0 {
		return fmt.Errorf("%w: visibility timeout must be positive, got %s", ErrInvalidInput, visibility)
	}
	return b.update(ctx, jobID, func(job *types.Job, now time.Time) (Transition, error) {
		if err := checkLease(job, leaseToken, now); err != nil {
			if leaseExpired(job, now) {
				return applyReclaim(job, now), err
			}
			return "", err
		}
		applyExtend(job, visibility, now)
		return TransitionExtend, nil
	})
}

func (b *PostgresBroker) GetJob(ctx context.Context, jobID types.JobID) (*types.Job, error) {
	job, err := scanJob(b.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

func (b *PostgresBroker) ReclaimExpired(ctx context.Context) (int, error) {
	type change struct {
		t   Transition
		job *types.Job
	}
	var changes []change

	err := b.inTx(ctx, func(tx pgx.Tx) error {
		now := b.opts.now()
		rows, err := tx.Query(ctx, expiredLeasesSQL, now)
		if err != nil {
			return fmt.Errorf("select expired leases: %w", err)
		}
		jobs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*types.Job, error) {
			return scanJob(row)
		})
		if err != nil {
			return fmt.Errorf("scan expired leases: %w", err)
		}

		for _, job := range jobs {
			t := applyReclaim(job, now)
			if err := writeJob(ctx, tx, job); err != nil {
				return err
			}
			changes = append(changes, change{t, job})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, c := range changes {
		b.opts.logger.Info("reclaimed expired lease", "job_id", c.job.ID, "state", c.job.State, "attempt", c.job.AttemptCount)
		b.opts.notify(c.t, c.job)
	}
	return len(changes), nil
}

func (b *PostgresBroker) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	rows, err := b.pool.Query(ctx, `SELECT state, count(*) FROM jobs GROUP BY state`)
	if err != nil {
		return s, fmt.Errorf("select stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return s, fmt.Errorf("scan stats: %w", err)
		}
		s.add(types.JobState(state), n)
	}
	return s, rows.Err()
}

func (b *PostgresBroker) Close() error {
	b.pool.Close()
	return nil
}

// ============================================================================
// 內部輔助方法
// ============================================================================

func (b *PostgresBroker) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// update 鎖住單一任務列並套用 fn，語意與 RedisBroker.update 相同
func (b *PostgresBroker) update(ctx context.Context, id types.JobID, fn mutateFunc) error {
	var (
		committed  *types.Job
		transition Transition
		fnErr      error
	)

	err := b.inTx(ctx, func(tx pgx.Tx) error {
		job, err := scanJob(tx.QueryRow(ctx, selectForUpdateSQL, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("select job: %w", err)
		}

		transition, fnErr = fn(job, b.opts.now())
		if transition == "" {
			return nil
		}
		if err := writeJob(ctx, tx, job); err != nil {
			return err
		}
		committed = job
		return nil
	})
	if err != nil {
		return err
	}
	if committed != nil {
		b.opts.notify(transition, committed)
	}
	return fnErr
}

func writeJob(ctx context.Context, tx pgx.Tx, job *types.Job) error {
	class, message := errorColumns(job)
	_, err := tx.Exec(ctx, updateJobSQL,
		job.ID, job.State, job.AttemptCount,
		class, message, nullTime(job.NextEligibleAt),
		job.LeaseOwner, job.LeaseToken, nullTime(job.LeaseExpiresAt), string(job.LeasedFrom),
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	return nil
}

func scanJob(row pgx.Row) (*types.Job, error) {
	var (
		job                  types.Job
		state, leasedFrom    string
		errClass, errMessage *string
		nextEligible, expiry *time.Time
	)
	err := row.Scan(
		&job.ID, &job.Destination, &job.Payload, &state, &job.AttemptCount, &job.MaxAttempts,
		&errClass, &errMessage, &nextEligible,
		&job.LeaseOwner, &job.LeaseToken, &expiry, &leasedFrom,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.State = types.JobState(state)
	job.LeasedFrom = types.JobState(leasedFrom)
	if errClass != nil {
		job.LastError = &types.JobError{Class: types.ErrorClass(*errClass)}
		if errMessage != nil {
			job.LastError.Message = *errMessage
		}
	}
	if nextEligible != nil {
		job.NextEligibleAt = nextEligible.UTC()
	}
	if expiry != nil {
		job.LeaseExpiresAt = expiry.UTC()
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return &job, nil
}

func errorColumns(job *types.Job) (class, message *string) {
	if job.LastError == nil {
		return nil, nil
	}
	c := string(job.LastError.Class)
	m := job.LastError.Message
	return &c, &m
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
