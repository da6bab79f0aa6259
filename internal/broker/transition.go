package broker

// ============================================================================
// 狀態機純函式
// 所有後端都在各自的臨界區（mutex / WATCH / row lock）內呼叫這些函式，
// 函式本身不做 I/O，只修改傳入的任務。
// ============================================================================

import (
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/mailq/pkg/types"
)

// newJob 驗證入隊參數並建立 QUEUED 任務
func newJob(o *options, req EnqueueRequest) (*types.Job, error) {
	if strings.TrimSpace(req.Destination) == "" {
		return nil, fmt.Errorf("%w: destination is empty", ErrInvalidInput)
	}
	if req.MaxAttempts < 0 {
		return nil, fmt.Errorf("%w: max_attempts must be positive, got %d", ErrInvalidInput, req.MaxAttempts)
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = o.defaultMaxAttempts
	}

	now := o.now()
	return &types.Job{
		ID:          o.newID(),
		Destination: req.Destination,
		Payload:     append([]byte{}, req.Payload...), // 非 nil：postgres 的 payload 欄位為 NOT NULL
		State:       types.StateQueued,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func validateLease(workerID string, visibility time.Duration) error {
	if workerID == "" {
		return fmt.Errorf("%w: worker id is empty", ErrInvalidInput)
	}
	if visibility <= 0 {
		return fmt.Errorf("%w: visibility timeout must be positive, got %s", ErrInvalidInput, visibility)
	}
	return nil
}

// leaseExpired 回報 LEASED 任務的租約在 now 時是否已過期
func leaseExpired(job *types.Job, now time.Time) bool {
	return job.State == types.StateLeased && !now.Before(job.LeaseExpiresAt)
}

// applyLease 將可執行任務轉為 LEASED，並代表 worker 增加 attempt_count
func applyLease(job *types.Job, workerID, token string, visibility time.Duration, now time.Time) {
	job.LeasedFrom = job.State
	job.State = types.StateLeased
	job.AttemptCount++
	job.LeaseOwner = workerID
	job.LeaseToken = token
	job.LeaseExpiresAt = now.Add(visibility)
	job.UpdatedAt = now
}

// checkLease 確認 token 對應目前仍有效的租約
//
// 呼叫者在得到 ErrLeaseLost 且 leaseExpired 為真時，應順手回收該任務。
func checkLease(job *types.Job, token string, now time.Time) error {
	if job.State != types.StateLeased || token == "" || job.LeaseToken != token {
		return fmt.Errorf("%w: job %s has no live lease for this token", ErrLeaseLost, job.ID)
	}
	if leaseExpired(job, now) {
		return fmt.Errorf("%w: lease on job %s expired at %s", ErrLeaseLost, job.ID, job.LeaseExpiresAt.Format(time.RFC3339Nano))
	}
	return nil
}

// applyExtend 延長租約
func applyExtend(job *types.Job, visibility time.Duration, now time.Time) {
	job.LeaseExpiresAt = now.Add(visibility)
	job.UpdatedAt = now
}

// applyOutcome 依結果轉換 LEASED 任務，回傳轉換種類
func applyOutcome(job *types.Job, outcome types.Outcome, now time.Time) (Transition, error) {
	var t Transition

	switch outcome.Kind {
	case types.OutcomeSuccess:
		job.State = types.StateSucceeded
		job.LastError = nil
		t = TransitionSucceed

	case types.OutcomeRetry:
		if job.AttemptCount >= job.MaxAttempts {
			job.State = types.StateFailed
			job.LastError = &types.JobError{
				Class:   types.ClassRetriesExhausted,
				Message: withAttempts(outcome.Reason, job),
			}
			t = TransitionFail
			break
		}
		delay := outcome.Delay
		if delay < 0 {
			delay = 0
		}
		job.State = types.StateRetryScheduled
		job.NextEligibleAt = now.Add(delay)
		job.LastError = &types.JobError{Class: types.ClassTransient, Message: outcome.Reason}
		t = TransitionRetry

	case types.OutcomePermanentFailure:
		job.State = types.StateFailed
		job.LastError = &types.JobError{Class: types.ClassPermanent, Message: outcome.Reason}
		t = TransitionFail

	default:
		return "", fmt.Errorf("%w: unknown outcome %q", ErrInvalidInput, outcome.Kind)
	}

	clearLease(job)
	job.UpdatedAt = now
	return t, nil
}

// applyReclaim 處理過期租約：回到租用前狀態，最後一次嘗試則 FAILED
func applyReclaim(job *types.Job, now time.Time) Transition {
	t := TransitionReclaim

	if job.AttemptCount >= job.MaxAttempts {
		job.State = types.StateFailed
		job.LastError = &types.JobError{
			Class:   types.ClassLeaseExpired,
			Message: fmt.Sprintf("lease held by %s expired on final attempt %d/%d", job.LeaseOwner, job.AttemptCount, job.MaxAttempts),
		}
		t = TransitionFail
	} else {
		switch job.LeasedFrom {
		case types.StateRetryScheduled:
			job.State = types.StateRetryScheduled
		default:
			job.State = types.StateQueued
		}
	}

	clearLease(job)
	job.UpdatedAt = now
	return t
}

func clearLease(job *types.Job) {
	job.LeaseOwner = ""
	job.LeaseToken = ""
	job.LeaseExpiresAt = time.Time{}
	job.LeasedFrom = ""
}

func withAttempts(reason string, job *types.Job) string {
	if reason == "" {
		return fmt.Sprintf("gave up after %d attempts", job.AttemptCount)
	}
	return fmt.Sprintf("gave up after %d attempts: %s", job.AttemptCount, reason)
}
