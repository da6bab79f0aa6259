// ============================================================================
// mailq Worker - Delivery Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: One poll-lease-deliver-ack loop, each Worker runs in its own goroutine
//
// How it works:
//   1. Lease the oldest eligible job from the JobSource
//      (sleep PollInterval when there is none)
//   2. Deliver it through the delivery.Client with a per-attempt timeout,
//      while a heartbeat extends the lease every VisibilityTimeout/3
//   3. Classify the result into an Outcome and Ack it
//   4. Repeat until the pool's context is cancelled
//
// Execution Model:
//   ┌──────────────────────────────────────┐
//   │  Worker Goroutine                    │
//   │  ┌───────────────────────────────┐   │
//   │  │ for ctx not done              │   │
//   │  │   ├─ Lease                    │   │
//   │  │   ├─ Deliver  ◀── heartbeat   │   │
//   │  │   ├─ Classify → Outcome       │   │
//   │  │   └─ Ack                      │   │
//   │  └───────────────────────────────┘   │
//   └──────────────────────────────────────┘
//
// Cancellation:
//   Stop only stops polling. An attempt that already started runs to
//   completion (bounded by DeliveryTimeout) and is acked, so its context is
//   detached from the pool's with context.WithoutCancel.
//
// Error Handling:
//   - Permanent delivery errors → PermanentFailure
//   - Anything else, including timeouts and panics → Retry(policy.Next(attempt))
//   - LeaseLost on ack is logged and counted, never retried
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/mailq/internal/broker"
	"github.com/ChuLiYu/mailq/internal/delivery"
	"github.com/ChuLiYu/mailq/pkg/types"
)

// ackTimeout bounds a single Ack / Extend call.
const ackTimeout = 10 * time.Second

// Worker represents one execution unit
type Worker struct {
	id     string // Worker identifier, recorded as the lease owner
	source JobSource
	client delivery.Client
	cfg    Config
	log    *slog.Logger
}

// newWorker creates a new Worker instance
func newWorker(id string, source JobSource, client delivery.Client, cfg Config) *Worker {
	return &Worker{
		id:     id,
		source: source,
		client: client,
		cfg:    cfg,
		log:    cfg.Logger.With("worker", id),
	}
}

// Run is the main loop of Worker
func (w *Worker) Run(ctx context.Context) {
	w.log.Debug("worker started")
	defer w.log.Debug("worker stopped")

	for ctx.Err() == nil {
		job, err := w.source.Lease(ctx, w.id, w.cfg.VisibilityTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("lease failed", "error", err)
			w.sleep(ctx)
			continue
		}
		if job == nil {
			w.sleep(ctx)
			continue
		}

		result := w.process(ctx, job)
		if w.cfg.OnResult != nil {
			w.cfg.OnResult(result)
		}
	}
}

// process runs one attempt of a leased job and acks it
func (w *Worker) process(parent context.Context, job *types.Job) Result {
	base := context.WithoutCancel(parent)
	log := w.log.With("job_id", job.ID, "attempt", job.AttemptCount)

	stopHeartbeat := w.startHeartbeat(base, job, log)

	attemptCtx, cancel := context.WithTimeout(base, w.cfg.DeliveryTimeout)
	start := time.Now()
	err := w.deliver(attemptCtx, job)
	duration := time.Since(start)
	cancel()
	stopHeartbeat()

	outcome := w.classify(job, err)
	result := Result{
		WorkerID: w.id,
		JobID:    job.ID,
		Attempt:  job.AttemptCount,
		Outcome:  outcome,
		Err:      err,
		Duration: duration,
	}

	ackCtx, cancelAck := context.WithTimeout(base, ackTimeout)
	defer cancelAck()

	if ackErr := w.source.Ack(ackCtx, job.ID, job.LeaseToken, outcome); ackErr != nil {
		result.AckErr = ackErr
		if errors.Is(ackErr, broker.ErrLeaseLost) {
			result.LeaseLost = true
			log.Warn("lease lost before ack, outcome discarded", "outcome", outcome.Kind)
		} else {
			log.Error("ack failed, job will be reclaimed after its lease expires", "error", ackErr)
		}
		return result
	}

	switch outcome.Kind {
	case types.OutcomeSuccess:
		log.Info("delivered", "destination", job.Destination, "duration", duration)
	case types.OutcomeRetry:
		log.Warn("delivery failed, retry scheduled", "error", err, "delay", outcome.Delay)
	default:
		log.Error("delivery failed permanently", "error", err)
	}
	return result
}

// deliver calls the client and turns a panic into a transient failure
func (w *Worker) deliver(ctx context.Context, job *types.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = delivery.Transient(fmt.Errorf("delivery client panicked: %v", r))
		}
	}()
	return w.client.Deliver(ctx, job.Destination, job.Payload)
}

// classify maps a delivery error to the Outcome reported to the broker.
// The broker decides terminality from attempt_count and max_attempts.
func (w *Worker) classify(job *types.Job, err error) types.Outcome {
	if err == nil {
		return types.Success()
	}
	if delivery.IsPermanent(err) {
		return types.PermanentFailure(err.Error())
	}
	return types.Retry(w.cfg.Retry.Next(job.AttemptCount), err.Error())
}

// startHeartbeat extends the lease every HeartbeatInterval until the
// returned stop function is called
func (w *Worker) startHeartbeat(ctx context.Context, job *types.Job, log *slog.Logger) (stop func()) {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				callCtx, cancelCall := context.WithTimeout(hbCtx, ackTimeout)
				err := w.source.Extend(callCtx, job.ID, job.LeaseToken, w.cfg.VisibilityTimeout)
				cancelCall()

				switch {
				case err == nil:
				case errors.Is(err, broker.ErrLeaseLost):
					log.Warn("lease lost during delivery, heartbeat stopped")
					return
				case hbCtx.Err() != nil:
					return
				default:
					log.Warn("lease heartbeat failed", "error", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (w *Worker) sleep(ctx context.Context) {
	t := time.NewTimer(w.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
