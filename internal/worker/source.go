// ============================================================================
// mailq Job Source Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Defines where workers lease jobs from and report outcomes to.
//
//   - Standalone / master mode: the local broker.Broker (memory, redis, postgres).
//   - Worker mode: rpc.Client talking to the master's broker over gRPC.
//
// Both satisfy JobSource, so the pool never knows which one it runs against.
// ============================================================================

package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/mailq/pkg/types"
)

// JobSource is the subset of broker.Broker that workers need.
type JobSource interface {
	// Lease returns the oldest eligible job, or nil when there is none.
	Lease(ctx context.Context, workerID string, visibility time.Duration) (*types.Job, error)

	// Ack reports how an attempt ended. broker.ErrLeaseLost means the lease
	// expired or was reclaimed and the outcome was discarded.
	Ack(ctx context.Context, jobID types.JobID, leaseToken string, outcome types.Outcome) error

	// Extend pushes the expiry of a live lease (heartbeat).
	Extend(ctx context.Context, jobID types.JobID, leaseToken string, visibility time.Duration) error
}
