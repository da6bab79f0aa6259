package wal

import (
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/mailq/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// EventType defines WAL event types, one per broker transition
type EventType string

const (
	EventEnqueue EventType = "ENQUEUE" // Job created in QUEUED
	EventLease   EventType = "LEASE"   // Job leased by a worker
	EventExtend  EventType = "EXTEND"  // Lease expiry pushed forward
	EventAck     EventType = "ACK"     // Delivery succeeded
	EventRetry   EventType = "RETRY"   // Transient failure, retry scheduled
	EventFail    EventType = "FAIL"    // Terminal failure
	EventReclaim EventType = "RECLAIM" // Expired lease returned to the queue
)

// Event represents a WAL event record.
// Job holds the full job record after the transition, so replay is an upsert
// and applying the same event twice is harmless.
type Event struct {
	Seq       uint64          `json:"seq"`       // Event sequence number (monotonically increasing)
	Type      EventType       `json:"type"`      // Event type
	JobID     types.JobID     `json:"job_id"`    // Job ID
	Job       json.RawMessage `json:"job"`       // Encoded types.Job
	Timestamp int64           `json:"timestamp"` // Unix millisecond timestamp
	Checksum  uint32          `json:"checksum"`  // CRC32 checksum
}

// DecodeJob decodes the job record carried by the event.
func (e Event) DecodeJob() (*types.Job, error) {
	var job types.Job
	if err := json.Unmarshal(e.Job, &job); err != nil {
		return nil, fmt.Errorf("wal: decode job at seq=%d: %w", e.Seq, err)
	}
	return &job, nil
}

// EventHandler is the function type for processing WAL events.
// Used during Replay to apply events to system state; a returned error aborts the replay.
type EventHandler func(event Event) error
