package wal

// ============================================================================
// WAL 測試
// 職責：驗證追加、重放、殘尾容忍、旋轉與序號連續性
// ============================================================================

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/mailq/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJob(id string, state types.JobState) types.Job {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return types.Job{
		ID:          types.JobID(id),
		Destination: id + "@example.com",
		Payload:     []byte("hello"),
		State:       state,
		MaxAttempts: 3,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func openWAL(t *testing.T, path string) *WAL {
	t.Helper()
	w, err := NewWAL(path, DefaultOptions())
	require.NoError(t, err)
	return w
}

func collect(t *testing.T, w *WAL, afterSeq uint64) []Event {
	t.Helper()
	var events []Event
	require.NoError(t, w.Replay(afterSeq, func(e Event) error {
		events = append(events, e)
		return nil
	}))
	return events
}

// ============================================================================
// 基礎功能
// ============================================================================

func TestAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.wal")
	w := openWAL(t, path)
	defer w.Close()

	require.NoError(t, w.Append(EventEnqueue, testJob("a", types.StateQueued)))
	require.NoError(t, w.Append(EventLease, testJob("a", types.StateLeased)))
	require.NoError(t, w.Append(EventAck, testJob("a", types.StateSucceeded)))

	events := collect(t, w, 0)
	require.Len(t, events, 3)
	assert.Equal(t, []EventType{EventEnqueue, EventLease, EventAck},
		[]EventType{events[0].Type, events[1].Type, events[2].Type})

	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Seq)
		job, err := e.DecodeJob()
		require.NoError(t, err)
		assert.Equal(t, types.JobID("a"), job.ID)
		assert.Equal(t, []byte("hello"), job.Payload)
	}
	assert.Equal(t, uint64(3), w.GetLastSeq())
}

func TestReplaySkipsSnapshottedEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.wal")
	w := openWAL(t, path)
	defer w.Close()

	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, w.Append(EventEnqueue, testJob(id, types.StateQueued)))
	}

	events := collect(t, w, 2)
	require.Len(t, events, 2)
	assert.Equal(t, types.JobID("c"), events[0].JobID)
	assert.Equal(t, types.JobID("d"), events[1].JobID)
}

func TestReopenContinuesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.wal")
	w := openWAL(t, path)
	require.NoError(t, w.Append(EventEnqueue, testJob("a", types.StateQueued)))
	require.NoError(t, w.Append(EventEnqueue, testJob("b", types.StateQueued)))
	require.NoError(t, w.Close())

	w = openWAL(t, path)
	defer w.Close()
	assert.Equal(t, uint64(2), w.GetLastSeq())

	require.NoError(t, w.Append(EventEnqueue, testJob("c", types.StateQueued)))
	events := collect(t, w, 0)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(3), events[2].Seq)
}

func TestBufferedAppendFlushesOnReplayAndClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.wal")
	w, err := NewWAL(path, Options{BufferSize: 100, FlushInterval: time.Hour})
	require.NoError(t, err)

	require.NoError(t, w.Append(EventEnqueue, testJob("a", types.StateQueued)))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size(), "buffered event should not be on disk yet")

	assert.Len(t, collect(t, w, 0), 1)
	require.NoError(t, w.Append(EventEnqueue, testJob("b", types.StateQueued)))
	require.NoError(t, w.Close())

	count, err := CountEvents(path)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestAppendAfterClose(t *testing.T) {
	w := openWAL(t, filepath.Join(t.TempDir(), "queue.wal"))
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Append(EventEnqueue, testJob("a", types.StateQueued)), ErrWALClosed)
	assert.NoError(t, w.Close())
}

// ============================================================================
// 崩潰與損毀
// ============================================================================

func TestTornTailIsIgnoredAndTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.wal")
	w := openWAL(t, path)
	require.NoError(t, w.Append(EventEnqueue, testJob("a", types.StateQueued)))
	require.NoError(t, w.Append(EventEnqueue, testJob("b", types.StateQueued)))
	require.NoError(t, w.Close())

	// 模擬寫到一半崩潰
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":3,"type":"ENQUEUE","job_id":"c","jo`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	stats, err := GetWALStats(path)
	require.NoError(t, err)
	assert.True(t, stats.TornTail)
	assert.Equal(t, 2, stats.Events)

	w = openWAL(t, path)
	defer w.Close()
	assert.Equal(t, uint64(2), w.GetLastSeq())

	// 新事件不可接在殘尾之後
	require.NoError(t, w.Append(EventEnqueue, testJob("c", types.StateQueued)))
	events := collect(t, w, 0)
	require.Len(t, events, 3)
	assert.Equal(t, types.JobID("c"), events[2].JobID)
	assert.NoError(t, ValidateWAL(path))
}

func TestMidFileCorruptionIsReported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.wal")
	w := openWAL(t, path)
	require.NoError(t, w.Append(EventEnqueue, testJob("a", types.StateQueued)))
	require.NoError(t, w.Append(EventEnqueue, testJob("b", types.StateQueued)))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.SplitAfter(string(data), "\n")
	tampered := strings.Replace(lines[0], `"job_id":"a"`, `"job_id":"z"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered+lines[1]), 0644))

	err = ValidateWAL(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptedWAL)
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	var ce *CorruptionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, int64(0), ce.Offset)

	_, err = NewWAL(path, DefaultOptions())
	assert.Error(t, err)
}

func TestVerifyChecksum(t *testing.T) {
	e := Event{Seq: 7, Type: EventRetry, JobID: "x", Job: []byte(`{}`)}
	e.Checksum = CalculateChecksum(e.Seq, e.Type, string(e.JobID), e.Job)
	assert.NoError(t, VerifyChecksum(e))

	e.Type = EventAck
	var ce *ChecksumError
	require.True(t, errors.As(VerifyChecksum(e), &ce))
	assert.Equal(t, uint64(7), ce.Seq)
}

// ============================================================================
// 旋轉
// ============================================================================

func TestRotateKeepsSequenceMonotonic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.wal")
	w := openWAL(t, path)
	defer w.Close()

	require.NoError(t, w.Append(EventEnqueue, testJob("a", types.StateQueued)))
	require.NoError(t, w.Append(EventEnqueue, testJob("b", types.StateQueued)))
	require.NoError(t, w.Rotate())

	_, err := os.Stat(path + ".prev")
	require.NoError(t, err)
	assert.Empty(t, collect(t, w, 0))

	require.NoError(t, w.Append(EventLease, testJob("a", types.StateLeased)))
	events := collect(t, w, 0)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(3), events[0].Seq)
}

func TestAdvanceSeq(t *testing.T) {
	w := openWAL(t, filepath.Join(t.TempDir(), "queue.wal"))
	defer w.Close()

	w.AdvanceSeq(40)
	require.NoError(t, w.Append(EventEnqueue, testJob("a", types.StateQueued)))
	assert.Equal(t, uint64(41), w.GetLastSeq())

	w.AdvanceSeq(10)
	assert.Equal(t, uint64(41), w.GetLastSeq())
}

// ============================================================================
// 工具函式
// ============================================================================

func TestGetLastEventOnEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.wal")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	_, err := GetLastEvent(path)
	assert.ErrorIs(t, err, ErrEmptyWAL)
}

func TestStatsAndDump(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.wal")
	w := openWAL(t, path)
	require.NoError(t, w.Append(EventEnqueue, testJob("a", types.StateQueued)))
	require.NoError(t, w.Append(EventLease, testJob("a", types.StateLeased)))
	require.NoError(t, w.Append(EventRetry, testJob("a", types.StateRetryScheduled)))
	require.NoError(t, w.Close())

	stats, err := GetWALStats(path)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Events)
	assert.Equal(t, uint64(1), stats.FirstSeq)
	assert.Equal(t, uint64(3), stats.LastSeq)
	assert.Equal(t, 1, stats.ByType[EventRetry])
	assert.False(t, stats.TornTail)

	last, err := GetLastEvent(path)
	require.NoError(t, err)
	assert.Equal(t, EventRetry, last.Type)

	var out bytes.Buffer
	require.NoError(t, DumpWAL(path, &out))
	assert.Contains(t, out.String(), "RETRY_SCHEDULED")
	assert.Contains(t, out.String(), "LEASE")
}
