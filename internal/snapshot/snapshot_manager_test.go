package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/mailq/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleJob(id string, state types.JobState, attempt int) *types.Job {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return &types.Job{
		ID:           types.JobID(id),
		Destination:  id + "@example.com",
		Payload:      []byte("body-" + id),
		State:        state,
		AttemptCount: attempt,
		MaxAttempts:  3,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// ============================================================================
// 基礎功能測試
// ============================================================================

// TestWriteAndLoad 測試寫入與載入快照
func TestWriteAndLoad(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))

	leased := sampleJob("job-002", types.StateLeased, 1)
	leased.LeaseOwner = "worker-1"
	leased.LeaseToken = "tok"
	leased.LeaseExpiresAt = leased.CreatedAt.Add(30 * time.Second)
	leased.LeasedFrom = types.StateQueued

	failed := sampleJob("job-003", types.StateFailed, 3)
	failed.LastError = &types.JobError{Class: types.ClassRetriesExhausted, Message: "relay down"}

	original := types.SnapshotData{
		Jobs: map[types.JobID]*types.Job{
			"job-001": sampleJob("job-001", types.StateQueued, 0),
			"job-002": leased,
			"job-003": failed,
		},
		LastSeq: 100,
	}

	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, uint64(100), loaded.LastSeq)
	require.Len(t, loaded.Jobs, 3)

	for id, want := range original.Jobs {
		got, ok := loaded.Jobs[id]
		require.True(t, ok, "Job %s should exist", id)
		assert.Equal(t, want.State, got.State)
		assert.Equal(t, want.AttemptCount, got.AttemptCount)
		assert.Equal(t, want.Payload, got.Payload)
		assert.True(t, want.LeaseExpiresAt.Equal(got.LeaseExpiresAt))
	}
	assert.Equal(t, "tok", loaded.Jobs["job-002"].LeaseToken)
	assert.Equal(t, types.ClassRetriesExhausted, loaded.Jobs["job-003"].LastError.Class)
}

// TestFirstBoot 沒有快照檔時回傳空狀態
func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))
	assert.False(t, manager.Exists())

	data, err := manager.Load()
	require.NoError(t, err)
	assert.NotNil(t, data.Jobs)
	assert.Empty(t, data.Jobs)
	assert.Zero(t, data.LastSeq)
}

func TestExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	manager := NewManager(path)
	assert.Equal(t, path, manager.Path())
	assert.False(t, manager.Exists())

	require.NoError(t, manager.Write(types.SnapshotData{}))
	assert.True(t, manager.Exists())
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

func TestVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"jobs":{},"schema_ver":1,"last_seq":4}`), 0644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"jobs": {"a": `), 0644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestMismatchedKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	body := fmt.Sprintf(`{"jobs":{"a":{"id":"b","state":"QUEUED"}},"schema_ver":%d}`, SchemaVersion)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestWriteFailure(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "no-such-dir", "snapshot.json"))
	assert.Error(t, manager.Write(types.SnapshotData{}))
}

// TestWriteLeavesNoTempFiles 原子寫入後目錄中只剩快照本身
func TestWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	manager := NewManager(filepath.Join(dir, "snapshot.json"))

	for i := 0; i < 3; i++ {
		require.NoError(t, manager.Write(types.SnapshotData{LastSeq: uint64(i)}))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "snapshot.json", entries[0].Name())
}

// ============================================================================
// 並發測試
// ============================================================================

// TestConcurrentWriteAndRead 讀者只會看到完整的舊快照或新快照
func TestConcurrentWriteAndRead(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))
	require.NoError(t, manager.Write(types.SnapshotData{
		Jobs:    map[types.JobID]*types.Job{"old": sampleJob("old", types.StateQueued, 0)},
		LastSeq: 1,
	}))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("new-%d", i)
			assert.NoError(t, manager.Write(types.SnapshotData{
				Jobs:    map[types.JobID]*types.Job{types.JobID(id): sampleJob(id, types.StateQueued, 0)},
				LastSeq: uint64(i + 2),
			}))
		}(i)
		go func() {
			defer wg.Done()
			data, err := manager.Load()
			assert.NoError(t, err)
			assert.Len(t, data.Jobs, 1)
		}()
	}
	wg.Wait()
}

// TestLargeSnapshot 大量任務的寫入與載入
func TestLargeSnapshot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))

	data := types.SnapshotData{Jobs: make(map[types.JobID]*types.Job), LastSeq: 5000}
	for i := 0; i < 5000; i++ {
		id := fmt.Sprintf("job-%05d", i)
		data.Jobs[types.JobID(id)] = sampleJob(id, types.StateQueued, 0)
	}

	start := time.Now()
	require.NoError(t, manager.Write(data))
	loaded, err := manager.Load()
	require.NoError(t, err)

	assert.Len(t, loaded.Jobs, 5000)
	assert.Less(t, time.Since(start), 5*time.Second)
}
