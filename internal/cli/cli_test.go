package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/mailq/internal/broker"
	"github.com/ChuLiYu/mailq/internal/config"
	"github.com/ChuLiYu/mailq/internal/delivery"
	"github.com/ChuLiYu/mailq/internal/rpc"
	"github.com/ChuLiYu/mailq/internal/storage/wal"
	"github.com/ChuLiYu/mailq/pkg/types"
)

// startMaster 在隨機埠上啟動一個以 MemoryBroker 為後端的 gRPC master
func startMaster(t *testing.T) (*broker.MemoryBroker, string) {
	t.Helper()
	mb := broker.NewMemoryBroker(nil)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	gs := rpc.NewGRPCServer(rpc.NewServer(mb, nil))
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(func() {
		gs.Stop()
		_ = mb.Close()
	})
	return mb, lis.Addr().String()
}

// execute 以指定參數執行根命令，回傳 stdout
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := BuildCLI()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml")}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "mailq", cmd.Use)
	assert.Equal(t, Version, cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "enqueue", "job", "status", "migrate", "wal"} {
		assert.True(t, names[want], "missing %q command", want)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("master"))
}

func TestRunCommandFlags(t *testing.T) {
	cmd := buildRunCommand(&rootOptions{})
	assert.Equal(t, "run", cmd.Use)
	assert.Contains(t, cmd.Short, "Start")
	assert.NotNil(t, cmd.Flags().Lookup("mode"))
}

func TestRunRejectsUnknownMode(t *testing.T) {
	_, err := execute(t, "run", "--mode", "leader")
	assert.ErrorContains(t, err, "mode must be one of")
}

func TestEnqueueRequiresTarget(t *testing.T) {
	_, err := execute(t, "enqueue")
	assert.ErrorContains(t, err, "--to or --file")
}

func TestEnqueueSingleJob(t *testing.T) {
	mb, addr := startMaster(t)

	out, err := execute(t, "--master", addr, "enqueue", "--to", "alice@example.com", "--max-attempts", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "Successfully enqueued 1/1 jobs")

	st, err := mb.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Queued)

	job, err := mb.Lease(context.Background(), "w", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", job.Destination)
	assert.Equal(t, []byte(delivery.DefaultBody), job.Payload)
	assert.Equal(t, 5, job.MaxAttempts)
}

func TestEnqueueFromFile(t *testing.T) {
	mb, addr := startMaster(t)

	path := filepath.Join(t.TempDir(), "jobs.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"destination": "a@example.com", "payload": "one"},
		{"destination": "", "payload": "rejected"},
		{"destination": "https://hooks.example.com/x", "payload": "{}", "max_attempts": 2}
	]`), 0o644))

	out, err := execute(t, "--master", addr, "enqueue", "-f", path)
	assert.ErrorContains(t, err, "1 of 3 jobs were rejected")
	assert.Contains(t, out, "Successfully enqueued 2/3 jobs")

	st, err := mb.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, st.Queued)
}

func TestEnqueueInvalidJobFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"not": "an array"}`), 0o644))

	_, err := execute(t, "enqueue", "-f", path)
	assert.ErrorContains(t, err, "failed to parse job file")

	_, err = execute(t, "enqueue", "-f", filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "failed to read job file")
}

func TestJobGet(t *testing.T) {
	mb, addr := startMaster(t)
	id, err := mb.Enqueue(context.Background(), broker.EnqueueRequest{Destination: "bob@example.com", Payload: []byte("x")})
	require.NoError(t, err)

	out, err := execute(t, "--master", addr, "job", "get", string(id))
	require.NoError(t, err)

	var job types.Job
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	assert.Equal(t, id, job.ID)
	assert.Equal(t, types.StateQueued, job.State)

	_, err = execute(t, "--master", addr, "job", "get", "nope")
	assert.ErrorIs(t, err, broker.ErrJobNotFound)
}

func TestStatusWithMaster(t *testing.T) {
	mb, addr := startMaster(t)
	for i := 0; i < 2; i++ {
		_, err := mb.Enqueue(context.Background(), broker.EnqueueRequest{Destination: "c@example.com", Payload: []byte("x")})
		require.NoError(t, err)
	}

	out, err := execute(t, "--master", addr, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Broker backend:     memory")
	assert.Contains(t, out, "Queued:             2")
}

func TestStatusMasterUnreachable(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	out, err := execute(t, "--master", addr, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "master not reachable")
}

func TestMigrateRequiresDSN(t *testing.T) {
	_, err := execute(t, "migrate", "up")
	assert.ErrorContains(t, err, "Postgres DSN is required")
}

func TestWALCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailq.wal")
	w, err := wal.NewWAL(path, wal.DefaultOptions())
	require.NoError(t, err)
	job := types.Job{ID: "job-1", Destination: "a@example.com", State: types.StateQueued, MaxAttempts: 3}
	require.NoError(t, w.Append(wal.EventEnqueue, job))
	job.State, job.AttemptCount = types.StateLeased, 1
	require.NoError(t, w.Append(wal.EventLease, job))
	require.NoError(t, w.Close())

	out, err := execute(t, "wal", "stats", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, "events:    2 (seq 1..2)")
	assert.Contains(t, out, "LEASE")

	out, err = execute(t, "wal", "dump", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, "SEQ")
	assert.Contains(t, out, "job-1")
	assert.Contains(t, out, "1/3")

	out, err = execute(t, "wal", "validate", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ok")
}

// ============================================================================
// runNode
// ============================================================================

func testNodeConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.GRPC.Addr = "127.0.0.1:0"
	cfg.Metrics.Enabled = false
	cfg.WAL.Path = filepath.Join(dir, "wal", "mailq.wal")
	cfg.Snapshot.Path = filepath.Join(dir, "snapshot", "mailq.json")
	cfg.Worker.PollInterval = 5 * time.Millisecond
	cfg.Reaper.Interval = 10 * time.Millisecond
	cfg.Delivery.Kind = config.DeliverySimulated
	cfg.Delivery.SimulatedMaxLatency = time.Millisecond
	cfg.Delivery.SimulatedTransientRate = 0
	cfg.Delivery.SimulatedPermanentRate = 0
	require.NoError(t, cfg.Validate())
	return cfg
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunNodeStandaloneShutsDown(t *testing.T) {
	cfg := testNodeConfig(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- runNode(ctx, cfg, quiet()) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runNode did not return after cancel")
	}
	assert.FileExists(t, cfg.Snapshot.Path)
}

func TestRunNodeWorkerDrainsMaster(t *testing.T) {
	mb, addr := startMaster(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := mb.Enqueue(ctx, broker.EnqueueRequest{Destination: "w@example.com", Payload: []byte("x")})
		require.NoError(t, err)
	}

	cfg := testNodeConfig(t)
	cfg.Mode = config.ModeWorker
	cfg.GRPC.MasterAddr = addr

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- runNode(runCtx, cfg, quiet()) }()

	require.Eventually(t, func() bool {
		st, err := mb.Stats(ctx)
		return err == nil && st.Succeeded == 5
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("worker node did not stop")
	}
}
