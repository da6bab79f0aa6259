package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify delivery outcomes, retries, heartbeats, graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/mailq/internal/broker"
	"github.com/ChuLiYu/mailq/internal/delivery"
	"github.com/ChuLiYu/mailq/internal/retry"
	"github.com/ChuLiYu/mailq/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test helpers
// ============================================================================

func testConfig() Config {
	return Config{
		NodeID:            "test",
		VisibilityTimeout: time.Second,
		PollInterval:      5 * time.Millisecond,
		Retry:             retry.NewPolicy(10*time.Millisecond, 0, 0),
	}
}

// countingClient returns errs[i] on the i-th call and nil afterwards
type countingClient struct {
	mu    sync.Mutex
	calls int
	errs  []error
}

func (c *countingClient) Deliver(ctx context.Context, destination string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= len(c.errs) {
		return c.errs[c.calls-1]
	}
	return nil
}

func (c *countingClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func startPool(t *testing.T, source JobSource, client delivery.Client, cfg Config, n int) *Pool {
	t.Helper()
	pool := NewPool(source, client, cfg)
	require.NoError(t, pool.Start(n))
	t.Cleanup(pool.Stop)
	return pool
}

func enqueue(t *testing.T, b broker.Broker, maxAttempts int) types.JobID {
	t.Helper()
	id, err := b.Enqueue(context.Background(), broker.EnqueueRequest{
		Destination: "a@x.com",
		Payload:     []byte("hi"),
		MaxAttempts: maxAttempts,
	})
	require.NoError(t, err)
	return id
}

func waitTerminal(t *testing.T, b broker.Broker, id types.JobID) *types.Job {
	t.Helper()
	var job *types.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = b.GetJob(context.Background(), id)
		return err == nil && job.State.IsTerminal()
	}, 5*time.Second, 5*time.Millisecond)
	return job
}

// ============================================================================
// Pool lifecycle
// ============================================================================

func TestPoolStartStop(t *testing.T) {
	b := broker.NewMemoryBroker(nil)
	pool := NewPool(b, &countingClient{}, testConfig())
	assert.False(t, pool.IsStarted())
	assert.Zero(t, pool.GetWorkerCount())

	require.NoError(t, pool.Start(4))
	assert.True(t, pool.IsStarted())
	assert.Equal(t, 4, pool.GetWorkerCount())
	assert.ErrorIs(t, pool.Start(1), ErrPoolStarted)

	pool.Stop()
	pool.Stop()
	assert.ErrorIs(t, pool.Start(1), ErrPoolClosed)
}

func TestPoolStartRejectsZeroWorkers(t *testing.T) {
	pool := NewPool(broker.NewMemoryBroker(nil), &countingClient{}, testConfig())
	assert.Error(t, pool.Start(0))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{VisibilityTimeout: 9 * time.Second}.withDefaults()
	assert.Equal(t, 3*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 9*time.Second, cfg.DeliveryTimeout)
	assert.NotNil(t, cfg.Retry)
	assert.NotNil(t, cfg.Logger)
	assert.Equal(t, "worker", cfg.NodeID)
}

// ============================================================================
// Delivery scenarios
// ============================================================================

// 成功投遞：一次嘗試即 SUCCEEDED
func TestDeliverySucceedsFirstAttempt(t *testing.T) {
	b := broker.NewMemoryBroker(nil)
	client := &countingClient{}
	var results []Result
	var mu sync.Mutex
	cfg := testConfig()
	cfg.OnResult = func(r Result) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, r)
	}

	id := enqueue(t, b, 3)
	startPool(t, b, client, cfg, 1)

	job := waitTerminal(t, b, id)
	assert.Equal(t, types.StateSucceeded, job.State)
	assert.Equal(t, 1, job.AttemptCount)
	assert.Nil(t, job.LastError)
	assert.Equal(t, 1, client.Calls())

	// OnResult 在 ack 之後才被呼叫
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) == 1
	}, time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, types.OutcomeSuccess, results[0].Outcome.Kind)
	assert.Equal(t, 1, results[0].Attempt)
}

// 暫時失敗兩次後成功
func TestTransientFailuresThenSuccess(t *testing.T) {
	b := broker.NewMemoryBroker(nil)
	client := &countingClient{errs: []error{
		delivery.Transient(errors.New("421 try later")),
		errors.New("connection reset"),
	}}

	id := enqueue(t, b, 3)
	startPool(t, b, client, testConfig(), 2)

	job := waitTerminal(t, b, id)
	assert.Equal(t, types.StateSucceeded, job.State)
	assert.Equal(t, 3, job.AttemptCount)
	assert.Equal(t, 3, client.Calls())
}

// 永久失敗：不消耗剩餘次數
func TestPermanentFailureStopsImmediately(t *testing.T) {
	b := broker.NewMemoryBroker(nil)
	client := &countingClient{errs: []error{delivery.Permanent(errors.New("550 no such user"))}}

	id := enqueue(t, b, 5)
	startPool(t, b, client, testConfig(), 1)

	job := waitTerminal(t, b, id)
	assert.Equal(t, types.StateFailed, job.State)
	assert.Equal(t, 1, job.AttemptCount)
	assert.Equal(t, types.ClassPermanent, job.LastError.Class)
	assert.Contains(t, job.LastError.Message, "550")
	assert.Equal(t, 1, client.Calls())
}

// 一直暫時失敗：達到上限後 FAILED
func TestRetriesExhausted(t *testing.T) {
	b := broker.NewMemoryBroker(nil)
	boom := delivery.Transient(errors.New("relay unreachable"))
	client := &countingClient{errs: []error{boom, boom, boom, boom}}

	id := enqueue(t, b, 3)
	startPool(t, b, client, testConfig(), 1)

	job := waitTerminal(t, b, id)
	assert.Equal(t, types.StateFailed, job.State)
	assert.Equal(t, 3, job.AttemptCount)
	assert.Equal(t, types.ClassRetriesExhausted, job.LastError.Class)
	assert.Equal(t, 3, client.Calls())
}

// 退避延遲確實被遵守
func TestRetryDelayIsHonored(t *testing.T) {
	b := broker.NewMemoryBroker(nil)

	var (
		mu    sync.Mutex
		times []time.Time
	)
	client := delivery.Func(func(ctx context.Context, destination string, payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		times = append(times, time.Now())
		if len(times) < 3 {
			return errors.New("busy")
		}
		return nil
	})

	cfg := testConfig()
	cfg.Retry = retry.NewPolicy(50*time.Millisecond, 0, 0)
	id := enqueue(t, b, 3)
	startPool(t, b, client, cfg, 1)

	waitTerminal(t, b, id)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, times, 3)
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), 50*time.Millisecond)
	assert.GreaterOrEqual(t, times[2].Sub(times[1]), 100*time.Millisecond)
}

func TestPanicIsTransient(t *testing.T) {
	b := broker.NewMemoryBroker(nil)
	var calls atomic.Int32
	client := delivery.Func(func(ctx context.Context, destination string, payload []byte) error {
		if calls.Add(1) == 1 {
			panic("nil map")
		}
		return nil
	})

	id := enqueue(t, b, 3)
	startPool(t, b, client, testConfig(), 1)

	job := waitTerminal(t, b, id)
	assert.Equal(t, types.StateSucceeded, job.State)
	assert.Equal(t, 2, job.AttemptCount)
}

func TestDeliveryTimeoutIsTransient(t *testing.T) {
	b := broker.NewMemoryBroker(nil)
	var calls atomic.Int32
	client := delivery.Func(func(ctx context.Context, destination string, payload []byte) error {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})

	cfg := testConfig()
	cfg.DeliveryTimeout = 20 * time.Millisecond
	id := enqueue(t, b, 3)
	startPool(t, b, client, cfg, 1)

	job := waitTerminal(t, b, id)
	assert.Equal(t, types.StateSucceeded, job.State)
	assert.Equal(t, 2, job.AttemptCount)
}

// ============================================================================
// Leases
// ============================================================================

// 投遞時間超過 visibility timeout 時，心跳讓租約保持有效
func TestHeartbeatKeepsLongDeliveryLeased(t *testing.T) {
	b := broker.NewMemoryBroker(nil)
	client := delivery.Func(func(ctx context.Context, destination string, payload []byte) error {
		time.Sleep(300 * time.Millisecond)
		return nil
	})

	var lost atomic.Bool
	cfg := testConfig()
	cfg.VisibilityTimeout = 90 * time.Millisecond
	cfg.DeliveryTimeout = time.Second
	cfg.OnResult = func(r Result) {
		if r.LeaseLost {
			lost.Store(true)
		}
	}

	id := enqueue(t, b, 3)
	startPool(t, b, client, cfg, 2)

	job := waitTerminal(t, b, id)
	assert.Equal(t, types.StateSucceeded, job.State)
	assert.Equal(t, 1, job.AttemptCount)
	assert.False(t, lost.Load())
}

// leaseStealer 讓 Extend 一律回報 LeaseLost 並在 Ack 時拒絕
type leaseStealer struct {
	JobSource
}

func (s leaseStealer) Extend(ctx context.Context, jobID types.JobID, token string, visibility time.Duration) error {
	return broker.ErrLeaseLost
}

func (s leaseStealer) Ack(ctx context.Context, jobID types.JobID, token string, outcome types.Outcome) error {
	return broker.ErrLeaseLost
}

func TestLeaseLostIsReportedNotRetried(t *testing.T) {
	b := broker.NewMemoryBroker(nil)
	client := &countingClient{}

	results := make(chan Result, 1)
	cfg := testConfig()
	cfg.HeartbeatInterval = time.Millisecond
	cfg.OnResult = func(r Result) {
		select {
		case results <- r:
		default:
		}
	}

	enqueue(t, b, 3)
	startPool(t, leaseStealer{b}, client, cfg, 1)

	select {
	case r := <-results:
		assert.True(t, r.LeaseLost)
		assert.ErrorIs(t, r.AckErr, broker.ErrLeaseLost)
	case <-time.After(5 * time.Second):
		t.Fatal("no result reported")
	}
	assert.Equal(t, 1, client.Calls())
}

// ============================================================================
// Graceful shutdown
// ============================================================================

// Stop 等待進行中的嘗試完成並 ack
func TestStopWaitsForInFlightAttempt(t *testing.T) {
	b := broker.NewMemoryBroker(nil)
	started := make(chan struct{})
	release := make(chan struct{})
	client := delivery.Func(func(ctx context.Context, destination string, payload []byte) error {
		close(started)
		<-release
		return nil
	})

	id := enqueue(t, b, 3)
	pool := NewPool(b, client, testConfig())
	require.NoError(t, pool.Start(1))
	<-started

	stopped := make(chan struct{})
	go func() {
		pool.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned before the in-flight attempt finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	job, err := b.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StateSucceeded, job.State)
}

// 多個 worker 並發處理，每個任務只投遞一次
func TestManyJobsManyWorkers(t *testing.T) {
	b := broker.NewMemoryBroker(nil)
	var delivered sync.Map
	var dup atomic.Bool
	client := delivery.Func(func(ctx context.Context, destination string, payload []byte) error {
		if _, loaded := delivered.LoadOrStore(string(payload), true); loaded {
			dup.Store(true)
		}
		return nil
	})

	const n = 100
	for i := 0; i < n; i++ {
		_, err := b.Enqueue(context.Background(), broker.EnqueueRequest{
			Destination: "a@x.com",
			Payload:     []byte(string(broker.NewJobID())),
		})
		require.NoError(t, err)
	}
	startPool(t, b, client, testConfig(), 8)

	require.Eventually(t, func() bool {
		s, err := b.Stats(context.Background())
		return err == nil && s.Succeeded == n
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, dup.Load())
}
