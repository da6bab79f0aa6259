package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ChuLiYu/mailq/internal/broker"
	"github.com/ChuLiYu/mailq/internal/delivery"
	"github.com/ChuLiYu/mailq/internal/worker"
	"github.com/ChuLiYu/mailq/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// newTestPair 建立一組 bufconn 上的 server/client，背後是 MemoryBroker
func newTestPair(t *testing.T) (*broker.MemoryBroker, *Client) {
	t.Helper()

	mb := broker.NewMemoryBroker(nil)
	lis := bufconn.Listen(1 << 20)
	gs := NewGRPCServer(NewServer(mb, nil))
	go func() { _ = gs.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		gs.Stop()
		_ = mb.Close()
	})
	return mb, NewClient(conn)
}

func TestEnqueueAndGetJob(t *testing.T) {
	_, c := newTestPair(t)
	ctx := context.Background()

	id, err := c.Enqueue(ctx, broker.EnqueueRequest{
		Destination: "alice@example.com",
		Payload:     []byte("Subject: hi\r\n\r\nhello"),
		MaxAttempts: 4,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := c.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, "alice@example.com", job.Destination)
	assert.Equal(t, []byte("Subject: hi\r\n\r\nhello"), job.Payload)
	assert.Equal(t, types.StateQueued, job.State)
	assert.Equal(t, 4, job.MaxAttempts)
	assert.False(t, job.CreatedAt.IsZero())
}

func TestLeaseAckRoundTrip(t *testing.T) {
	mb, c := newTestPair(t)
	ctx := context.Background()

	id, err := c.Enqueue(ctx, broker.EnqueueRequest{Destination: "bob@example.com", Payload: []byte("x")})
	require.NoError(t, err)

	job, err := c.Lease(ctx, "remote-1", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, types.StateLeased, job.State)
	assert.Equal(t, "remote-1", job.LeaseOwner)
	assert.Equal(t, 1, job.AttemptCount)
	require.NotEmpty(t, job.LeaseToken)

	require.NoError(t, c.Extend(ctx, id, job.LeaseToken, time.Minute))
	require.NoError(t, c.Ack(ctx, id, job.LeaseToken, types.Success()))

	local, err := mb.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StateSucceeded, local.State)
}

func TestLeaseEmptyReturnsNil(t *testing.T) {
	_, c := newTestPair(t)

	job, err := c.Lease(context.Background(), "remote-1", time.Second)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestRetryOutcomeCarriesDelay(t *testing.T) {
	mb, c := newTestPair(t)
	ctx := context.Background()

	id, err := c.Enqueue(ctx, broker.EnqueueRequest{Destination: "carol@example.com", Payload: []byte("x")})
	require.NoError(t, err)
	job, err := c.Lease(ctx, "remote-1", 30*time.Second)
	require.NoError(t, err)

	before := time.Now()
	require.NoError(t, c.Ack(ctx, id, job.LeaseToken, types.Retry(45*time.Second, "421 try later")))

	local, err := mb.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StateRetryScheduled, local.State)
	assert.WithinDuration(t, before.Add(45*time.Second), local.NextEligibleAt, 5*time.Second)
	require.NotNil(t, local.LastError)
	assert.Equal(t, "421 try later", local.LastError.Message)
}

func TestErrorsMapBackToSentinels(t *testing.T) {
	_, c := newTestPair(t)
	ctx := context.Background()

	_, err := c.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, broker.ErrJobNotFound)

	_, err = c.Enqueue(ctx, broker.EnqueueRequest{Destination: "", Payload: []byte("x")})
	assert.ErrorIs(t, err, broker.ErrInvalidInput)

	id, err := c.Enqueue(ctx, broker.EnqueueRequest{Destination: "dave@example.com", Payload: []byte("x")})
	require.NoError(t, err)
	_, err = c.Lease(ctx, "remote-1", 30*time.Second)
	require.NoError(t, err)

	err = c.Ack(ctx, id, "not-the-token", types.Success())
	assert.ErrorIs(t, err, broker.ErrLeaseLost)

	err = c.Extend(ctx, id, "not-the-token", time.Second)
	assert.ErrorIs(t, err, broker.ErrLeaseLost)
}

func TestStatsAndReclaim(t *testing.T) {
	_, c := newTestPair(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.Enqueue(ctx, broker.EnqueueRequest{Destination: "eve@example.com", Payload: []byte("x")})
		require.NoError(t, err)
	}
	_, err := c.Lease(ctx, "remote-1", 10*time.Millisecond)
	require.NoError(t, err)

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, broker.Stats{Queued: 2, Leased: 1}, st)

	time.Sleep(30 * time.Millisecond)
	n, err := c.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, err = c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Queued)
}

func TestToStatusCodes(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{broker.ErrInvalidInput, codes.InvalidArgument},
		{broker.ErrJobNotFound, codes.NotFound},
		{broker.ErrLeaseLost, codes.FailedPrecondition},
		{broker.ErrClosed, codes.Unavailable},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{assert.AnError, codes.Internal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, status.Code(toStatus(tt.err)), tt.err.Error())
	}
	assert.NoError(t, toStatus(nil))
}

// 遠端 worker pool 透過 Client 把任務投遞完成
func TestRemoteWorkerPoolDrainsQueue(t *testing.T) {
	mb, c := newTestPair(t)
	ctx := context.Background()

	const n = 10
	for i := 0; i < n; i++ {
		_, err := mb.Enqueue(ctx, broker.EnqueueRequest{Destination: "frank@example.com", Payload: []byte("x")})
		require.NoError(t, err)
	}

	cfg := worker.DefaultConfig()
	cfg.NodeID = "remote"
	cfg.PollInterval = 10 * time.Millisecond
	pool := worker.NewPool(c, delivery.Func(func(context.Context, string, []byte) error { return nil }), cfg)
	require.NoError(t, pool.Start(3))
	defer pool.Stop()

	require.Eventually(t, func() bool {
		st, err := mb.Stats(ctx)
		return err == nil && st.Succeeded == n
	}, 5*time.Second, 20*time.Millisecond)
}
