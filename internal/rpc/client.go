package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/mailq/internal/broker"
	"github.com/ChuLiYu/mailq/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to a remote Server and implements broker.Broker, so a worker
// pool can lease from a master node exactly as it would from a local broker.
type Client struct {
	conn  *grpc.ClientConn
	owned bool
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn, owned: true}, nil
}

// NewClient wraps an existing connection. Close leaves conn open.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) invoke(ctx context.Context, method string, req, reply any) error {
	in, err := encode(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return fromStatus(err)
	}
	if reply == nil {
		return nil
	}
	return decode(out, reply)
}

func (c *Client) Enqueue(ctx context.Context, req broker.EnqueueRequest) (types.JobID, error) {
	var reply enqueueReply
	if err := c.invoke(ctx, methodEnqueue, req, &reply); err != nil {
		return "", err
	}
	return reply.JobID, nil
}

func (c *Client) Lease(ctx context.Context, workerID string, visibility time.Duration) (*types.Job, error) {
	var reply leaseReply
	req := leaseRequest{WorkerID: workerID, VisibilityMS: toMillis(visibility)}
	if err := c.invoke(ctx, methodLease, req, &reply); err != nil {
		return nil, err
	}
	return reply.Job, nil
}

func (c *Client) Ack(ctx context.Context, jobID types.JobID, leaseToken string, outcome types.Outcome) error {
	req := ackRequest{JobID: jobID, LeaseToken: leaseToken, Outcome: outcome}
	return c.invoke(ctx, methodAck, req, nil)
}

func (c *Client) Extend(ctx context.Context, jobID types.JobID, leaseToken string, visibility time.Duration) error {
	req := extendRequest{JobID: jobID, LeaseToken: leaseToken, VisibilityMS: toMillis(visibility)}
	return c.invoke(ctx, methodExtend, req, nil)
}

func (c *Client) GetJob(ctx context.Context, jobID types.JobID) (*types.Job, error) {
	var job types.Job
	if err := c.invoke(ctx, methodGetJob, getJobRequest{JobID: jobID}, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) ReclaimExpired(ctx context.Context) (int, error) {
	var reply reclaimReply
	if err := c.invoke(ctx, methodReclaimExpired, empty{}, &reply); err != nil {
		return 0, err
	}
	return reply.Reclaimed, nil
}

func (c *Client) Stats(ctx context.Context) (broker.Stats, error) {
	var st broker.Stats
	err := c.invoke(ctx, methodStats, empty{}, &st)
	return st, err
}

// Close releases the connection when the client opened it.
func (c *Client) Close() error {
	if c.owned {
		return c.conn.Close()
	}
	return nil
}
