// Package rpc exposes a broker.Broker over gRPC so that worker-mode nodes and
// CLI commands can lease and ack jobs held by a master node.
//
// The service is described by hand instead of generated from a .proto file:
// every method takes and returns a google.protobuf.Struct carrying the JSON
// form of the request and reply types below.
package rpc

import (
	"context"
	"time"

	"github.com/ChuLiYu/mailq/internal/broker"
	"github.com/ChuLiYu/mailq/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "mailq.v1.Broker"

const (
	methodEnqueue        = "Enqueue"
	methodLease          = "Lease"
	methodAck            = "Ack"
	methodExtend         = "Extend"
	methodGetJob         = "GetJob"
	methodStats          = "Stats"
	methodReclaimExpired = "ReclaimExpired"
)

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

// ============================================================================
// Wire messages (JSON inside structpb.Struct)
// ============================================================================

type enqueueReply struct {
	JobID types.JobID `json:"job_id"`
}

type leaseRequest struct {
	WorkerID     string `json:"worker_id"`
	VisibilityMS int64  `json:"visibility_ms"`
}

type leaseReply struct {
	Job *types.Job `json:"job"`
}

type ackRequest struct {
	JobID      types.JobID   `json:"job_id"`
	LeaseToken string        `json:"lease_token"`
	Outcome    types.Outcome `json:"outcome"`
}

type extendRequest struct {
	JobID        types.JobID `json:"job_id"`
	LeaseToken   string      `json:"lease_token"`
	VisibilityMS int64       `json:"visibility_ms"`
}

type getJobRequest struct {
	JobID types.JobID `json:"job_id"`
}

type reclaimReply struct {
	Reclaimed int `json:"reclaimed"`
}

type empty struct{}

func toMillis(d time.Duration) int64 { return d.Milliseconds() }
func fromMillis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// ============================================================================
// Service descriptor
// ============================================================================

// brokerServer is the handler type registered with grpc.Server.
type brokerServer interface {
	enqueue(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	lease(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	ack(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	extend(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	getJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	stats(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	reclaimExpired(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(s brokerServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(brokerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(brokerServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*brokerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodEnqueue, Handler: unaryHandler(methodEnqueue, brokerServer.enqueue)},
		{MethodName: methodLease, Handler: unaryHandler(methodLease, brokerServer.lease)},
		{MethodName: methodAck, Handler: unaryHandler(methodAck, brokerServer.ack)},
		{MethodName: methodExtend, Handler: unaryHandler(methodExtend, brokerServer.extend)},
		{MethodName: methodGetJob, Handler: unaryHandler(methodGetJob, brokerServer.getJob)},
		{MethodName: methodStats, Handler: unaryHandler(methodStats, brokerServer.stats)},
		{MethodName: methodReclaimExpired, Handler: unaryHandler(methodReclaimExpired, brokerServer.reclaimExpired)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mailq/v1/broker.proto",
}

var _ broker.Broker = (*Client)(nil)
