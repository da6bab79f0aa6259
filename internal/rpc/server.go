package rpc

import (
	"context"
	"log/slog"
	"time"

	"github.com/ChuLiYu/mailq/internal/broker"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Server serves a broker.Broker to remote workers.
type Server struct {
	broker broker.Broker
	log    *slog.Logger
}

// NewServer wraps b. A nil logger falls back to slog.Default().
func NewServer(b broker.Broker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{broker: b, log: logger}
}

// Register attaches srv to a grpc.Server.
func Register(gs *grpc.Server, srv *Server) {
	gs.RegisterService(&serviceDesc, srv)
}

// NewGRPCServer builds a grpc.Server with the request logging interceptor
// installed and srv registered.
func NewGRPCServer(srv *Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(srv.logInterceptor)}, opts...)
	gs := grpc.NewServer(opts...)
	Register(gs, srv)
	return gs
}

func (s *Server) logInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	s.log.Debug("rpc", "method", info.FullMethod, "code", code.String(), "duration", time.Since(start))
	return resp, err
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) enqueue(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req broker.EnqueueRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	id, err := s.broker.Enqueue(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeReply(enqueueReply{JobID: id})
}

func (s *Server) lease(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req leaseRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	job, err := s.broker.Lease(ctx, req.WorkerID, fromMillis(req.VisibilityMS))
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeReply(leaseReply{Job: job})
}

func (s *Server) ack(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ackRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if err := s.broker.Ack(ctx, req.JobID, req.LeaseToken, req.Outcome); err != nil {
		return nil, toStatus(err)
	}
	return encodeReply(empty{})
}

func (s *Server) extend(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req extendRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if err := s.broker.Extend(ctx, req.JobID, req.LeaseToken, fromMillis(req.VisibilityMS)); err != nil {
		return nil, toStatus(err)
	}
	return encodeReply(empty{})
}

func (s *Server) getJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req getJobRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	job, err := s.broker.GetJob(ctx, req.JobID)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeReply(job)
}

func (s *Server) stats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	st, err := s.broker.Stats(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeReply(st)
}

func (s *Server) reclaimExpired(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	n, err := s.broker.ReclaimExpired(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeReply(reclaimReply{Reclaimed: n})
}
