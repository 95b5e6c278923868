package receiver

import (
	"context"
	"fmt"
	"net"
	"time"

	collectorpb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/betracehq/betrace-processor/internal/config"
	"github.com/betracehq/betrace-processor/internal/observability"
)

// Sink accepts normalized ingest batches from the receiver boundary. The
// original resource spans are forwarded unchanged on the export path; the
// flattened spans feed trace assembly.
type Sink interface {
	Submit(ctx context.Context, original []*tracepb.ResourceSpans) error
}

// GRPCServer serves the standard OTLP trace service.
type GRPCServer struct {
	collectorpb.UnimplementedTraceServiceServer
	sink   Sink
	server *grpc.Server
	port   int
}

// NewGRPCServer wires the OTLP gRPC receiver with explicit vendor limits;
// gRPC's own defaults leave several of them unbounded.
func NewGRPCServer(cfg config.ReceiverConfig, sink Sink) *GRPCServer {
	server := grpc.NewServer(
		grpc.MaxRecvMsgSize(cfg.MaxRecvMsgSize),
		grpc.MaxConcurrentStreams(uint32(cfg.MaxConcurrentStreams)),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    time.Duration(cfg.KeepaliveTime) * time.Second,
			Timeout: time.Duration(cfg.KeepaliveTimeout) * time.Second,
		}),
	)
	s := &GRPCServer{sink: sink, server: server, port: cfg.GRPCPort}
	collectorpb.RegisterTraceServiceServer(server, s)
	return s
}

// Export implements the OTLP trace service.
func (s *GRPCServer) Export(ctx context.Context, req *collectorpb.ExportTraceServiceRequest) (*collectorpb.ExportTraceServiceResponse, error) {
	if req == nil || len(req.ResourceSpans) == 0 {
		return &collectorpb.ExportTraceServiceResponse{}, nil
	}
	if err := s.sink.Submit(ctx, req.ResourceSpans); err != nil {
		observability.Warn(ctx, "ingest submit failed: %v", err)
	}
	return &collectorpb.ExportTraceServiceResponse{}, nil
}

// Serve blocks serving OTLP/gRPC until Stop is called.
func (s *GRPCServer) Serve() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("otlp grpc listen on %d: %w", s.port, err)
	}
	return s.server.Serve(lis)
}

// Stop drains in-flight RPCs and stops the server.
func (s *GRPCServer) Stop() {
	s.server.GracefulStop()
}
