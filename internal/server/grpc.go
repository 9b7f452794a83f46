package server

import (
	"context"
	"fmt"
	"net"

	"LubaLedger/internal/observability"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// GRPCServer exposes grpc.health.v1 and reflection. Serving status follows
// the HealthChecker's readiness.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	grpcAddr   string
	logger     zerolog.Logger
}

func NewGRPCServer(grpcAddr string, hc *observability.HealthChecker) *GRPCServer {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	s := &GRPCServer{
		grpcServer: grpcServer,
		health:     healthServer,
		grpcAddr:   grpcAddr,
		logger:     observability.NewLogger("grpc"),
	}
	if hc != nil {
		hc.Watch(s.setServing)
	} else {
		s.setServing(true)
	}
	return s
}

func (s *GRPCServer) setServing(ready bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
}

// Server returns the underlying grpc.Server.
func (s *GRPCServer) Server() *grpc.Server {
	return s.grpcServer
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}
