// Package health serves the standard gRPC health checking protocol so
// orchestrators can probe presenced without going through the HTTP API.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health entry reported alongside the overall ("") status.
const ServiceName = "presenced"

// Server wraps a gRPC server carrying only the health service.
type Server struct {
	addr   string
	srv    *grpc.Server
	health *health.Server
}

// NewServer creates the server. Status starts as NOT_SERVING until SetServing.
func NewServer(addr string) *Server {
	s := &Server{
		addr:   addr,
		srv:    grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor)),
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(s.srv, s.health)
	s.SetServing(false)
	return s
}

// SetServing flips both the overall and the named status.
func (s *Server) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// ListenAndServe listens on the configured address and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(lis)
}

// Serve serves on lis until Shutdown.
func (s *Server) Serve(lis net.Listener) error {
	slog.Info("[Health] Starting gRPC health server", "addr", lis.Addr().String())
	if err := s.srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Shutdown reports NOT_SERVING to watchers and stops the server gracefully.
func (s *Server) Shutdown() {
	s.health.Shutdown()
	s.srv.GracefulStop()
}

func loggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	slog.Debug("[Health] gRPC call", "method", info.FullMethod, "duration", time.Since(start), "error", err)
	return resp, err
}
