// Package rpc runs the gRPC side of the control plane. It currently serves
// the standard health and reflection services; domain services register
// through Server.Registrar before Serve is called.
package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Server wraps a grpc.Server with lifecycle management.
type Server struct {
	addr   string
	logger *slog.Logger
	grpc   *grpc.Server
	health *health.Server
}

// New creates the gRPC server with health and reflection registered.
func New(addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "rpc")

	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)

	return &Server{
		addr:   addr,
		logger: logger,
		grpc:   gs,
		health: hs,
	}
}

// Registrar exposes the underlying grpc.Server so callers can register
// additional services before Serve.
func (s *Server) Registrar() grpc.ServiceRegistrar { return s.grpc }

// Serve listens and blocks until the server stops.
func (s *Server) Serve() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("rpc listen %s: %w", s.addr, err)
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.logger.Info("rpc server listening", "addr", s.addr)
	return s.grpc.Serve(lis)
}

// Shutdown drains in-flight calls; when ctx expires first, the server is
// stopped hard.
func (s *Server) Shutdown(ctx context.Context) {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
	}
	s.logger.Info("rpc server stopped")
}
