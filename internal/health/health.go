// Package health serves the standard gRPC health service, reporting the
// storage state of the process.
package health

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// ServiceName is the service reported next to the overall status "".
const ServiceName = "cloudcoap"

const pingTimeout = 2 * time.Second

// Pinger checks a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wraps a gRPC server exposing grpc.health.v1.Health.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	pinger Pinger
	logger *slog.Logger
}

// NewServer creates a server. The status is NOT_SERVING until the first check.
func NewServer(pinger Pinger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gs := grpc.NewServer(grpc.KeepaliveParams(keepalive.ServerParameters{
		Time:    2 * time.Minute,
		Timeout: 20 * time.Second,
	}))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	s := &Server{grpc: gs, health: hs, pinger: pinger, logger: logger}
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

func (s *Server) set(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Check pings the storage once and updates the status.
func (s *Server) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := s.pinger.Ping(ctx); err != nil {
		s.logger.Warn("Storage health check failed", "error", err)
		s.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return false
	}
	s.set(healthpb.HealthCheckResponse_SERVING)
	return true
}

// Watch checks every interval until ctx is done.
func (s *Server) Watch(ctx context.Context, interval time.Duration) {
	s.Check(ctx)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Check(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Serve blocks serving lis.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC health service listening", "address", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop marks the service as shutting down and stops the server gracefully.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
