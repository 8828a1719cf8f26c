// Package grpcserver hosts the portal's gRPC surface: the standard health
// service, instrumented with Prometheus interceptors.
package grpcserver

import (
	"context"
	"log/slog"
	"net"
	"time"

	gp "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Probe reports whether one dependency is usable.
type Probe func(ctx context.Context) error

type Server struct {
	grpc   *grpc.Server
	health *health.Server
	log    *slog.Logger
}

func New(log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		grpc: grpc.NewServer(
			grpc.UnaryInterceptor(gp.UnaryServerInterceptor),
			grpc.StreamInterceptor(gp.StreamServerInterceptor),
		),
		health: health.NewServer(),
		log:    log,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	gp.Register(s.grpc)
	return s
}

// SetServing marks service ("" is the whole server) as serving or not.
func (s *Server) SetServing(service string, ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(service, st)
}

// Watch runs every probe each interval until ctx ends, publishing one health
// entry per probe name. The overall status is serving only while all probes
// pass.
func (s *Server) Watch(ctx context.Context, interval time.Duration, probes map[string]Probe) {
	check := func() {
		all := true
		for name, p := range probes {
			pctx, cancel := context.WithTimeout(ctx, interval)
			err := p(pctx)
			cancel()
			if err != nil {
				all = false
				s.log.Warn("health probe failing", "probe", name, "error", err)
			}
			s.SetServing(name, err == nil)
		}
		s.SetServing("", all)
	}
	check()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			check()
		}
	}
}

func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Stop flips every service to NOT_SERVING and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
