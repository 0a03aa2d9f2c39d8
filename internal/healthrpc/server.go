// Package healthrpc serves the standard gRPC health protocol for
// busdeck serve. The broker service status follows the transport circuit
// breaker.
package healthrpc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// BrokerService is the health service name tracking the broker transport.
// The empty service name reports the process itself.
const BrokerService = "busdeck.Broker"

const defaultInterval = 2 * time.Second

// StateFunc returns the transport breaker state ("closed", "half-open",
// "open").
type StateFunc func() string

type Server struct {
	Health   *health.Server
	State    StateFunc
	Interval time.Duration
	Logger   *slog.Logger

	grpc *grpc.Server

	mu   sync.Mutex
	last healthpb.HealthCheckResponse_ServingStatus
}

func NewServer(state StateFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		Health:   health.NewServer(),
		State:    state,
		Interval: defaultInterval,
		Logger:   logger,
		last:     healthpb.HealthCheckResponse_ServingStatus(-1),
	}
	s.grpc = grpc.NewServer(grpc.ChainUnaryInterceptor(s.recoverUnary))
	healthpb.RegisterHealthServer(s.grpc, s.Health)
	s.Health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.refresh()
	return s
}

// StatusFor maps a breaker state onto a serving status. Half-open still
// serves: the breaker is probing the transport with live calls.
func StatusFor(state string) healthpb.HealthCheckResponse_ServingStatus {
	switch state {
	case "open":
		return healthpb.HealthCheckResponse_NOT_SERVING
	case "", "closed", "half-open":
		return healthpb.HealthCheckResponse_SERVING
	default:
		return healthpb.HealthCheckResponse_UNKNOWN
	}
}

func (s *Server) refresh() {
	state := ""
	if s.State != nil {
		state = s.State()
	}
	next := StatusFor(state)

	s.mu.Lock()
	changed := s.last != next
	s.last = next
	s.mu.Unlock()
	if !changed {
		return
	}
	s.Health.SetServingStatus(BrokerService, next)
	s.Logger.Info("grpc_health_status_changed",
		slog.String("service", BrokerService),
		slog.String("breaker_state", state),
		slog.String("status", next.String()))
}

// Watch polls State until ctx is done.
func (s *Server) Watch(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.refresh()
		}
	}
}

// Serve blocks until the listener fails or Stop is called.
func (s *Server) Serve(ln net.Listener) error {
	err := s.grpc.Serve(ln)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop marks every service NOT_SERVING so watchers see the shutdown, then
// drains in-flight calls until ctx expires.
func (s *Server) Stop(ctx context.Context) {
	s.Health.Shutdown()
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
}

func (s *Server) recoverUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.Logger.Error("grpc_handler_panic", slog.String("method", info.FullMethod), slog.Any("panic", r))
			err = status.Error(codes.Internal, "internal error")
		}
	}()
	return handler(ctx, req)
}
