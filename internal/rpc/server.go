package rpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// maxMsgSize bounds a RecomputeFrame response for a crowded frame.
const maxMsgSize = 4 * 1024 * 1024

// DefaultHealthInterval is how often Serve re-pings the store.
const DefaultHealthInterval = 10 * time.Second

// Server wraps a grpc.Server carrying TagService and the standard health
// service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	store  Store

	// HealthInterval is the store ping period while serving. Zero or less
	// checks only at startup.
	HealthInterval time.Duration

	mu       sync.Mutex
	listener net.Listener
}

// NewServer builds a Server. Nothing listens until Serve is called.
func NewServer(store Store, engine Engine) *Server {
	gs := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
		grpc.UnaryInterceptor(LoggingInterceptor),
	)
	gs.RegisterService(&TagServiceDesc, NewService(store, engine))

	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{grpc: gs, health: hs, store: store, HealthInterval: DefaultHealthInterval}
}

// GRPCServer returns the underlying grpc.Server.
func (s *Server) GRPCServer() *grpc.Server {
	return s.grpc
}

// CheckHealth pings the store and updates the serving status of both the
// overall server and TagService.
func (s *Server) CheckHealth() error {
	st := healthpb.HealthCheckResponse_SERVING
	err := s.store.Ping()
	if err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
	return err
}

// ListenAndServe binds addr and serves until ctx is cancelled, then stops
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve accepts connections on lis until ctx is cancelled. The health status
// follows the store for as long as Serve runs.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	if err := s.CheckHealth(); err != nil {
		logf("store not ready: %v", err)
	}

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	if s.HealthInterval > 0 {
		go s.watchHealth(watchCtx, s.HealthInterval)
	}

	errc := make(chan error, 1)
	go func() {
		logf("server listening on %s", lis.Addr())
		errc <- s.grpc.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.Stop()
		<-errc
		return nil
	case err := <-errc:
		return err
	}
}

func (s *Server) watchHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	healthy := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.CheckHealth()
			if err != nil && healthy {
				logf("store unavailable, reporting NOT_SERVING: %v", err)
			} else if err == nil && !healthy {
				logf("store reachable again, reporting SERVING")
			}
			healthy = err == nil
		}
	}
}

// Stop marks the server not serving and waits for in-flight RPCs.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
	logf("server stopped")
}

// Addr returns the bound address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
