// Package health serves the standard gRPC health protocol on a Unix socket.
// The empty service name reports the daemon; "wpphub.session/<user_id>"
// reports whether that user's session is connected.
package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/matheus3301/wpphub/internal/bus"
	"github.com/matheus3301/wpphub/internal/session"
	"github.com/matheus3301/wpphub/internal/status"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// SessionService returns the health service name for a user's session.
func SessionService(userID string) string {
	return "wpphub.session/" + userID
}

const defaultResync = 5 * time.Second

// Sessions is the source of truth for session states. Bus events only say
// when to look; a full subscriber buffer drops them.
type Sessions interface {
	Status(userID string) status.State
	Snapshots() []session.Snapshot
}

// Server is the gRPC health server.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	socketPath string
	bus        *bus.Bus
	sessions   Sessions
	resync     time.Duration
	logger     *zap.Logger

	// known is every user ever reported; owned by the follow goroutine.
	known map[string]struct{}

	unsub func()
	done  chan struct{}
	wg    sync.WaitGroup
}

// NewServer listens on socketPath, replacing a stale socket file.
func NewServer(socketPath string, b *bus.Bus, sessions Sessions, logger *zap.Logger) (*Server, error) {
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &Server{
		grpcServer: srv,
		health:     hs,
		listener:   listener,
		socketPath: socketPath,
		bus:        b,
		sessions:   sessions,
		resync:     defaultResync,
		logger:     logger,
		known:      make(map[string]struct{}),
		done:       make(chan struct{}),
	}, nil
}

// Start marks the daemon serving, follows session status changes and serves
// in the background.
func (s *Server) Start(ctx context.Context) {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	events, unsub := s.bus.Subscribe(status.KindStatusChanged, 256)
	s.unsub = unsub
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.follow(events)
	}()
	go func() {
		defer s.wg.Done()
		s.logger.Info("health server starting", zap.String("socket", s.socketPath))
		if err := s.grpcServer.Serve(s.listener); err != nil {
			s.logger.Error("health server error", zap.Error(err))
		}
	}()
}

func (s *Server) follow(events <-chan bus.Event) {
	ticker := time.NewTicker(s.resync)
	defer ticker.Stop()
	s.refreshAll()
	for {
		select {
		case <-s.done:
			return
		case evt := <-events:
			if _, ok := evt.Payload.(status.StatusChange); ok {
				s.refresh(evt.UserID)
			}
		case <-ticker.C:
			s.refreshAll()
		}
	}
}

func (s *Server) refresh(userID string) {
	s.known[userID] = struct{}{}
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if s.sessions.Status(userID) == status.Connected {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(SessionService(userID), st)
}

// refreshAll covers users whose every event was dropped, and users whose
// entry is gone.
func (s *Server) refreshAll() {
	for _, snap := range s.sessions.Snapshots() {
		s.known[snap.UserID] = struct{}{}
	}
	for userID := range s.known {
		s.refresh(userID)
	}
}

// Stop reports NOT_SERVING everywhere, stops serving and removes the socket.
func (s *Server) Stop(_ context.Context) {
	s.logger.Info("health server stopping")
	s.health.Shutdown()
	if s.unsub != nil {
		s.unsub()
	}
	close(s.done)
	s.grpcServer.GracefulStop()
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
}
