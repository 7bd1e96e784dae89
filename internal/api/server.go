// Package api serves the HTTP control API the application backend uses to
// connect users, read their status and send messages.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/wpphub/internal/session"
	"go.uber.org/zap"
)

// Sessions is the part of *session.Registry the API drives.
type Sessions interface {
	ConnectUser(ctx context.Context, userID string) error
	DisconnectUser(ctx context.Context, userID string) error
	Snapshot(userID string) session.Snapshot
	Snapshots() []session.Snapshot
	SendText(ctx context.Context, userID, to, text string) (string, error)
}

// Server is the control API.
type Server struct {
	sessions Sessions
	logger   *zap.Logger
	// connectWait bounds how long connect waits for the first attempt.
	connectWait time.Duration

	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates the API and binds addr. Serving starts with Start.
func NewServer(addr string, sessions Sessions, logger *zap.Logger) (*Server, error) {
	s := &Server{
		sessions:    sessions,
		logger:      logger,
		connectWait: 10 * time.Second,
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	mux.HandleFunc("POST /v1/sessions/connect", s.handleConnect)
	mux.HandleFunc("POST /v1/sessions/disconnect", s.handleDisconnect)
	mux.HandleFunc("GET /v1/sessions", s.handleList)
	mux.HandleFunc("GET /v1/sessions/{user_id}", s.handleStatus)
	mux.HandleFunc("GET /v1/sessions/{user_id}/qr", s.handleQR)
	mux.HandleFunc("POST /v1/sessions/{user_id}/messages", s.handleSend)
	return s.withRequestLog(mux)
}

// Start serves in the background until Stop.
func (s *Server) Start() {
	go func() {
		s.logger.Info("http api starting", zap.String("addr", s.Addr()))
		if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http api error", zap.Error(err))
		}
	}()
}

// Stop drains in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("http api stopping")
	return s.httpServer.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.logger.Info("http request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
