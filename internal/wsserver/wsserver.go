// Package wsserver exposes the single GET /ws endpoint: one
// WebSocket connection per observer, running a uisession.Session
// underneath.
package wsserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"hat/internal/codec"
	"hat/internal/logging"
	"hat/internal/uisession"
)

// Backend is the subset of *backend.Backend a session depends on.
type Backend = uisession.Backend

// Config configures a Server.
type Config struct {
	Addr    string
	Backend Backend
	Logger  *slog.Logger
}

// Server serves the observer WebSocket endpoint.
type Server struct {
	addr    string
	backend Backend
	logger  *slog.Logger

	upgrader websocket.Upgrader

	mu     sync.Mutex
	server *http.Server
}

// New constructs a Server. Call Run to start serving.
func New(cfg Config) *Server {
	return &Server{
		addr:    cfg.Addr,
		backend: cfg.Backend,
		logger:  logging.Default(cfg.Logger).With("component", "wsserver"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Run listens on the configured address and serves until ctx is
// cancelled, at which point it shuts down gracefully and returns nil.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("wsserver: listen %s: %w", s.addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	httpServer := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.server = httpServer
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()

	s.logger.Info("ws server listening", "addr", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("ws server shutdown error", "error", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("wsserver: serve: %w", err)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var writeMu sync.Mutex
	sess := uisession.New(uisession.Config{
		Backend: s.backend,
		Logger:  s.logger,
		Publish: func(doc []byte) error {
			writeMu.Lock()
			defer writeMu.Unlock()
			return conn.WriteMessage(websocket.TextMessage, doc)
		},
	})

	logger := s.logger.With("session", sess.ID())
	logger.Info("observer connected")

	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			cancel()
			break
		}

		filter, err := codec.DecodeFilterJSON(payload)
		if err != nil {
			logger.Warn("discarding malformed filter update", "error", err)
			continue
		}
		sess.SetFilter(filter)
	}

	if err := <-runErr; err != nil {
		logger.Warn("observer session ended with error", "error", err)
	} else {
		logger.Info("observer disconnected")
	}
}
