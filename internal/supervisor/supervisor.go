// Package supervisor implements the top-level resource tree: backend,
// web server, and one listener per syslog address. Cancelling any
// node tears down the whole tree; the lifetime of any child ending
// also tears down the tree.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hat/internal/logging"
)

// DefaultShutdownGrace is the delay applied during shutdown to let
// in-flight writes flush before the backend is closed.
const DefaultShutdownGrace = 100 * time.Millisecond

// Backend is the lifecycle contract of the database-backed ingest
// queue: Start launches the batch loop, Stop tears it down.
type Backend interface {
	Start(ctx context.Context) error
	Stop() error
}

// Runnable is a blocking component — a web server or syslog listener —
// that runs until ctx is cancelled or it fails.
type Runnable interface {
	Run(ctx context.Context) error
}

// Config describes the resource tree to supervise.
type Config struct {
	Backend Backend

	// Runnables are started concurrently once Backend.Start succeeds:
	// the web server and one listener per configured syslog address.
	Runnables []Runnable

	Logger        *slog.Logger
	ShutdownGrace time.Duration
}

// Supervisor owns the lifetimes of the backend, web server, and
// syslog listeners.
type Supervisor struct {
	backend       Backend
	runnables     []Runnable
	logger        *slog.Logger
	shutdownGrace time.Duration
}

// New constructs a Supervisor. Call Run to start the tree.
func New(cfg Config) *Supervisor {
	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}
	return &Supervisor{
		backend:       cfg.Backend,
		runnables:     cfg.Runnables,
		logger:        logging.Default(cfg.Logger).With("component", "supervisor"),
		shutdownGrace: grace,
	}
}

// Run starts the backend, then all runnables, and blocks until ctx is
// cancelled or any child's lifetime ends — at which point the whole
// tree is torn down. Run returns the error that triggered teardown,
// or nil on a clean, externally requested shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.backend.Start(ctx); err != nil {
		return fmt.Errorf("supervisor: start backend: %w", err)
	}

	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		once     sync.Once
		firstMu  sync.Mutex
		first    error
		torndown = make(chan struct{})
	)
	recordFailure := func(err error) {
		once.Do(func() {
			if err != nil {
				firstMu.Lock()
				first = err
				firstMu.Unlock()
			}
			cancel()
			close(torndown)
		})
	}

	var wg sync.WaitGroup
	for _, r := range s.runnables {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Run(childCtx); err != nil {
				s.logger.Warn("component exited with error, tearing down tree", "error", err)
				recordFailure(err)
			} else {
				recordFailure(nil)
			}
		}()
	}

	select {
	case <-ctx.Done():
		recordFailure(nil)
	case <-torndown:
	}

	wg.Wait()

	time.Sleep(s.shutdownGrace)

	if err := s.backend.Stop(); err != nil {
		s.logger.Warn("backend stop failed", "error", err)
	}

	firstMu.Lock()
	defer firstMu.Unlock()
	return first
}
