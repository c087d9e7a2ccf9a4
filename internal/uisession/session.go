// Package uisession implements the per-observer session state
// machine: filter sanitization, snapshot lifecycle, and the
// merge/re-query loop driven by backend change notifications.
package uisession

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"hat/internal/backend"
	"hat/internal/codec"
	"hat/internal/logging"
)

// Backend is the subset of *backend.Backend a session depends on.
type Backend interface {
	Query(ctx context.Context, filter codec.Filter) ([]codec.Entry, error)
	Subscribe(fn backend.ChangeFunc) (unsubscribe func())
	FirstID() *int64
	LastID() *int64
}

// Publish delivers one state-sync document's encoded JSON bytes to
// the observer, matching the wire shape sent to the browser.
type Publish func(doc []byte) error

// Config configures a Session.
type Config struct {
	Backend Backend
	Publish Publish
	Logger  *slog.Logger

	// InitialFilter is the observer's requested filter at connect
	// time, already unsanitized.
	InitialFilter codec.Filter
}

// Session is one connected observer's state machine. Safe for
// concurrent SetFilter calls from a WebSocket read loop while Run
// drives the publish loop.
type Session struct {
	id      uuid.UUID
	backend Backend
	publish Publish
	logger  *slog.Logger

	mu              sync.Mutex
	requestedFilter codec.Filter

	queueMu sync.Mutex
	queue   [][]codec.Entry
	wake    chan struct{}

	snapMu   sync.Mutex
	filter   codec.Filter
	snapshot []codec.Entry

	unsubscribe func()
}

// New creates a Session with a fresh session identity.
func New(cfg Config) *Session {
	id := uuid.New()
	return &Session{
		id:              id,
		backend:         cfg.Backend,
		publish:         cfg.Publish,
		logger:          logging.Default(cfg.Logger).With("component", "uisession", "session", id),
		requestedFilter: cfg.InitialFilter,
		wake:            make(chan struct{}, 1),
	}
}

// ID returns the session's identity, used only for log correlation.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// SetFilter updates the observer's requested filter and wakes the
// run loop to re-evaluate it. Safe to call from a different
// goroutine than Run (the WebSocket read loop).
func (s *Session) SetFilter(f codec.Filter) {
	s.mu.Lock()
	s.requestedFilter = f
	s.mu.Unlock()
	s.enqueue(nil)
}

func (s *Session) currentRequestedFilter() codec.Filter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestedFilter
}

func (s *Session) enqueue(entries []codec.Entry) {
	s.queueMu.Lock()
	s.queue = append(s.queue, entries)
	s.queueMu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) drainQueue() [][]codec.Entry {
	s.queueMu.Lock()
	items := s.queue
	s.queue = nil
	s.queueMu.Unlock()
	return items
}

// Run installs the backend subscription, publishes the initial
// snapshot, then drives the observer state machine until ctx is
// cancelled. An observer error closes that session only — the caller
// is responsible for tearing down the connection when Run returns.
func (s *Session) Run(ctx context.Context) error {
	s.unsubscribe = s.backend.Subscribe(func(entries []codec.Entry) {
		s.enqueue(entries)
	})
	defer s.unsubscribe()

	sanitized := sanitize(s.currentRequestedFilter())
	s.snapMu.Lock()
	s.filter = sanitized
	s.snapMu.Unlock()

	entries, err := s.backend.Query(ctx, sanitized)
	if err != nil {
		return fmt.Errorf("uisession: initial query: %w", err)
	}
	s.snapMu.Lock()
	s.snapshot = entries
	s.snapMu.Unlock()

	if err := s.publishSnapshot(); err != nil {
		return fmt.Errorf("uisession: publish initial snapshot: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
			items := s.drainQueue()
			if err := s.handleWake(ctx, items); err != nil {
				s.logger.Warn("handle wake failed", "error", err)
				return err
			}
		}
	}
}

// handleWake implements the observer loop's wake-and-merge step.
func (s *Session) handleWake(ctx context.Context, items [][]codec.Entry) error {
	requested := sanitize(s.currentRequestedFilter())

	s.snapMu.Lock()
	filterChanged := !requested.Equal(s.filter)
	s.snapMu.Unlock()

	if filterChanged {
		entries, err := s.backend.Query(ctx, requested)
		if err != nil {
			return fmt.Errorf("re-query: %w", err)
		}
		s.snapMu.Lock()
		s.filter = requested
		s.snapshot = entries
		s.snapMu.Unlock()
	} else {
		s.mergeAppends(items, requested)
	}

	return s.publishSnapshot()
}

// mergeAppends prepends newly matching entries (newest first) to the
// snapshot and truncates to the sanitized filter's max_results.
func (s *Session) mergeAppends(items [][]codec.Entry, filter codec.Filter) {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	var headID int64
	if len(s.snapshot) > 0 {
		headID = s.snapshot[0].ID
	}

	var fresh []codec.Entry
	for i := len(items) - 1; i >= 0; i-- {
		for _, e := range items[i] {
			if e.ID > headID && filter.Matches(e) {
				fresh = append(fresh, e)
			}
		}
	}
	if len(fresh) == 0 {
		return
	}

	s.snapshot = append(fresh, s.snapshot...)
	max := codec.ClampMaxResults(filter.MaxResults)
	if len(s.snapshot) > max {
		s.snapshot = s.snapshot[:max]
	}
}

func (s *Session) publishSnapshot() error {
	s.snapMu.Lock()
	filter := s.filter
	snapshot := make([]codec.Entry, len(s.snapshot))
	copy(snapshot, s.snapshot)
	s.snapMu.Unlock()

	doc, err := encodeStateDoc(filter, snapshot, s.backend.FirstID(), s.backend.LastID())
	if err != nil {
		return fmt.Errorf("encode state doc: %w", err)
	}
	return s.publish(doc)
}

// sanitize clamps an observer-requested filter's max_results to the
// global cap.
func sanitize(f codec.Filter) codec.Filter {
	clamped := codec.ClampMaxResults(f.MaxResults)
	f.MaxResults = &clamped
	return f
}

type stateDoc struct {
	Filter  json.RawMessage   `json:"filter"`
	Entries []json.RawMessage `json:"entries"`
	FirstID *int64            `json:"first_id"`
	LastID  *int64            `json:"last_id"`
}

func encodeStateDoc(filter codec.Filter, entries []codec.Entry, firstID, lastID *int64) ([]byte, error) {
	filterJSON, err := codec.EncodeFilterJSON(filter)
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}

	entryDocs := make([]json.RawMessage, len(entries))
	for i, e := range entries {
		raw, err := codec.EncodeEntryJSON(e)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", e.ID, err)
		}
		entryDocs[i] = raw
	}

	doc := stateDoc{
		Filter:  filterJSON,
		Entries: entryDocs,
		FirstID: firstID,
		LastID:  lastID,
	}
	return json.Marshal(doc)
}
