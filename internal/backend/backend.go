// Package backend owns the ingest queue, the batching writer loop,
// watermark retention, archive rotation and change-subscription
// fan-out that sit between the ingest listeners and the database.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"hat/internal/codec"
	"hat/internal/db"
	"hat/internal/logging"
)

// Defaults for the constructor parameters.
const (
	DefaultRegisterQueueSize      = 50
	DefaultRegisterDelay          = 100 * time.Millisecond
	DefaultRegisterQueueThreshold = 10
)

var (
	// ErrAlreadyRunning is returned by Start on an already-running backend.
	ErrAlreadyRunning = errors.New("backend: already running")
	// ErrNotRunning is returned by Stop on a backend that isn't running.
	ErrNotRunning = errors.New("backend: not running")
	// ErrClosed is returned by Register once the batch loop has exited.
	ErrClosed = errors.New("backend: closed")
)

// ChangeFunc receives newly inserted entries, newest first, or an
// empty slice when only first_id/last_id changed (e.g. after cleanup).
type ChangeFunc func(entries []codec.Entry)

// Config configures a Backend. Zero-valued register queue size, delay
// and threshold fall back to the package defaults; LowSize and
// HighSize have no defaults, and a zero HighSize disables retention.
type Config struct {
	DB     *db.DB
	DBPath string

	RegisterQueueSize      int
	RegisterDelay          time.Duration
	RegisterQueueThreshold int

	LowSize        int
	HighSize       int
	ArchiveEnabled bool

	// DisableArchiveJournal controls PRAGMA journal_mode for any
	// archive databases this backend opens during retention cleanup.
	DisableArchiveJournal bool

	Logger *slog.Logger
	Now    func() time.Time
}

type registerRequest struct {
	arrivalTS float64
	msg       codec.Msg
}

// Backend is the sole writer to the database.
type Backend struct {
	database *db.DB
	dbPath   string

	registerQueueThreshold int
	registerDelay          time.Duration
	lowSize                int
	highSize               int
	archiveEnabled         bool
	disableArchiveJournal  bool

	logger *slog.Logger
	now    func() time.Time

	registerCh chan registerRequest

	mu          sync.Mutex
	firstID     *int64
	lastID      *int64
	subscribers map[int]ChangeFunc
	nextSubID   int
	running     bool
	cancel      context.CancelFunc
	closed      chan struct{}

	wg sync.WaitGroup
}

// New creates a Backend bound to an already-open database, reading
// its current first_id/last_id bounds.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.DB == nil {
		return nil, errors.New("backend: Config.DB is required")
	}
	if cfg.RegisterQueueSize <= 0 {
		cfg.RegisterQueueSize = DefaultRegisterQueueSize
	}
	if cfg.RegisterDelay <= 0 {
		cfg.RegisterDelay = DefaultRegisterDelay
	}
	if cfg.RegisterQueueThreshold <= 0 {
		cfg.RegisterQueueThreshold = DefaultRegisterQueueThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	first, err := cfg.DB.GetFirstID(ctx)
	if err != nil {
		return nil, fmt.Errorf("backend: read first id: %w", err)
	}
	last, err := cfg.DB.GetLastID(ctx)
	if err != nil {
		return nil, fmt.Errorf("backend: read last id: %w", err)
	}

	return &Backend{
		database:               cfg.DB,
		dbPath:                 cfg.DBPath,
		registerQueueThreshold: cfg.RegisterQueueThreshold,
		registerDelay:          cfg.RegisterDelay,
		lowSize:                cfg.LowSize,
		highSize:               cfg.HighSize,
		archiveEnabled:         cfg.ArchiveEnabled,
		disableArchiveJournal:  cfg.DisableArchiveJournal,
		logger:                 logging.Default(cfg.Logger).With("component", "backend"),
		now:                    cfg.Now,
		registerCh:             make(chan registerRequest, cfg.RegisterQueueSize),
		subscribers:            make(map[int]ChangeFunc),
		firstID:                first,
		lastID:                 last,
	}, nil
}

// Start launches the batching loop. ctx governs the loop's lifetime;
// use Stop to cancel and wait for it to exit.
func (b *Backend) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.closed = make(chan struct{})
	b.running = true

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.batchLoop(loopCtx)
	}()

	b.logger.Info("backend started", "low_size", b.lowSize, "high_size", b.highSize, "archive_enabled", b.archiveEnabled)
	return nil
}

// Stop cancels the batching loop and waits for it to exit.
func (b *Backend) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return ErrNotRunning
	}
	cancel := b.cancel
	b.mu.Unlock()

	cancel()
	b.wg.Wait()

	b.mu.Lock()
	b.running = false
	b.cancel = nil
	b.mu.Unlock()
	return nil
}

// Register enqueues (arrival_ts, msg), blocking if the queue is full.
func (b *Backend) Register(ctx context.Context, arrivalTS float64, msg codec.Msg) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()

	select {
	case b.registerCh <- registerRequest{arrivalTS: arrivalTS, msg: msg}:
		return nil
	case <-closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Query delegates to the database.
func (b *Backend) Query(ctx context.Context, filter codec.Filter) ([]codec.Entry, error) {
	return b.database.Query(ctx, filter)
}

// FirstID returns the current lower bound, or nil if empty.
func (b *Backend) FirstID() *int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return copyInt64Ptr(b.firstID)
}

// LastID returns the current upper bound, or nil if empty.
func (b *Backend) LastID() *int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return copyInt64Ptr(b.lastID)
}

// Subscribe registers a change callback and returns a function that
// removes it.
func (b *Backend) Subscribe(fn ChangeFunc) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSubID
	b.nextSubID++
	b.subscribers[id] = fn
	return func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}
}

func (b *Backend) notify(entries []codec.Entry) {
	b.mu.Lock()
	fns := make([]ChangeFunc, 0, len(b.subscribers))
	for _, fn := range b.subscribers {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(entries)
	}
}

// batchLoop is the sole writer, implementing the collection and
// retention algorithm.
func (b *Backend) batchLoop(ctx context.Context) {
	defer func() {
		b.mu.Lock()
		close(b.closed)
		b.mu.Unlock()
	}()

	for {
		batch, ok := b.collectBatch(ctx)
		if !ok {
			return
		}
		if len(batch) > 0 {
			if err := b.processBatch(ctx, batch); err != nil {
				b.logger.Warn("persistence failure, closing backend", "error", err)
				return
			}
		}
	}
}

// collectBatch blocks for the first message, then coalesces further
// messages until the delay budget elapses, the threshold is reached,
// or a wait times out. The bool result is false once ctx is done.
func (b *Backend) collectBatch(ctx context.Context) ([]registerRequest, bool) {
	var first registerRequest
	select {
	case first = <-b.registerCh:
	case <-ctx.Done():
		return nil, false
	}

	batch := []registerRequest{first}
	batch = drainReady(b.registerCh, batch)

	deadline := b.now().Add(b.registerDelay)

collectLoop:
	for len(batch) < b.registerQueueThreshold {
		remaining := deadline.Sub(b.now())
		if remaining <= 0 {
			break collectLoop
		}
		timer := time.NewTimer(remaining)
		select {
		case m := <-b.registerCh:
			timer.Stop()
			batch = append(batch, m)
		case <-timer.C:
			break collectLoop
		case <-ctx.Done():
			timer.Stop()
			return batch, false
		}
	}

	batch = drainReady(b.registerCh, batch)
	return batch, true
}

func drainReady(ch chan registerRequest, batch []registerRequest) []registerRequest {
	for {
		select {
		case m := <-ch:
			batch = append(batch, m)
		default:
			return batch
		}
	}
}

func (b *Backend) processBatch(ctx context.Context, batch []registerRequest) error {
	msgs := make([]db.TimestampedMsg, len(batch))
	for i, r := range batch {
		msgs[i] = db.TimestampedMsg{ArrivalTS: r.arrivalTS, Msg: r.msg}
	}

	entries, err := b.database.AddMsgs(ctx, msgs)
	if err != nil {
		return fmt.Errorf("add_msgs: %w", err)
	}

	b.mu.Lock()
	last := entries[len(entries)-1].ID
	b.lastID = &last
	if b.firstID == nil {
		first := entries[0].ID
		b.firstID = &first
	}
	firstID := *b.firstID
	lastID := *b.lastID
	highSize := b.highSize
	lowSize := b.lowSize
	b.mu.Unlock()

	b.notify(reverseEntries(entries))

	if highSize > 0 && lastID-firstID+1 > int64(highSize) {
		if err := b.runRetention(ctx, firstID, lastID, lowSize); err != nil {
			b.logger.Warn("retention cleanup failed", "error", err)
		}
	}

	return nil
}

// runRetention implements the watermark cleanup.
func (b *Backend) runRetention(ctx context.Context, firstID, lastID int64, lowSize int) error {
	newFirst := lastID - int64(lowSize) + 1
	if newFirst <= firstID {
		return nil
	}

	if b.archiveEnabled {
		if err := b.archiveBefore(ctx, newFirst); err != nil {
			return fmt.Errorf("archive: %w", err)
		}
	}

	if err := b.database.Delete(ctx, &newFirst); err != nil {
		return fmt.Errorf("delete: %w", err)
	}

	b.mu.Lock()
	if newFirst > lastID {
		b.firstID = nil
		b.lastID = nil
	} else {
		first := newFirst
		b.firstID = &first
	}
	b.mu.Unlock()

	b.notify(nil)
	return nil
}

// archiveBefore copies every entry with id < upperExclusive into a
// freshly allocated archive database, preserving ids.
func (b *Backend) archiveBefore(ctx context.Context, upperExclusive int64) error {
	upTo := upperExclusive - 1
	entries, err := b.database.Query(ctx, codec.Filter{LastID: &upTo})
	if err != nil {
		return fmt.Errorf("query entries to archive: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	path, err := b.nextArchivePath()
	if err != nil {
		return fmt.Errorf("determine archive path: %w", err)
	}

	archive, err := db.Open(path, b.disableArchiveJournal)
	if err != nil {
		return fmt.Errorf("open archive %s: %w", path, err)
	}
	defer archive.Close()

	if err := archive.AddEntries(ctx, entries); err != nil {
		return fmt.Errorf("copy entries into archive %s: %w", path, err)
	}

	b.logger.Info("rotated archive", "path", path, "entries", len(entries))
	return nil
}

// nextArchivePath scans db_path.<N> siblings and returns a path with
// a suffix strictly greater than any existing integer suffix,
// tolerating gaps and non-numeric siblings.
func (b *Backend) nextArchivePath() (string, error) {
	matches, err := filepath.Glob(b.dbPath + ".*")
	if err != nil {
		return "", err
	}

	prefix := b.dbPath + "."
	maxN := -1
	for _, m := range matches {
		suffix := strings.TrimPrefix(m, prefix)
		n, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		if n > maxN {
			maxN = n
		}
	}

	return fmt.Sprintf("%s%d", prefix, maxN+1), nil
}

func reverseEntries(entries []codec.Entry) []codec.Entry {
	out := make([]codec.Entry, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e
	}
	return out
}

func copyInt64Ptr(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
