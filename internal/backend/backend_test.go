package backend_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"hat/internal/backend"
	"hat/internal/codec"
	"hat/internal/db"
)

func newTestBackend(t *testing.T, cfg backend.Config) (*backend.Backend, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	d, err := db.Open(dbPath, false)
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	cfg.DB = d
	cfg.DBPath = dbPath
	if cfg.RegisterDelay == 0 {
		cfg.RegisterDelay = 20 * time.Millisecond
	}

	b, err := backend.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("backend.New: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { b.Stop() })
	return b, dbPath
}

func testMsg(s string) codec.Msg {
	return codec.Msg{Facility: codec.FacilityUser, Severity: codec.SeverityInfo, Version: 1, Message: &s}
}

func TestRegisterAndQuery(t *testing.T) {
	b, _ := newTestBackend(t, backend.Config{})
	ctx := context.Background()

	if err := b.Register(ctx, 1.0, testMsg("hello")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		entries, err := b.Query(ctx, codec.Filter{})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(entries) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for batched write")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSubscribeReceivesNewestFirst(t *testing.T) {
	b, _ := newTestBackend(t, backend.Config{RegisterQueueThreshold: 3})
	ctx := context.Background()

	var mu sync.Mutex
	var got []codec.Entry
	notified := make(chan struct{}, 1)
	b.Subscribe(func(entries []codec.Entry) {
		if len(entries) == 0 {
			return
		}
		mu.Lock()
		got = entries
		mu.Unlock()
		select {
		case notified <- struct{}{}:
		default:
		}
	})

	for i := 0; i < 3; i++ {
		msg := fmt.Sprintf("m%d", i)
		if err := b.Register(ctx, float64(i), testMsg(msg)); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	if got[0].ID < got[1].ID || got[1].ID < got[2].ID {
		t.Errorf("expected newest-first order, got ids %d, %d, %d", got[0].ID, got[1].ID, got[2].ID)
	}
}

func TestRetentionClampsToLowSize(t *testing.T) {
	b, _ := newTestBackend(t, backend.Config{
		LowSize:                2,
		HighSize:               4,
		RegisterQueueThreshold: 1,
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		msg := fmt.Sprintf("m%d", i)
		if err := b.Register(ctx, float64(i), testMsg(msg)); err != nil {
			t.Fatalf("Register: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	deadline := time.After(2 * time.Second)
	for {
		entries, err := b.Query(ctx, codec.Filter{})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(entries) <= 2 {
			if len(entries) != 2 {
				t.Fatalf("expected retention to leave exactly low_size=2 entries, got %d", len(entries))
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for retention cleanup, still have %d entries", len(entries))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRetentionArchivesRemovedEntries(t *testing.T) {
	b, dbPath := newTestBackend(t, backend.Config{
		LowSize:                1,
		HighSize:               2,
		ArchiveEnabled:         true,
		RegisterQueueThreshold: 1,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		msg := fmt.Sprintf("m%d", i)
		if err := b.Register(ctx, float64(i), testMsg(msg)); err != nil {
			t.Fatalf("Register: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		matches, _ := filepath.Glob(dbPath + ".*")
		if len(matches) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for archive rotation")
		}
		time.Sleep(10 * time.Millisecond)
	}

	matches, err := filepath.Glob(dbPath + ".*")
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected exactly one archive file, got %v", matches)
	}
	if _, err := os.Stat(matches[0]); err != nil {
		t.Fatalf("Stat archive: %v", err)
	}

	archive, err := db.Open(matches[0], false)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer archive.Close()
	entries, err := archive.Query(ctx, codec.Filter{})
	if err != nil {
		t.Fatalf("query archive: %v", err)
	}
	if len(entries) == 0 {
		t.Error("expected archived entries to have been copied")
	}
}

func TestStopIsIdempotentlyRejectedWhenNotRunning(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	d, err := db.Open(dbPath, false)
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	defer d.Close()

	b, err := backend.New(context.Background(), backend.Config{DB: d, DBPath: dbPath})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := b.Stop(); err != backend.ErrNotRunning {
			t.Errorf("Stop call %d on non-running backend = %v, want ErrNotRunning", i+1, err)
		}
	}
}
