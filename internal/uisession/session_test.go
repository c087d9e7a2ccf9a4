package uisession_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"hat/internal/backend"
	"hat/internal/codec"
	"hat/internal/uisession"
)

type fakeBackend struct {
	mu          sync.Mutex
	entries     []codec.Entry
	subscribers []backend.ChangeFunc
	firstID     *int64
	lastID      *int64
	queryCalls  int
}

func (f *fakeBackend) Query(ctx context.Context, filter codec.Filter) ([]codec.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryCalls++

	var out []codec.Entry
	for i := len(f.entries) - 1; i >= 0; i-- {
		if filter.Matches(f.entries[i]) {
			out = append(out, f.entries[i])
		}
	}
	max := codec.ClampMaxResults(filter.MaxResults)
	if len(out) > max {
		out = out[:max]
	}
	return out, nil
}

func (f *fakeBackend) Subscribe(fn backend.ChangeFunc) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribers = append(f.subscribers, fn)
	return func() {}
}

func (f *fakeBackend) FirstID() *int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.firstID
}

func (f *fakeBackend) LastID() *int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastID
}

func (f *fakeBackend) append(e codec.Entry) {
	f.mu.Lock()
	f.entries = append(f.entries, e)
	id := e.ID
	if f.firstID == nil {
		f.firstID = &id
	}
	f.lastID = &id
	subs := append([]backend.ChangeFunc{}, f.subscribers...)
	f.mu.Unlock()

	for _, fn := range subs {
		fn([]codec.Entry{e})
	}
}

func testEntry(id int64, message string) codec.Entry {
	m := message
	return codec.Entry{
		ID:        id,
		Timestamp: time.Unix(id, 0).UTC(),
		Msg:       codec.Msg{Facility: codec.FacilityUser, Severity: codec.SeverityInfo, Version: 1, Message: &m},
	}
}

type capturedDoc struct {
	Entries []json.RawMessage `json:"entries"`
	FirstID *int64            `json:"first_id"`
	LastID  *int64            `json:"last_id"`
}

func TestSessionPublishesInitialSnapshot(t *testing.T) {
	fb := &fakeBackend{}
	fb.append(testEntry(1, "one"))
	fb.append(testEntry(2, "two"))

	var mu sync.Mutex
	var docs []capturedDoc
	published := make(chan struct{}, 10)

	sess := uisession.New(uisession.Config{
		Backend: fb,
		Publish: func(raw []byte) error {
			var d capturedDoc
			if err := json.Unmarshal(raw, &d); err != nil {
				t.Errorf("unmarshal doc: %v", err)
				return nil
			}
			mu.Lock()
			docs = append(docs, d)
			mu.Unlock()
			published <- struct{}{}
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial publish")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(docs) != 1 {
		t.Fatalf("expected 1 published doc, got %d", len(docs))
	}
	if len(docs[0].Entries) != 2 {
		t.Errorf("expected 2 entries in initial snapshot, got %d", len(docs[0].Entries))
	}
}

func TestSessionMergesAppendedEntries(t *testing.T) {
	fb := &fakeBackend{}
	fb.append(testEntry(1, "one"))

	published := make(chan capturedDoc, 10)
	sess := uisession.New(uisession.Config{
		Backend: fb,
		Publish: func(raw []byte) error {
			var d capturedDoc
			json.Unmarshal(raw, &d)
			published <- d
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	<-published // initial snapshot

	fb.append(testEntry(2, "two"))

	select {
	case d := <-published:
		if len(d.Entries) != 2 {
			t.Errorf("expected 2 entries after append, got %d", len(d.Entries))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for merge publish")
	}
}

func TestSessionReQueriesOnFilterChange(t *testing.T) {
	fb := &fakeBackend{}
	fb.append(testEntry(1, "disk error"))
	fb.append(testEntry(2, "network up"))

	published := make(chan capturedDoc, 10)
	sess := uisession.New(uisession.Config{
		Backend: fb,
		Publish: func(raw []byte) error {
			var d capturedDoc
			json.Unmarshal(raw, &d)
			published <- d
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	<-published // initial snapshot (2 entries)

	needle := "disk"
	sess.SetFilter(codec.Filter{Message: &needle})

	select {
	case d := <-published:
		if len(d.Entries) != 1 {
			t.Errorf("expected 1 entry after filter change, got %d", len(d.Entries))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for re-query publish")
	}

	if fb.queryCalls < 2 {
		t.Errorf("expected at least 2 query calls (initial + re-query), got %d", fb.queryCalls)
	}
}

func TestSessionMaxResultsClampedToGlobalCap(t *testing.T) {
	fb := &fakeBackend{}
	published := make(chan []byte, 10)
	sess := uisession.New(uisession.Config{
		Backend: fb,
		Publish: func(raw []byte) error {
			published <- raw
			return nil
		},
	})

	big := 10000
	sess.SetFilter(codec.Filter{MaxResults: &big})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	select {
	case raw := <-published:
		var d struct {
			Filter struct {
				MaxResults *int `json:"max_results"`
			} `json:"filter"`
		}
		if err := json.Unmarshal(raw, &d); err != nil {
			t.Fatalf("unmarshal doc: %v", err)
		}
		if d.Filter.MaxResults == nil || *d.Filter.MaxResults != codec.GlobalMaxResults {
			t.Errorf("published max_results = %v, want %d", d.Filter.MaxResults, codec.GlobalMaxResults)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial publish")
	}

	cancel()
	<-done
}
