package ingest_test

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"hat/internal/codec"
	"hat/internal/ingest"
)

func waitForListener(t *testing.T, addr string) net.Conn {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			return conn
		}
		if time.Now().After(deadline) {
			t.Fatalf("dial %s: %v", addr, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamListenerOctetCountedFraming(t *testing.T) {
	addr := "127.0.0.1:18514"

	var mu sync.Mutex
	var got []codec.Msg
	received := make(chan struct{}, 2)

	l := ingest.NewTCPListener(addr, ingest.Config{
		OnMsg: func(arrivalTS float64, msg codec.Msg) error {
			mu.Lock()
			got = append(got, msg)
			mu.Unlock()
			received <- struct{}{}
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()

	conn := waitForListener(t, addr)
	defer conn.Close()

	wire := "<13>1 - - - - - - hello"
	framed := fmt.Sprintf("%d %s", len(wire), wire)
	if _, err := conn.Write([]byte(framed)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	if got[0].Message == nil || *got[0].Message != "hello" {
		t.Errorf("unexpected message body: %+v", got[0])
	}
}

func TestStreamListenerClosesOnDecodeError(t *testing.T) {
	addr := "127.0.0.1:18515"

	l := ingest.NewTCPListener(addr, ingest.Config{
		OnMsg: func(arrivalTS float64, msg codec.Msg) error { return nil },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	conn := waitForListener(t, addr)
	defer conn.Close()

	bad := "not-a-valid-message"
	framed := fmt.Sprintf("%d %s", len(bad), bad)
	conn.Write([]byte(framed))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	if err == nil {
		t.Error("expected connection to be closed after decode error")
	}
}
