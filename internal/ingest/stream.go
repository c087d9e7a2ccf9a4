package ingest

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"hat/internal/codec"
)

// maxOctetCount bounds the decimal length prefix in octet-counted
// framing against a misbehaving or malicious sender.
const maxOctetCount = 1 << 20

// StreamListener implements the TCP and TLS variants: RFC
// 5425-style octet-counted framing over a stream connection, one
// goroutine per accepted connection.
type StreamListener struct {
	addr       string
	tlsConfig  *tls.Config
	certSource *CertSource
	cfg        Config

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewTCPListener creates a plaintext stream listener bound to addr
// ("host:port").
func NewTCPListener(addr string, cfg Config) *StreamListener {
	return &StreamListener{
		addr:  addr,
		cfg:   cfg.withDefaults("ingest-tcp"),
		conns: make(map[net.Conn]struct{}),
	}
}

// NewTLSListener creates a TLS stream listener using certSource for
// its certificate, hot-reloading the PEM files on change.
func NewTLSListener(addr string, certSource *CertSource, cfg Config) *StreamListener {
	return &StreamListener{
		addr:       addr,
		tlsConfig:  &tls.Config{GetCertificate: certSource.GetCertificate},
		certSource: certSource,
		cfg:        cfg.withDefaults("ingest-tls"),
		conns:      make(map[net.Conn]struct{}),
	}
}

// Run listens and accepts connections until ctx is cancelled.
func (l *StreamListener) Run(ctx context.Context) error {
	if l.certSource != nil {
		l.certSource.Watch(ctx)
	}

	tcpLn, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("ingest: listen on %s: %w", l.addr, err)
	}

	var ln net.Listener = tcpLn
	if l.tlsConfig != nil {
		ln = tls.NewListener(tcpLn, l.tlsConfig)
	}

	l.cfg.Logger.Info("listening", "addr", l.addr)

	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
			l.closeAllConns()
		case <-stopped:
		}
	}()
	defer close(stopped)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			l.cfg.Logger.Warn("accept error", "error", err)
			continue
		}

		setKeepAlive(conn)
		l.trackConn(conn)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer l.untrackConn(conn)
			defer conn.Close()
			l.handleConn(conn)
		}()
	}
}

func setKeepAlive(conn net.Conn) {
	type keepAliver interface {
		SetKeepAlive(bool) error
	}
	if tc, ok := conn.(keepAliver); ok {
		tc.SetKeepAlive(true)
		return
	}
	// TLS connections wrap the underlying TCP conn; reach through it.
	if tlsConn, ok := conn.(*tls.Conn); ok {
		if ka, ok := tlsConn.NetConn().(keepAliver); ok {
			ka.SetKeepAlive(true)
		}
	}
}

func (l *StreamListener) trackConn(conn net.Conn) {
	l.mu.Lock()
	l.conns[conn] = struct{}{}
	l.mu.Unlock()
}

func (l *StreamListener) untrackConn(conn net.Conn) {
	l.mu.Lock()
	delete(l.conns, conn)
	l.mu.Unlock()
}

func (l *StreamListener) closeAllConns() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for conn := range l.conns {
		conn.Close()
	}
}

// handleConn reads octet-counted frames until EOF or error. It treats
// end-of-stream as a normal close; any other error logs and closes
// the connection.
func (l *StreamListener) handleConn(conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		payload, err := readOctetCounted(reader)
		if err != nil {
			if err != io.EOF {
				l.cfg.Logger.Warn("read error", "remote", conn.RemoteAddr(), "error", err)
			}
			return
		}

		msg, err := codec.DecodeWire(string(payload))
		if err != nil {
			l.cfg.Logger.Warn("decode error", "remote", conn.RemoteAddr(), "error", err)
			return
		}

		arrivalTS := arrivalTimestamp(l.cfg.Now)
		if err := l.cfg.OnMsg(arrivalTS, msg); err != nil {
			l.cfg.Logger.Warn("on_msg error", "remote", conn.RemoteAddr(), "error", err)
			return
		}
	}
}

// readOctetCounted reads a "LENGTH SP" prefix followed by exactly
// LENGTH bytes, per RFC 5425's octet-counted framing.
func readOctetCounted(reader *bufio.Reader) ([]byte, error) {
	length := 0
	sawDigit := false
	for {
		b, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == ' ' {
			if !sawDigit {
				return nil, errors.New("ingest: empty octet count")
			}
			break
		}
		if b < '0' || b > '9' {
			return nil, errors.New("ingest: invalid octet count")
		}
		sawDigit = true
		length = length*10 + int(b-'0')
		if length > maxOctetCount {
			return nil, errors.New("ingest: octet count too large")
		}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
