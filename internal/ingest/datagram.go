package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"

	"hat/internal/codec"
)

// maxDatagramSize is large enough for any UDP syslog payload in
// practice (UDP's own maximum is 65507 bytes of payload).
const maxDatagramSize = 65536

// DatagramListener implements the UDP variant: one complete,
// unframed RFC 5424 message per datagram.
type DatagramListener struct {
	addr string
	cfg  Config
}

// NewUDPListener creates a UDP listener bound to addr ("host:port").
func NewUDPListener(addr string, cfg Config) *DatagramListener {
	return &DatagramListener{addr: addr, cfg: cfg.withDefaults("ingest-udp")}
}

// Run listens and processes datagrams until ctx is cancelled.
func (l *DatagramListener) Run(ctx context.Context) error {
	udpAddr, err := net.ResolveUDPAddr("udp", l.addr)
	if err != nil {
		return fmt.Errorf("ingest: resolve %s: %w", l.addr, err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("ingest: listen on %s: %w", l.addr, err)
	}

	l.cfg.Logger.Info("listening", "addr", l.addr)

	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stopped:
		}
	}()
	defer close(stopped)

	buf := make([]byte, maxDatagramSize)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			l.cfg.Logger.Warn("read error", "error", err)
			continue
		}
		if n == 0 {
			continue
		}

		l.handleDatagram(buf[:n])
	}
}

// handleDatagram decodes one datagram. Decode
// errors are logged and the datagram is dropped; they never close
// the listener.
func (l *DatagramListener) handleDatagram(payload []byte) {
	msg, err := codec.DecodeWire(string(payload))
	if err != nil {
		l.cfg.Logger.Warn("decode error", "error", err)
		return
	}

	arrivalTS := arrivalTimestamp(l.cfg.Now)
	if err := l.cfg.OnMsg(arrivalTS, msg); err != nil {
		l.cfg.Logger.Warn("on_msg error", "error", err)
	}
}
