// Package ingest implements the three syslog listener variants (TCP,
// TLS, UDP): independent, cancellable resources that frame and decode
// RFC 5424 messages and hand them to a shared callback.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"hat/internal/codec"
	"hat/internal/logging"
)

// OnMsg is invoked for every successfully decoded message, with the
// arrival timestamp recorded by the listener at receipt time.
type OnMsg func(arrivalTS float64, msg codec.Msg) error

// Config is shared by all listener variants.
type Config struct {
	OnMsg  OnMsg
	Logger *slog.Logger
	Now    func() time.Time
}

func (c Config) withDefaults(component string) Config {
	if c.Now == nil {
		c.Now = time.Now
	}
	c.Logger = logging.Default(c.Logger).With("component", component)
	return c
}

// Listener is a single independent, cancellable ingest resource.
type Listener interface {
	Run(ctx context.Context) error
}

// Addr describes a parsed syslog_addrs entry: a scheme (tcp, tls,
// udp) selecting the variant, and a host:port to bind.
type Addr struct {
	Scheme string
	Host   string
}

// ParseAddr parses one of the service's positional syslog_addrs
// arguments, a URL whose scheme selects tcp://, tls://, or udp://.
func ParseAddr(raw string) (Addr, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Addr{}, fmt.Errorf("ingest: parse address %q: %w", raw, err)
	}
	switch u.Scheme {
	case "tcp", "tls", "udp":
	default:
		return Addr{}, fmt.Errorf("ingest: unsupported scheme %q in %q", u.Scheme, raw)
	}
	if u.Host == "" {
		return Addr{}, fmt.Errorf("ingest: missing host:port in %q", raw)
	}
	return Addr{Scheme: u.Scheme, Host: u.Host}, nil
}

func arrivalTimestamp(now func() time.Time) float64 {
	t := now()
	return float64(t.UnixNano()) / 1e9
}
