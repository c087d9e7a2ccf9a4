package ingest

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"hat/internal/logging"
)

// CertSource loads a certificate/key PEM pair from a single combined
// file and hot-reloads it on change. Unlike a multi-name certificate
// manager, a syslog TLS listener has exactly one certificate, so this
// holds a single atomic pointer.
type CertSource struct {
	path   string
	logger *slog.Logger
	cert   atomic.Pointer[tls.Certificate]
}

// LoadCertSource reads and parses the PEM file at path, containing
// both certificate and key. Failure here is fatal at startup.
func LoadCertSource(path string, logger *slog.Logger) (*CertSource, error) {
	cs := &CertSource{
		path:   path,
		logger: logging.Default(logger).With("component", "ingest-tls-cert"),
	}
	if err := cs.reload(); err != nil {
		return nil, fmt.Errorf("ingest: load TLS PEM %s: %w", path, err)
	}
	return cs, nil
}

// Watch starts an fsnotify watch on the PEM file, hot-reloading the
// certificate whenever it changes on disk, until ctx is cancelled.
func (cs *CertSource) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cs.logger.Warn("fsnotify unavailable, TLS hot-reload disabled", "error", err)
		return nil
	}
	if err := watcher.Add(cs.path); err != nil {
		watcher.Close()
		cs.logger.Warn("watch TLS PEM file failed, hot-reload disabled", "path", cs.path, "error", err)
		return nil
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				cs.logger.Warn("watcher error", "error", err)
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := cs.reload(); err != nil {
					cs.logger.Warn("reload TLS PEM failed, keeping previous certificate", "error", err)
				} else {
					cs.logger.Info("reloaded TLS certificate", "path", cs.path)
				}
			}
		}
	}()
	return nil
}

func (cs *CertSource) reload() error {
	pem, err := os.ReadFile(cs.path)
	if err != nil {
		return fmt.Errorf("read %s: %w", cs.path, err)
	}
	cert, err := tls.X509KeyPair(pem, pem)
	if err != nil {
		return fmt.Errorf("parse certificate/key: %w", err)
	}
	cs.cert.Store(&cert)
	return nil
}

// GetCertificate satisfies tls.Config.GetCertificate.
func (cs *CertSource) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	c := cs.cert.Load()
	if c == nil {
		return nil, fmt.Errorf("ingest: no certificate loaded")
	}
	return c, nil
}
