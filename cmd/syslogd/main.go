// Command syslogd runs the RFC 5424 syslog collector: it ingests
// messages over TCP/UDP/TLS, stores them durably with bounded
// retention, and serves a live filterable view to browser observers
// over WebSocket.
//
// Logging:
//   - Base logger is created here with output format and level.
//   - Logger is passed to all components via dependency injection.
//   - No global slog configuration (no slog.SetDefault).
//   - Components scope loggers with their own attributes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"hat/internal/backend"
	"hat/internal/codec"
	"hat/internal/db"
	"hat/internal/home"
	"hat/internal/ingest"
	"hat/internal/logging"
	"hat/internal/supervisor"
	"hat/internal/wsserver"
)

const (
	defaultUIAddr    = "http://0.0.0.0:23020"
	defaultLowSize   = 1_000_000
	defaultHighSize  = 10_000_000
	defaultSyslogTCP = "tcp://0.0.0.0:6514"
	defaultSyslogUDP = "udp://0.0.0.0:6514"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		logLevel        string
		logFormat       string
		uiAddr          string
		dbPath          string
		dbLowSize       int
		dbHighSize      int
		dbEnableArchive bool
		dbDisableJourn  bool
		syslogPEMPath   string
	)

	cmd := &cobra.Command{
		Use:   "syslogd [syslog_addrs...]",
		Short: "RFC 5424 syslog collector with durable storage and a live observer view",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{defaultSyslogTCP, defaultSyslogUDP}
			}

			logger, err := buildLogger(logLevel, logFormat)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return run(ctx, logger, config{
				uiAddr:          uiAddr,
				dbPath:          dbPath,
				dbLowSize:       dbLowSize,
				dbHighSize:      dbHighSize,
				dbEnableArchive: dbEnableArchive,
				dbDisableJourn:  dbDisableJourn,
				syslogPEMPath:   syslogPEMPath,
				syslogAddrs:     args,
			})
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "INFO", "log level: DEBUG|INFO|WARNING|ERROR")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "log output format: text|json")
	cmd.Flags().StringVar(&uiAddr, "ui-addr", defaultUIAddr, "observer web UI listen address (http://host:port)")
	cmd.Flags().StringVar(&dbPath, "db-path", "", "primary log database path (default <user-data-dir>/hat/syslog.db)")
	cmd.Flags().IntVar(&dbLowSize, "db-low-size", defaultLowSize, "retention watermark: entry count to shrink to")
	cmd.Flags().IntVar(&dbHighSize, "db-high-size", defaultHighSize, "retention watermark: entry count that triggers cleanup")
	cmd.Flags().BoolVar(&dbEnableArchive, "db-enable-archive", false, "copy entries to an archive file before deleting them")
	cmd.Flags().BoolVar(&dbDisableJourn, "db-disable-journal", false, "disable the SQLite journal (PRAGMA journal_mode = OFF)")
	cmd.Flags().StringVar(&syslogPEMPath, "syslog-pem-path", "", "PEM file with certificate and key, required if any syslog_addr uses tls://")

	return cmd
}

type config struct {
	uiAddr          string
	dbPath          string
	dbLowSize       int
	dbHighSize      int
	dbEnableArchive bool
	dbDisableJourn  bool
	syslogPEMPath   string
	syslogAddrs     []string
}

func buildLogger(levelName, format string) (*slog.Logger, error) {
	level, err := logging.LevelFromName(levelName)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "text", "":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q (want text|json)", format)
	}
	return slog.New(handler), nil
}

func run(ctx context.Context, logger *slog.Logger, cfg config) error {
	addrs := make([]ingest.Addr, 0, len(cfg.syslogAddrs))
	needsTLS := false
	for _, raw := range cfg.syslogAddrs {
		addr, err := ingest.ParseAddr(raw)
		if err != nil {
			return fmt.Errorf("syslog_addrs: %w", err)
		}
		if addr.Scheme == "tls" {
			needsTLS = true
		}
		addrs = append(addrs, addr)
	}
	if needsTLS && cfg.syslogPEMPath == "" {
		return fmt.Errorf("syslog-pem-path is required when a syslog_addr uses tls://")
	}

	dbPath := cfg.dbPath
	if dbPath == "" {
		hd, err := home.Default()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		if err := hd.EnsureExists(); err != nil {
			return err
		}
		dbPath = hd.DefaultDBPath()
	}

	logger.Info("opening database", "path", dbPath)
	database, err := db.Open(dbPath, cfg.dbDisableJourn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	be, err := backend.New(ctx, backend.Config{
		DB:                    database,
		DBPath:                dbPath,
		LowSize:               cfg.dbLowSize,
		HighSize:              cfg.dbHighSize,
		ArchiveEnabled:        cfg.dbEnableArchive,
		DisableArchiveJournal: cfg.dbDisableJourn,
		Logger:                logger,
	})
	if err != nil {
		return fmt.Errorf("initialize backend: %w", err)
	}

	var certSource *ingest.CertSource
	if needsTLS {
		certSource, err = ingest.LoadCertSource(cfg.syslogPEMPath, logger)
		if err != nil {
			return fmt.Errorf("load syslog-pem-path: %w", err)
		}
	}

	listenerCfg := ingest.Config{
		OnMsg: func(arrivalTS float64, msg codec.Msg) error {
			return be.Register(context.Background(), arrivalTS, msg)
		},
		Logger: logger,
	}

	listeners := make([]supervisor.Runnable, 0, len(addrs))
	for _, addr := range addrs {
		l, err := newListener(addr, certSource, listenerCfg)
		if err != nil {
			return fmt.Errorf("configure listener %s://%s: %w", addr.Scheme, addr.Host, err)
		}
		listeners = append(listeners, l)
	}

	uiHost, err := parseUIAddr(cfg.uiAddr)
	if err != nil {
		return err
	}
	wsSrv := wsserver.New(wsserver.Config{Addr: uiHost, Backend: be, Logger: logger})

	runnables := append([]supervisor.Runnable{wsSrv}, listeners...)
	sv := supervisor.New(supervisor.Config{Backend: be, Runnables: runnables, Logger: logger})

	logger.Info("syslogd starting", "ui_addr", cfg.uiAddr, "syslog_addrs", cfg.syslogAddrs)
	if err := sv.Run(ctx); err != nil {
		return fmt.Errorf("syslogd: %w", err)
	}
	logger.Info("syslogd stopped")
	return nil
}

func newListener(addr ingest.Addr, certSource *ingest.CertSource, cfg ingest.Config) (ingest.Listener, error) {
	switch addr.Scheme {
	case "tcp":
		return ingest.NewTCPListener(addr.Host, cfg), nil
	case "tls":
		return ingest.NewTLSListener(addr.Host, certSource, cfg), nil
	case "udp":
		return ingest.NewUDPListener(addr.Host, cfg), nil
	default:
		return nil, fmt.Errorf("unsupported syslog_addr scheme %q", addr.Scheme)
	}
}

func parseUIAddr(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("ui-addr: %w", err)
	}
	if u.Scheme != "http" {
		return "", fmt.Errorf("ui-addr: unsupported scheme %q (want http)", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("ui-addr: missing host")
	}
	return u.Host, nil
}
