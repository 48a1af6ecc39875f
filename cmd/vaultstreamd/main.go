// Command vaultstreamd runs the vault event ingestion daemon: it tails the
// ledger event stream, applies events exactly once, and exposes the
// verification and validation services over the shared store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/anchorhold/vaultstream/pkg/api"
	"github.com/anchorhold/vaultstream/pkg/audit"
	"github.com/anchorhold/vaultstream/pkg/config"
	"github.com/anchorhold/vaultstream/pkg/cursor"
	"github.com/anchorhold/vaultstream/pkg/deadletter"
	"github.com/anchorhold/vaultstream/pkg/kms"
	"github.com/anchorhold/vaultstream/pkg/listener"
	"github.com/anchorhold/vaultstream/pkg/observability"
	"github.com/anchorhold/vaultstream/pkg/processor"
	"github.com/anchorhold/vaultstream/pkg/retry"
	"github.com/anchorhold/vaultstream/pkg/store"
	"github.com/anchorhold/vaultstream/pkg/validation"
	"github.com/anchorhold/vaultstream/pkg/verification"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "vaultstreamd:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		profileDir  = flag.String("profiles", "", "directory holding deployment profile YAML files")
		profileName = flag.String("profile", os.Getenv("VAULTSTREAM_PROFILE"), "deployment profile name")
	)
	flag.Parse()

	cfg := config.Load()
	if *profileName != "" {
		p, err := config.LoadProfile(*profileDir, *profileName)
		if err != nil {
			return err
		}
		p.Apply(cfg)
	}

	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  cfg.ServiceName,
		OTLPEndpoint: cfg.OTLPEndpoint,
		Enabled:      cfg.OTelEnabled,
		Insecure:     true,
	})
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	dialect := store.Dialect(cfg.DatabaseDriver)
	db, err := store.Open(dialect, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if err := store.Migrate(ctx, db); err != nil {
		return err
	}
	log.Info("store ready", "driver", cfg.DatabaseDriver)

	auditor := audit.NewLogger()

	keyring, err := kms.NewKeyring(cfg.EvidenceSecret, cfg.EvidenceKeyVersion)
	if err != nil {
		return fmt.Errorf("evidence keyring: %w", err)
	}

	dead := deadletter.NewSQLStore(db, dialect)
	cursors := cursor.NewSQLStore(db, dialect)

	exec := retry.New(retry.Config{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		Multiplier:     2.0,
		Jitter:         0.2,
	})
	proc := processor.New(db, dialect, exec, dead, auditor, obs, log)
	verif := verification.New(db, dialect, auditor, nil, log)
	valid := validation.New(db, dialect, keyring, auditor, log)

	var opts []listener.Option
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = client.Close() }()
		opts = append(opts, listener.WithRedisCheckpoint(cursor.NewRedisCheckpoint(client, 24*time.Hour)))
		log.Info("redis checkpoint enabled", "addr", cfg.RedisAddr)
	}

	source := listener.NewHTTPSource(cfg.StreamEndpoint, cfg.StreamTimeout)
	l := listener.New(listener.Config{
		ServiceName:      cfg.ServiceName,
		StartCursor:      cfg.StartCursor,
		SourceIDs:        cfg.SourceContracts,
		EventTypes:       cfg.EventTypes,
		PollInterval:     cfg.PollInterval,
		ReconnectInitial: cfg.ReconnectInitial,
		ReconnectMax:     cfg.ReconnectMax,
		DrainTimeout:     cfg.DrainTimeout,
	}, source, proc, cursors, auditor, obs, log, opts...)

	if err := l.Start(ctx); err != nil {
		return fmt.Errorf("start listener: %w", err)
	}
	log.Info("ingestion started",
		"endpoint", cfg.StreamEndpoint,
		"contracts", strings.Join(cfg.SourceContracts, ","),
		"poll_interval", cfg.PollInterval,
	)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.New(verif, valid, proc, dead, l, log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("api listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout+5*time.Second)
		defer cancel()
		_ = l.Stop(stopCtx)
		return err
	case <-ctx.Done():
	}
	log.Info("shutdown signal received")

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(stopCtx); err != nil {
		log.Warn("api shutdown", "error", err)
	}
	return l.Stop(stopCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
