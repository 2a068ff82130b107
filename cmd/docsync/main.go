package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"

	"docsync/internal/app"
	"docsync/internal/auth"
	"docsync/internal/config"
	"docsync/internal/docid"
	"docsync/internal/docmanager"
	"docsync/internal/gateway"
	"docsync/internal/journal"
	"docsync/internal/logging"
	"docsync/internal/metrics"
	"docsync/internal/rbac"
	"docsync/internal/registry"
	"docsync/internal/store"
)

// backend is the update store and permission oracle in one, as both store
// implementations provide.
type backend interface {
	Append(ctx context.Context, id docid.DocumentID, updates []store.Update) error
	ReadAll(ctx context.Context, id docid.DocumentID) ([]store.Fragment, error)
	ReadSince(ctx context.Context, id docid.DocumentID, afterSeq int64) ([]store.Fragment, error)
	Squash(ctx context.Context, id docid.DocumentID, throughSeq int64, snapshot []byte) error
	Count(ctx context.Context, id docid.DocumentID) (int, error)
	Check(ctx context.Context, workspaceID, userID string, min rbac.Level) (bool, error)
	WorkspaceExists(ctx context.Context, workspaceID string) (bool, error)
	Ping(ctx context.Context) error
}

func main() {
	cfg := config.Load()
	log, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger setup failed: %v\n", err)
		os.Exit(1)
	}
	if err := run(cfg, log); err != nil {
		log.Error(err, "docsync exited")
		os.Exit(1)
	}
}

func run(cfg config.Config, log logr.Logger) error {
	ctx := context.Background()

	var data backend
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		data = store.NewPostgresStore(db)
	} else {
		log.Info("DATABASE_URL not set; using in-memory store with open access")
		mem := store.NewMemoryStore()
		mem.OpenAccess = true
		data = mem
	}

	var fabric registry.Fabric
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Info("using redis fabric for room fan-out")
		redisFabric, err := registry.NewRedisFabric(cfg.RedisURL, log)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		fabric = redisFabric
	} else {
		fabric = registry.NewMemoryFabric()
	}
	defer fabric.Close()

	sink := metrics.NewPrometheus()

	opts := docmanager.Options{
		Debounce:            cfg.FlushDebounce,
		MaxBatchUpdates:     cfg.FlushMaxUpdates,
		MaxBatchBytes:       cfg.FlushMaxBytes,
		FlushRetries:        cfg.FlushRetries,
		StoreTimeout:        cfg.StoreTimeout,
		IdleTTL:             cfg.DocIdleTTL,
		CompactThreshold:    cfg.CompactThreshold,
		MaintenanceInterval: cfg.MaintenanceInterval,
		Metrics:             sink,
	}
	if strings.TrimSpace(cfg.JournalPath) != "" {
		j, err := journal.Open(cfg.JournalPath)
		if err != nil {
			return fmt.Errorf("journal open failed: %w", err)
		}
		defer j.Close()
		opts.Journal = j
	} else {
		log.Info("journal disabled; a crash may lose up to one debounce window of unflushed updates", "debounce", cfg.FlushDebounce)
	}

	docs := docmanager.New(data, opts, log)
	recovered, err := docs.Recover(ctx)
	if err != nil {
		return fmt.Errorf("journal recovery failed: %w", err)
	}
	if recovered > 0 {
		log.Info("replayed journaled updates", "updates", recovered)
	}
	docs.Start()

	rooms := registry.New(fabric, sink, log)
	gw := gateway.New(docs, data, rooms, gateway.Options{
		OracleTimeout:  cfg.OracleTimeout,
		HandlerTimeout: cfg.HandlerTimeout,
		Metrics:        sink,
	}, log)
	ws := gateway.NewServer(gw, auth.NewVerifier(cfg.TokenSecret), gateway.ServerOptions{
		OutboundQueue:   cfg.OutboundQueue,
		MaxMessageBytes: cfg.MaxMessageBytes,
		AllowedOrigin:   cfg.CORSOrigin,
		AllowAnonymous:  cfg.AllowAnonymous,
	}, log)

	service := app.New(docs, cfg.AdminToken, map[string]app.Pinger{
		"database": data,
		"fabric":   fabric,
	})
	httpServer := app.NewHTTPServer(service, ws, sink.Handler(), cfg.CORSOrigin, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("docsync listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "http shutdown error")
	}
	if err := docs.Close(shutdownCtx); err != nil {
		return fmt.Errorf("final flush failed: %w", err)
	}
	return nil
}
