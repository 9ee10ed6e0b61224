// Command zoom-token-broker runs the credential broker as an HTTP
// service.
//
// Configuration is read from the environment (a .env file is loaded
// when present):
//
//	ZOOM_CLIENT_ID        OAuth app client ID (required)
//	ZOOM_CLIENT_SECRET    OAuth app client secret (required)
//	ZOOM_REDIRECT_URL     registered redirect URL (required)
//	BROKER_ENCRYPTION_KEY 64 hex chars, the AES-256 key (required)
//	BROKER_LISTEN_ADDR    listen address (default ":8080")
//	BROKER_STORE          memory | sqlite | valkey (default "memory")
//	BROKER_SQLITE_PATH    database path for the sqlite store
//	BROKER_STALE_AFTER    token freshness window (default "55m")
//	BROKER_RATE_LIMIT     requests per second per IP, 0 disables
//	BROKER_RATE_BURST     burst size per IP
//	BROKER_TRUST_PROXY    trust X-Forwarded-For ("true"/"false")
//	BROKER_AUDIT_LOG      enable audit logging ("true"/"false")
//	VALKEY_ADDR           Valkey address for the valkey store
//	VALKEY_PASSWORD       Valkey password
//	VALKEY_DB             Valkey database number
//	LOG_LEVEL             debug | info | warn | error (default "info")
//	LOG_FORMAT            text | json (default "json")
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	broker "github.com/meetkit/zoom-token-broker"
	"github.com/meetkit/zoom-token-broker/instrumentation"
	"github.com/meetkit/zoom-token-broker/providers/zoom"
	"github.com/meetkit/zoom-token-broker/security"
	"github.com/meetkit/zoom-token-broker/storage"
	"github.com/meetkit/zoom-token-broker/storage/memory"
	"github.com/meetkit/zoom-token-broker/storage/sqlite"
	"github.com/meetkit/zoom-token-broker/storage/valkey"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "zoom-token-broker:", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env file is fine; the environment may already be set.
	_ = godotenv.Load()

	logger := newLogger()
	slog.SetDefault(logger)

	key, err := security.KeyFromHex(os.Getenv("BROKER_ENCRYPTION_KEY"))
	if err != nil {
		return fmt.Errorf("BROKER_ENCRYPTION_KEY: %w", err)
	}

	staleAfter := broker.DefaultStaleAfter
	if v := os.Getenv("BROKER_STALE_AFTER"); v != "" {
		staleAfter, err = time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("BROKER_STALE_AFTER: %w", err)
		}
	}

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName: "zoom-token-broker",
		Enabled:     true,
	})
	if err != nil {
		return fmt.Errorf("failed to set up instrumentation: %w", err)
	}

	store, err := newStore(logger, inst)
	if err != nil {
		return err
	}
	defer store.Close()

	provider, err := zoom.New(zoom.Config{
		ClientID:     os.Getenv("ZOOM_CLIENT_ID"),
		ClientSecret: os.Getenv("ZOOM_CLIENT_SECRET"),
		RedirectURL:  os.Getenv("ZOOM_REDIRECT_URL"),
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	cfg := broker.Config{
		EncryptionKey: key,
		StaleAfter:    staleAfter,
		RateLimit: broker.RateLimitConfig{
			Rate:       envInt("BROKER_RATE_LIMIT", 0),
			Burst:      envInt("BROKER_RATE_BURST", 0),
			TrustProxy: envBool("BROKER_TRUST_PROXY"),
		},
		Security: broker.SecurityConfig{
			EnableAuditLogging: envBool("BROKER_AUDIT_LOG"),
		},
		Logger:          logger,
		Instrumentation: inst,
	}

	manager, err := broker.NewManager(store, provider, cfg)
	if err != nil {
		return err
	}

	handler := broker.NewHandler(manager, cfg)
	defer handler.Close()

	addr := os.Getenv("BROKER_LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Broker listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("Shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return inst.Shutdown(ctx)
}

// newStore builds the configured storage backend.
func newStore(logger *slog.Logger, inst *instrumentation.Instrumentation) (storage.Store, error) {
	backend := os.Getenv("BROKER_STORE")
	switch backend {
	case "", "memory":
		s := memory.New()
		s.SetLogger(logger)
		if err := s.SetInstrumentation(inst); err != nil {
			return nil, fmt.Errorf("failed to register store metrics: %w", err)
		}
		return s, nil

	case "sqlite":
		path := os.Getenv("BROKER_SQLITE_PATH")
		if path == "" {
			return nil, fmt.Errorf("BROKER_SQLITE_PATH is required for the sqlite store")
		}
		return sqlite.Open(path, logger)

	case "valkey":
		return valkey.New(valkey.Config{
			Address:  os.Getenv("VALKEY_ADDR"),
			Password: os.Getenv("VALKEY_PASSWORD"),
			DB:       envInt("VALKEY_DB", 0),
			Logger:   logger,
		})

	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(envOr("LOG_LEVEL", "info"))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if envOr("LOG_FORMAT", "json") == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}
