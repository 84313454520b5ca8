package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/sitesync/internal/httpapi"
	"github.com/agentworkforce/sitesync/internal/remote"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	_ = godotenv.Load()
	logger := newLogger(os.Getenv("SITESYNC_LOG_LEVEL"), os.Getenv("SITESYNC_LOG_FORMAT"))

	addr := envOrDefault("SITESYNC_ADDR", ":8080")
	storeDSN, err := storeDSNFromEnv()
	if err != nil {
		logger.WithError(err).Fatal("failed to resolve store backend")
	}
	store, err := remote.BuildStoreFromDSN(storeDSN, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize store backend")
	}
	store, err = remote.WrapFeedFromDSN(store, os.Getenv("SITESYNC_FEED_DSN"), logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize change feed")
	}
	defer store.Close()

	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		RateLimitMax:       intEnv(logger, "SITESYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow:    durationEnv(logger, "SITESYNC_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:       int64Env(logger, "SITESYNC_MAX_BODY_BYTES", 0),
		FeedOriginPatterns: listEnv("SITESYNC_FEED_ORIGINS"),
		FeedWriteTimeout:   durationEnv(logger, "SITESYNC_FEED_WRITE_TIMEOUT", 10*time.Second),
		Logger:             logger,
	})
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{"addr": addr, "store": redactDSN(storeDSN)}).Info("sitesync listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server failed")
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), durationEnv(logger, "SITESYNC_SHUTDOWN_TIMEOUT", 15*time.Second))
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("graceful shutdown failed")
		}
	}
}

func newLogger(level, format string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	parsed, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
	return logger
}

// storeDSNFromEnv picks the store backend. An explicit SITESYNC_STORE_DSN
// wins over the backend profile.
func storeDSNFromEnv() (string, error) {
	if dsn := strings.TrimSpace(os.Getenv("SITESYNC_STORE_DSN")); dsn != "" {
		return dsn, nil
	}
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("SITESYNC_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("SITESYNC_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".sitesync"
	}
	switch profile {
	case "", "memory", "inmemory":
		return "memory://", nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "sitesync.json"), nil
	case "production", "prod":
		dsn := strings.TrimSpace(os.Getenv("SITESYNC_POSTGRES_DSN"))
		if dsn == "" {
			return "", fmt.Errorf("SITESYNC_POSTGRES_DSN is required when SITESYNC_BACKEND_PROFILE=%s", profile)
		}
		return dsn, nil
	default:
		return "", fmt.Errorf("unsupported SITESYNC_BACKEND_PROFILE: %s", profile)
	}
}

func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = "***" + rest[at:]
	}
	if q := strings.Index(rest, "?"); q >= 0 {
		rest = rest[:q]
	}
	return scheme + "://" + rest
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func listEnv(name string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(name), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func intEnv(logger logrus.FieldLogger, name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warnf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(logger logrus.FieldLogger, name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logger.Warnf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(logger logrus.FieldLogger, name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warnf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
