package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

const (
	defaultListenAddr   = ":8080"
	defaultDBPath       = "sweepd.db"
	defaultArtifactsDir = "artifacts"
	defaultWorkers      = 2

	envListenAddr   = "SWEEPD_LISTEN_ADDR"
	envDBPath       = "SWEEPD_DB_PATH"
	envLogLevel     = "SWEEPD_LOG_LEVEL"
	envArtifactsDir = "SWEEPD_ARTIFACTS_DIR"
	envWorkers      = "SWEEPD_WORKERS"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr   string
	DBPath       string
	ArtifactsDir string
	Workers      int
	LogLevel     slog.Level
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:   defaultListenAddr,
		DBPath:       defaultDBPath,
		ArtifactsDir: defaultArtifactsDir,
		Workers:      defaultWorkers,
		LogLevel:     slog.LevelInfo,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envArtifactsDir); v != "" {
		cfg.ArtifactsDir = v
	}
	if v := os.Getenv(envWorkers); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workers = n
		}
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
