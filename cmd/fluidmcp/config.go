package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds gateway configuration loaded from environment variables.
type Config struct {
	Port           int           // listen port
	StartupTimeout time.Duration // bounds config import and boot auto-starts
	APIToken       string        // bearer token; empty leaves the edge open
	DBPath         string        // sqlite path; open failure falls back to in-memory
	DataDir        string        // state directory
	BaseURL        string        // external base URL for redirect_uri computation
	ConfigFile     string        // fluidmcp.yaml import path
	LogLevel       slog.Level
	AgeKeyPath     string // age identity file
}

// defaultDataDir returns <user-config-dir>/fluidmcp, falling back to a
// CWD-relative directory when it can't be resolved.
func defaultDataDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ".fluidmcp"
	}
	return filepath.Join(base, "fluidmcp")
}

func loadConfig() *Config {
	dataDir := envOr("FLUIDMCP_DATA_DIR", defaultDataDir())
	port := envInt("FLUIDMCP_PORT", 8099)
	cfg := &Config{
		Port:           port,
		StartupTimeout: time.Duration(envInt("FLUIDMCP_STARTUP_TIMEOUT", 120)) * time.Second,
		APIToken:       envOr("FLUIDMCP_API_TOKEN", ""),
		DBPath:         envOr("FLUIDMCP_DB_PATH", filepath.Join(dataDir, "fluidmcp.db")),
		DataDir:        dataDir,
		BaseURL:        envOr("FLUIDMCP_BASE_URL", "http://localhost:"+strconv.Itoa(port)),
		ConfigFile:     envOr("FLUIDMCP_CONFIG", ""),
		LogLevel:       parseLogLevel(envOr("FLUIDMCP_LOG_LEVEL", "info")),
		AgeKeyPath:     envOr("FLUIDMCP_AGE_KEY", filepath.Join(dataDir, "age.key")),
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
