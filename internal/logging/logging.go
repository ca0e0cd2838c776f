// Package logging configures the process-wide slog logger, optionally
// from a small JSON file so deployments can switch level and format
// without a rebuild.
package logging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

type fileConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Setup builds a logger and installs it as slog's default. With an
// empty path the defaults are text format at info level.
func Setup(path string) (*slog.Logger, error) {
	cfg := fileConfig{Level: "info", Format: "text"}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read logging config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse logging config %s: %w", path, err)
		}
	}

	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "text", "":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}
