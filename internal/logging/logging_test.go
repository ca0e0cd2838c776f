package logging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestSetupDefaults(t *testing.T) {
	logger, err := Setup("")
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if !logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info should be enabled by default")
	}
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug should be disabled by default")
	}
}

func TestSetupFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logging.json")
	if err := os.WriteFile(path, []byte(`{"level": "debug", "format": "json"}`), 0644); err != nil {
		t.Fatal(err)
	}

	logger, err := Setup(path)
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug should be enabled")
	}
}

func TestSetupBadLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logging.json")
	if err := os.WriteFile(path, []byte(`{"level": "loud"}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Setup(path); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestSetupMissingFile(t *testing.T) {
	if _, err := Setup(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("expected error for missing file")
	}
}
