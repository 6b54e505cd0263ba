package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func reset() {
	Close()
	optsMu.Lock()
	opts = Options{}
	logsDir = ""
	optsMu.Unlock()
}

func TestInitializeDisabledIsNoOp(t *testing.T) {
	defer reset()
	dir := t.TempDir()

	if err := Initialize(dir, Options{DebugMode: false}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	Device("should not be written")

	if _, err := os.Stat(filepath.Join(dir, "logs")); !os.IsNotExist(err) {
		t.Fatalf("logs directory should not exist in production mode")
	}
}

func TestCategoryFileWritten(t *testing.T) {
	defer reset()
	dir := t.TempDir()

	if err := Initialize(dir, Options{DebugMode: true, Level: "debug"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	Device("device event %d", 42)
	Close()

	data, err := os.ReadFile(filepath.Join(dir, "logs", "device.log"))
	if err != nil {
		t.Fatalf("reading device log: %v", err)
	}
	if !strings.Contains(string(data), "device event 42") {
		t.Fatalf("log content missing entry: %q", string(data))
	}
}

func TestLevelFiltering(t *testing.T) {
	defer reset()
	dir := t.TempDir()

	if err := Initialize(dir, Options{DebugMode: true, Level: "warn"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	l := Get(CategorySpawner)
	l.Debug("debug hidden")
	l.Info("info hidden")
	l.Warn("warn visible")
	Close()

	data, _ := os.ReadFile(filepath.Join(dir, "logs", "spawner.log"))
	out := string(data)
	if strings.Contains(out, "hidden") {
		t.Fatalf("filtered levels leaked: %q", out)
	}
	if !strings.Contains(out, "warn visible") {
		t.Fatalf("warn entry missing: %q", out)
	}
}

func TestCategoryDisable(t *testing.T) {
	defer reset()
	dir := t.TempDir()

	err := Initialize(dir, Options{
		DebugMode:  true,
		Level:      "debug",
		Categories: map[string]bool{"redteam": false},
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	RedTeam("suppressed")
	Close()

	data, _ := os.ReadFile(filepath.Join(dir, "logs", "redteam.log"))
	if strings.Contains(string(data), "suppressed") {
		t.Fatalf("disabled category still wrote: %q", string(data))
	}
}
