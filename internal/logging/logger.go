// Package logging provides config-driven categorized file-based logging for
// virthw. Logs are written to <workspace>/logs/ with one file per category.
// When debug mode is off the package is a silent no-op, so hot paths can log
// freely without conditionals at the call site.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot         Category = "boot"         // Process startup, composition root
	CategoryDevice       Category = "device"       // Device lifecycle and run loops
	CategoryOrchestrator Category = "orchestrator" // Registry, spawning, fan-out
	CategorySpawner      Category = "spawner"      // Agent spawning, pools, autoscaling
	CategoryRedTeam      Category = "redteam"      // Attack scenarios and campaigns
	CategoryStore        Category = "store"        // Campaign history persistence
	CategoryConfig       Category = "config"       // Config and template loading
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Options controls logger behavior. It is injected by the composition root
// rather than re-read from disk here.
type Options struct {
	DebugMode  bool
	Level      string          // debug, info, warn, error
	Categories map[string]bool // nil means all categories enabled
}

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	opts      Options
	optsMu    sync.RWMutex
	logLevel  int
)

// Initialize sets up the logging directory and applies options.
// Should be called once at startup with the workspace path.
func Initialize(workspace string, o Options) error {
	if workspace == "" {
		return fmt.Errorf("workspace path required")
	}

	optsMu.Lock()
	opts = o
	logLevel = parseLevel(o.Level)
	logsDir = filepath.Join(workspace, "logs")
	optsMu.Unlock()

	if !o.DebugMode {
		return nil // Silent no-op in production mode
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== virthw logging initialized ===")
	boot.Info("Logs directory: %s", logsDir)
	boot.Info("Log level: %s", o.Level)
	return nil
}

func parseLevel(level string) int {
	switch strings.ToLower(level) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// enabled reports whether the given category should emit at the given level.
func enabled(cat Category, level int) bool {
	optsMu.RLock()
	defer optsMu.RUnlock()

	if !opts.DebugMode {
		return false
	}
	if level < logLevel {
		return false
	}
	if opts.Categories != nil {
		if on, ok := opts.Categories[string(cat)]; ok && !on {
			return false
		}
	}
	return true
}

// Get returns the logger for a category, creating it lazily.
func Get(cat Category) *Logger {
	loggersMu.RLock()
	l, ok := loggers[cat]
	loggersMu.RUnlock()
	if ok {
		return l
	}

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[cat]; ok {
		return l
	}

	l = &Logger{category: cat}

	optsMu.RLock()
	dir := logsDir
	debug := opts.DebugMode
	optsMu.RUnlock()

	if debug && dir != "" {
		path := filepath.Join(dir, string(cat)+".log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err == nil {
			l.file = f
			l.logger = log.New(f, "", 0)
		}
	}

	loggers[cat] = l
	return l
}

func (l *Logger) write(level int, levelName, format string, args ...interface{}) {
	if l.logger == nil || !enabled(l.category, level) {
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	l.logger.Printf("%s [%s] %s", ts, levelName, fmt.Sprintf(format, args...))
}

// Debug logs a debug-level message.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.write(LevelDebug, "DEBUG", format, args...)
}

// Info logs an info-level message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.write(LevelInfo, "INFO", format, args...)
}

// Warn logs a warning-level message.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.write(LevelWarn, "WARN", format, args...)
}

// Error logs an error-level message.
func (l *Logger) Error(format string, args ...interface{}) {
	l.write(LevelError, "ERROR", format, args...)
}

// Close flushes and closes all open log files.
func Close() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			_ = l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// Convenience helpers mirroring the most common call sites.

// Boot logs an info message to the boot category.
func Boot(format string, args ...interface{}) { Get(CategoryBoot).Info(format, args...) }

// BootDebug logs a debug message to the boot category.
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }

// Device logs an info message to the device category.
func Device(format string, args ...interface{}) { Get(CategoryDevice).Info(format, args...) }

// DeviceDebug logs a debug message to the device category.
func DeviceDebug(format string, args ...interface{}) { Get(CategoryDevice).Debug(format, args...) }

// Orchestrator logs an info message to the orchestrator category.
func Orchestrator(format string, args ...interface{}) {
	Get(CategoryOrchestrator).Info(format, args...)
}

// OrchestratorDebug logs a debug message to the orchestrator category.
func OrchestratorDebug(format string, args ...interface{}) {
	Get(CategoryOrchestrator).Debug(format, args...)
}

// Spawner logs an info message to the spawner category.
func Spawner(format string, args ...interface{}) { Get(CategorySpawner).Info(format, args...) }

// SpawnerDebug logs a debug message to the spawner category.
func SpawnerDebug(format string, args ...interface{}) { Get(CategorySpawner).Debug(format, args...) }

// RedTeam logs an info message to the redteam category.
func RedTeam(format string, args ...interface{}) { Get(CategoryRedTeam).Info(format, args...) }

// RedTeamDebug logs a debug message to the redteam category.
func RedTeamDebug(format string, args ...interface{}) { Get(CategoryRedTeam).Debug(format, args...) }

// Store logs an info message to the store category.
func Store(format string, args ...interface{}) { Get(CategoryStore).Info(format, args...) }

// StoreDebug logs a debug message to the store category.
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }

// Timer measures the duration of an operation for performance logging.
type Timer struct {
	category  Category
	operation string
	start     time.Time
}

// StartTimer begins timing an operation.
func StartTimer(cat Category, operation string) *Timer {
	return &Timer{category: cat, operation: operation, start: time.Now()}
}

// Stop ends the timer and logs the elapsed time.
func (t *Timer) Stop() {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.operation, elapsed)
}
