// Package logging provides categorized logging for klisk.
// All categories write to a single rotated file under KLISK_HOME/logs so
// daemon workers can log freely while foreground CLI output stays clean.
// Before Initialize is called every category logger is a no-op.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Category names a klisk subsystem in log output.
type Category string

const (
	CategoryCLI       Category = "cli"       // Command entry points
	CategoryDaemon    Category = "daemon"    // Background server lifecycle
	CategoryDiscovery Category = "discovery" // Project discovery passes
	CategoryLoader    Category = "loader"    // Interpreter evaluation
	CategoryServer    Category = "server"    // HTTP/WebSocket surface
	CategoryChat      Category = "chat"      // Chat sessions
	CategoryProvider  Category = "provider"  // LLM provider calls
	CategoryWatcher   Category = "watcher"   // File watching
	CategoryEnv       Category = "env"       // Env cache operations
)

// Logger wraps a zap logger with printf-style methods for one category.
type Logger struct {
	category Category
	zl       *zap.SugaredLogger
}

var (
	mu      sync.RWMutex
	loggers = make(map[Category]*Logger)
	root    *zap.Logger
	rotator *lumberjack.Logger
	level   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Initialize sets up the shared log file under home/logs. Called once at
// startup; safe to call again (the previous file is closed first).
func Initialize(home string) error {
	if home == "" {
		return fmt.Errorf("workspace home path required")
	}

	logsDir := filepath.Join(home, "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()

	if rotator != nil {
		rotator.Close()
	}
	rotator = &lumberjack.Logger{
		Filename:   filepath.Join(logsDir, "klisk.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(rotator), level)

	root = zap.New(core)
	loggers = make(map[Category]*Logger)
	return nil
}

// SetDebug switches the shared level between debug and info.
func SetDebug(enabled bool) {
	if enabled {
		level.SetLevel(zapcore.DebugLevel)
	} else {
		level.SetLevel(zapcore.InfoLevel)
	}
}

// Get returns the logger for a category. Before Initialize it returns a
// no-op logger, so library code never has to nil-check.
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	r := root
	mu.RUnlock()

	if r == nil {
		return &Logger{category: category, zl: zap.NewNop().Sugar()}
	}

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	// CloseAll may have raced us between the two locks.
	if root == nil {
		return &Logger{category: category, zl: zap.NewNop().Sugar()}
	}
	l := &Logger{
		category: category,
		zl:       root.Named(string(category)).Sugar(),
	}
	loggers[category] = l
	return l
}

// CloseAll flushes and closes the shared log file.
func CloseAll() error {
	mu.Lock()
	defer mu.Unlock()

	var err error
	if root != nil {
		err = root.Sync()
		root = nil
	}
	if rotator != nil {
		if cerr := rotator.Close(); err == nil {
			err = cerr
		}
		rotator = nil
	}
	loggers = make(map[Category]*Logger)
	return err
}

// Debug logs a debug-level message.
func (l *Logger) Debug(format string, args ...any) {
	l.zl.Debugf(format, args...)
}

// Info logs an info-level message.
func (l *Logger) Info(format string, args ...any) {
	l.zl.Infof(format, args...)
}

// Warn logs a warning-level message.
func (l *Logger) Warn(format string, args ...any) {
	l.zl.Warnf(format, args...)
}

// Error logs an error-level message.
func (l *Logger) Error(format string, args ...any) {
	l.zl.Errorf(format, args...)
}

// Timer measures the duration of an operation for performance logging.
type Timer struct {
	category  Category
	operation string
	start     time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, operation: operation, start: time.Now()}
}

// Stop logs the elapsed time at debug level.
func (t *Timer) Stop() {
	Get(t.category).Debug("%s took %v", t.operation, time.Since(t.start))
}

// StopWithThreshold logs at warn level when the operation exceeded the
// threshold, debug otherwise.
func (t *Timer) StopWithThreshold(threshold time.Duration) {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold %v)", t.operation, elapsed, threshold)
		return
	}
	Get(t.category).Debug("%s took %v", t.operation, elapsed)
}
