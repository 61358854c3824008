// Package logging provides categorized logging for pixeldrift. Each
// subsystem writes to its own file under .drift/logs/ through a shared zap
// core. Debug output is gated globally; in quiet mode only warnings and
// errors are emitted.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a logging subsystem.
type Category string

const (
	CategoryDriver    Category = "driver"    // Convergence loop decisions
	CategoryCapture   Category = "capture"   // Browser and replay targets
	CategoryCompare   Category = "compare"   // Pixel diff and scoring
	CategoryCorrect   Category = "correct"   // Correction proposal and apply
	CategoryPolicy    Category = "policy"    // Rule engine evaluation
	CategoryHistory   Category = "history"   // SQLite session store
	CategoryVerify    Category = "verify"    // Post-convergence battery
	CategoryAdvisor   Category = "advisor"   // LLM correction advisor
	CategoryReference Category = "reference" // Artifact loading and guard
)

// Logger is a category-scoped logger with printf-style methods.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu        sync.RWMutex
	loggers   = make(map[Category]*Logger)
	logsDir   string
	debugMode bool
)

// Initialize points the logging system at a workspace. Log files land in
// <workspace>/.drift/logs/<category>.log. Safe to call before any Get; when
// never called, loggers fall back to stderr at warn level.
func Initialize(workspace string, debug bool) error {
	if workspace == "" {
		return fmt.Errorf("workspace path required")
	}

	mu.Lock()
	defer mu.Unlock()

	logsDir = filepath.Join(workspace, ".drift", "logs")
	debugMode = debug
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	// Drop cached loggers so they rebuild against the new directory.
	loggers = make(map[Category]*Logger)
	return nil
}

// SetDebugMode toggles debug output globally.
func SetDebugMode(enabled bool) {
	mu.Lock()
	defer mu.Unlock()
	debugMode = enabled
	loggers = make(map[Category]*Logger)
}

// IsDebugMode reports whether debug output is enabled.
func IsDebugMode() bool {
	mu.RLock()
	defer mu.RUnlock()
	return debugMode
}

// Get returns the logger for a category, creating it on first use.
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	l := newLogger(category)
	loggers[category] = l
	return l
}

// newLogger builds a zap-backed logger for the category. Called with mu held.
func newLogger(category Category) *Logger {
	level := zapcore.WarnLevel
	if debugMode {
		level = zapcore.DebugLevel
	} else if logsDir != "" {
		level = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewConsoleEncoder(encCfg)

	var sink zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
	if logsDir != "" {
		path := filepath.Join(logsDir, string(category)+".log")
		if f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			sink = zapcore.Lock(f)
		}
	}

	core := zapcore.NewCore(encoder, sink, level)
	z := zap.New(core).Named(string(category))
	return &Logger{category: category, sugar: z.Sugar()}
}

// Debug logs at debug level. No-op unless debug mode is on.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Info logs at info level.
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Warn logs at warn level.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error logs at error level.
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// Sync flushes all category loggers. Called on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	for _, l := range loggers {
		_ = l.sugar.Sync()
	}
}

// Convenience helpers, one pair per category.

func Driver(format string, args ...interface{}) { Get(CategoryDriver).Info(format, args...) }

func DriverDebug(format string, args ...interface{}) { Get(CategoryDriver).Debug(format, args...) }

func Capture(format string, args ...interface{}) { Get(CategoryCapture).Info(format, args...) }

func CaptureDebug(format string, args ...interface{}) { Get(CategoryCapture).Debug(format, args...) }

func Compare(format string, args ...interface{}) { Get(CategoryCompare).Info(format, args...) }

func CompareDebug(format string, args ...interface{}) { Get(CategoryCompare).Debug(format, args...) }

func Correct(format string, args ...interface{}) { Get(CategoryCorrect).Info(format, args...) }

func CorrectDebug(format string, args ...interface{}) { Get(CategoryCorrect).Debug(format, args...) }

func Policy(format string, args ...interface{}) { Get(CategoryPolicy).Info(format, args...) }

func PolicyDebug(format string, args ...interface{}) { Get(CategoryPolicy).Debug(format, args...) }

func History(format string, args ...interface{}) { Get(CategoryHistory).Info(format, args...) }

func HistoryDebug(format string, args ...interface{}) { Get(CategoryHistory).Debug(format, args...) }

func Verify(format string, args ...interface{}) { Get(CategoryVerify).Info(format, args...) }

func VerifyDebug(format string, args ...interface{}) { Get(CategoryVerify).Debug(format, args...) }

func Advisor(format string, args ...interface{}) { Get(CategoryAdvisor).Info(format, args...) }

func AdvisorDebug(format string, args ...interface{}) { Get(CategoryAdvisor).Debug(format, args...) }

func Reference(format string, args ...interface{}) { Get(CategoryReference).Info(format, args...) }

func ReferenceDebug(format string, args ...interface{}) { Get(CategoryReference).Debug(format, args...) }
