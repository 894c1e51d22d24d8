// Package logging provides categorized structured logging for soldeploy.
// Every entry carries a "category" field so build, deploy, runtime and server
// output can be filtered independently. Until Initialize is called all loggers
// are no-ops, which keeps library use and tests quiet.
package logging

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot    Category = "boot"    // CLI startup, config loading
	CategoryBuild   Category = "build"   // cargo build-sbf, tool detection
	CategoryDeploy  Category = "deploy"  // solana program deploy, program ID extraction
	CategoryRPC     Category = "rpc"     // JSON-RPC traffic
	CategoryRuntime Category = "runtime" // Local host runtime invocations
	CategoryTactile Category = "tactile" // Command execution
	CategoryStore   Category = "store"   // Deployment history
	CategoryWatch   Category = "watch"   // Source watcher
	CategoryServer  Category = "server"  // Explorer HTTP API
)

// Logger writes to one category. It resolves the process-wide zap logger on
// each call, so a Logger retained across SetBase follows the new logger.
type Logger struct {
	category Category
	fields   []interface{}
	bound    atomic.Pointer[boundSugar]
}

type boundSugar struct {
	gen   uint64
	sugar *zap.SugaredLogger
}

var (
	mu         sync.RWMutex
	base       = zap.NewNop()
	generation atomic.Uint64
	loggers    = make(map[Category]*Logger)
)

// Initialize builds the process-wide zap logger. Debug output is enabled when
// verbose is set; jsonFormat switches from console to JSON encoding.
func Initialize(verbose, jsonFormat bool) error {
	cfg := zap.NewProductionConfig()
	if !jsonFormat {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	cfg.OutputPaths = []string{"stderr"}

	l, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	SetBase(l)
	return nil
}

// SetBase replaces the underlying zap logger. Category loggers handed out
// earlier, and children made with With, pick up the new logger on their next
// call.
func SetBase(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	base = l
	generation.Add(1)
	mu.Unlock()
}

// Base returns the underlying zap logger.
func Base() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Sync flushes buffered entries.
func Sync() {
	_ = Base().Sync()
}

// Get returns the logger for a category.
func Get(category Category) *Logger {
	mu.RLock()
	l, ok := loggers[category]
	mu.RUnlock()
	if ok {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	l = &Logger{category: category}
	loggers[category] = l
	return l
}

// sugar returns a sugared logger built from the current base.
func (l *Logger) sugar() *zap.SugaredLogger {
	if b := l.bound.Load(); b != nil && b.gen == generation.Load() {
		return b.sugar
	}
	mu.RLock()
	gen, current := generation.Load(), base
	mu.RUnlock()

	s := current.With(zap.String("category", string(l.category))).Sugar()
	if len(l.fields) > 0 {
		s = s.With(l.fields...)
	}
	l.bound.Store(&boundSugar{gen: gen, sugar: s})
	return s
}

// Debug logs at debug level
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar().Debugf(format, args...)
}

// Info logs at info level
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar().Infof(format, args...)
}

// Warn logs at warn level
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar().Warnf(format, args...)
}

// Error logs at error level
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar().Errorf(format, args...)
}

// With returns a child logger carrying extra structured fields.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	fields := make([]interface{}, 0, len(l.fields)+len(keysAndValues))
	fields = append(fields, l.fields...)
	fields = append(fields, keysAndValues...)
	return &Logger{category: l.category, fields: fields}
}

// =============================================================================
// CATEGORY HELPERS
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) { Get(CategoryBoot).Info(format, args...) }

// BootDebug logs debug to the boot category
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }

// Build logs to the build category
func Build(format string, args ...interface{}) { Get(CategoryBuild).Info(format, args...) }

// BuildDebug logs debug to the build category
func BuildDebug(format string, args ...interface{}) { Get(CategoryBuild).Debug(format, args...) }

// BuildWarn logs warning to the build category
func BuildWarn(format string, args ...interface{}) { Get(CategoryBuild).Warn(format, args...) }

// Deploy logs to the deploy category
func Deploy(format string, args ...interface{}) { Get(CategoryDeploy).Info(format, args...) }

// DeployDebug logs debug to the deploy category
func DeployDebug(format string, args ...interface{}) { Get(CategoryDeploy).Debug(format, args...) }

// DeployWarn logs warning to the deploy category
func DeployWarn(format string, args ...interface{}) { Get(CategoryDeploy).Warn(format, args...) }

// RPCDebug logs debug to the rpc category
func RPCDebug(format string, args ...interface{}) { Get(CategoryRPC).Debug(format, args...) }

// Runtime logs to the runtime category
func Runtime(format string, args ...interface{}) { Get(CategoryRuntime).Info(format, args...) }

// RuntimeDebug logs debug to the runtime category
func RuntimeDebug(format string, args ...interface{}) { Get(CategoryRuntime).Debug(format, args...) }

// Tactile logs to the tactile category
func Tactile(format string, args ...interface{}) { Get(CategoryTactile).Info(format, args...) }

// TactileDebug logs debug to the tactile category
func TactileDebug(format string, args ...interface{}) { Get(CategoryTactile).Debug(format, args...) }

// TactileWarn logs warning to the tactile category
func TactileWarn(format string, args ...interface{}) { Get(CategoryTactile).Warn(format, args...) }

// Store logs to the store category
func Store(format string, args ...interface{}) { Get(CategoryStore).Info(format, args...) }

// StoreDebug logs debug to the store category
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }

// Watch logs to the watch category
func Watch(format string, args ...interface{}) { Get(CategoryWatch).Info(format, args...) }

// WatchDebug logs debug to the watch category
func WatchDebug(format string, args ...interface{}) { Get(CategoryWatch).Debug(format, args...) }

// Server logs to the server category
func Server(format string, args ...interface{}) { Get(CategoryServer).Info(format, args...) }

// ServerError logs error to the server category
func ServerError(format string, args ...interface{}) { Get(CategoryServer).Error(format, args...) }

// =============================================================================
// TIMERS
// =============================================================================

// Timer measures the duration of an operation.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
