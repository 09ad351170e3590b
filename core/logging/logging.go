// Package logging owns the process-wide zap logger.
package logging

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Log is the global logger. It is a no-op until Init runs.
	Log = zap.NewNop()

	mu    sync.Mutex
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Init configures the global logger. format is "json" or "console".
func Init(lvl, format string) error {
	mu.Lock()
	defer mu.Unlock()

	if err := SetLevel(lvl); err != nil {
		return err
	}

	cfg := zap.NewProductionConfig()
	if strings.EqualFold(format, "console") {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = level
	cfg.DisableStacktrace = true

	l, err := cfg.Build()
	if err != nil {
		return err
	}
	Log = l
	return nil
}

// SetLevel changes the level of the global logger at runtime.
func SetLevel(lvl string) error {
	if lvl == "" {
		return nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(lvl)); err != nil {
		return err
	}
	level.SetLevel(l)
	return nil
}

// Sync flushes buffered entries. Errors from syncing stderr are ignored.
func Sync() {
	_ = Log.Sync()
}
