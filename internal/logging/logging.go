// Package logging is the kiosk daemon's structured-logging layer, grounded
// on dittofs's internal/logger: a package-level slog.Logger, a level/format
// switch, and a colorized text handler for an attached console plus a JSON
// handler for shipping records to the (out-of-scope) event-log collector.
// Where dittofs hand-rolls isTerminal with raw syscalls per-OS, this package
// uses github.com/mattn/go-isatty, which the wider retrieval pack already
// reaches for.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// Config controls how New builds the logger.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // text, json
	Output io.Writer
}

var (
	mu      sync.RWMutex
	current *slog.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
)

// New builds a logger per Config and installs it as the package default.
func New(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	levelVar := new(slog.LevelVar)
	levelVar.Set(parseLevel(cfg.Level))
	opts := &slog.HandlerOptions{Level: levelVar}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		useColor := false
		if f, ok := out.(*os.File); ok {
			useColor = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		}
		handler = NewKioskTextHandler(out, opts, useColor)
	}

	l := slog.New(handler)
	mu.Lock()
	current = l
	mu.Unlock()
	return l
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default returns the currently installed package logger.
func Default() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// ForKiosk returns a logger pre-bound with a kiosk_id field, the attribute
// every bus/locker/command log line carries (spec §4.1/§4.2 "Observable
// outputs").
func ForKiosk(kioskID string) *slog.Logger {
	return Default().With("kiosk_id", kioskID)
}
