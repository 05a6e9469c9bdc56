// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides the component logger used across the daemon.
// Components obtain a named logger via WithComponent; individual components
// can be raised to debug level at runtime (the --debug CLI flag) without
// changing the global level.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config controls the process-wide logger.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	File   string // empty means stderr
	Syslog SyslogConfig
}

// DefaultConfig returns the standard logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "text",
		Syslog: DefaultSyslogConfig(),
	}
}

// Logger is a leveled, component-scoped logger.
type Logger struct {
	sl        *slog.Logger
	component string
}

var (
	mu         sync.RWMutex
	root       *Logger
	debugComps = map[string]bool{}
)

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a Logger from cfg and installs it as the process default.
// Unusable sinks (log file, syslog) fall back to stderr rather than failing;
// a logger must always be constructible.
func New(cfg Config) *Logger {
	var out io.Writer = os.Stderr
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logging: cannot open %s, using stderr: %v\n", cfg.File, err)
		} else {
			out = f
		}
	}
	if cfg.Syslog.Enabled {
		if sw, err := NewSyslogWriter(cfg.Syslog); err != nil {
			fmt.Fprintf(os.Stderr, "logging: syslog disabled: %v\n", err)
		} else {
			out = io.MultiWriter(out, sw)
		}
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}

	l := &Logger{sl: slog.New(h)}
	mu.Lock()
	root = l
	mu.Unlock()
	return l
}

// Default returns the installed logger, creating one from DefaultConfig if
// New has not been called.
func Default() *Logger {
	mu.RLock()
	l := root
	mu.RUnlock()
	if l != nil {
		return l
	}
	return New(DefaultConfig())
}

// WithComponent returns a logger scoped to a named component of the default
// logger.
func WithComponent(name string) *Logger {
	return Default().WithComponent(name)
}

// WithComponent returns a copy of l scoped to the named component.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		sl:        l.sl.With("component", name),
		component: name,
	}
}

// SetComponentDebug forces the named component to emit debug records even
// when the global level is higher.
func SetComponentDebug(name string) {
	mu.Lock()
	debugComps[name] = true
	mu.Unlock()
}

func (l *Logger) debugForced() bool {
	if l.component == "" {
		return false
	}
	mu.RLock()
	defer mu.RUnlock()
	return debugComps[l.component]
}

// Debug logs at debug level with alternating key/value pairs.
func (l *Logger) Debug(msg string, kv ...any) {
	if l.debugForced() {
		// Promote so a non-debug handler still records it.
		l.sl.Info(msg, append([]any{"debug", true}, kv...)...)
		return
	}
	l.sl.Debug(msg, kv...)
}

// Info logs at info level with alternating key/value pairs.
func (l *Logger) Info(msg string, kv ...any) {
	l.sl.Info(msg, kv...)
}

// Warn logs at warn level with alternating key/value pairs.
func (l *Logger) Warn(msg string, kv ...any) {
	l.sl.Warn(msg, kv...)
}

// Error logs at error level with alternating key/value pairs.
func (l *Logger) Error(msg string, kv ...any) {
	l.sl.Error(msg, kv...)
}

// APILog records an API-surface event at the given level using printf
// formatting. Used by HTTP middleware where key/value pairs are overkill.
func APILog(level string, format string, args ...any) {
	l := WithComponent("api")
	msg := fmt.Sprintf(format, args...)
	switch parseLevel(level) {
	case slog.LevelDebug:
		l.Debug(msg)
	case slog.LevelWarn:
		l.Warn(msg)
	case slog.LevelError:
		l.Error(msg)
	default:
		l.Info(msg)
	}
}

// Error logs a bare message on the default logger at error level.
func Error(msg string) {
	Default().Error(msg)
}
