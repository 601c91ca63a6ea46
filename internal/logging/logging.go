// Package logging wraps log/slog behind a small leveled interface
// (Debug/Info/Warn/Error, each taking key-value pairs) backed by a
// structured handler, with file output rotated through lumberjack when
// a log file is configured.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the leveled, structured logging surface every package in
// marketsync takes as a dependency instead of reaching for the global
// slog logger directly.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	With(kv ...any) Logger
}

type slogLogger struct {
	l *slog.Logger
}

// New builds a Logger from LOG_LEVEL semantics (DEBUG/INFO/WARNING/ERROR,
// case-insensitive; unrecognized values default to INFO) writing JSON
// lines to w.
func New(level string, w io.Writer) Logger {
	if w == nil {
		w = io.Discard
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level)})
	return &slogLogger{l: slog.New(h)}
}

// NewRotating builds a Logger that writes to both os.Stderr and a
// size-rotated file at path, via gopkg.in/natefinch/lumberjack.v2.
func NewRotating(level, path string, maxSizeMB, maxBackups, maxAgeDays int) Logger {
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}
	return New(level, io.MultiWriter(os.Stderr, rotator))
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARNING", "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (s *slogLogger) Debug(msg string, kv ...any) { s.l.Debug(msg, kv...) }
func (s *slogLogger) Info(msg string, kv ...any)  { s.l.Info(msg, kv...) }
func (s *slogLogger) Warn(msg string, kv ...any)  { s.l.Warn(msg, kv...) }
func (s *slogLogger) Error(msg string, kv ...any) { s.l.Error(msg, kv...) }

func (s *slogLogger) With(kv ...any) Logger {
	return &slogLogger{l: s.l.With(kv...)}
}

// FromContext retrieves the Logger stashed by WithContext, or a no-op
// discard logger if none was set, so handlers that forget to thread a
// logger through still run, just silently.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok {
		return l
	}
	return discard{}
}

// WithContext attaches l to ctx for retrieval via FromContext.
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

type ctxKey struct{}

type discard struct{}

func (discard) Debug(string, ...any) {}
func (discard) Info(string, ...any)  {}
func (discard) Warn(string, ...any)  {}
func (discard) Error(string, ...any) {}
func (d discard) With(...any) Logger { return d }
