// Package log wires up the process-wide slog.Logger: a text handler on
// stderr for humans, an optional JSON handler on a log file for ingestion,
// and a custom level below Debug for the high-volume raw-frame tracing
// spec.md's trace-level budget calls for.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// LevelTrace sits below slog.LevelDebug; used for per-byte/per-frame wire
// tracing that is far too noisy to ever enable by default.
const LevelTrace = slog.Level(-8)

var levelNames = map[slog.Leveler]string{
	LevelTrace: "TRACE",
}

func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	level, ok := a.Value.Any().(slog.Level)
	if !ok {
		return a
	}
	if name, ok := levelNames[level]; ok {
		a.Value = slog.StringValue(name)
	}
	return a
}

// MultiHandler fans a single record out to every underlying handler, used to
// keep a human-readable stderr stream and a structured file/journal stream
// in sync without two independent logger trees.
type MultiHandler struct {
	handlers []slog.Handler
}

func NewMultiHandler(handlers ...slog.Handler) *MultiHandler {
	return &MultiHandler{handlers: handlers}
}

func (m *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range m.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &MultiHandler{handlers: next}
}

func (m *MultiHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithGroup(name)
	}
	return &MultiHandler{handlers: next}
}

// LevelFilter wraps a handler with its own minimum level, independent of
// whatever level the logger's own handler chain otherwise applies. Used to
// let the file sink run at LevelTrace while stderr stays at Info.
type LevelFilter struct {
	level   slog.Leveler
	wrapped slog.Handler
}

func NewLevelFilter(level slog.Leveler, wrapped slog.Handler) *LevelFilter {
	return &LevelFilter{level: level, wrapped: wrapped}
}

func (f *LevelFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= f.level.Level() && f.wrapped.Enabled(ctx, level)
}

func (f *LevelFilter) Handle(ctx context.Context, r slog.Record) error {
	return f.wrapped.Handle(ctx, r)
}

func (f *LevelFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LevelFilter{level: f.level, wrapped: f.wrapped.WithAttrs(attrs)}
}

func (f *LevelFilter) WithGroup(name string) slog.Handler {
	return &LevelFilter{level: f.level, wrapped: f.wrapped.WithGroup(name)}
}

// Options configures SetupLogger.
type Options struct {
	// Level is the minimum level shown on stderr. Accepts "trace" in
	// addition to slog's usual names.
	Level string
	// FilePath, if non-empty, receives a JSON-structured copy of every
	// record at LevelTrace and above, regardless of Level.
	FilePath string
	// Writer overrides the stderr destination; defaults to os.Stderr. Tests
	// pass a buffer here.
	Writer io.Writer
}

// ParseLevel accepts slog's usual names plus "trace".
func ParseLevel(s string) (slog.Level, error) {
	switch s {
	case "trace", "TRACE":
		return LevelTrace, nil
	case "debug", "DEBUG", "":
		return slog.LevelDebug, nil
	case "info", "INFO":
		return slog.LevelInfo, nil
	case "warn", "WARN", "warning":
		return slog.LevelWarn, nil
	case "error", "ERROR":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log: unknown level %q", s)
	}
}

// SetupLogger builds and installs the process-wide slog.Logger described in
// Options, returning it and a close func that flushes/closes the file sink.
func SetupLogger(opts Options) (*slog.Logger, func() error, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	textHandler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLevel,
	})

	handlers := []slog.Handler{textHandler}
	closeFn := func() error { return nil }

	if opts.FilePath != "" {
		f, err := os.OpenFile(opts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("log: open %s: %w", opts.FilePath, err)
		}
		jsonHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{
			Level:       LevelTrace,
			ReplaceAttr: replaceLevel,
		})
		handlers = append(handlers, NewLevelFilter(LevelTrace, jsonHandler))
		closeFn = f.Close
	}

	var handler slog.Handler
	if len(handlers) == 1 {
		handler = handlers[0]
	} else {
		handler = NewMultiHandler(handlers...)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, closeFn, nil
}
