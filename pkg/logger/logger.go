// Package logger builds the process *slog.Logger and carries it through
// contexts. Components derive their own logger with Component.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Format selects the handler.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Options configures New.
type Options struct {
	Level     slog.Level
	Format    Format
	Output    io.Writer
	AddSource bool
}

// DefaultOptions logs JSON at info level to stdout.
func DefaultOptions() Options {
	return Options{
		Level:  slog.LevelInfo,
		Format: FormatJSON,
		Output: os.Stdout,
	}
}

// New creates a logger. Timestamps are written in UTC.
func New(opts Options) *slog.Logger {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	ho := &slog.HandlerOptions{
		Level:     opts.Level,
		AddSource: opts.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
				a.Value = slog.TimeValue(a.Value.Time().UTC())
			}
			return a
		},
	}

	var h slog.Handler
	if opts.Format == FormatText {
		h = slog.NewTextHandler(opts.Output, ho)
	} else {
		h = slog.NewJSONHandler(opts.Output, ho)
	}
	return slog.New(h)
}

// Discard returns a logger that drops everything. Tests use it.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

// ParseLevel maps debug|info|warn|warning|error (any case) to a level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// ParseFormat maps json|text to a Format.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatText:
		return FormatText, nil
	default:
		return FormatJSON, fmt.Errorf("unknown log format %q", s)
	}
}

type ctxKey struct{}

// WithContext attaches l to ctx.
func WithContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger attached to ctx, or slog.Default.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// Attribute helpers. Keys are shared so log queries stay stable.
func Component(name string) slog.Attr   { return slog.String("component", name) }
func UserID(id string) slog.Attr        { return slog.String("user_id", id) }
func PathID(id string) slog.Attr        { return slog.String("path_id", id) }
func SkillID(id string) slog.Attr       { return slog.String("skill_id", id) }
func Tier(name string) slog.Attr        { return slog.String("tier", name) }
func Key(key string) slog.Attr          { return slog.String("key", key) }
func RequestID(id string) slog.Attr     { return slog.String("request_id", id) }
func Latency(d time.Duration) slog.Attr { return slog.Duration("latency", d) }

// Err renders err as a string attribute; nil becomes an empty value.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
