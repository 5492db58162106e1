// Package observability holds the logging helpers shared by every Hanashi
// package: slog setup, per-turn trace IDs and secret redaction.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
)

const redacted = "[REDACTED]"

type traceKey struct{}

// Setup installs the default slog logger. level is one of debug, info, warn
// or error (anything else means info); format is "json" or "text".
func Setup(level, format string) {
	slog.SetDefault(NewLogger(os.Stdout, level, format))
}

// NewLogger builds a logger writing to w with the given level and format.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// NewTraceID returns a fresh trace ID for one turn.
func NewTraceID() string {
	return "t_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// WithTraceID returns a child context carrying id.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// TraceFromContext returns the trace ID in ctx, or "".
func TraceFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	return ""
}

// WithTrace returns the default logger annotated with the trace ID in ctx.
func WithTrace(ctx context.Context) *slog.Logger {
	return LoggerWithTrace(ctx, slog.Default())
}

// LoggerWithTrace annotates base with the trace ID in ctx, if any.
func LoggerWithTrace(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	if id := TraceFromContext(ctx); id != "" {
		return base.With("trace_id", id)
	}
	return base
}

// Redact replaces every occurrence of each secret in s with [REDACTED].
// Secrets shorter than 4 characters are ignored so that short values do not
// mangle unrelated text.
func Redact(s string, secrets ...string) string {
	for _, v := range secrets {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, redacted)
	}
	return s
}

// Mask returns a short fingerprint of a secret for startup summaries:
// the last four characters for long values, "[REDACTED]" otherwise, and
// "" for an empty value.
func Mask(secret string) string {
	switch {
	case secret == "":
		return ""
	case len(secret) < 12:
		return redacted
	default:
		return "..." + secret[len(secret)-4:]
	}
}
