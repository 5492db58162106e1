package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewLogger_LevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "warn", "json")

	logger.Info("relay: dropped")
	if buf.Len() != 0 {
		t.Fatalf("info line written at warn level: %s", buf.String())
	}

	logger.Warn("relay: kept", "conversation", "c1")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected JSON line, got %q: %v", buf.String(), err)
	}
	if line["msg"] != "relay: kept" || line["conversation"] != "c1" {
		t.Errorf("line = %v", line)
	}
}

func TestNewLogger_UnknownLevelIsInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "chatty", "text")

	logger.Debug("hidden")
	logger.Info("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := TraceFromContext(ctx); got != "" {
		t.Errorf("empty context trace = %q", got)
	}

	id := NewTraceID()
	if !strings.HasPrefix(id, "t_") || len(id) != 34 {
		t.Errorf("NewTraceID() = %q", id)
	}
	if other := NewTraceID(); other == id {
		t.Error("trace IDs must be unique")
	}

	ctx = WithTraceID(ctx, id)
	if got := TraceFromContext(ctx); got != id {
		t.Errorf("TraceFromContext = %q, want %q", got, id)
	}
}

func TestLoggerWithTrace(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(&buf, "info", "text")

	ctx := WithTraceID(context.Background(), "t_abc")
	LoggerWithTrace(ctx, base).Info("relay: turn")
	if !strings.Contains(buf.String(), "trace_id=t_abc") {
		t.Errorf("trace_id missing: %q", buf.String())
	}

	buf.Reset()
	LoggerWithTrace(context.Background(), base).Info("relay: turn")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("unexpected trace_id: %q", buf.String())
	}
}

func TestRedact(t *testing.T) {
	tests := []struct {
		in      string
		secrets []string
		want    string
	}{
		{"token=syt_abcdef", []string{"syt_abcdef"}, "token=[REDACTED]"},
		{"key sk-1 and sk-1", []string{"sk-1"}, "key [REDACTED] and [REDACTED]"},
		{"abc stays", []string{"abc"}, "abc stays"},
		{"nothing here", nil, "nothing here"},
	}
	for _, tt := range tests {
		if got := Redact(tt.in, tt.secrets...); got != tt.want {
			t.Errorf("Redact(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMask(t *testing.T) {
	if got := Mask(""); got != "" {
		t.Errorf("Mask(empty) = %q", got)
	}
	if got := Mask("short"); got != "[REDACTED]" {
		t.Errorf("Mask(short) = %q", got)
	}
	if got := Mask("syt_0123456789abcd"); got != "...abcd" {
		t.Errorf("Mask(long) = %q", got)
	}
}
