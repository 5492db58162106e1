package app

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/Hanashi/internal/hanashi/metrics"
	"github.com/bdobrica/Hanashi/internal/hanashi/window"
)

type fixedCount int

func (c fixedCount) Len() int { return int(c) }

type fakeDB struct {
	pingErr   error
	persisted int
	version   int
}

func (d *fakeDB) Ping(context.Context) error { return d.pingErr }

func (d *fakeDB) SchemaVersion(context.Context) (int, error) { return d.version, nil }

func (d *fakeDB) PersistedConversations(context.Context) (int, error) { return d.persisted, nil }

var testBudget = window.Budget{MaxContextTokens: 4096, ReservedForReply: 300}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return w, body
}

func TestHealthServer_Health(t *testing.T) {
	hs := NewHealthServer("127.0.0.1:0", fixedCount(3), &fakeDB{}, testBudget, nil)

	w, resp := get(t, hs, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resp["status"] != "ok" || resp["database"] != "ok" {
		t.Errorf("resp = %v", resp)
	}
}

func TestHealthServer_HealthDegraded(t *testing.T) {
	hs := NewHealthServer("127.0.0.1:0", fixedCount(0), &fakeDB{pingErr: errors.New("disk I/O error")}, testBudget, nil)

	w, resp := get(t, hs, "/health")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if resp["status"] != "degraded" || resp["database"] != "unreachable" {
		t.Errorf("resp = %v", resp)
	}
}

func TestHealthServer_Status(t *testing.T) {
	hs := NewHealthServer("127.0.0.1:0", fixedCount(5), &fakeDB{persisted: 7, version: 2}, testBudget, nil)

	w, resp := get(t, hs, "/status")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	checks := map[string]float64{
		"conversations":           5,
		"persisted_conversations": 7,
		"schema_version":          2,
		"max_context_tokens":      4096,
		"reserved_for_reply":      300,
	}
	for key, want := range checks {
		if got, _ := resp[key].(float64); got != want {
			t.Errorf("%s = %v, want %v", key, resp[key], want)
		}
	}
}

func TestHealthServer_StatusWithoutDatabase(t *testing.T) {
	hs := NewHealthServer("127.0.0.1:0", fixedCount(1), nil, testBudget, nil)

	_, resp := get(t, hs, "/status")
	if _, ok := resp["persisted_conversations"]; ok {
		t.Errorf("persisted_conversations reported without a database: %v", resp)
	}
	_, health := get(t, hs, "/health")
	if _, ok := health["database"]; ok {
		t.Errorf("database reported without a database: %v", health)
	}
}

func TestHealthServer_Metrics(t *testing.T) {
	m := metrics.New()
	m.Turn(metrics.OutcomeOK)
	hs := NewHealthServer("127.0.0.1:0", fixedCount(0), nil, testBudget, m.Handler())

	w, _ := get(t, hs, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `hanashi_turns_total{outcome="ok"} 1`) {
		t.Errorf("metrics output missing turn counter:\n%s", w.Body.String())
	}

	noMetrics := NewHealthServer("127.0.0.1:0", fixedCount(0), nil, testBudget, nil)
	if w, _ := get(t, noMetrics, "/metrics"); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 without metrics, got %d", w.Code)
	}
}

func TestHealthServer_ServeAndShutdown(t *testing.T) {
	hs := NewHealthServer("", fixedCount(0), nil, testBudget, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hs.serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
