package app

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bdobrica/Hanashi/internal/hanashi/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Matrix.Homeserver = "https://matrix.example.org"
	cfg.Matrix.UserID = "@hanashi:example.org"
	cfg.Matrix.AccessToken = "syt_test"
	cfg.Storage.Path = filepath.Join(t.TempDir(), "hanashi.db")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return &cfg
}

func TestNew_WiresComponents(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = "sqlite"
	cfg.Context.IdleTimeout = time.Hour
	cfg.Transcript.Enabled = true
	cfg.Transcript.Path = filepath.Join(t.TempDir(), "chat_log.txt")

	a, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if a.db == nil || a.evictor == nil || a.health == nil || a.transcript == nil {
		t.Fatalf("missing component: db=%v evictor=%v health=%v transcript=%v",
			a.db != nil, a.evictor != nil, a.health != nil, a.transcript != nil)
	}
	if a.relay.Budget() != cfg.Budget() {
		t.Errorf("relay budget = %+v", a.relay.Budget())
	}

	a.memory.GetOrCreate("!room:example.org")
	if n, err := testutil.GatherAndCount(a.metrics.Registry(), "hanashi_conversations"); err != nil || n != 1 {
		t.Errorf("hanashi_conversations series = %d, %v", n, err)
	}
}

func TestNew_OptionalComponentsOff(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Path = ""
	cfg.HTTP.Addr = ""

	a, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if a.db != nil || a.evictor != nil || a.health != nil || a.transcript != nil {
		t.Error("optional components must stay off")
	}
}
