package whatsapp

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConfigYAML(t *testing.T) {
	t.Run("hand-edited integer seconds parse", func(t *testing.T) {
		raw := strings.Join([]string{
			"enabled: true",
			"tenant_id: default",
			"reconnect_backoff_seconds: 7",
			"send_timeout_seconds: 45",
		}, "\n")

		var cfg Config
		if err := yaml.Unmarshal([]byte(raw), &cfg); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if cfg.reconnectBackoff() != 7*time.Second {
			t.Errorf("expected 7s backoff, got %v", cfg.reconnectBackoff())
		}
		if cfg.sendTimeout() != 45*time.Second {
			t.Errorf("expected 45s send timeout, got %v", cfg.sendTimeout())
		}
	})

	t.Run("defaults marshal as plain seconds", func(t *testing.T) {
		out, err := yaml.Marshal(DefaultConfig())
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		for _, want := range []string{"reconnect_backoff_seconds: 5", "send_timeout_seconds: 30"} {
			if !strings.Contains(string(out), want) {
				t.Errorf("missing %q in:\n%s", want, out)
			}
		}
	})
}

func TestNewAppliesDefaults(t *testing.T) {
	w := New(Config{}, testLogger())
	if w.cfg.DatabasePath != "./data/whatsapp.db" {
		t.Errorf("database path default missing: %q", w.cfg.DatabasePath)
	}
	if w.cfg.SendTimeoutSeconds != 30 {
		t.Errorf("expected 30s send timeout default, got %d", w.cfg.SendTimeoutSeconds)
	}
	if w.cfg.ReconnectBackoffSeconds != 5 {
		t.Errorf("expected 5s backoff default, got %d", w.cfg.ReconnectBackoffSeconds)
	}
}
