package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sweeney/cti-bridge/internal/config"
)

func write(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cti-bridge.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimal = `
contact:
  endpoint: http://localhost:8080/events
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := config.Load(write(t, minimal))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Feed.Address != "127.0.0.1:4721" {
		t.Errorf("unexpected feed address %q", cfg.Feed.Address)
	}
	if cfg.Ingest.Workers != 4 || cfg.Ingest.PublishWorkers != 4 {
		t.Errorf("unexpected worker defaults: %+v", cfg.Ingest)
	}
	if cfg.Contact.MaxAttempts != 3 {
		t.Errorf("expected 3 attempts, got %d", cfg.Contact.MaxAttempts)
	}
	if cfg.Contact.RetryBaseDelay.Std() != time.Second {
		t.Errorf("expected 1s base delay, got %v", cfg.Contact.RetryBaseDelay.Std())
	}
	if cfg.Contact.HeartbeatInterval.Std() != 30*time.Second {
		t.Errorf("expected 30s heartbeat, got %v", cfg.Contact.HeartbeatInterval.Std())
	}
	if cfg.Registry.RetentionWindow.Std() != 30*time.Minute {
		t.Errorf("expected 30m retention, got %v", cfg.Registry.RetentionWindow.Std())
	}
	if cfg.Discovery.MaxEventTypes != 4096 {
		t.Errorf("expected 4096 discovery cap, got %d", cfg.Discovery.MaxEventTypes)
	}
	if cfg.MQTT.Enabled {
		t.Error("mqtt must be disabled by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := config.Load(write(t, `
feed:
  address: cti.example.net:4721
  reconnect_delay: 2s
contact:
  endpoint: http://tracker.example.net/events
  max_attempts: 5
  retry_base_delay: 250ms
registry:
  retention_window: 2h
mqtt:
  enabled: true
  broker: tcp://broker.example.net:1883
  qos: 2
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Feed.Address != "cti.example.net:4721" {
		t.Errorf("feed address not applied: %q", cfg.Feed.Address)
	}
	if cfg.Feed.ReconnectDelay.Std() != 2*time.Second {
		t.Errorf("reconnect delay not applied: %v", cfg.Feed.ReconnectDelay.Std())
	}
	if cfg.Contact.MaxAttempts != 5 {
		t.Errorf("max attempts not applied: %d", cfg.Contact.MaxAttempts)
	}
	if cfg.Contact.RetryBaseDelay.Std() != 250*time.Millisecond {
		t.Errorf("base delay not applied: %v", cfg.Contact.RetryBaseDelay.Std())
	}
	if cfg.Registry.RetentionWindow.Std() != 2*time.Hour {
		t.Errorf("retention not applied: %v", cfg.Registry.RetentionWindow.Std())
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.QoS != 2 {
		t.Errorf("mqtt settings not applied: %+v", cfg.MQTT)
	}
	// Untouched mqtt fields keep their defaults.
	if cfg.MQTT.ClientID != "cti-bridge" {
		t.Errorf("expected default client id, got %q", cfg.MQTT.ClientID)
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			"missing endpoint",
			`feed: {address: "localhost:4721"}`,
			"contact.endpoint",
		},
		{
			"empty feed address",
			minimal + "feed:\n  address: \"\"\n",
			"feed.address",
		},
		{
			"zero attempts",
			minimal + "  max_attempts: 0\n",
			"contact.max_attempts",
		},
		{
			"zero workers",
			minimal + "ingest:\n  workers: 0\n",
			"ingest.workers",
		},
		{
			"watch without rules file",
			minimal + "routing:\n  watch: true\n",
			"routing.watch",
		},
		{
			"mqtt bad qos",
			minimal + "mqtt:\n  enabled: true\n  qos: 3\n",
			"mqtt.qos",
		},
		{
			"mqtt no broker",
			minimal + "mqtt:\n  enabled: true\n  broker: \"\"\n",
			"mqtt.broker",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Load(write(t, tc.content))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("expected error mentioning %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	_, err := config.Load(write(t, minimal+"registry:\n  retention_window: soon\n"))
	if err == nil {
		t.Fatal("expected error for unparsable duration")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	if _, err := config.Load(write(t, "{{{{")); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}
