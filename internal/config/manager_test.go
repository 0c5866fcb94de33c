package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.yaml", `
logging:
  level: debug
  console: true
storage:
  path: ./data/billing.db
  busy_timeout: 10s
channel:
  data_dir: ./data/sessions
scheduler:
  enabled: true
  spec: "30 7 * * *"
  timezone: America/Sao_Paulo
dispatch:
  rate_per_sec: 3
alerts:
  enabled: true
  token: tok
  chat_id: 12345
`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Storage.Path != "./data/billing.db" || cfg.Storage.BusyTimeout != "10s" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if !cfg.Scheduler.Enabled || cfg.Scheduler.Spec != "30 7 * * *" || cfg.Scheduler.Timezone != "America/Sao_Paulo" {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Dispatch.RatePerSec != 3 {
		t.Fatalf("dispatch = %+v", cfg.Dispatch)
	}
	if cfg.Alerts == nil || cfg.Alerts.ChatID != 12345 {
		t.Fatalf("alerts = %+v", cfg.Alerts)
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.json", `{
  "logging": {"level": "info", "console": true},
  "storage": {"path": "./billing.db"},
  "channel": {"data_dir": "./sessions"},
  "scheduler": {"enabled": false}
}`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Channel.DataDir != "./sessions" || cfg.Scheduler.Enabled {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestDecodeFormatByExtension(t *testing.T) {
	t.Parallel()

	yamlDoc := "logging:\n  level: warn\n  console: true\n"

	// .yml goes through the YAML pass like .yaml.
	cfg, err := decodeConfig("config.yml", []byte(yamlDoc))
	if err != nil {
		t.Fatalf("yml: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("yml: logging = %+v", cfg.Logging)
	}

	// Any other extension is decoded as JSON, so YAML syntax must fail.
	if _, err := decodeConfig("config.json", []byte(yamlDoc)); err == nil {
		t.Fatalf("yaml body accepted under json extension")
	}

	// YAML integer keys are stringified during coercion instead of
	// aborting the json re-encode.
	if _, err := yamlToJSON([]byte("0: zero\n1: one\n")); err != nil {
		t.Fatalf("integer keys: %v", err)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.yaml", `
logging:
  levell: debug
storage:
  path: ./billing.db
channel:
  data_dir: ./sessions
scheduler:
  enabled: true
`)

	if _, err := NewManager(path).Parse(); err == nil || !strings.Contains(err.Error(), "levell") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.json", `{"logging":{"console":true}}{"extra":1}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestSubscribePublishAndUnsubscribe(t *testing.T) {
	t.Parallel()

	m := NewManager("unused")
	ch := m.Subscribe(1)

	cfg := &Config{}
	m.publish(cfg)
	select {
	case got := <-ch:
		if got != cfg {
			t.Fatalf("got wrong config")
		}
	case <-time.After(time.Second):
		t.Fatalf("subscriber never received")
	}

	// A full buffer is drained in favor of the newest config.
	old, newer := &Config{}, &Config{}
	m.publish(old)
	m.publish(newer)
	if got := <-ch; got != newer {
		t.Fatalf("expected newest config after overflow")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("channel not closed after unsubscribe")
	}
	m.publish(cfg) // must not panic on removed subscriber
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	if d, err := ParseDurationField("x", " 5s "); err != nil || d != 5*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatalf("negative accepted")
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatalf("garbage accepted")
	}
	if d, err := ParseDurationOrDefault("x", "", 7*time.Second); err != nil || d != 7*time.Second {
		t.Fatalf("default: got %v, %v", d, err)
	}
}
