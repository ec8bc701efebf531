package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
logging:
  level: debug
  console: true
storage:
  path: /tmp/postflow.db
security:
  encryption_key: "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
linkedin:
  client_id: cid
  client_secret: secret
dispatcher:
  workers: 3
  max_attempts: 4
  backoff_base: 90s
throttle:
  max_requests: 10
  per: 2s
  concurrency: 4
poller:
  enabled: true
  interval: 10m
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidYAML(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Dispatcher.Workers != 3 || cfg.Dispatcher.MaxAttempts != 4 {
		t.Fatalf("dispatcher = %+v", cfg.Dispatcher)
	}
	if cfg.Throttle.MaxRequests != 10 || cfg.Throttle.Per != "2s" {
		t.Fatalf("throttle = %+v", cfg.Throttle)
	}
	if !cfg.Poller.Enabled || cfg.Poller.Interval != "10m" {
		t.Fatalf("poller = %+v", cfg.Poller)
	}
	if got := m.Get(); got != cfg {
		t.Fatalf("Get returned a different config")
	}
}

func TestLoadValidJSON(t *testing.T) {
	js := `{
  "logging": {"level": "info", "console": true},
  "storage": {"path": "/tmp/postflow.db"},
  "security": {"encryption_key": "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"},
  "linkedin": {"client_id": "cid", "client_secret": "secret"},
  "dispatcher": {},
  "throttle": {},
  "poller": {"enabled": false}
}`
	m := NewManager(writeConfig(t, "config.json", js))
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	bad := validYAML + "\nworkerz: 9\n"
	m := NewManager(writeConfig(t, "config.yaml", bad))
	if _, err := m.Load(); err == nil {
		t.Fatalf("unknown key accepted")
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := &Config{}
	cfg.Security.EncryptionKey = "nothex"
	cfg.Dispatcher.BackoffBase = "sixty seconds"
	cfg.Throttle.Per = "-1s"

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("Validate passed an empty config")
	}
	msg := err.Error()
	for _, want := range []string{
		"storage.path",
		"security.encryption_key",
		"linkedin.client_id",
		"linkedin.client_secret",
		"dispatcher.backoff_base",
		"throttle.per",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error missing %q:\n%s", want, msg)
		}
	}
}

func TestValidateAcceptsMinimalConfig(t *testing.T) {
	cfg := &Config{}
	cfg.Storage.Path = "/tmp/x.db"
	cfg.Security.EncryptionKey = strings.Repeat("ab", 32)
	cfg.LinkedIn.ClientID = "cid"
	cfg.LinkedIn.ClientSecret = "secret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsShortKey(t *testing.T) {
	cfg := &Config{}
	cfg.Storage.Path = "/tmp/x.db"
	cfg.Security.EncryptionKey = "deadbeef"
	cfg.LinkedIn.ClientID = "cid"
	cfg.LinkedIn.ClientSecret = "secret"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "64 hex") {
		t.Fatalf("short key err = %v", err)
	}
}

func TestDurationField(t *testing.T) {
	if err := Duration("90s").check("x"); err != nil {
		t.Fatalf("check(90s): %v", err)
	}
	if err := Duration("").check("x"); err != nil {
		t.Fatalf("check empty: %v", err)
	}
	if err := Duration("banana").check("x"); err == nil {
		t.Fatalf("accepted garbage duration")
	}
	if err := Duration("-5s").check("x"); err == nil {
		t.Fatalf("accepted negative duration")
	}
	if err := Duration("banana").check("throttle.per"); err == nil || !strings.Contains(err.Error(), "throttle.per") {
		t.Fatalf("check error missing config path: %v", err)
	}

	if got := Duration("90s").Value(time.Second); got != 90*time.Second {
		t.Fatalf("Value(90s) = %v", got)
	}
	if got := Duration("").Value(time.Minute); got != time.Minute {
		t.Fatalf("empty Value = %v, want the default", got)
	}
	if got := Duration("0s").Value(time.Minute); got != time.Minute {
		t.Fatalf("zero Value = %v, want the default", got)
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	js := `{"storage": {"path": "/tmp/x.db"}} {"extra": true}`
	m := NewManager(writeConfig(t, "config.json", js))
	if _, err := m.Parse(); err == nil {
		t.Fatalf("trailing JSON accepted")
	}
}
