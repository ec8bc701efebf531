package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration is a Go duration string config field (e.g. "500ms", "60s", "5m").
// Empty means "use the component default".
type Duration string

// check validates the field shape; Validate calls it for every duration
// field so a typo is reported against its config path.
func (d Duration) check(path string) error {
	s := strings.TrimSpace(string(d))
	if s == "" {
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", path, string(d), err)
	}
	if v < 0 {
		return fmt.Errorf("%s: duration must be >= 0", path)
	}
	return nil
}

// Value resolves the field after Validate has accepted the config. Empty or
// zero fields fall back to def.
func (d Duration) Value(def time.Duration) time.Duration {
	s := strings.TrimSpace(string(d))
	if s == "" {
		return def
	}
	v, err := time.ParseDuration(s)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// Config is the root configuration for the dispatch engine.
//
// Unknown keys are rejected so typos are caught at load time instead of
// silently falling back to defaults.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Security SecurityConfig `json:"security"`
	LinkedIn LinkedInConfig `json:"linkedin"`

	Dispatcher DispatcherConfig `json:"dispatcher"`
	Throttle   ThrottleConfig   `json:"throttle"`
	Poller     PollerConfig     `json:"poller"`
	Notifier   NotifierConfig   `json:"notifier,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the SQLite persistence layer.
//
// The job queue is durable by contract: a missing path is a startup error,
// not a fall-back to in-memory operation.
type StorageConfig struct {
	Path        string   `json:"path"`
	BusyTimeout Duration `json:"busy_timeout,omitempty"`
}

// SecurityConfig holds at-rest secrets.
//
// EncryptionKey must be a 32-byte hex string (64 hex characters). It is
// validated at startup; a malformed key is fatal.
type SecurityConfig struct {
	EncryptionKey string `json:"encryption_key"`
}

// LinkedInConfig configures the external API client.
type LinkedInConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`

	// BaseURL/AuthBaseURL exist so tests and staging can point the client at
	// a local server. Empty means production endpoints.
	BaseURL     string `json:"base_url,omitempty"`
	AuthBaseURL string `json:"auth_base_url,omitempty"`

	// RequestTimeout bounds a single outbound HTTP call.
	RequestTimeout Duration `json:"request_timeout,omitempty"`
}

// DispatcherConfig controls the worker pool that delivers due jobs.
//
// Defaults (when fields are omitted/zero):
//   - workers: 5
//   - max_attempts: 3
//   - backoff_base: "60s"
//   - claim_interval: "1s"
//   - shutdown_grace: "30s"
//   - refresh_margin: "5m"
type DispatcherConfig struct {
	Workers       int      `json:"workers,omitempty"`
	MaxAttempts   int      `json:"max_attempts,omitempty"`
	BackoffBase   Duration `json:"backoff_base,omitempty"`
	ClaimInterval Duration `json:"claim_interval,omitempty"`
	ShutdownGrace Duration `json:"shutdown_grace,omitempty"`

	// RefreshMargin refreshes tokens that expire within this window, so a
	// token can't expire between the pre-publish check and the publish call.
	RefreshMargin Duration `json:"refresh_margin,omitempty"`
}

// ThrottleConfig caps outbound API calls.
//
// Defaults: max_requests 5, per "1s", concurrency 2.
type ThrottleConfig struct {
	MaxRequests int      `json:"max_requests,omitempty"`
	Per         Duration `json:"per,omitempty"`
	Concurrency int      `json:"concurrency,omitempty"`
}

// PollerConfig controls the priority-post polling sweep.
//
// Defaults: interval "5m", concurrency 5.
type PollerConfig struct {
	Enabled     bool     `json:"enabled"`
	Interval    Duration `json:"interval,omitempty"`
	Concurrency int      `json:"concurrency,omitempty"`
}

// NotifierConfig controls the async notification pipeline fed by the poller.
//
// Defaults: workers 1, queue_size 64, rate_per_sec 1.
type NotifierConfig struct {
	Workers    int `json:"workers,omitempty"`
	QueueSize  int `json:"queue_size,omitempty"`
	RatePerSec int `json:"rate_per_sec,omitempty"`
}
