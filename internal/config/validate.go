package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var hexKeyRe = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// Validate checks required secrets and field shapes, collecting every problem
// so operators see the full list instead of fixing one field per restart.
//
// Missing or malformed secrets are fatal at startup by contract.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var problems []string
	add := func(path, msg string) { problems = append(problems, path+": "+msg) }

	if strings.TrimSpace(c.Storage.Path) == "" {
		add("storage.path", "required (the job queue must be durable)")
	}

	key := strings.TrimSpace(c.Security.EncryptionKey)
	switch {
	case key == "":
		add("security.encryption_key", "required")
	case !hexKeyRe.MatchString(key):
		add("security.encryption_key", "must be a 32-byte hex string (64 hex characters)")
	}

	if strings.TrimSpace(c.LinkedIn.ClientID) == "" {
		add("linkedin.client_id", "required")
	}
	if strings.TrimSpace(c.LinkedIn.ClientSecret) == "" {
		add("linkedin.client_secret", "required")
	}

	for _, f := range []struct {
		path string
		d    Duration
	}{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"linkedin.request_timeout", c.LinkedIn.RequestTimeout},
		{"dispatcher.backoff_base", c.Dispatcher.BackoffBase},
		{"dispatcher.claim_interval", c.Dispatcher.ClaimInterval},
		{"dispatcher.shutdown_grace", c.Dispatcher.ShutdownGrace},
		{"dispatcher.refresh_margin", c.Dispatcher.RefreshMargin},
		{"throttle.per", c.Throttle.Per},
		{"poller.interval", c.Poller.Interval},
	} {
		if err := f.d.check(f.path); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if c.Dispatcher.Workers < 0 {
		add("dispatcher.workers", "must be >= 0")
	}
	if c.Dispatcher.MaxAttempts < 0 {
		add("dispatcher.max_attempts", "must be >= 0")
	}
	if c.Throttle.MaxRequests < 0 {
		add("throttle.max_requests", "must be >= 0")
	}
	if c.Throttle.Concurrency < 0 {
		add("throttle.concurrency", "must be >= 0")
	}
	if c.Poller.Concurrency < 0 {
		add("poller.concurrency", "must be >= 0")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}
