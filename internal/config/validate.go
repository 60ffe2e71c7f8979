package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"
)

// Validation bounds.
const (
	minRequestTimeout = time.Second
	minPollInterval   = 500 * time.Millisecond
	minSafetyTimeout  = 10 * time.Second
	maxPollAttempts   = 10_000
	maxReconnects     = 100
)

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

var validLogFormats = map[string]bool{"auto": true, "text": true, "json": true}

// Validate checks all configuration values and returns every error found,
// joined, so the whole file can be fixed in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateServer(&cfg.ServerConfig)...)
	errs = append(errs, validateTimeouts(&cfg.TimeoutConfig)...)
	errs = append(errs, validatePolling(&cfg.PollingConfig)...)
	errs = append(errs, validateLive(&cfg.LiveConfig)...)
	errs = append(errs, validateLogging(&cfg.LoggingConfig)...)
	errs = append(errs, validateMetrics(&cfg.MetricsConfig)...)

	return errors.Join(errs...)
}

func validateServer(s *ServerConfig) []error {
	var errs []error

	if err := validateURL(s.BaseURL, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("base_url: %w", err))
	}

	if s.PushURL != "" {
		if err := validateURL(s.PushURL, "ws", "wss"); err != nil {
			errs = append(errs, fmt.Errorf("push_url: %w", err))
		}
	}

	if s.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("requests_per_second: must not be negative, got %g", s.RequestsPerSecond))
	}

	return errs
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}

	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}

	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}

	return fmt.Errorf("scheme must be one of %v, got %q", schemes, u.Scheme)
}

func validateTimeouts(t *TimeoutConfig) []error {
	var errs []error

	errs = appendDuration(errs, "request_timeout", t.RequestTimeout, minRequestTimeout)
	errs = appendDuration(errs, "upload_timeout", t.UploadTimeout, minRequestTimeout)
	errs = appendDuration(errs, "status_timeout", t.StatusTimeout, minRequestTimeout)

	return errs
}

func validatePolling(p *PollingConfig) []error {
	var errs []error

	errs = appendDuration(errs, "poll_pending_interval", p.PollPendingInterval, minPollInterval)
	errs = appendDuration(errs, "poll_processing_interval", p.PollProcessingInterval, minPollInterval)
	errs = appendDuration(errs, "poll_slow_interval", p.PollSlowInterval, minPollInterval)
	errs = appendDuration(errs, "poll_slower_interval", p.PollSlowerInterval, minPollInterval)
	errs = appendDuration(errs, "poll_max_interval", p.PollMaxInterval, minPollInterval)
	errs = appendDuration(errs, "poll_safety_timeout", p.PollSafetyTimeout, minSafetyTimeout)

	if p.PollMaxAttempts < 1 || p.PollMaxAttempts > maxPollAttempts {
		errs = append(errs, fmt.Errorf("poll_max_attempts: must be between 1 and %d, got %d",
			maxPollAttempts, p.PollMaxAttempts))
	}

	if len(errs) > 0 {
		return errs
	}

	// Tiers must not exceed the ceiling.
	ceiling := mustDuration(p.PollMaxInterval)
	for name, v := range map[string]string{
		"poll_pending_interval":    p.PollPendingInterval,
		"poll_processing_interval": p.PollProcessingInterval,
		"poll_slow_interval":       p.PollSlowInterval,
		"poll_slower_interval":     p.PollSlowerInterval,
	} {
		if mustDuration(v) > ceiling {
			errs = append(errs, fmt.Errorf("%s: %s exceeds poll_max_interval %s", name, v, p.PollMaxInterval))
		}
	}

	if mustDuration(p.PollSlowInterval) > mustDuration(p.PollSlowerInterval) {
		errs = append(errs, fmt.Errorf("poll_slow_interval: %s exceeds poll_slower_interval %s",
			p.PollSlowInterval, p.PollSlowerInterval))
	}

	return errs
}

func validateLive(l *LiveConfig) []error {
	var errs []error

	if l.ReconnectMaxAttempts < 1 || l.ReconnectMaxAttempts > maxReconnects {
		errs = append(errs, fmt.Errorf("reconnect_max_attempts: must be between 1 and %d, got %d",
			maxReconnects, l.ReconnectMaxAttempts))
	}

	errs = appendDuration(errs, "reconnect_base_backoff", l.ReconnectBaseBackoff, time.Millisecond)
	errs = appendDuration(errs, "reconnect_max_backoff", l.ReconnectMaxBackoff, time.Millisecond)

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	return errs
}

func validateMetrics(m *MetricsConfig) []error {
	if m.MetricsListen == "" {
		return nil
	}

	if _, _, err := net.SplitHostPort(m.MetricsListen); err != nil {
		return []error{fmt.Errorf("metrics_listen: %w", err)}
	}

	return nil
}

// appendDuration validates a duration string against a minimum.
func appendDuration(errs []error, field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return append(errs, fmt.Errorf("%s: invalid duration %q: %w", field, value, err))
	}

	if d < minimum {
		return append(errs, fmt.Errorf("%s: must be at least %s, got %s", field, minimum, value))
	}

	return errs
}
