package config

import (
	"fmt"
	"io"
)

// RenderEffective writes the resolved configuration as TOML-like text to w.
// It powers the "config show" command.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", r.ConfigPath)

	ew.printf("base_url            = %q\n", r.BaseURL)
	ew.printf("push_url            = %q\n", r.PushURL)
	ew.printf("user_agent          = %q\n", r.UserAgent)
	ew.printf("requests_per_second = %g\n\n", r.RequestsPerSecond)

	ew.printf("token_file = %q\n", r.TokenFile)
	ew.printf("state_dir  = %q\n\n", r.StateDir)

	ew.printf("request_timeout = %q\n", r.RequestTimeout.String())
	ew.printf("upload_timeout  = %q\n", r.UploadTimeout.String())
	ew.printf("status_timeout  = %q\n\n", r.StatusTimeout.String())

	ew.printf("poll_pending_interval    = %q\n", r.PollPendingInterval.String())
	ew.printf("poll_processing_interval = %q\n", r.PollProcessingInterval.String())
	ew.printf("poll_slow_interval       = %q\n", r.PollSlowInterval.String())
	ew.printf("poll_slower_interval     = %q\n", r.PollSlowerInterval.String())
	ew.printf("poll_max_interval        = %q\n", r.PollMaxInterval.String())
	ew.printf("poll_max_attempts        = %d\n", r.PollMaxAttempts)
	ew.printf("poll_safety_timeout      = %q\n\n", r.PollSafetyTimeout.String())

	ew.printf("websocket              = %t\n", r.Websocket)
	ew.printf("reconnect_max_attempts = %d\n", r.ReconnectMaxAttempts)
	ew.printf("reconnect_base_backoff = %q\n", r.ReconnectBaseBackoff.String())
	ew.printf("reconnect_max_backoff  = %q\n\n", r.ReconnectMaxBackoff.String())

	ew.printf("log_level      = %q\n", r.LogLevel)
	ew.printf("log_format     = %q\n", r.LogFormat)
	ew.printf("metrics_listen = %q\n", r.MetricsListen)

	return ew.err
}

// errWriter wraps an io.Writer and keeps the first write error; later
// writes become no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
