// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for receipts-go. Values come from a
// four-layer override chain: defaults -> config file -> environment -> CLI
// flags. All keys are flat; the section structs below only group them.
package config

// Config is the top-level configuration parsed from a TOML file. The
// embedded structs are flattened, so every key lives at the top level.
type Config struct {
	ServerConfig
	StorageConfig
	TimeoutConfig
	PollingConfig
	LiveConfig
	LoggingConfig
	MetricsConfig
}

// ServerConfig locates the receipts API.
type ServerConfig struct {
	BaseURL           string  `toml:"base_url"`
	PushURL           string  `toml:"push_url"`
	UserAgent         string  `toml:"user_agent"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// StorageConfig controls where credentials and the job ledger live. Empty
// values resolve to the platform data directory.
type StorageConfig struct {
	TokenFile string `toml:"token_file"`
	StateDir  string `toml:"state_dir"`
}

// TimeoutConfig holds per-call timeouts as Go duration strings.
type TimeoutConfig struct {
	RequestTimeout string `toml:"request_timeout"`
	UploadTimeout  string `toml:"upload_timeout"`
	StatusTimeout  string `toml:"status_timeout"`
}

// PollingConfig is the job status polling policy.
type PollingConfig struct {
	PollPendingInterval    string `toml:"poll_pending_interval"`
	PollProcessingInterval string `toml:"poll_processing_interval"`
	PollSlowInterval       string `toml:"poll_slow_interval"`
	PollSlowerInterval     string `toml:"poll_slower_interval"`
	PollMaxInterval        string `toml:"poll_max_interval"`
	PollMaxAttempts        int    `toml:"poll_max_attempts"`
	PollSafetyTimeout      string `toml:"poll_safety_timeout"`
}

// LiveConfig controls the websocket push channel.
type LiveConfig struct {
	Websocket            bool   `toml:"websocket"`
	ReconnectMaxAttempts int    `toml:"reconnect_max_attempts"`
	ReconnectBaseBackoff string `toml:"reconnect_base_backoff"`
	ReconnectMaxBackoff  string `toml:"reconnect_max_backoff"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// MetricsConfig enables the Prometheus listener when MetricsListen is set.
type MetricsConfig struct {
	MetricsListen string `toml:"metrics_listen"`
}

// CLIOverrides holds values from CLI flags. Pointer fields distinguish "not
// specified" (nil) from an explicit value.
type CLIOverrides struct {
	ConfigPath string  // --config (empty = use env or default)
	BaseURL    *string // --base-url
	LogLevel   *string // derived from --verbose / --quiet
}
