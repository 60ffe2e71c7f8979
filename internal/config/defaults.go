package config

// Default values: layer 0 of the override chain.
const (
	defaultBaseURL                = "http://localhost:8080"
	defaultRequestTimeout         = "30s"
	defaultUploadTimeout          = "5m"
	defaultStatusTimeout          = "10s"
	defaultPollPendingInterval    = "2s"
	defaultPollProcessingInterval = "3s"
	defaultPollSlowInterval       = "5s"
	defaultPollSlowerInterval     = "10s"
	defaultPollMaxInterval        = "15s"
	defaultPollMaxAttempts        = 60
	defaultPollSafetyTimeout      = "10m"
	defaultReconnectMaxAttempts   = 5
	defaultReconnectBaseBackoff   = "1s"
	defaultReconnectMaxBackoff    = "30s"
	defaultLogLevel               = "info"
	defaultLogFormat              = "auto"
)

// File names inside the data directory.
const (
	tokenFileName  = "credentials.json"
	ledgerFileName = "jobs.db"
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding, so unset keys keep their defaults.
func DefaultConfig() *Config {
	return &Config{
		ServerConfig: ServerConfig{
			BaseURL: defaultBaseURL,
		},
		TimeoutConfig: TimeoutConfig{
			RequestTimeout: defaultRequestTimeout,
			UploadTimeout:  defaultUploadTimeout,
			StatusTimeout:  defaultStatusTimeout,
		},
		PollingConfig: PollingConfig{
			PollPendingInterval:    defaultPollPendingInterval,
			PollProcessingInterval: defaultPollProcessingInterval,
			PollSlowInterval:       defaultPollSlowInterval,
			PollSlowerInterval:     defaultPollSlowerInterval,
			PollMaxInterval:        defaultPollMaxInterval,
			PollMaxAttempts:        defaultPollMaxAttempts,
			PollSafetyTimeout:      defaultPollSafetyTimeout,
		},
		LiveConfig: LiveConfig{
			Websocket:            true,
			ReconnectMaxAttempts: defaultReconnectMaxAttempts,
			ReconnectBaseBackoff: defaultReconnectBaseBackoff,
			ReconnectMaxBackoff:  defaultReconnectMaxBackoff,
		},
		LoggingConfig: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
	}
}
