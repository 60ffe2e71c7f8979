package config

import (
	"log/slog"
	"os"
)

// Environment variable names for overrides.
const (
	EnvConfig  = "RECEIPTS_GO_CONFIG"
	EnvBaseURL = "RECEIPTS_GO_BASE_URL"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // RECEIPTS_GO_CONFIG: config file path
	BaseURL    string // RECEIPTS_GO_BASE_URL: API base URL
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. It does not modify a Config; Resolve applies the fields.
func ReadEnvOverrides(logger *slog.Logger) EnvOverrides {
	o := EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		BaseURL:    os.Getenv(EnvBaseURL),
	}

	if logger != nil && (o.ConfigPath != "" || o.BaseURL != "") {
		logger.Debug("environment overrides",
			slog.String("config_path", o.ConfigPath),
			slog.String("base_url", o.BaseURL),
		)
	}

	return o
}
