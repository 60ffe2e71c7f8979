package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal, with "did you mean?" suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns a
// Config populated with defaults.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolved is the effective configuration with durations parsed and paths
// filled in.
type Resolved struct {
	ConfigPath string

	BaseURL           string
	PushURL           string
	UserAgent         string
	RequestsPerSecond float64

	TokenFile  string
	StateDir   string
	LedgerPath string

	RequestTimeout time.Duration
	UploadTimeout  time.Duration
	StatusTimeout  time.Duration

	PollPendingInterval    time.Duration
	PollProcessingInterval time.Duration
	PollSlowInterval       time.Duration
	PollSlowerInterval     time.Duration
	PollMaxInterval        time.Duration
	PollMaxAttempts        int
	PollSafetyTimeout      time.Duration

	Websocket            bool
	ReconnectMaxAttempts int
	ReconnectBaseBackoff time.Duration
	ReconnectMaxBackoff  time.Duration

	LogLevel      string
	LogFormat     string
	MetricsListen string
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	if env.BaseURL != "" {
		cfg.BaseURL = env.BaseURL
	}

	if cli.BaseURL != nil {
		cfg.BaseURL = *cli.BaseURL
	}

	if cli.LogLevel != nil {
		cfg.LogLevel = *cli.LogLevel
	}

	// Overrides bypass file validation, so check the merged result again.
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return resolve(cfg, cfgPath), nil
}

// resolve converts a validated Config. Parse errors cannot occur here.
func resolve(cfg *Config, path string) *Resolved {
	stateDir := expandTilde(cfg.StateDir)
	if stateDir == "" {
		stateDir = DefaultDataDir()
	}

	tokenFile := expandTilde(cfg.TokenFile)
	if tokenFile == "" {
		tokenFile = filepath.Join(stateDir, tokenFileName)
	}

	return &Resolved{
		ConfigPath:        path,
		BaseURL:           strings.TrimSuffix(cfg.BaseURL, "/"),
		PushURL:           cfg.PushURL,
		UserAgent:         cfg.UserAgent,
		RequestsPerSecond: cfg.RequestsPerSecond,

		TokenFile:  tokenFile,
		StateDir:   stateDir,
		LedgerPath: filepath.Join(stateDir, ledgerFileName),

		RequestTimeout: mustDuration(cfg.RequestTimeout),
		UploadTimeout:  mustDuration(cfg.UploadTimeout),
		StatusTimeout:  mustDuration(cfg.StatusTimeout),

		PollPendingInterval:    mustDuration(cfg.PollPendingInterval),
		PollProcessingInterval: mustDuration(cfg.PollProcessingInterval),
		PollSlowInterval:       mustDuration(cfg.PollSlowInterval),
		PollSlowerInterval:     mustDuration(cfg.PollSlowerInterval),
		PollMaxInterval:        mustDuration(cfg.PollMaxInterval),
		PollMaxAttempts:        cfg.PollMaxAttempts,
		PollSafetyTimeout:      mustDuration(cfg.PollSafetyTimeout),

		Websocket:            cfg.Websocket,
		ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
		ReconnectBaseBackoff: mustDuration(cfg.ReconnectBaseBackoff),
		ReconnectMaxBackoff:  mustDuration(cfg.ReconnectMaxBackoff),

		LogLevel:      cfg.LogLevel,
		LogFormat:     cfg.LogFormat,
		MetricsListen: cfg.MetricsListen,
	}
}

// mustDuration parses a duration that Validate already accepted.
func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}

	return d
}
