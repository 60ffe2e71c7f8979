package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tonimelisma/receipts-go/internal/api"
	"github.com/tonimelisma/receipts-go/internal/config"
	"github.com/tonimelisma/receipts-go/internal/credstore"
	"github.com/tonimelisma/receipts-go/internal/events"
	"github.com/tonimelisma/receipts-go/internal/jobstore"
	"github.com/tonimelisma/receipts-go/internal/live"
	"github.com/tonimelisma/receipts-go/internal/metrics"
	"github.com/tonimelisma/receipts-go/internal/poller"
)

// Session holds the wired client core for one command invocation: the
// credential store, the API client with its Refresh Coordinator, the poller,
// and (when enabled) the live channel and job ledger. Components share one
// event bus.
type Session struct {
	Config   *config.Resolved
	Logger   *slog.Logger
	Bus      *events.Bus
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Store    *credstore.File
	Client   *api.Client
	Poller   *poller.Poller
	Channel  *live.Channel
	Ledger   *jobstore.Store

	stderr    io.Writer
	endedOnce sync.Once
	cleanup   []func()
}

// NewSession builds a Session from resolved config. The ledger is opened
// separately by OpenLedger because auth commands never need it.
func NewSession(cfg *config.Resolved, logger *slog.Logger, stderr io.Writer) (*Session, error) {
	store, err := credstore.OpenFile(cfg.TokenFile, logger)
	if err != nil {
		return nil, fmt.Errorf("opening credentials: %w", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	bus := events.New()

	client := api.NewClient(api.Options{
		BaseURL:           cfg.BaseURL,
		Store:             store,
		Bus:               bus,
		Logger:            logger,
		Metrics:           m,
		UserAgent:         cfg.UserAgent,
		RequestTimeout:    cfg.RequestTimeout,
		UploadTimeout:     cfg.UploadTimeout,
		StatusTimeout:     cfg.StatusTimeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
	})

	p := poller.New(poller.Options{
		Fetcher: client,
		Config:  pollerConfig(cfg),
		Bus:     bus,
		Logger:  logger,
		Metrics: m,
	})

	s := &Session{
		Config:   cfg,
		Logger:   logger,
		Bus:      bus,
		Registry: reg,
		Metrics:  m,
		Store:    store,
		Client:   client,
		Poller:   p,
		stderr:   stderr,
	}

	s.cleanup = append(s.cleanup, bus.SessionEnded.Subscribe(s.onSessionEnded))

	if cfg.Websocket {
		pushURL := cfg.PushURL
		if pushURL == "" {
			pushURL = live.PushURL(cfg.BaseURL)
		}

		s.Channel = live.New(live.Options{
			URL:           pushURL,
			Store:         store,
			Renewer:       client.Coordinator(),
			Receiver:      p,
			Logger:        logger,
			Metrics:       m,
			MaxReconnects: cfg.ReconnectMaxAttempts,
			BaseBackoff:   cfg.ReconnectBaseBackoff,
			MaxBackoff:    cfg.ReconnectMaxBackoff,
		})

		p.SetPushSource(s.Channel)
	}

	return s, nil
}

// pollerConfig maps the poll_* keys onto the poller's schedule. Tier
// thresholds keep their defaults.
func pollerConfig(cfg *config.Resolved) poller.Config {
	pc := poller.DefaultConfig()

	pc.PendingInterval = cfg.PollPendingInterval
	pc.ProcessingInterval = cfg.PollProcessingInterval
	pc.SlowInterval = cfg.PollSlowInterval
	pc.SlowerInterval = cfg.PollSlowerInterval
	pc.MaxInterval = cfg.PollMaxInterval
	pc.MaxAttempts = cfg.PollMaxAttempts
	pc.SafetyTimeout = cfg.PollSafetyTimeout

	return pc
}

// onSessionEnded tells the user once per invocation. An explicit logout
// reports its own result.
func (s *Session) onSessionEnded(ev events.SessionEnded) {
	s.Logger.Info("session ended", slog.String("reason", ev.Reason))

	if ev.Reason == "logout" {
		return
	}

	s.endedOnce.Do(func() {
		fmt.Fprintln(s.stderr, "session ended, please sign in again")
	})
}

// OpenLedger opens the job ledger and subscribes it to the bus so every
// observed status is persisted.
func (s *Session) OpenLedger(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.Config.LedgerPath), 0o700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	ledger, err := jobstore.Open(ctx, s.Config.LedgerPath, s.Logger)
	if err != nil {
		return err
	}

	s.Ledger = ledger
	s.cleanup = append(s.cleanup, ledger.Attach(s.Bus))

	return nil
}

// RunBackground starts the credential file watcher, the live channel and the
// metrics listener. They stop when ctx is canceled; the returned function
// waits for them.
func (s *Session) RunBackground(ctx context.Context) (wait func()) {
	var wg sync.WaitGroup

	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if err := fn(ctx); err != nil {
				s.Logger.Warn("background task stopped",
					slog.String("task", name),
					slog.String("error", err.Error()),
				)
			}
		}()
	}

	if err := os.MkdirAll(filepath.Dir(s.Store.Path()), 0o700); err == nil {
		start("credential watch", s.Store.Watch)
	}

	if s.Channel != nil {
		start("live channel", func(ctx context.Context) error {
			err := s.Channel.Run(ctx)
			if errors.Is(err, live.ErrReconnectExhausted) {
				s.Logger.Info("live updates unavailable, polling only")
				return nil
			}

			return err
		})
	}

	if s.Config.MetricsListen != "" {
		start("metrics", func(ctx context.Context) error {
			return serveMetrics(ctx, s.Config.MetricsListen, s.Registry, s.Logger)
		})
	}

	return wg.Wait
}

// Close stops every running poll sequence and releases the ledger.
func (s *Session) Close() {
	s.Poller.StopAll()

	for i := len(s.cleanup) - 1; i >= 0; i-- {
		s.cleanup[i]()
	}

	if s.Ledger != nil {
		if err := s.Ledger.Close(); err != nil {
			s.Logger.Warn("closing job ledger", slog.String("error", err.Error()))
		}
	}
}
