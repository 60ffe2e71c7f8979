package api

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/receipts-go/internal/credstore"
	"github.com/tonimelisma/receipts-go/internal/events"
	"github.com/tonimelisma/receipts-go/internal/metrics"
)

// renewKey is the only singleflight key: there is one credential pair, so
// there is at most one renewal in flight per Coordinator.
const renewKey = "renew"

// RenewFunc exchanges a refresh token for a new credential pair.
type RenewFunc func(ctx context.Context, refreshToken string) (credstore.Pair, error)

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	Store   credstore.Store
	Bus     *events.Bus
	Renew   RenewFunc
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Coordinator is the sole writer of renewed credentials. Concurrent Renew
// calls share one renewal; a failed renewal clears the store and publishes
// exactly one SessionEnded.
type Coordinator struct {
	store   credstore.Store
	bus     *events.Bus
	renew   RenewFunc
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	group singleflight.Group
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	c := &Coordinator{
		store:   opts.Store,
		bus:     opts.Bus,
		renew:   opts.Renew,
		timeout: orDefault(opts.Timeout, DefaultRenewTimeout),
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
	}

	if c.bus == nil {
		c.bus = events.New()
	}

	if c.logger == nil {
		c.logger = slog.Default()
	}

	if c.now == nil {
		c.now = time.Now
	}

	return c
}

// Renew returns a fresh credential pair. staleAccess is the access token the
// caller's failed request carried: if the store already holds a different
// one, another caller renewed in the meantime and that pair is returned
// without a network call. Otherwise the caller joins the in-flight renewal or
// starts one.
//
// The renewal runs detached from ctx so that one waiter giving up does not
// fail the others; ctx only bounds how long this caller waits.
func (c *Coordinator) Renew(ctx context.Context, staleAccess string) (credstore.Pair, error) {
	if cur, ok := c.store.Get(); ok && cur.AccessToken != staleAccess {
		return cur, nil
	}

	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(renewKey, func() (any, error) {
		return c.renewOnce(flightCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return credstore.Pair{}, res.Err
		}

		pair, _ := res.Val.(credstore.Pair)

		return pair, nil
	case <-ctx.Done():
		return credstore.Pair{}, fmt.Errorf("api: waiting for renewal: %w", ctx.Err())
	}
}

// renewOnce is the body of a renewal flight.
func (c *Coordinator) renewOnce(ctx context.Context) (credstore.Pair, error) {
	cur, ok := c.store.Get()
	if !ok || cur.RefreshToken == "" {
		// Nothing to renew and nothing to tear down.
		return credstore.Pair{}, fmt.Errorf("%w: no refresh token stored", ErrRenewalFailed)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := c.now()
	c.logger.Info("renewing credentials")

	next, err := c.renew(ctx, cur.RefreshToken)
	if err == nil {
		err = c.store.Set(next)
	}

	if err != nil {
		c.metrics.Renewal("failure")
		c.logger.Warn("credential renewal failed, ending session",
			slog.String("error", err.Error()),
			slog.Duration("elapsed", c.now().Sub(start)),
		)
		c.EndSession("credential renewal failed")

		return credstore.Pair{}, fmt.Errorf("%w: %w", ErrRenewalFailed, err)
	}

	c.metrics.Renewal("success")
	c.logger.Info("credentials renewed",
		slog.Duration("elapsed", c.now().Sub(start)),
	)

	return next, nil
}

// EndSession clears the stored credentials and publishes SessionEnded. Used
// for renewal failure and explicit logout.
func (c *Coordinator) EndSession(reason string) {
	if err := c.store.Clear(); err != nil {
		c.logger.Warn("clearing credentials failed", slog.String("error", err.Error()))
	}

	c.bus.SessionEnded.Publish(events.SessionEnded{Reason: reason, At: c.now()})
}
