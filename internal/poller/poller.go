// Package poller drives server-side jobs to completion. Each job gets a
// Handle: an explicit state machine that queries status on tiered intervals
// until the job is terminal, the attempt ceiling is hit, or the safety
// deadline passes. While a push transport is available, handles switch to the
// Pushing mode and stop scheduling queries of their own.
//
// Time comes from an injected Scheduler, so the whole sequence can be driven
// by hand in tests.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/tonimelisma/receipts-go/internal/events"
	"github.com/tonimelisma/receipts-go/internal/job"
	"github.com/tonimelisma/receipts-go/internal/metrics"
)

// ErrStopped is returned by Wait for a handle stopped before reaching a
// final status.
var ErrStopped = errors.New("poller: stopped")

// StatusFetcher queries one job. The api.Client satisfies it.
type StatusFetcher interface {
	JobStatus(ctx context.Context, jobID string) (job.Status, error)
}

// PushSource receives the set of job IDs the poller wants pushed. It must
// accept calls while disconnected.
type PushSource interface {
	Subscribe(jobID string)
	Unsubscribe(jobID string)
}

// Sink receives every status of one handle, in order. It may call Stop.
type Sink func(job.Status)

// Options configures a Poller. Fetcher is required.
type Options struct {
	Fetcher   StatusFetcher
	Scheduler Scheduler
	Config    Config
	Bus       *events.Bus
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Poller owns the active handles.
type Poller struct {
	fetcher StatusFetcher
	sched   Scheduler
	cfg     Config
	bus     *events.Bus
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu            sync.Mutex
	handles       map[*Handle]struct{}
	push          PushSource
	pushAvailable bool
}

// New creates a Poller.
func New(opts Options) *Poller {
	p := &Poller{
		fetcher: opts.Fetcher,
		sched:   opts.Scheduler,
		cfg:     opts.Config.withDefaults(),
		bus:     opts.Bus,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		handles: make(map[*Handle]struct{}),
	}

	if p.sched == nil {
		p.sched = Clock()
	}

	if p.bus == nil {
		p.bus = events.New()
	}

	if p.logger == nil {
		p.logger = slog.Default()
	}

	return p
}

// SetPushSource attaches the push transport. Handles started afterwards are
// subscribed on it; existing handles are subscribed immediately.
func (p *Poller) SetPushSource(ps PushSource) {
	p.mu.Lock()
	p.push = ps
	active := p.snapshot()
	p.mu.Unlock()

	if ps == nil {
		return
	}

	for _, h := range active {
		ps.Subscribe(h.jobID)
	}
}

// Start begins a sequence for jobID: an immediate query, then tiered
// follow-ups. Canceling ctx stops the handle.
func (p *Poller) Start(ctx context.Context, jobID string, sink Sink) *Handle {
	now := p.sched.Now()

	h := &Handle{
		p:         p,
		jobID:     jobID,
		sink:      sink,
		ctx:       context.WithoutCancel(ctx),
		startedAt: now,
		deadline:  now.Add(p.cfg.SafetyTimeout),
		state:     job.StatePending,
		done:      make(chan struct{}),
	}

	p.mu.Lock()
	if p.pushAvailable {
		h.mode = ModePushing
	}

	mode := h.mode
	p.handles[h] = struct{}{}
	push := p.push
	p.mu.Unlock()

	if push != nil {
		push.Subscribe(jobID)
	}

	p.logger.Debug("poll sequence started",
		slog.String("job_id", jobID),
		slog.String("mode", mode.String()),
	)

	h.mu.Lock()
	h.safety = p.sched.AfterFunc(p.cfg.SafetyTimeout, h.expire)
	h.scheduleLocked(0)
	h.unwatch = context.AfterFunc(ctx, func() { p.Stop(h) })
	h.mu.Unlock()

	return h
}

// Stop ends a sequence. Stopping a finished, stopped or nil handle is a
// no-op. A query already in flight is not interrupted; its result is
// discarded.
func (p *Poller) Stop(h *Handle) {
	if h == nil {
		return
	}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}

	h.stopLocked()
	h.mu.Unlock()

	p.metrics.PollSequence("stopped")
	p.logger.Debug("poll sequence stopped", slog.String("job_id", h.jobID))
	p.release(h)
	close(h.done)
}

// StopAll stops every active handle.
func (p *Poller) StopAll() {
	p.mu.Lock()
	active := p.snapshot()
	p.mu.Unlock()

	for _, h := range active {
		p.Stop(h)
	}
}

// Wait blocks until h finishes and returns its final status. A handle
// stopped by Stop returns its last observed status and ErrStopped.
func (p *Poller) Wait(ctx context.Context, h *Handle) (job.Status, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return job.Status{}, ctx.Err()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.finished {
		return h.final, ErrStopped
	}

	return h.final, nil
}

// Active reports the number of running handles.
func (p *Poller) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.handles)
}

// SetPushAvailable switches every active handle between Pushing and
// Polling. Going back to Polling queries at once.
func (p *Poller) SetPushAvailable(available bool) {
	p.mu.Lock()
	changed := p.pushAvailable != available
	p.pushAvailable = available
	active := p.snapshot()
	p.mu.Unlock()

	if !changed {
		return
	}

	mode := ModePolling
	if available {
		mode = ModePushing
	}

	p.logger.Info("job status transport changed",
		slog.String("mode", mode.String()),
		slog.Int("active", len(active)),
	)

	for _, h := range active {
		h.setMode(mode)
	}
}

// PushStatus delivers a pushed status to every handle watching its job.
// Pushed statuses do not count as attempts.
func (p *Poller) PushStatus(st job.Status) {
	p.mu.Lock()
	active := p.snapshot()
	p.mu.Unlock()

	st.Source = job.SourcePush
	if st.ObservedAt.IsZero() {
		st.ObservedAt = p.sched.Now()
	}

	for _, h := range active {
		if h.jobID == st.JobID {
			h.observe(st, nil, false)
		}
	}
}

func (p *Poller) snapshot() []*Handle {
	out := make([]*Handle, 0, len(p.handles))
	for h := range p.handles {
		out = append(out, h)
	}

	return out
}

// release forgets h and drops its push subscription.
func (p *Poller) release(h *Handle) {
	h.mu.Lock()
	unwatch := h.unwatch
	h.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}

	p.mu.Lock()
	delete(p.handles, h)
	push := p.push
	p.mu.Unlock()

	if push != nil {
		push.Unsubscribe(h.jobID)
	}
}

// emit hands st to the sink and the bus.
func (p *Poller) emit(h *Handle, st job.Status) {
	if h.sink != nil {
		h.sink(st)
	}

	p.bus.JobStatusChanged.Publish(events.JobStatusChanged{Status: st})
}
