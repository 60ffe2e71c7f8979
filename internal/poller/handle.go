package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tonimelisma/receipts-go/internal/api"
	"github.com/tonimelisma/receipts-go/internal/job"
)

// Mode is the transport a handle currently relies on.
type Mode int

// Transport modes.
const (
	ModePolling Mode = iota
	ModePushing
)

func (m Mode) String() string {
	if m == ModePushing {
		return "pushing"
	}

	return "polling"
}

// Handle is one running poll sequence.
type Handle struct {
	p         *Poller
	jobID     string
	sink      Sink
	ctx       context.Context
	startedAt time.Time
	deadline  time.Time
	done      chan struct{}

	// emitMu serializes observation handling so the sink sees statuses in
	// decision order. It is never held while a query is in flight.
	emitMu sync.Mutex

	mu          sync.Mutex
	mode        Mode
	state       job.State
	attempts    int
	interval    time.Duration
	gen         uint64
	timer       Timer
	safety      Timer
	inFlight    bool
	cancelQuery context.CancelFunc
	stopped     bool
	finished    bool
	final       job.Status
	unwatch     func() bool
}

// JobID returns the job this handle watches.
func (h *Handle) JobID() string { return h.jobID }

// Done is closed when the sequence ends for any reason.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Attempts returns the number of queries issued so far.
func (h *Handle) Attempts() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.attempts
}

// Mode returns the current transport mode.
func (h *Handle) Mode() Mode {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.mode
}

// Interval returns the current polling interval. It never decreases.
func (h *Handle) Interval() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.interval
}

// scheduleLocked replaces any pending tick with one after d.
func (h *Handle) scheduleLocked(d time.Duration) {
	if h.stopped {
		return
	}

	if h.timer != nil {
		h.timer.Stop()
	}

	h.gen++
	gen := h.gen
	h.timer = h.p.sched.AfterFunc(d, func() { h.tick(gen) })
}

// stopLocked marks the handle stopped and cancels its timers.
func (h *Handle) stopLocked() {
	h.stopped = true
	h.gen++

	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}

	if h.safety != nil {
		h.safety.Stop()
	}
}

// tick runs one status query. Only the most recently scheduled tick runs,
// and never while another query is outstanding.
func (h *Handle) tick(gen uint64) {
	h.mu.Lock()
	if h.stopped || gen != h.gen || h.inFlight {
		h.mu.Unlock()
		return
	}

	h.timer = nil
	h.attempts++
	h.inFlight = true

	ctx, cancel := context.WithCancel(h.ctx)
	h.cancelQuery = cancel
	attempt := h.attempts
	h.mu.Unlock()

	h.p.logger.Debug("querying job status",
		slog.String("job_id", h.jobID),
		slog.Int("attempt", attempt),
	)

	st, err := h.p.fetcher.JobStatus(ctx, h.jobID)
	cancel()

	h.observe(st, err, true)
}

// observe applies one polled or pushed result and decides what happens next.
func (h *Handle) observe(st job.Status, err error, polled bool) {
	h.emitMu.Lock()
	defer h.emitMu.Unlock()

	h.mu.Lock()

	if polled {
		h.inFlight = false
		h.cancelQuery = nil
	}

	if h.stopped {
		h.mu.Unlock()
		return
	}

	cfg := h.p.cfg

	var (
		out    []job.Status
		result string
	)

	switch {
	case err != nil && (errors.Is(err, api.ErrNotFound) || errors.Is(err, api.ErrGone)):
		out = append(out, h.synthetic(job.StateFailed, false, err))
		result = "gone"
	case err != nil && (errors.Is(err, api.ErrNotLoggedIn) || errors.Is(err, api.ErrRenewalFailed)):
		out = append(out, h.synthetic(job.StateFailed, false, err))
		result = "session_ended"
	case api.Rejected(err):
		out = append(out, h.synthetic(job.StateFailed, false, err))
		result = "rejected"
	case err != nil:
		h.p.metrics.PollQuery("error")
		h.p.logger.Warn("job status query failed",
			slog.String("job_id", h.jobID),
			slog.Int("attempt", h.attempts),
			slog.String("error", err.Error()),
		)
	default:
		if polled {
			h.p.metrics.PollQuery("ok")
		}

		h.state = st.State
		h.final = st
		out = append(out, st)

		if st.Terminal() {
			result = "terminal"
		}
	}

	if result == "" && (h.attempts >= cfg.MaxAttempts || !h.p.sched.Now().Before(h.deadline)) {
		out = append(out, h.synthetic(job.StateCompleted, true, nil))
		result = "timeout"
	}

	if result != "" {
		h.finished = true
		h.final = out[len(out)-1]
		h.stopLocked()
	} else if polled && h.mode == ModePolling {
		h.interval = max(h.interval, cfg.Interval(h.state, h.attempts))
		h.scheduleLocked(h.interval)
	}

	attempts := h.attempts
	h.mu.Unlock()

	for _, s := range out {
		h.p.emit(h, s)
	}

	if result != "" {
		h.finish(result, attempts)
	}
}

// expire is the safety timer. It fires even while a query hangs; that
// query is canceled and its result discarded.
func (h *Handle) expire() {
	h.emitMu.Lock()
	defer h.emitMu.Unlock()

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}

	if h.cancelQuery != nil {
		h.cancelQuery()
	}

	st := h.synthetic(job.StateCompleted, true, nil)
	h.finished = true
	h.final = st
	h.stopLocked()
	attempts := h.attempts
	h.mu.Unlock()

	h.p.emit(h, st)
	h.finish("timeout", attempts)
}

func (h *Handle) finish(result string, attempts int) {
	h.p.metrics.PollSequence(result)
	h.p.logger.Info("poll sequence finished",
		slog.String("job_id", h.jobID),
		slog.String("result", result),
		slog.Int("attempts", attempts),
		slog.Duration("elapsed", h.p.sched.Now().Sub(h.startedAt)),
	)
	h.p.release(h)
	close(h.done)
}

func (h *Handle) setMode(m Mode) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped || h.mode == m {
		return
	}

	h.mode = m

	if m == ModePushing {
		if h.timer != nil {
			h.timer.Stop()
			h.timer = nil
		}

		h.gen++

		return
	}

	// An outstanding query will schedule the next tick when it returns.
	if !h.inFlight {
		h.scheduleLocked(0)
	}
}

func (h *Handle) synthetic(state job.State, timedOut bool, err error) job.Status {
	return job.Status{
		JobID:      h.jobID,
		State:      state,
		TimedOut:   timedOut,
		Source:     job.SourceSynthetic,
		ObservedAt: h.p.sched.Now(),
		Err:        err,
	}
}
