// Package live is the push transport for job status. A Channel keeps one
// websocket open to the status endpoint, subscribes the job IDs the poller
// is watching, and forwards pushed statuses. It is never required: while it
// is down the poller polls.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sethvargo/go-retry"

	"github.com/tonimelisma/receipts-go/internal/api"
	"github.com/tonimelisma/receipts-go/internal/credstore"
	"github.com/tonimelisma/receipts-go/internal/job"
	"github.com/tonimelisma/receipts-go/internal/metrics"
)

// Defaults for reconnection.
const (
	DefaultMaxReconnects = 5
	DefaultBaseBackoff   = time.Second
	DefaultMaxBackoff    = 30 * time.Second

	writeTimeout = 10 * time.Second
	pushPath     = "/ws/jobs"
)

// ErrReconnectExhausted is returned by Run once reconnection gives up.
var ErrReconnectExhausted = errors.New("live: reconnect attempts exhausted")

// Receiver consumes pushed statuses and connection changes. The poller
// satisfies it.
type Receiver interface {
	PushStatus(st job.Status)
	SetPushAvailable(available bool)
}

// Renewer renews a rejected access credential. The api.Coordinator
// satisfies it.
type Renewer interface {
	Renew(ctx context.Context, staleAccess string) (credstore.Pair, error)
}

// Options configures a Channel. URL, Store and Receiver are required.
type Options struct {
	URL        string
	Store      credstore.Store
	Renewer    Renewer
	Receiver   Receiver
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *metrics.Metrics

	// MaxReconnects bounds consecutive failed dials. The count resets after
	// every successful connect.
	MaxReconnects int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
}

// Channel is a reconnecting websocket subscription to job statuses.
type Channel struct {
	url        string
	store      credstore.Store
	renewer    Renewer
	receiver   Receiver
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics

	maxReconnects int
	baseBackoff   time.Duration
	maxBackoff    time.Duration

	mu   sync.Mutex
	jobs map[string]int
	conn *websocket.Conn
}

// clientMessage is sent to the server.
type clientMessage struct {
	Type  string `json:"type"`
	JobID string `json:"jobId"`
}

// serverMessage is pushed by the server.
type serverMessage struct {
	Type    string          `json:"type"`
	JobID   string          `json:"jobId"`
	State   string          `json:"state"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New creates a Channel. Nothing is dialed until Run.
func New(opts Options) *Channel {
	c := &Channel{
		url:           opts.URL,
		store:         opts.Store,
		renewer:       opts.Renewer,
		receiver:      opts.Receiver,
		httpClient:    opts.HTTPClient,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		maxReconnects: opts.MaxReconnects,
		baseBackoff:   opts.BaseBackoff,
		maxBackoff:    opts.MaxBackoff,
		jobs:          make(map[string]int),
	}

	if c.logger == nil {
		c.logger = slog.Default()
	}

	if c.maxReconnects <= 0 {
		c.maxReconnects = DefaultMaxReconnects
	}

	if c.baseBackoff <= 0 {
		c.baseBackoff = DefaultBaseBackoff
	}

	if c.maxBackoff <= 0 {
		c.maxBackoff = DefaultMaxBackoff
	}

	return c
}

// PushURL derives the push endpoint from the API base URL.
func PushURL(baseURL string) string {
	u := strings.TrimSuffix(baseURL, "/")

	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}

	return u + pushPath
}

// Subscribe asks for pushes for jobID. Safe while disconnected; the set is
// replayed on every connect.
func (c *Channel) Subscribe(jobID string) {
	c.mu.Lock()
	c.jobs[jobID]++
	first := c.jobs[jobID] == 1
	conn := c.conn
	c.mu.Unlock()

	if first && conn != nil {
		c.send(conn, clientMessage{Type: "subscribe", JobID: jobID})
	}
}

// Unsubscribe drops one subscription for jobID.
func (c *Channel) Unsubscribe(jobID string) {
	c.mu.Lock()

	n, ok := c.jobs[jobID]
	if !ok {
		c.mu.Unlock()
		return
	}

	if n > 1 {
		c.jobs[jobID] = n - 1
		c.mu.Unlock()

		return
	}

	delete(c.jobs, jobID)
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.send(conn, clientMessage{Type: "unsubscribe", JobID: jobID})
	}
}

// Connected reports whether a websocket is currently open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn != nil
}

// Run keeps the channel connected until ctx is canceled (returns nil) or
// reconnection is exhausted (returns ErrReconnectExhausted). The receiver is
// told about every transition.
func (c *Channel) Run(ctx context.Context) error {
	first := true

	for {
		conn, err := c.connect(ctx, first)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}

		first = false

		c.serve(ctx, conn)

		if ctx.Err() != nil {
			return nil
		}

		c.logger.Warn("live channel disconnected, falling back to polling")
	}
}

// connect dials with exponential backoff. A fresh backoff per call is what
// resets the attempt count after a successful session.
func (c *Channel) connect(ctx context.Context, first bool) (*websocket.Conn, error) {
	backoff := retry.WithMaxRetries(uint64(c.maxReconnects),
		retry.WithCappedDuration(c.maxBackoff, retry.NewExponential(c.baseBackoff)))

	var (
		conn    *websocket.Conn
		attempt int
	)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if !first || attempt > 1 {
			c.metrics.LiveReconnect()
		}

		var dialErr error

		conn, dialErr = c.dial(ctx)
		if dialErr == nil {
			return nil
		}

		if errors.Is(dialErr, api.ErrNotLoggedIn) || errors.Is(dialErr, api.ErrRenewalFailed) {
			return dialErr
		}

		c.logger.Debug("live channel dial failed",
			slog.Int("attempt", attempt),
			slog.String("error", dialErr.Error()),
		)

		return retry.RetryableError(dialErr)
	})
	if err != nil {
		if errors.Is(err, api.ErrNotLoggedIn) || errors.Is(err, api.ErrRenewalFailed) || ctx.Err() != nil {
			return nil, err
		}

		return nil, fmt.Errorf("%w after %d attempts: %w", ErrReconnectExhausted, attempt, err)
	}

	return conn, nil
}

// dial opens one websocket with the current access credential, renewing it
// first when it has expired. A 401 renews the credential before the next
// attempt.
func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	pair, ok := c.store.Get()
	if !ok {
		return nil, fmt.Errorf("live: %w", api.ErrNotLoggedIn)
	}

	if c.renewer != nil && c.store.IsExpired(pair.AccessToken) {
		renewed, err := c.renewer.Renew(ctx, pair.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("live: renewing expired credential: %w", err)
		}

		pair = renewed
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+pair.AccessToken)

	conn, resp, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: header,
	})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	if err == nil {
		return conn, nil
	}

	if resp != nil && resp.StatusCode == http.StatusUnauthorized && c.renewer != nil {
		if _, renewErr := c.renewer.Renew(ctx, pair.AccessToken); renewErr != nil {
			return nil, fmt.Errorf("live: dial rejected: %w", renewErr)
		}

		return nil, fmt.Errorf("live: dial rejected, credential renewed: %w", err)
	}

	return nil, fmt.Errorf("live: dialing %s: %w", c.url, err)
}

// serve runs one connected session until the socket or ctx closes.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	ids := make([]string, 0, len(c.jobs))

	for id := range c.jobs {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.send(conn, clientMessage{Type: "subscribe", JobID: id})
	}

	c.metrics.LiveConnected(true)
	c.logger.Info("live channel connected", slog.Int("subscriptions", len(ids)))
	c.receiver.SetPushAvailable(true)

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		c.metrics.LiveConnected(false)
		c.receiver.SetPushAvailable(false)
	}()

	for {
		var msg serverMessage

		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "shutting down")
			} else {
				c.logger.Debug("live channel read failed", slog.String("error", err.Error()))
				_ = conn.CloseNow()
			}

			return
		}

		c.handle(msg)
	}
}

func (c *Channel) handle(msg serverMessage) {
	if msg.Type != "job.status" {
		c.logger.Debug("ignoring live message", slog.String("type", msg.Type))
		return
	}

	state, err := job.ParseState(msg.State)
	if err != nil {
		c.logger.Warn("ignoring pushed status",
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)

		return
	}

	c.receiver.PushStatus(job.Status{
		JobID:      msg.JobID,
		State:      state,
		Payload:    msg.Payload,
		Source:     job.SourcePush,
		ObservedAt: time.Now(),
	})
}

func (c *Channel) send(conn *websocket.Conn, msg clientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := wsjson.Write(ctx, conn, msg); err != nil {
		c.logger.Debug("live channel write failed",
			slog.String("type", msg.Type),
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)
	}
}
