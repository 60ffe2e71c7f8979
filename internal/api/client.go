package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tonimelisma/receipts-go/internal/credstore"
	"github.com/tonimelisma/receipts-go/internal/events"
	"github.com/tonimelisma/receipts-go/internal/metrics"
)

// Default timeouts and limits.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultUploadTimeout  = 5 * time.Minute
	DefaultStatusTimeout  = 10 * time.Second
	DefaultRenewTimeout   = 15 * time.Second
	defaultUserAgent      = "receipts-go/0.1"
	maxResponseBytes      = 10 << 20
)

// Options configures a Client. Store is required; everything else has a
// default.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Store      credstore.Store
	Bus        *events.Bus
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	UserAgent  string

	RequestTimeout time.Duration
	UploadTimeout  time.Duration
	StatusTimeout  time.Duration
	RenewTimeout   time.Duration

	// RequestsPerSecond paces outbound calls. Zero means unlimited.
	RequestsPerSecond float64
}

// Client dispatches requests to the receipts API. It is safe for concurrent
// use; all renewal goes through its single Coordinator.
type Client struct {
	baseURL    string
	httpClient *http.Client
	store      credstore.Store
	bus        *events.Bus
	logger     *slog.Logger
	metrics    *metrics.Metrics
	userAgent  string
	limiter    *rate.Limiter
	coord      *Coordinator

	requestTimeout time.Duration
	uploadTimeout  time.Duration
	statusTimeout  time.Duration
}

// NewClient creates an API client and its Refresh Coordinator.
func NewClient(opts Options) *Client {
	c := &Client{
		baseURL:        opts.BaseURL,
		httpClient:     opts.HTTPClient,
		store:          opts.Store,
		bus:            opts.Bus,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		userAgent:      opts.UserAgent,
		requestTimeout: orDefault(opts.RequestTimeout, DefaultRequestTimeout),
		uploadTimeout:  orDefault(opts.UploadTimeout, DefaultUploadTimeout),
		statusTimeout:  orDefault(opts.StatusTimeout, DefaultStatusTimeout),
	}

	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}

	if c.logger == nil {
		c.logger = slog.Default()
	}

	if c.bus == nil {
		c.bus = events.New()
	}

	if c.userAgent == "" {
		c.userAgent = defaultUserAgent
	}

	if opts.RequestsPerSecond > 0 {
		burst := max(1, int(opts.RequestsPerSecond))
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	c.coord = NewCoordinator(CoordinatorOptions{
		Store:   c.store,
		Bus:     c.bus,
		Renew:   c.refresh,
		Timeout: orDefault(opts.RenewTimeout, DefaultRenewTimeout),
		Logger:  c.logger,
		Metrics: c.metrics,
	})

	return c
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}

	return def
}

// Coordinator returns the client's Refresh Coordinator.
func (c *Client) Coordinator() *Coordinator {
	return c.coord
}

// Bus returns the event bus the client publishes on.
func (c *Client) Bus() *events.Bus {
	return c.bus
}

// Do sends req and applies the replay policy: an authorization failure on a
// request that has not been replayed triggers one renewal (shared with any
// concurrent failures) and one replay with the new credential. Whatever the
// replay returns, including a second 401, goes back to the caller.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	renewed, err := c.renewIfExpired(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, sentWith, err := c.send(ctx, req)
	c.metrics.Request(Classify(err).String())

	if err == nil || req.retried || renewed || !errors.Is(err, ErrUnauthorized) {
		return resp, err
	}

	req.retried = true

	c.logger.Info("access credential rejected, renewing",
		slog.String("method", req.Method),
		slog.String("path", req.Path),
		slog.String("request_id", req.ID),
	)

	if _, renewErr := c.coord.Renew(ctx, sentWith); renewErr != nil {
		c.logger.Warn("renewal failed, abandoning request",
			slog.String("method", req.Method),
			slog.String("path", req.Path),
			slog.String("error", renewErr.Error()),
		)

		return nil, renewErr
	}

	c.metrics.Replay()

	resp, _, err = c.send(ctx, req)
	c.metrics.Request(Classify(err).String())

	if errors.Is(err, ErrUnauthorized) {
		c.logger.Warn("replayed request rejected again, not retrying",
			slog.String("method", req.Method),
			slog.String("path", req.Path),
			slog.String("request_id", req.ID),
		)
	}

	return resp, err
}

// renewIfExpired renews a stored access credential whose exp claim has
// already passed, so the request does not go out with a dead token. A
// request that was renewed this way gets no second renewal on a 401.
func (c *Client) renewIfExpired(ctx context.Context, req *Request) (bool, error) {
	if IsPublic(req.Path) {
		return false, nil
	}

	pair, ok := c.store.Get()
	if !ok || !c.store.IsExpired(pair.AccessToken) {
		return false, nil
	}

	c.logger.Info("access credential expired, renewing before send",
		slog.String("method", req.Method),
		slog.String("path", req.Path),
		slog.String("request_id", req.ID),
	)

	if _, err := c.coord.Renew(ctx, pair.AccessToken); err != nil {
		return false, err
	}

	return true, nil
}

// send performs exactly one HTTP exchange. It returns the access token the
// request carried so a later renewal can tell whether that token is still
// the current one.
func (c *Client) send(ctx context.Context, req *Request) (*Response, string, error) {
	public := IsPublic(req.Path)

	var token string

	if !public {
		pair, ok := c.store.Get()
		if !ok {
			return nil, "", fmt.Errorf("%s %s: %w", req.Method, req.Path, ErrNotLoggedIn)
		}

		token = pair.AccessToken
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, token, fmt.Errorf("api: request canceled: %w", err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, orDefault(req.Timeout, c.requestTimeout))
	defer cancel()

	httpReq, err := c.buildRequest(callCtx, req, token)
	if err != nil {
		return nil, token, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, token, fmt.Errorf("api: request canceled: %w", ctx.Err())
		}

		return nil, token, fmt.Errorf("%w: %s %s: %w", ErrNetwork, req.Method, req.Path, err)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		if readErr != nil {
			return nil, token, fmt.Errorf("%w: reading %s %s response: %w", ErrNetwork, req.Method, req.Path, readErr)
		}

		c.logger.Debug("request succeeded",
			slog.String("method", req.Method),
			slog.String("path", req.Path),
			slog.Int("status", resp.StatusCode),
		)

		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, token, nil
	}

	if readErr != nil {
		body = []byte("(failed to read response body)")
	}

	if len(body) > maxErrorMessage {
		body = body[:maxErrorMessage]
	}

	reqID := resp.Header.Get("X-Request-ID")
	if reqID == "" {
		reqID = req.ID
	}

	c.logger.Debug("request failed",
		slog.String("method", req.Method),
		slog.String("path", req.Path),
		slog.Int("status", resp.StatusCode),
		slog.String("request_id", reqID),
	)

	return nil, token, &APIError{
		StatusCode: resp.StatusCode,
		RequestID:  reqID,
		Message:    string(body),
		Err:        classifyStatus(resp.StatusCode, public),
	}
}

func (c *Client) buildRequest(ctx context.Context, req *Request, token string) (*http.Request, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, body)
	if err != nil {
		return nil, fmt.Errorf("api: creating request: %w", err)
	}

	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	httpReq.Header.Set("User-Agent", c.userAgent)
	httpReq.Header.Set("Accept", "application/json")

	if req.ID != "" {
		httpReq.Header.Set("X-Request-ID", req.ID)
	}

	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}

	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	} else {
		httpReq.Header.Del("Authorization")
	}

	return httpReq, nil
}
