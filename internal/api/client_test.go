package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/receipts-go/internal/credstore"
	"github.com/tonimelisma/receipts-go/internal/events"
)

// newTestStore returns a memory store holding the "old" credential pair.
func newTestStore(t *testing.T) *credstore.Memory {
	t.Helper()

	s, err := credstore.NewMemory(credstore.Pair{AccessToken: "old", RefreshToken: "r-old"})
	require.NoError(t, err)

	return s
}

// newTestClient creates a Client pointing at the given httptest server.
func newTestClient(t *testing.T, url string, store credstore.Store, bus *events.Bus) *Client {
	t.Helper()

	return NewClient(Options{
		BaseURL:   url,
		Store:     store,
		Bus:       bus,
		Logger:    slog.Default(),
		UserAgent: "test-agent",
	})
}

// writeTokens answers a login/refresh call with the given pair.
func writeTokens(w http.ResponseWriter, access, refresh string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"accessToken": access, "refreshToken": refresh})
}

// waitFor spins until cond holds or the deadline passes.
func waitFor(cond func() bool, d time.Duration) {
	deadline := time.Now().Add(d)
	for !cond() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
}

func TestDo_SuccessAttachesBearer(t *testing.T) {
	var gotAuth, gotUA, gotReqID string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUA = r.Header.Get("User-Agent")
		gotReqID = r.Header.Get("X-Request-ID")
		_, _ = w.Write([]byte(`{"value":"ok"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, newTestStore(t), nil)

	resp, err := client.Do(context.Background(), NewRequest(http.MethodGet, "/receipts", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"value":"ok"}`, string(resp.Body))
	assert.Equal(t, "Bearer old", gotAuth)
	assert.Equal(t, "test-agent", gotUA)
	assert.NotEmpty(t, gotReqID)
}

func TestDo_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		status   int
		sentinel error
		outcome  Outcome
	}{
		{"bad request", "/receipts", http.StatusBadRequest, ErrBadRequest, OutcomeClientError},
		{"forbidden", "/receipts", http.StatusForbidden, ErrForbidden, OutcomeClientError},
		{"not found", "/receipts", http.StatusNotFound, ErrNotFound, OutcomeClientError},
		{"conflict", "/receipts", http.StatusConflict, ErrConflict, OutcomeClientError},
		{"gone", "/receipts", http.StatusGone, ErrGone, OutcomeClientError},
		{"throttled", "/receipts", http.StatusTooManyRequests, ErrThrottled, OutcomeClientError},
		{"teapot", "/receipts", http.StatusTeapot, ErrClientError, OutcomeClientError},
		{"public 401", PathLogin, http.StatusUnauthorized, ErrInvalidCredentials, OutcomeClientError},
		{"internal", "/receipts", http.StatusInternalServerError, ErrServerError, OutcomeServerError},
		{"unavailable", "/receipts", http.StatusServiceUnavailable, ErrServerError, OutcomeServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("X-Request-ID", "srv-req-id")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"something"}`))
			}))
			defer srv.Close()

			client := newTestClient(t, srv.URL, newTestStore(t), nil)
			_, err := client.Do(context.Background(), NewRequest(http.MethodGet, tt.path, nil))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
			assert.Equal(t, tt.outcome, Classify(err))

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, "srv-req-id", apiErr.RequestID)
		})
	}
}

func TestRejected(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"forbidden", fmt.Errorf("api: job x status: %w", ErrForbidden), true},
		{"gone", &APIError{StatusCode: http.StatusGone, Err: ErrGone}, true},
		{"teapot", &APIError{StatusCode: http.StatusTeapot, Err: ErrClientError}, true},
		{"throttled", &APIError{StatusCode: http.StatusTooManyRequests, Err: ErrThrottled}, false},
		{"server", ErrServerError, false},
		{"network", ErrNetwork, false},
		{"not logged in", ErrNotLoggedIn, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Rejected(tt.err))
		})
	}
}

func TestDo_ServerErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, newTestStore(t), nil)
	_, err := client.Do(context.Background(), NewRequest(http.MethodGet, "/receipts", nil))

	assert.ErrorIs(t, err, ErrServerError)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDo_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := newTestClient(t, url, newTestStore(t), nil)
	_, err := client.Do(context.Background(), NewRequest(http.MethodGet, "/receipts", nil))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, OutcomeNetworkError, Classify(err))
	assert.True(t, Retryable(err))
}

func TestDo_PerCallTimeoutIsNetworkError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	client := newTestClient(t, srv.URL, newTestStore(t), nil)
	req := NewRequest(http.MethodGet, "/slow", nil)
	req.Timeout = 20 * time.Millisecond

	_, err := client.Do(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDo_CallerCancellationIsNotNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := newTestClient(t, srv.URL, newTestStore(t), nil)
	_, err := client.Do(ctx, NewRequest(http.MethodGet, "/receipts", nil))

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrNetwork)
	assert.Equal(t, OutcomeNotSent, Classify(err))
}

func TestDo_NotLoggedInFailsBeforeNetwork(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, &credstore.Memory{}, nil)
	_, err := client.Do(context.Background(), NewRequest(http.MethodGet, "/receipts", nil))

	assert.ErrorIs(t, err, ErrNotLoggedIn)
	assert.Equal(t, int32(0), calls.Load())
}

func TestDo_PublicEndpointExemption(t *testing.T) {
	var refreshCalls atomic.Int32

	var gotAuth []string

	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == PathRefresh {
			refreshCalls.Add(1)
			writeTokens(w, "new", "r-new")

			return
		}

		mu.Lock()
		gotAuth = append(gotAuth, r.Header.Get("Authorization"))
		mu.Unlock()
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	store := newTestStore(t)
	client := newTestClient(t, srv.URL, store, nil)

	for _, path := range []string{PathLogin, PathRegister, PathVerifyEmail, PathPasswordReset, PathPasswordResetConfirm} {
		req := NewRequest(http.MethodPost, path, []byte(`{}`))
		req.Header = http.Header{"Authorization": []string{"Bearer smuggled"}}

		_, err := client.Do(context.Background(), req)
		require.Error(t, err, path)
		assert.ErrorIs(t, err, ErrInvalidCredentials, path)
		assert.False(t, req.Retried(), path)
	}

	assert.Equal(t, int32(0), refreshCalls.Load())

	for _, auth := range gotAuth {
		assert.Empty(t, auth)
	}

	p, _ := store.Get()
	assert.Equal(t, "old", p.AccessToken, "public 401s leave the credentials alone")
}

func TestDo_ExpiredCredentialRenewedBeforeSend(t *testing.T) {
	var refreshes, rejected, served atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == PathRefresh {
			refreshes.Add(1)
			writeTokens(w, "new", "r-new")

			return
		}

		if r.Header.Get("Authorization") != "Bearer new" {
			rejected.Add(1)
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		served.Add(1)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	access, err := expired.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	store, err := credstore.NewMemory(credstore.Pair{AccessToken: access, RefreshToken: "r-old"})
	require.NoError(t, err)

	client := newTestClient(t, srv.URL, store, nil)

	req := NewRequest(http.MethodGet, "/receipts", nil)
	_, err = client.Do(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, int32(1), refreshes.Load())
	assert.Equal(t, int32(0), rejected.Load(), "no request leaves with the expired token")
	assert.Equal(t, int32(1), served.Load())
	assert.False(t, req.Retried())
}

func TestDo_UnexpiredCredentialIsNotRenewed(t *testing.T) {
	var refreshes atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == PathRefresh {
			refreshes.Add(1)
		}

		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	valid := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	access, err := valid.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	store, err := credstore.NewMemory(credstore.Pair{AccessToken: access, RefreshToken: "r-old"})
	require.NoError(t, err)

	_, err = newTestClient(t, srv.URL, store, nil).Do(context.Background(), NewRequest(http.MethodGet, "/receipts", nil))
	require.NoError(t, err)
	assert.Equal(t, int32(0), refreshes.Load())
}

func TestDo_RenewAndReplay(t *testing.T) {
	var (
		refreshBody map[string]string
		bodies      []string
		reqIDs      []string
		mu          sync.Mutex
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == PathRefresh {
			assert.Empty(t, r.Header.Get("Authorization"))
			_ = json.NewDecoder(r.Body).Decode(&refreshBody)
			writeTokens(w, "new", "r-new")

			return
		}

		b, _ := io.ReadAll(r.Body)

		mu.Lock()
		bodies = append(bodies, string(b))
		reqIDs = append(reqIDs, r.Header.Get("X-Request-ID"))
		mu.Unlock()

		if r.Header.Get("Authorization") != "Bearer new" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	store := newTestStore(t)
	client := newTestClient(t, srv.URL, store, nil)

	req := NewRequest(http.MethodPost, "/receipts", []byte(`{"amount":12}`))
	resp, err := client.Do(context.Background(), req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
	assert.True(t, req.Retried())

	assert.Equal(t, "r-old", refreshBody["refreshToken"])
	assert.Equal(t, []string{`{"amount":12}`, `{"amount":12}`}, bodies, "replay resends the same body")
	require.Len(t, reqIDs, 2)
	assert.Equal(t, reqIDs[0], reqIDs[1], "replay keeps the request ID")

	p, ok := store.Get()
	require.True(t, ok)
	assert.Equal(t, credstore.Pair{AccessToken: "new", RefreshToken: "r-new"}, p)
}

func TestDo_SecondAuthFailureIsNotRetried(t *testing.T) {
	var refreshCalls, protectedCalls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == PathRefresh {
			refreshCalls.Add(1)
			writeTokens(w, "new", "r-new")

			return
		}

		protectedCalls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	bus := events.New()

	var ended atomic.Int32
	bus.SessionEnded.Subscribe(func(events.SessionEnded) { ended.Add(1) })

	client := newTestClient(t, srv.URL, newTestStore(t), bus)
	_, err := client.Do(context.Background(), NewRequest(http.MethodGet, "/receipts", nil))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(1), refreshCalls.Load())
	assert.Equal(t, int32(2), protectedCalls.Load())
	assert.Equal(t, int32(0), ended.Load(), "a rejected replay does not end the session")
}

func TestDo_ConcurrentAuthFailuresShareOneRenewal(t *testing.T) {
	const n = 10

	var refreshCalls, rejected, servedNew atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == PathRefresh {
			refreshCalls.Add(1)
			// Hold the renewal open until every request has seen its 401.
			waitFor(func() bool { return rejected.Load() >= n }, 2*time.Second)
			writeTokens(w, "new", "r-new")

			return
		}

		if r.Header.Get("Authorization") == "Bearer new" {
			servedNew.Add(1)
			_, _ = w.Write([]byte(`{}`))

			return
		}

		rejected.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, newTestStore(t), nil)

	var wg sync.WaitGroup

	errs := make([]error, n)
	for i := range n {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, errs[i] = client.Do(context.Background(), NewRequest(http.MethodGet, "/receipts", nil))
		}()
	}

	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}

	assert.Equal(t, int32(1), refreshCalls.Load())
	assert.Equal(t, int32(n), rejected.Load())
	assert.Equal(t, int32(n), servedNew.Load(), "every request replayed with the renewed credential")
}

func TestDo_RenewalFailureTearsDownOnce(t *testing.T) {
	const n = 8

	var refreshCalls, rejected atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == PathRefresh {
			refreshCalls.Add(1)
			waitFor(func() bool { return rejected.Load() >= n }, 2*time.Second)
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		rejected.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	bus := events.New()

	var ended atomic.Int32
	bus.SessionEnded.Subscribe(func(events.SessionEnded) { ended.Add(1) })

	store := newTestStore(t)
	client := newTestClient(t, srv.URL, store, bus)

	var wg sync.WaitGroup

	errs := make([]error, n)
	for i := range n {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, errs[i] = client.Do(context.Background(), NewRequest(http.MethodGet, "/receipts", nil))
		}()
	}

	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, ErrRenewalFailed)
	}

	_, ok := store.Get()
	assert.False(t, ok, "credentials cleared")
	assert.Equal(t, int32(1), refreshCalls.Load())
	assert.Equal(t, int32(1), ended.Load())

	// Later calls fail before the network.
	_, err := client.Do(context.Background(), NewRequest(http.MethodGet, "/receipts", nil))
	assert.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestDo_RateLimiterPacesRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := NewClient(Options{
		BaseURL:           srv.URL,
		Store:             newTestStore(t),
		RequestsPerSecond: 20,
	})

	start := time.Now()

	for range 5 {
		_, err := client.Do(context.Background(), NewRequest(http.MethodGet, "/receipts", nil))
		require.NoError(t, err)
	}

	// Burst of 20 covers all five; mostly a smoke test that the limiter is wired.
	assert.Less(t, time.Since(start), 2*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Do(ctx, NewRequest(http.MethodGet, "/receipts", nil))
	assert.True(t, errors.Is(err, context.Canceled) || Classify(err) == OutcomeNotSent)
}
