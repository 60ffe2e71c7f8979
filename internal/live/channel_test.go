package live

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/receipts-go/internal/api"
	"github.com/tonimelisma/receipts-go/internal/credstore"
	"github.com/tonimelisma/receipts-go/internal/job"
)

type fakeReceiver struct {
	mu          sync.Mutex
	statuses    []job.Status
	transitions []bool
}

func (r *fakeReceiver) PushStatus(st job.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.statuses = append(r.statuses, st)
}

func (r *fakeReceiver) SetPushAvailable(available bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.transitions = append(r.transitions, available)
}

func (r *fakeReceiver) got() ([]job.Status, []bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]job.Status(nil), r.statuses...), append([]bool(nil), r.transitions...)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + pushPath
}

func testStore(t *testing.T, access string) *credstore.Memory {
	t.Helper()

	s, err := credstore.NewMemory(credstore.Pair{AccessToken: access, RefreshToken: "r"})
	require.NoError(t, err)

	return s
}

func runChannel(t *testing.T, c *Channel) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- c.Run(ctx) }()

	return cancel, done
}

func TestChannel_SubscribesAndForwardsPushes(t *testing.T) {
	var gotAuth atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		var sub clientMessage
		if err := wsjson.Read(r.Context(), conn, &sub); err != nil {
			return
		}

		_ = wsjson.Write(r.Context(), conn, serverMessage{
			Type:    "job.status",
			JobID:   sub.JobID,
			State:   "completed",
			Payload: []byte(`{"total":"12.50"}`),
		})

		_ = wsjson.Write(r.Context(), conn, serverMessage{Type: "heartbeat"})

		// Hold the socket open until the client leaves.
		_, _, _ = conn.Read(r.Context())
	}))
	defer srv.Close()

	recv := &fakeReceiver{}
	c := New(Options{URL: wsURL(srv), Store: testStore(t, "tok"), Receiver: recv})
	c.Subscribe("job-1")

	cancel, done := runChannel(t, c)

	require.Eventually(t, func() bool {
		st, _ := recv.got()
		return len(st) == 1
	}, 5*time.Second, 10*time.Millisecond)

	st, transitions := recv.got()
	assert.Equal(t, "job-1", st[0].JobID)
	assert.Equal(t, job.StateCompleted, st[0].State)
	assert.Equal(t, job.SourcePush, st[0].Source)
	assert.JSONEq(t, `{"total":"12.50"}`, string(st[0].Payload))
	assert.Equal(t, []bool{true}, transitions)
	assert.Equal(t, "Bearer tok", gotAuth.Load())
	assert.True(t, c.Connected())

	cancel()
	require.NoError(t, <-done)

	_, transitions = recv.got()
	assert.Equal(t, []bool{true, false}, transitions)
	assert.False(t, c.Connected())
}

func TestChannel_ReconnectExhausted(t *testing.T) {
	var dials atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		dials.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	recv := &fakeReceiver{}
	c := New(Options{
		URL:           wsURL(srv),
		Store:         testStore(t, "tok"),
		Receiver:      recv,
		MaxReconnects: 2,
		BaseBackoff:   time.Millisecond,
		MaxBackoff:    5 * time.Millisecond,
	})

	err := c.Run(context.Background())
	require.ErrorIs(t, err, ErrReconnectExhausted)
	assert.Equal(t, int32(3), dials.Load())

	_, transitions := recv.got()
	assert.Empty(t, transitions, "never connected, polling was never interrupted")
}

func TestChannel_ReconnectsAndResubscribes(t *testing.T) {
	var sessions atomic.Int32

	subs := make(chan string, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := sessions.Add(1)

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		var sub clientMessage
		if err := wsjson.Read(r.Context(), conn, &sub); err != nil {
			return
		}
		subs <- sub.JobID

		if n == 1 {
			_ = conn.Close(websocket.StatusGoingAway, "restart")
			return
		}

		_ = wsjson.Write(r.Context(), conn, serverMessage{Type: "job.status", JobID: sub.JobID, State: "processing"})
		_, _, _ = conn.Read(r.Context())
	}))
	defer srv.Close()

	recv := &fakeReceiver{}
	c := New(Options{
		URL:         wsURL(srv),
		Store:       testStore(t, "tok"),
		Receiver:    recv,
		BaseBackoff: time.Millisecond,
	})
	c.Subscribe("job-7")

	cancel, done := runChannel(t, c)
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		st, _ := recv.got()
		return len(st) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, "job-7", <-subs)
	assert.Equal(t, "job-7", <-subs)

	_, transitions := recv.got()
	assert.Equal(t, []bool{true, false, true}, transitions)
}

type fakeRenewer struct {
	store *credstore.Memory
	calls atomic.Int32
	err   error
}

func (f *fakeRenewer) Renew(_ context.Context, _ string) (credstore.Pair, error) {
	f.calls.Add(1)

	if f.err != nil {
		return credstore.Pair{}, f.err
	}

	p := credstore.Pair{AccessToken: "new", RefreshToken: "r2"}

	return p, f.store.Set(p)
}

func TestChannel_RenewsOnRejectedDial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer new" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		_, _, _ = conn.Read(r.Context())
	}))
	defer srv.Close()

	store := testStore(t, "old")
	renewer := &fakeRenewer{store: store}
	recv := &fakeReceiver{}

	c := New(Options{
		URL:         wsURL(srv),
		Store:       store,
		Renewer:     renewer,
		Receiver:    recv,
		BaseBackoff: time.Millisecond,
	})

	cancel, done := runChannel(t, c)
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, c.Connected, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), renewer.calls.Load())
}

func TestChannel_RenewsExpiredCredentialBeforeDial(t *testing.T) {
	var rejected atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer new" {
			rejected.Add(1)
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		_, _, _ = conn.Read(r.Context())
	}))
	defer srv.Close()

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	access, err := expired.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	store := testStore(t, access)
	renewer := &fakeRenewer{store: store}

	c := New(Options{
		URL:         wsURL(srv),
		Store:       store,
		Renewer:     renewer,
		Receiver:    &fakeReceiver{},
		BaseBackoff: time.Millisecond,
	})

	cancel, done := runChannel(t, c)
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, c.Connected, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), renewer.calls.Load())
	assert.Equal(t, int32(0), rejected.Load())
}

func TestChannel_RenewalFailureStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	store := testStore(t, "old")
	renewer := &fakeRenewer{store: store, err: api.ErrRenewalFailed}

	c := New(Options{
		URL:         wsURL(srv),
		Store:       store,
		Renewer:     renewer,
		Receiver:    &fakeReceiver{},
		BaseBackoff: time.Millisecond,
	})

	err := c.Run(context.Background())
	assert.ErrorIs(t, err, api.ErrRenewalFailed)
	assert.False(t, errors.Is(err, ErrReconnectExhausted))
}

func TestChannel_NotLoggedIn(t *testing.T) {
	c := New(Options{URL: "ws://127.0.0.1:1/ws/jobs", Store: &credstore.Memory{}, Receiver: &fakeReceiver{}})

	err := c.Run(context.Background())
	assert.ErrorIs(t, err, api.ErrNotLoggedIn)
}

func TestChannel_SubscriptionChangesWhileConnected(t *testing.T) {
	msgs := make(chan clientMessage, 8)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		for {
			var m clientMessage
			if err := wsjson.Read(r.Context(), conn, &m); err != nil {
				return
			}
			msgs <- m
		}
	}))
	defer srv.Close()

	c := New(Options{URL: wsURL(srv), Store: testStore(t, "tok"), Receiver: &fakeReceiver{}})

	cancel, done := runChannel(t, c)
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, c.Connected, 5*time.Second, 10*time.Millisecond)

	c.Subscribe("a")
	c.Subscribe("a")
	c.Unsubscribe("a")
	c.Unsubscribe("a")
	c.Unsubscribe("unknown")

	assert.Equal(t, clientMessage{Type: "subscribe", JobID: "a"}, <-msgs)
	assert.Equal(t, clientMessage{Type: "unsubscribe", JobID: "a"}, <-msgs)
	assert.Never(t, func() bool { return len(msgs) > 0 }, 50*time.Millisecond, 10*time.Millisecond)
}

func TestPushURL(t *testing.T) {
	assert.Equal(t, "wss://api.example.com/ws/jobs", PushURL("https://api.example.com/"))
	assert.Equal(t, "ws://localhost:8080/ws/jobs", PushURL("http://localhost:8080"))
}
