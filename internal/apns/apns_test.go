package apns

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensiblebit/passkit/internal/config"
	"github.com/sensiblebit/passkit/internal/credentials"
	"github.com/sensiblebit/passkit/internal/metrics"
	"github.com/sensiblebit/passkit/internal/passerr"
)

type capturedPush struct {
	Path     string
	Topic    string
	PushType string
	Body     string
	Proto    int
}

// fakeAPNs answers 200 for every token except those listed in rejected,
// which get 410 Unregistered.
func fakeAPNs(t *testing.T, rejected ...string) (*httptest.Server, func() []capturedPush) {
	t.Helper()
	var mu sync.Mutex
	var pushes []capturedPush
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		pushes = append(pushes, capturedPush{
			Path:     r.URL.Path,
			Topic:    r.Header.Get("apns-topic"),
			PushType: r.Header.Get("apns-push-type"),
			Body:     string(body),
			Proto:    r.ProtoMajor,
		})
		mu.Unlock()

		w.Header().Set("apns-id", "id-"+strings.TrimPrefix(r.URL.Path, "/3/device/"))
		for _, token := range rejected {
			if r.URL.Path == "/3/device/"+token {
				w.WriteHeader(http.StatusGone)
				_ = json.NewEncoder(w).Encode(map[string]string{"reason": "Unregistered"})
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	srv.EnableHTTP2 = true
	srv.StartTLS()
	t.Cleanup(srv.Close)

	return srv, func() []capturedPush {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedPush(nil), pushes...)
	}
}

func testConfig() config.APNs {
	return config.APNs{Environment: config.APNsSandbox, Topic: "pass.com.example.loyalty", Concurrency: 2, Timeout: 5 * time.Second}
}

func newTestClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithHTTPClient(srv.Client()), WithBaseURL(srv.URL)}, opts...)
	return New(nil, testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

func TestNotify_SendsPassPush(t *testing.T) {
	t.Parallel()
	srv, pushes := fakeAPNs(t)
	c := newTestClient(t, srv)

	res := c.Notify(context.Background(), "abcdef0123456789", "")
	require.True(t, res.OK(), res.Message())
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, "id-abcdef0123456789", res.APNsID)
	assert.Empty(t, res.Message())

	got := pushes()
	require.Len(t, got, 1)
	assert.Equal(t, "/3/device/abcdef0123456789", got[0].Path)
	assert.Equal(t, "pass.com.example.loyalty", got[0].Topic, "topic defaults to the configured one")
	assert.Equal(t, "pass", got[0].PushType)
	assert.Equal(t, "{}", got[0].Body)
	assert.Equal(t, 2, got[0].Proto)
}

func TestNotify_ReportsRejection(t *testing.T) {
	t.Parallel()
	srv, _ := fakeAPNs(t, "dead")
	c := newTestClient(t, srv)

	res := c.Notify(context.Background(), "dead", "pass.other")
	assert.False(t, res.OK())
	assert.Equal(t, http.StatusGone, res.Status)
	assert.Equal(t, "Unregistered", res.Reason)
	assert.Equal(t, "apns status 410: Unregistered", res.Message())
}

func TestNotify_EmptyToken(t *testing.T) {
	t.Parallel()
	srv, pushes := fakeAPNs(t)
	c := newTestClient(t, srv)

	res := c.Notify(context.Background(), "", "")
	assert.False(t, res.OK())
	assert.Error(t, res.Err)
	assert.Empty(t, pushes())
}

type failingSource struct{}

func (failingSource) Identity(context.Context) (*credentials.Identity, error) {
	return nil, passerr.New(passerr.KindConfiguration, "test", "", io.ErrUnexpectedEOF)
}

func TestNotify_WithoutCredentials(t *testing.T) {
	// WHY: A deployment without signing material keeps serving; pushes fail
	// individually with a configuration error instead of panicking.
	t.Parallel()
	for _, src := range []credentials.Source{nil, failingSource{}} {
		c := New(src, testConfig(), nil)
		res := c.Notify(context.Background(), "tok", "")
		assert.True(t, passerr.Is(res.Err, passerr.KindConfiguration), "err = %v", res.Err)
		assert.Zero(t, res.Status)
	}
}

func TestNew_Environment(t *testing.T) {
	t.Parallel()
	assert.Equal(t, ProductionURL, New(nil, config.APNs{Environment: config.APNsProduction}, nil).baseURL)
	assert.Equal(t, SandboxURL, New(nil, config.APNs{Environment: config.APNsSandbox}, nil).baseURL)
	assert.Equal(t, defaultConcurrency, New(nil, config.APNs{}, nil).concurrency)
}

func TestNotifyAll(t *testing.T) {
	// WHY: Each target gets its own result in input order; one rejected
	// token does not stop the others.
	t.Parallel()
	srv, pushes := fakeAPNs(t, "t2")
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	c := newTestClient(t, srv, WithMetrics(m))

	targets := []Target{
		{Serial: "KOS-1", Token: "t1"},
		{Serial: "KOS-2", Token: "t2"},
		{Serial: "KOS-3", Token: "t3", Topic: "pass.com.example.other"},
	}
	results := c.NotifyAll(context.Background(), targets)
	require.Len(t, results, 3)
	for i, res := range results {
		assert.Equal(t, targets[i].Serial, res.Serial)
		assert.Equal(t, targets[i].Token, res.Token)
	}
	assert.True(t, results[0].OK())
	assert.False(t, results[1].OK())
	assert.True(t, results[2].OK())
	assert.Len(t, pushes(), 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PushesSent.WithLabelValues("200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PushesSent.WithLabelValues("410")))
}

func TestNotifyAll_BoundedConcurrency(t *testing.T) {
	t.Parallel()
	var inFlight, peak atomic.Int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	c := newTestClient(t, srv)

	targets := make([]Target, 10)
	for i := range targets {
		targets[i] = Target{Token: "tok"}
	}
	for _, res := range c.NotifyAll(context.Background(), targets) {
		assert.True(t, res.OK(), res.Message())
	}
	assert.LessOrEqual(t, peak.Load(), int32(testConfig().Concurrency))
}

func TestNotifyAll_Cancelled(t *testing.T) {
	t.Parallel()
	srv, pushes := fakeAPNs(t)
	c := newTestClient(t, srv)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := c.NotifyAll(ctx, []Target{{Token: "a"}, {Token: "b"}})
	for _, res := range results {
		assert.ErrorIs(t, res.Err, context.Canceled)
	}
	assert.Empty(t, pushes())
}
