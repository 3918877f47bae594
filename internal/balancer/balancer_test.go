package balancer

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyhub/notifyhub/internal/config"
	"github.com/notifyhub/notifyhub/internal/telemetry"
)

func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()
	logger, err := telemetry.NewLogger(&telemetry.LogConfig{Level: telemetry.ErrorLevel, Format: "text", Output: "stderr"})
	require.NoError(t, err)
	return logger
}

func newTestBalancer(t *testing.T, addrs ...string) *Balancer {
	t.Helper()
	lb, err := New(config.BalancerConfig{
		InstanceAddrs:       addrs,
		HealthCheckInterval: 10 * time.Second,
		HealthCheckTimeout:  time.Second,
	}, testLogger(t))
	require.NoError(t, err)
	return lb
}

func echoServer(t *testing.T, name string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Backend", name)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRoundRobinSpreadsRequests(t *testing.T) {
	a := echoServer(t, "a")
	b := echoServer(t, "b")
	lb := newTestBalancer(t, a.URL, b.URL)

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		rec := httptest.NewRecorder()
		lb.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		seen[rec.Header().Get("X-Backend")]++
	}
	assert.Equal(t, 2, seen["a"])
	assert.Equal(t, 2, seen["b"])
}

func TestRoundRobinSkipsUnhealthy(t *testing.T) {
	a := echoServer(t, "a")
	b := echoServer(t, "b")
	lb := newTestBalancer(t, a.URL, b.URL)
	lb.backends[0].healthy.Store(false)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		lb.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, "b", rec.Header().Get("X-Backend"))
	}
}

func TestNoHealthyBackends(t *testing.T) {
	a := echoServer(t, "a")
	lb := newTestBalancer(t, a.URL)
	lb.backends[0].healthy.Store(false)

	rec := httptest.NewRecorder()
	lb.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAssignsTraceIDOnIngress(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get(telemetry.TraceIDHeader)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	lb := newTestBalancer(t, srv.URL)

	rec := httptest.NewRecorder()
	lb.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, got)

	// A caller-supplied ID survives the hop untouched.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(telemetry.TraceIDHeader, "trace-abc")
	lb.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "trace-abc", got)
}

func TestSessionKeyFallsBackToCookie(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.AddCookie(&http.Cookie{Name: "sid", Value: "cookie-session"})
	assert.Equal(t, "cookie-session", sessionKey(req))

	// Query param wins over the cookie.
	req = httptest.NewRequest(http.MethodGet, "/ws?sid=query-session", nil)
	req.AddCookie(&http.Cookie{Name: "sid", Value: "cookie-session"})
	assert.Equal(t, "query-session", sessionKey(req))
}

func TestStickyPickIsStable(t *testing.T) {
	a := echoServer(t, "a")
	b := echoServer(t, "b")
	c := echoServer(t, "c")
	lb := newTestBalancer(t, a.URL, b.URL, c.URL)

	first := lb.pickSticky("session-123")
	for i := 0; i < 10; i++ {
		assert.Same(t, first, lb.pickSticky("session-123"))
	}
}

func TestStickyRoutesWebSocketUpgrade(t *testing.T) {
	a := echoServer(t, "a")
	b := echoServer(t, "b")
	lb := newTestBalancer(t, a.URL, b.URL)

	names := map[string]string{a.URL: "a", b.URL: "b"}
	want := names[lb.pickSticky("user-7").URL.String()]

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/ws?sid=user-7", nil)
		req.Header.Set("Upgrade", "websocket")
		req.Header.Set("Connection", "Upgrade")

		rec := httptest.NewRecorder()
		lb.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Header().Get("X-Backend"))
	}
}
