// Package balancer is the front proxy for a multi-instance deployment.
// Plain HTTP traffic is spread round-robin; websocket upgrades are
// pinned to an instance by hashing the client's session key, so a
// reconnecting client lands on the instance that still holds its state.
package balancer

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/notifyhub/notifyhub/internal/config"
	"github.com/notifyhub/notifyhub/internal/telemetry"
)

// Backend is one upstream instance.
type Backend struct {
	URL     *url.URL
	proxy   *httputil.ReverseProxy
	healthy atomic.Bool
}

// Healthy reports the last health poll's verdict.
func (b *Backend) Healthy() bool {
	return b.healthy.Load()
}

// Balancer proxies requests across the instance fleet.
type Balancer struct {
	backends []*Backend
	next     atomic.Uint64
	interval time.Duration
	timeout  time.Duration
	logger   *telemetry.Logger
}

// New builds the balancer from config. Backends start healthy and are
// demoted by the first failing poll.
func New(cfg config.BalancerConfig, logger *telemetry.Logger) (*Balancer, error) {
	backends := make([]*Backend, 0, len(cfg.InstanceAddrs))
	for _, addr := range cfg.InstanceAddrs {
		u, err := url.Parse(addr)
		if err != nil {
			return nil, err
		}
		b := &Backend{URL: u, proxy: httputil.NewSingleHostReverseProxy(u)}
		b.proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			logger.WithContext(r.Context()).WithError(err).
				WithField("backend", u.String()).
				Warn("Upstream request failed")
			writeError(w, http.StatusBadGateway, "upstream unavailable")
		}
		b.healthy.Store(true)
		backends = append(backends, b)
	}
	return &Balancer{
		backends: backends,
		interval: cfg.HealthCheckInterval,
		timeout:  cfg.HealthCheckTimeout,
		logger:   logger,
	}, nil
}

// ServeHTTP routes one request. Requests arriving without a trace ID
// get one here, so every hop downstream logs under the same ID.
func (lb *Balancer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(telemetry.TraceIDHeader) == "" {
		r.Header.Set(telemetry.TraceIDHeader, telemetry.NewCorrelationID())
	}

	var backend *Backend
	if isWebSocketUpgrade(r) {
		backend = lb.pickSticky(sessionKey(r))
	} else {
		backend = lb.pickRoundRobin()
	}
	if backend == nil {
		writeError(w, http.StatusServiceUnavailable, "no healthy instances")
		return
	}
	backend.proxy.ServeHTTP(w, r)
}

// Run polls backend health until the context ends.
func (lb *Balancer) Run(ctx context.Context) {
	ticker := time.NewTicker(lb.interval)
	defer ticker.Stop()

	lb.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lb.poll(ctx)
		}
	}
}

// Backends exposes the fleet for the status endpoint.
func (lb *Balancer) Backends() []*Backend {
	return lb.backends
}

func (lb *Balancer) poll(ctx context.Context) {
	client := &http.Client{Timeout: lb.timeout}
	for _, b := range lb.backends {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.URL.String()+"/health", nil)
		if err != nil {
			continue
		}
		resp, err := client.Do(req)
		healthy := err == nil && resp.StatusCode == http.StatusOK
		if resp != nil {
			resp.Body.Close()
		}
		if healthy != b.healthy.Load() {
			lb.logger.WithContext(ctx).
				WithField("backend", b.URL.String()).
				WithField("healthy", healthy).
				Warn("Backend health changed")
		}
		b.healthy.Store(healthy)
	}
}

func (lb *Balancer) pickRoundRobin() *Backend {
	n := len(lb.backends)
	for i := 0; i < n; i++ {
		b := lb.backends[int(lb.next.Add(1))%n]
		if b.Healthy() {
			return b
		}
	}
	return nil
}

// pickSticky hashes the session key over the healthy backends so the
// same client keeps hitting the same instance while the fleet is stable.
func (lb *Balancer) pickSticky(key string) *Backend {
	healthy := make([]*Backend, 0, len(lb.backends))
	for _, b := range lb.backends {
		if b.Healthy() {
			healthy = append(healthy, b)
		}
	}
	if len(healthy) == 0 {
		return nil
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return healthy[h.Sum32()%uint32(len(healthy))]
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// sessionKey extracts the client's sticky key: explicit session ID when
// supplied, remote address otherwise.
func sessionKey(r *http.Request) string {
	if sid := r.URL.Query().Get("sid"); sid != "" {
		return sid
	}
	if sid := r.Header.Get("X-Session-Id"); sid != "" {
		return sid
	}
	if c, err := r.Cookie("sid"); err == nil && c.Value != "" {
		return c.Value
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   map[string]string{"message": message},
	})
}
