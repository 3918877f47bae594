package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TraceIDHeader is the header used to propagate the delivery trace ID
// from the balancer through instances, queue jobs, and workers.
const TraceIDHeader = "X-Trace-Id"

type traceIDKey struct{}

// WithTraceID attaches a delivery trace ID to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = NewCorrelationID()
	}
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// GetTraceID retrieves the delivery trace ID from the context.
func GetTraceID(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey{}).(string); ok {
		return id
	}
	return ""
}

// Stage records one step of an event's journey through the platform
// (balancer, instance, orchestrator, queue, worker, delivery).
type Stage struct {
	Component string            `json:"component"`
	Stage     string            `json:"stage"`
	Status    string            `json:"status"`
	Started   time.Time         `json:"started"`
	Duration  time.Duration     `json:"duration"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// TraceRecord groups the stages observed for one trace ID.
type TraceRecord struct {
	TraceID   string    `json:"trace_id"`
	Stages    []Stage   `json:"stages"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ComponentMetrics aggregates per-component stage counts for the live view.
type ComponentMetrics struct {
	Total         int64         `json:"total"`
	Failed        int64         `json:"failed"`
	TotalDuration time.Duration `json:"-"`
	AvgDuration   time.Duration `json:"avg_duration"`
}

// Tracker collects delivery stages for operator dashboards. It keeps a
// bounded ring of recent traces in memory and mirrors counts to
// Prometheus. Recording never fails and never blocks delivery.
type Tracker struct {
	mu       sync.Mutex
	traces   map[string]*TraceRecord
	order    []string
	capacity int

	components map[string]*ComponentMetrics

	stagesTotal   *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
}

// NewTracker creates a tracker retaining up to capacity recent traces.
// Prometheus collectors are registered on reg; pass nil to skip metrics.
func NewTracker(capacity int, reg prometheus.Registerer) *Tracker {
	if capacity <= 0 {
		capacity = 1000
	}

	t := &Tracker{
		traces:     make(map[string]*TraceRecord),
		capacity:   capacity,
		components: make(map[string]*ComponentMetrics),
	}

	if reg != nil {
		t.stagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyhub_stages_total",
			Help: "Delivery stages recorded, by component, stage and status.",
		}, []string{"component", "stage", "status"})
		t.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "notifyhub_stage_duration_seconds",
			Help:    "Duration of delivery stages by component.",
			Buckets: prometheus.DefBuckets,
		}, []string{"component"})
		reg.MustRegister(t.stagesTotal, t.stageDuration)
	}

	return t
}

// Record appends a stage to the trace identified by traceID.
func (t *Tracker) Record(traceID string, s Stage) {
	if traceID == "" {
		return
	}
	if s.Started.IsZero() {
		s.Started = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.traces[traceID]
	if !ok {
		rec = &TraceRecord{TraceID: traceID}
		t.traces[traceID] = rec
		t.order = append(t.order, traceID)
		if len(t.order) > t.capacity {
			evicted := t.order[0]
			t.order = t.order[1:]
			delete(t.traces, evicted)
		}
	}
	rec.Stages = append(rec.Stages, s)
	rec.UpdatedAt = time.Now()

	cm, ok := t.components[s.Component]
	if !ok {
		cm = &ComponentMetrics{}
		t.components[s.Component] = cm
	}
	cm.Total++
	if s.Status == "failed" || s.Status == "error" {
		cm.Failed++
	}
	cm.TotalDuration += s.Duration
	cm.AvgDuration = cm.TotalDuration / time.Duration(cm.Total)

	if t.stagesTotal != nil {
		t.stagesTotal.WithLabelValues(s.Component, s.Stage, s.Status).Inc()
		t.stageDuration.WithLabelValues(s.Component).Observe(s.Duration.Seconds())
	}
}

// Recent returns up to limit most recently updated traces, newest first.
func (t *Tracker) Recent(limit int) []TraceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || limit > len(t.order) {
		limit = len(t.order)
	}

	out := make([]TraceRecord, 0, limit)
	for i := len(t.order) - 1; i >= 0 && len(out) < limit; i-- {
		if rec, ok := t.traces[t.order[i]]; ok {
			cp := *rec
			cp.Stages = append([]Stage(nil), rec.Stages...)
			out = append(out, cp)
		}
	}
	return out
}

// Trace returns the record for a single trace ID, if retained.
func (t *Tracker) Trace(traceID string) (TraceRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.traces[traceID]
	if !ok {
		return TraceRecord{}, false
	}
	cp := *rec
	cp.Stages = append([]Stage(nil), rec.Stages...)
	return cp, true
}

// Components returns a snapshot of per-component metrics.
func (t *Tracker) Components() map[string]ComponentMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]ComponentMetrics, len(t.components))
	for k, v := range t.components {
		out[k] = *v
	}
	return out
}
