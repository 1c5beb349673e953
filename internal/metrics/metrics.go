// Package metrics exposes Prometheus metrics for sessions, viewers and frames.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Session metrics
	SessionsLive     prometheus.Gauge
	SessionsStarted  *prometheus.CounterVec
	Navigations      *prometheus.CounterVec
	RenderFailures   *prometheus.CounterVec
	RegistryFailures prometheus.Counter

	// Stream metrics
	Viewers         prometheus.Gauge
	FramesPublished prometheus.Counter
	FramesDropped   prometheus.Counter
	FrameBytes      prometheus.Counter
}

// New creates the metrics and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "renderproxy_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "renderproxy_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		SessionsLive: f.NewGauge(prometheus.GaugeOpts{
			Name: "renderproxy_sessions_live",
			Help: "Number of render sessions currently held by the session manager",
		}),
		SessionsStarted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "renderproxy_sessions_started_total",
				Help: "Render sessions started, by cause (create, rehydrate)",
			},
			[]string{"cause"},
		),
		Navigations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "renderproxy_navigations_total",
				Help: "Navigations issued by render sessions, by reason",
			},
			[]string{"reason"},
		),
		RenderFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "renderproxy_render_failures_total",
				Help: "Transient rendering failures absorbed by the watchdog, by operation",
			},
			[]string{"op"},
		),
		RegistryFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "renderproxy_registry_write_failures_total",
			Help: "Failed writes of the link registry",
		}),
		Viewers: f.NewGauge(prometheus.GaugeOpts{
			Name: "renderproxy_viewers",
			Help: "Attached viewer connections",
		}),
		FramesPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "renderproxy_frames_published_total",
			Help: "Frames handed to the broadcast hub",
		}),
		FramesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "renderproxy_frames_dropped_total",
			Help: "Frames replaced in a viewer slot before they were written",
		}),
		FrameBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "renderproxy_frame_bytes_total",
			Help: "Bytes of frames handed to the broadcast hub",
		}),
	}
}

// Handler returns the Prometheus exposition handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records one served HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, d time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// FramePublished records one frame handed to the hub.
func (m *Metrics) FramePublished(size int) {
	m.FramesPublished.Inc()
	m.FrameBytes.Add(float64(size))
}

// FrameDropped records a frame overwritten in a viewer slot.
func (m *Metrics) FrameDropped() {
	m.FramesDropped.Inc()
}

// ViewerAttached records a new viewer.
func (m *Metrics) ViewerAttached() { m.Viewers.Inc() }

// ViewerDetached records a viewer leaving.
func (m *Metrics) ViewerDetached() { m.Viewers.Dec() }

// SessionStarted records a session start and its cause.
func (m *Metrics) SessionStarted(cause string) {
	m.SessionsStarted.WithLabelValues(cause).Inc()
}

// SetLiveSessions sets the live session gauge.
func (m *Metrics) SetLiveSessions(n int) {
	m.SessionsLive.Set(float64(n))
}

// Navigated records a navigation and why it happened.
func (m *Metrics) Navigated(reason string) {
	m.Navigations.WithLabelValues(reason).Inc()
}

// RenderFailed records an absorbed rendering failure.
func (m *Metrics) RenderFailed(op string) {
	m.RenderFailures.WithLabelValues(op).Inc()
}

// RegistryWriteFailed records a failed registry write.
func (m *Metrics) RegistryWriteFailed() {
	m.RegistryFailures.Inc()
}
