package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels shared by the upload and download counters.
const (
	OutcomeOK       = "ok"
	OutcomeInvalid  = "invalid"
	OutcomeFull     = "full"
	OutcomeError    = "error"
	OutcomeDenied   = "denied"
	OutcomeThrottle = "throttled"
)

// Recorder captures relay-level metrics.
type Recorder interface {
	IncUploads(outcome string)
	IncDownloads(outcome string)
	ObserveCleanup(d time.Duration, removed, failures int)
	IncCleanupSkipped()
	SetActiveKeys(n int)
	ObserveRequest(method, route string, status int, d time.Duration)
}

// Noop implements Recorder without emitting anything.
type Noop struct{}

func (Noop) IncUploads(string)                                 {}
func (Noop) IncDownloads(string)                               {}
func (Noop) ObserveCleanup(time.Duration, int, int)            {}
func (Noop) IncCleanupSkipped()                                {}
func (Noop) SetActiveKeys(int)                                 {}
func (Noop) ObserveRequest(string, string, int, time.Duration) {}

// Prom implements Recorder backed by Prometheus collectors.
type Prom struct {
	uploads         *prometheus.CounterVec
	downloads       *prometheus.CounterVec
	cleanupRuns     prometheus.Counter
	cleanupSkipped  prometheus.Counter
	cleanupRemoved  prometheus.Counter
	cleanupFailures prometheus.Counter
	cleanupLatency  prometheus.Histogram
	activeKeys      prometheus.Gauge
	requests        *prometheus.CounterVec
	latency         *prometheus.HistogramVec
}

// NewProm builds the collectors and registers them with reg.
func NewProm(namespace string, reg prometheus.Registerer) *Prom {
	p := &Prom{
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Upload attempts by outcome",
		}, []string{"outcome"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Download attempts by outcome",
		}, []string{"outcome"}),
		cleanupRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_runs_total",
			Help:      "Completed cleanup ticks",
		}),
		cleanupSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_skipped_total",
			Help:      "Cleanup ticks skipped because a previous tick was still running",
		}),
		cleanupRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_removed_total",
			Help:      "Transfers marked removed by cleanup",
		}),
		cleanupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_failures_total",
			Help:      "Per-transfer cleanup failures",
		}),
		cleanupLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cleanup_duration_seconds",
			Help:      "Cleanup tick duration",
			Buckets:   prometheus.DefBuckets,
		}),
		activeKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_keys",
			Help:      "Keys currently held by the active-key cache",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(
		p.uploads, p.downloads,
		p.cleanupRuns, p.cleanupSkipped, p.cleanupRemoved, p.cleanupFailures, p.cleanupLatency,
		p.activeKeys, p.requests, p.latency,
	)
	return p
}

func (p *Prom) IncUploads(outcome string) {
	p.uploads.WithLabelValues(outcome).Inc()
}

func (p *Prom) IncDownloads(outcome string) {
	p.downloads.WithLabelValues(outcome).Inc()
}

func (p *Prom) ObserveCleanup(d time.Duration, removed, failures int) {
	p.cleanupRuns.Inc()
	p.cleanupRemoved.Add(float64(removed))
	p.cleanupFailures.Add(float64(failures))
	p.cleanupLatency.Observe(d.Seconds())
}

func (p *Prom) IncCleanupSkipped() {
	p.cleanupSkipped.Inc()
}

func (p *Prom) SetActiveKeys(n int) {
	p.activeKeys.Set(float64(n))
}

func (p *Prom) ObserveRequest(method, route string, status int, d time.Duration) {
	p.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	p.latency.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler returns an HTTP handler for /metrics.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
