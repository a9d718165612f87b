// Package monitoring collects per-request metrics for the gateway.
//
// Two surfaces are fed from the same recording call: the in-memory snapshot
// served as JSON on /metrics, and a Prometheus registry served on
// /metrics/prometheus. Counters are never reset during the process lifetime.
package monitoring

import (
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Snapshot is the point-in-time view of the aggregate counters. Ratios are
// computed at read time and are zero when no requests have been recorded.
type Snapshot struct {
	TotalRequests         int64   `json:"total_requests"`
	TotalErrors           int64   `json:"total_errors"`
	StreamingRequests     int64   `json:"streaming_requests"`
	AverageLatencySeconds float64 `json:"average_latency_seconds"`
	ErrorRate             float64 `json:"error_rate"`
}

// Collector accumulates request outcomes. All mutation happens under one
// mutex; Snapshot takes the same lock for a consistent read.
//
// Streaming requests are recorded with the latency known at dispatch time,
// not at stream completion, so average_latency_seconds reflects
// time-to-dispatch for streams.
type Collector struct {
	mu             sync.Mutex
	requestCount   int64
	errorCount     int64
	streamingCount int64
	totalLatency   float64

	registry    *prometheus.Registry
	requests    *prometheus.CounterVec
	duration    prometheus.Histogram
	streaming   prometheus.Counter
	rateLimited prometheus.Counter
}

// NewCollector creates a collector with its own Prometheus registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "luminarychat",
			Name:      "requests_total",
			Help:      "Total requests by terminal outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "luminarychat",
			Name:      "request_duration_seconds",
			Help:      "Request latency; dispatch-time latency for streaming requests.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
		}),
		streaming: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "luminarychat",
			Name:      "streaming_requests_total",
			Help:      "Requests served as server-sent-event streams.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "luminarychat",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
	}

	registry.MustRegister(c.requests, c.duration, c.streaming, c.rateLimited)
	return c
}

// RecordOutcome records one terminal request outcome. Exactly one call is
// made per inbound request.
func (c *Collector) RecordOutcome(latency time.Duration, isError, isStreaming bool) {
	seconds := latency.Seconds()

	c.mu.Lock()
	c.requestCount++
	c.totalLatency += seconds
	if isError {
		c.errorCount++
	}
	if isStreaming {
		c.streamingCount++
	}
	c.mu.Unlock()

	outcome := "success"
	if isError {
		outcome = "error"
	}
	c.requests.WithLabelValues(outcome).Inc()
	c.duration.Observe(seconds)
	if isStreaming {
		c.streaming.Inc()
	}
}

// RecordRateLimited counts a rejected admission. The rejection itself is
// still recorded as an error outcome by the pipeline.
func (c *Collector) RecordRateLimited() {
	c.rateLimited.Inc()
}

// Snapshot returns the current counters with derived ratios rounded to
// three decimals.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		TotalRequests:     c.requestCount,
		TotalErrors:       c.errorCount,
		StreamingRequests: c.streamingCount,
	}
	if c.requestCount > 0 {
		s.AverageLatencySeconds = round3(c.totalLatency / float64(c.requestCount))
		s.ErrorRate = round3(float64(c.errorCount) / float64(c.requestCount))
	}
	return s
}

// Handler serves the Prometheus exposition format for this collector's
// registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
