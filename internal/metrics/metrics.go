// Package metrics exposes Prometheus collectors for the navigation pipeline
// and the reference collector service.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/navtrack/internal/track"
)

// Pipeline holds the tracking-side collectors. It satisfies the observer
// interfaces of the ledger, durable store, upload coordinator and tracker.
type Pipeline struct {
	records        *prometheus.CounterVec
	suppressed     prometheus.Counter
	writeThrough   *prometheus.CounterVec
	durableWrites  *prometheus.CounterVec
	lockWait       prometheus.Histogram
	uploads        *prometheus.CounterVec
	uploadDuration prometheus.Histogram
	inFlight       prometheus.Gauge
}

// NewPipeline registers the pipeline collectors on reg.
func NewPipeline(reg prometheus.Registerer) *Pipeline {
	factory := promauto.With(reg)
	return &Pipeline{
		records: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "navtrack_records_total",
				Help: "Navigation records appended, labeled by navigation type.",
			},
			[]string{"type"},
		),
		suppressed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "navtrack_navigations_suppressed_total",
				Help: "Driver signals dropped as null, duplicate or untracked hash changes.",
			},
		),
		writeThrough: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "navtrack_write_through_failures_total",
				Help: "Ledger write-through failures absorbed, labeled by entry kind.",
			},
			[]string{"kind"},
		),
		durableWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "navtrack_durable_writes_total",
				Help: "Durable store writes, labeled by entry kind and result.",
			},
			[]string{"kind", "result"},
		),
		lockWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "navtrack_lock_wait_seconds",
				Help:    "Time spent acquiring durable store file locks.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
		uploads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "navtrack_uploads_total",
				Help: "Finished upload attempts, labeled by terminal status.",
			},
			[]string{"status"},
		),
		uploadDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "navtrack_upload_duration_seconds",
				Help:    "Histogram of upload attempt durations.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		),
		inFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "navtrack_uploads_in_flight",
				Help: "Upload attempts started and not yet finished.",
			},
		),
	}
}

// RecordAppended counts one ledger record.
func (p *Pipeline) RecordAppended(t track.NavigationType) {
	p.records.WithLabelValues(string(t)).Inc()
}

// WriteThroughFailed counts an absorbed ledger write failure.
func (p *Pipeline) WriteThroughFailed(kind string) {
	p.writeThrough.WithLabelValues(kind).Inc()
}

// NavigationSuppressed counts a dropped driver signal.
func (p *Pipeline) NavigationSuppressed() {
	p.suppressed.Inc()
}

// ObserveDurableWrite counts one durable write outcome.
func (p *Pipeline) ObserveDurableWrite(kind, result string) {
	p.durableWrites.WithLabelValues(kind, result).Inc()
}

// ObserveLockWait records a lock acquisition time.
func (p *Pipeline) ObserveLockWait(d time.Duration) {
	p.lockWait.Observe(d.Seconds())
}

// UploadStarted increments the in-flight gauge.
func (p *Pipeline) UploadStarted() {
	p.inFlight.Inc()
}

// UploadFinished records a terminal upload.
func (p *Pipeline) UploadFinished(status string, d time.Duration) {
	p.inFlight.Dec()
	p.uploads.WithLabelValues(status).Inc()
	p.uploadDuration.Observe(d.Seconds())
}

// HTTP holds the collector service request metrics.
type HTTP struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	uploads  *prometheus.CounterVec
}

// NewHTTP registers the service collectors on reg.
func NewHTTP(reg prometheus.Registerer) *HTTP {
	factory := promauto.With(reg)
	return &HTTP{
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		),
		uploads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_uploads_received_total",
				Help: "Uploads received by the collector, labeled by result.",
			},
			[]string{"result"},
		),
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func (h *HTTP) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	h.requests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	h.duration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveUpload counts an upload by result (stored, duplicate, invalid).
func (h *HTTP) ObserveUpload(result string) {
	h.uploads.WithLabelValues(result).Inc()
}

// Handler exposes the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// WriteTextfile writes g's metrics in the node-exporter textfile format.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
