package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric the service exports. A nil *Collector is valid
// and records nothing.
type Collector struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	InFlightGauge   prometheus.Gauge

	MergesTotal        *prometheus.CounterVec
	MergeDuration      prometheus.Histogram
	VersionConflicts   prometheus.Counter
	EntitiesSkipped    *prometheus.CounterVec
	CorrectionsTotal   *prometheus.CounterVec
	NotificationsTotal *prometheus.CounterVec
	CacheLookups       *prometheus.CounterVec
	EventsConsumed     *prometheus.CounterVec
}

// NewCollector registers the service metrics on a fresh registry, along with
// the Go runtime and process collectors.
func NewCollector(serviceName string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Collector{
		registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, path, and status code.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: serviceName,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency distribution.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"method", "path", "status"}),

		InFlightGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: serviceName,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),

		MergesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "summary",
			Name:      "merges_total",
			Help:      "Summary merges by trigger and outcome.",
		}, []string{"trigger", "outcome"}),

		MergeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: serviceName,
			Subsystem: "summary",
			Name:      "merge_duration_seconds",
			Help:      "Wall time of a merge including store round trips and retries.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),

		VersionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "summary",
			Name:      "version_conflicts_total",
			Help:      "Conditional writes rejected because another merge committed first.",
		}),

		EntitiesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "summary",
			Name:      "entities_skipped_total",
			Help:      "Extracted entities dropped as malformed, by kind.",
		}, []string{"kind"}),

		CorrectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "summary",
			Name:      "corrections_total",
			Help:      "Submitted corrections by action and outcome.",
		}, []string{"action", "outcome"}),

		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "notify",
			Name:      "notifications_total",
			Help:      "Summary update notifications by outcome.",
		}, []string{"outcome"}),

		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Summary read cache lookups by result.",
		}, []string{"result"}),

		EventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "events",
			Name:      "consumed_total",
			Help:      "Document-processed events consumed by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		c.RequestsTotal, c.RequestDuration, c.InFlightGauge,
		c.MergesTotal, c.MergeDuration, c.VersionConflicts, c.EntitiesSkipped,
		c.CorrectionsTotal, c.NotificationsTotal, c.CacheLookups, c.EventsConsumed,
	)
	return c
}

// Handler exposes the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) ObserveMerge(trigger, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.MergesTotal.WithLabelValues(trigger, outcome).Inc()
	c.MergeDuration.Observe(d.Seconds())
}

func (c *Collector) IncVersionConflict() {
	if c == nil {
		return
	}
	c.VersionConflicts.Inc()
}

func (c *Collector) AddSkipped(kind string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.EntitiesSkipped.WithLabelValues(kind).Add(float64(n))
}

func (c *Collector) IncCorrection(action, outcome string) {
	if c == nil {
		return
	}
	c.CorrectionsTotal.WithLabelValues(action, outcome).Inc()
}

func (c *Collector) IncNotification(outcome string) {
	if c == nil {
		return
	}
	c.NotificationsTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) IncCacheLookup(result string) {
	if c == nil {
		return
	}
	c.CacheLookups.WithLabelValues(result).Inc()
}

func (c *Collector) IncEvent(outcome string) {
	if c == nil {
		return
	}
	c.EventsConsumed.WithLabelValues(outcome).Inc()
}

// ObserveRequest records one finished HTTP request.
func (c *Collector) ObserveRequest(method, path, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.RequestsTotal.WithLabelValues(method, path, status).Inc()
	c.RequestDuration.WithLabelValues(method, path, status).Observe(d.Seconds())
}
