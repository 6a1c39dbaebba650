// Package metrics exposes Prometheus instrumentation for the governance
// operations. All methods are safe to call on a nil *Metrics, which lets
// services and tests run without a registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ehr/radiology/internal/platform/apperr"
)

type Metrics struct {
	namespace string
	gatherer  prometheus.Gatherer

	operations      *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	httpDuration    *prometheus.HistogramVec
	pendingCritical prometheus.Gauge
	eventsDropped   *prometheus.CounterVec
	auditQueue      prometheus.Gauge
	auditDropped    prometheus.Counter
	deliveries      *prometheus.CounterVec
	keyImageBytes   prometheus.Histogram
}

// New creates and registers the collectors under namespace. A nil reg uses
// the default Prometheus registry.
func New(namespace string, reg *prometheus.Registry) *Metrics {
	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg != nil {
		registerer, gatherer = reg, reg
	}

	m := &Metrics{namespace: namespace, gatherer: gatherer}

	m.operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Governance operations by outcome (success or error kind).",
		},
		[]string{"operation", "outcome"},
	)
	m.duration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Governance operation latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
	m.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	m.pendingCritical = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "critical_findings_pending",
		Help:      "Critical findings awaiting acknowledgment, as of the last listing.",
	})
	m.eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events rejected by the bus.",
		},
		[]string{"type"},
	)
	m.auditQueue = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "audit_retry_queue_depth",
		Help:      "Audit entries waiting for a retry.",
	})
	m.auditDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_entries_dropped_total",
		Help:      "Audit entries abandoned after exhausting retries.",
	})
	m.deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "distribution_deliveries_total",
			Help:      "Finalized report deliveries by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)
	m.keyImageBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "key_image_size_bytes",
		Help:      "Uploaded key image sizes.",
		Buckets:   []float64{10 << 10, 100 << 10, 1 << 20, 5 << 20, 10 << 20, 25 << 20},
	})

	registerer.MustRegister(
		m.operations,
		m.duration,
		m.httpDuration,
		m.pendingCritical,
		m.eventsDropped,
		m.auditQueue,
		m.auditDropped,
		m.deliveries,
		m.keyImageBytes,
	)
	return m
}

// Observe records one governance operation. The outcome label is "success"
// or the apperr kind of err ("error" for anything unclassified).
func (m *Metrics) Observe(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, Outcome(err)).Inc()
	m.duration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func Outcome(err error) string {
	if err == nil {
		return "success"
	}
	if k := apperr.KindOf(err); k != "" {
		return string(k)
	}
	return "error"
}

func (m *Metrics) SetPendingCritical(n int) {
	if m == nil {
		return
	}
	m.pendingCritical.Set(float64(n))
}

func (m *Metrics) EventDropped(eventType string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(eventType).Inc()
}

func (m *Metrics) SetAuditQueueDepth(n int) {
	if m == nil {
		return
	}
	m.auditQueue.Set(float64(n))
}

func (m *Metrics) AuditDropped() {
	if m == nil {
		return
	}
	m.auditDropped.Inc()
}

// Delivery records one distribution attempt outcome for channel
// ("webhook", "archive").
func (m *Metrics) Delivery(channel string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.deliveries.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) KeyImageUploaded(size int64) {
	if m == nil {
		return
	}
	m.keyImageBytes.Observe(float64(size))
}

// Middleware records request latency by matched route.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.httpDuration.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	if m == nil {
		return func(c echo.Context) error { return c.NoContent(http.StatusNotFound) }
	}
	return echo.WrapHandler(promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
}
