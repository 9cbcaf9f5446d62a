// Package telemetry exposes Prometheus metrics for the HTTP surface, the
// database pool, and payment reconciliation.
package telemetry

import (
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clinic"

// Provider owns a private registry so tests can build as many as they like.
type Provider struct {
	registry *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	activeRequests prometheus.Gauge
	paymentEvents  *prometheus.CounterVec
	checkouts      *prometheus.CounterVec
}

func NewProvider() *Provider {
	p := &Provider{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status_code"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_active_requests",
			Help:      "Number of HTTP requests currently being served",
		}),
		paymentEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payment_events_total",
				Help:      "Paddle notifications received, by type and reconciliation outcome",
			},
			[]string{"event_type", "outcome"},
		),
		checkouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checkouts_total",
				Help:      "Checkout preparations, by whether a correlation id was minted or reused",
			},
			[]string{"result"},
		),
	}

	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		p.httpRequests,
		p.httpDuration,
		p.activeRequests,
		p.paymentEvents,
		p.checkouts,
	)
	return p
}

// Registry is exposed for tests and for callers that add collectors.
func (p *Provider) Registry() *prometheus.Registry {
	return p.registry
}

// RegisterPool publishes pgxpool connection counts as gauges.
func (p *Provider) RegisterPool(pool *pgxpool.Pool) {
	stat := func(f func(*pgxpool.Stat) int32) func() float64 {
		return func() float64 { return float64(f(pool.Stat())) }
	}
	p.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_pool_acquired_connections",
			Help:      "Connections currently checked out of the pool",
		}, stat((*pgxpool.Stat).AcquiredConns)),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_pool_idle_connections",
			Help:      "Idle connections in the pool",
		}, stat((*pgxpool.Stat).IdleConns)),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_pool_total_connections",
			Help:      "Total connections in the pool",
		}, stat((*pgxpool.Stat).TotalConns)),
	)
}

// PaymentEvent counts one reconciled notification.
func (p *Provider) PaymentEvent(eventType, outcome string) {
	p.paymentEvents.WithLabelValues(eventType, outcome).Inc()
}

// Checkout counts one checkout preparation; reused reports whether an
// existing correlation id was returned.
func (p *Provider) Checkout(reused bool) {
	result := "minted"
	if reused {
		result = "reused"
	}
	p.checkouts.WithLabelValues(result).Inc()
}

// Middleware records request count and latency per route pattern.
func (p *Provider) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p.activeRequests.Inc()
			start := time.Now()

			err := next(c)

			p.activeRequests.Dec()

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else {
					status = 500
				}
			}

			method := c.Request().Method
			p.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			p.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())

			return err
		}
	}
}

// Handler serves the registry in Prometheus exposition format.
func (p *Provider) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}
