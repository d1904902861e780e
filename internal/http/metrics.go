package httpx

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

type routerMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	rateHits  *prometheus.CounterVec
	streaming prometheus.Gauge
}

// newRouterMetrics builds the router collectors and registers them with reg. Collectors
// already present in reg are reused so several routers can share one registry.
func newRouterMetrics(reg prometheus.Registerer) *routerMetrics {
	m := &routerMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "helios",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "helios",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}),
		rateHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "helios",
			Subsystem: "api",
			Name:      "rate_limit_hits_total",
			Help:      "Number of rate-limited responses",
		}, []string{"route", "key"}),
		streaming: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "helios",
			Subsystem: "api",
			Name:      "stream_subscribers",
			Help:      "Open websocket and SSE subscriptions",
		}),
	}
	if reg == nil {
		return m
	}
	m.requests = registerOrReuse(reg, m.requests)
	m.latency = registerOrReuse(reg, m.latency)
	m.rateHits = registerOrReuse(reg, m.rateHits)
	m.streaming = registerOrReuse(reg, m.streaming)
	return m
}

func registerOrReuse[C prometheus.Collector](reg prometheus.Registerer, collector C) C {
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return collector
}

func (r *Router) recordRequestMetrics(method, route string, status int, duration time.Duration) {
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	r.metrics.requests.With(labels).Inc()
	r.metrics.latency.With(labels).Observe(duration.Seconds())
}

func (r *Router) recordRateLimitHit(route, key string) {
	r.metrics.rateHits.With(prometheus.Labels{"route": route, "key": key}).Inc()
}
