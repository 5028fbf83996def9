package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP holds request metrics recorded by the HTTP logging middleware.
type HTTP struct {
	RequestCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

func NewHTTP(registry *prometheus.Registry) *HTTP {
	m := &HTTP{
		RequestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
	}
	if registry != nil {
		registry.MustRegister(m.RequestCount, m.RequestDuration)
	}
	return m
}

func (m *HTTP) Observe(method, path, status string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestCount.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path, status).Observe(seconds)
}

// RegisterBuildInfo exposes a constant gauge labelled with the service
// identity.
func RegisterBuildInfo(registry *prometheus.Registry, service, env string) {
	info := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "service_build_info",
		Help:        "Service identity, always 1.",
		ConstLabels: prometheus.Labels{"service": service, "env": env},
	})
	info.Set(1)
	registry.MustRegister(info)
}

func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
