package redisq

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Processed  *prometheus.CounterVec
	Retries    *prometheus.CounterVec
	DeadLetter *prometheus.CounterVec
	Reclaimed  *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Processed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queue_messages_processed_total",
				Help: "Total queue messages handled.",
			},
			[]string{"queue", "status"},
		),
		Retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queue_message_retries_total",
				Help: "Total in-place retries of queue messages.",
			},
			[]string{"queue"},
		),
		DeadLetter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queue_messages_dead_lettered_total",
				Help: "Total queue messages moved to the dead-letter list.",
			},
			[]string{"queue", "reason"},
		),
		Reclaimed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queue_messages_reclaimed_total",
				Help: "Total processing messages returned to the incoming list after lease expiry.",
			},
			[]string{"queue"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "queue_message_duration_seconds",
				Help:    "Queue message handling duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"queue"},
		),
	}

	if registry != nil {
		registry.MustRegister(m.Processed, m.Retries, m.DeadLetter, m.Reclaimed, m.Duration)
	}
	return m
}

func (m *Metrics) observe(queue, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.Processed.WithLabelValues(queue, status).Inc()
	m.Duration.WithLabelValues(queue).Observe(d.Seconds())
}

func (m *Metrics) incRetry(queue string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(queue).Inc()
}

func (m *Metrics) incDeadLetter(queue, reason string) {
	if m == nil {
		return
	}
	m.DeadLetter.WithLabelValues(queue, reason).Inc()
}

func (m *Metrics) addReclaimed(queue string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Reclaimed.WithLabelValues(queue).Add(float64(n))
}
