package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Placements         *prometheus.CounterVec
	Cancels            *prometheus.CounterVec
	SettlementsTotal   *prometheus.CounterVec
	SettlementDuration *prometheus.HistogramVec
	Confirmations      *prometheus.CounterVec
	IntegrityAlerts    *prometheus.CounterVec
	EmitFailures       *prometheus.CounterVec
	Resubmissions      prometheus.Counter
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Placements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_order_placements_total",
				Help: "Total order placements.",
			},
			[]string{"market", "status"},
		),
		Cancels: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_order_cancels_total",
				Help: "Total order cancellations.",
			},
			[]string{"market", "reason", "status"},
		),
		SettlementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_settlements_total",
				Help: "Total trade settlements processed.",
			},
			[]string{"market", "status"},
		),
		SettlementDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_operation_duration_seconds",
				Help:    "Ledger transaction duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		Confirmations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_engine_confirmations_total",
				Help: "Total engine confirmations handled.",
			},
			[]string{"type", "status"},
		),
		IntegrityAlerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_integrity_alerts_total",
				Help: "Total integrity alerts raised.",
			},
			[]string{"kind"},
		),
		EmitFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_engine_emit_failures_total",
				Help: "Total failed engine command emissions.",
			},
			[]string{"command"},
		),
		Resubmissions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_order_resubmissions_total",
				Help: "Total orders re-emitted by the resubmission sweep.",
			},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.Placements,
			m.Cancels,
			m.SettlementsTotal,
			m.SettlementDuration,
			m.Confirmations,
			m.IntegrityAlerts,
			m.EmitFailures,
			m.Resubmissions,
		)
	}
	return m
}

func (m *Metrics) IncPlacement(market, status string) {
	if m == nil {
		return
	}
	m.Placements.WithLabelValues(market, status).Inc()
}

func (m *Metrics) IncCancel(market, reason, status string) {
	if m == nil {
		return
	}
	m.Cancels.WithLabelValues(market, reason, status).Inc()
}

func (m *Metrics) IncSettlement(market, status string) {
	if m == nil {
		return
	}
	m.SettlementsTotal.WithLabelValues(market, status).Inc()
}

func (m *Metrics) ObserveDuration(operation string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SettlementDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *Metrics) IncConfirmation(kind, status string) {
	if m == nil {
		return
	}
	m.Confirmations.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) IncIntegrityAlert(kind string) {
	if m == nil {
		return
	}
	m.IntegrityAlerts.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncEmitFailure(command string) {
	if m == nil {
		return
	}
	m.EmitFailures.WithLabelValues(command).Inc()
}

func (m *Metrics) IncResubmission() {
	if m == nil {
		return
	}
	m.Resubmissions.Inc()
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
