package observability

import (
	"context"
	"net/http"

	"github.com/aretw0/arbiter/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the control layer.
type Metrics struct {
	registry *prometheus.Registry

	gatesOpen  *prometheus.GaugeVec
	gateOpens  *prometheus.CounterVec
	transfers  *prometheus.CounterVec
	writes     *prometheus.CounterVec
	regionTime *prometheus.HistogramVec
}

// NewMetrics creates the collectors on a dedicated registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		gatesOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "arbiter_gates_open",
				Help: "Number of open gates per channel",
			},
			[]string{"channel"},
		),
		gateOpens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbiter_gate_opens_total",
				Help: "Total number of gates opened per channel",
			},
			[]string{"channel"},
		),
		transfers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbiter_control_transfers_total",
				Help: "Total number of winner changes per channel",
			},
			[]string{"channel"},
		),
		writes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbiter_writes_total",
				Help: "Writes attempted through gates, by outcome",
			},
			[]string{"channel", "outcome"},
		),
		regionTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arbiter_region_duration_seconds",
				Help:    "Lifetime of closed gates",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
			},
			[]string{"channel"},
		),
	}
	m.registry.MustRegister(m.gatesOpen, m.gateOpens, m.transfers, m.writes, m.regionTime)
	return m
}

// ObserveControllers exports the number of live controllers, read through count on every scrape.
func (m *Metrics) ObserveControllers(count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "arbiter_controllers",
			Help: "Number of channels with at least one open gate",
		},
		func() float64 { return float64(count()) },
	))
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the collectors in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Hooks returns the control hooks that feed the collectors.
func (m *Metrics) Hooks() domain.ControlHooks {
	return domain.ControlHooks{
		OnGateOpen: func(_ context.Context, e *domain.GateEvent) {
			ch := string(e.Gate.Channel)
			m.gatesOpen.WithLabelValues(ch).Inc()
			m.gateOpens.WithLabelValues(ch).Inc()
		},
		OnGateClose: func(_ context.Context, e *domain.GateEvent) {
			ch := string(e.Gate.Channel)
			m.gatesOpen.WithLabelValues(ch).Dec()
			m.regionTime.WithLabelValues(ch).Observe(e.Gate.Region.Duration(e.Timestamp).Seconds())
		},
		OnTransfer: func(_ context.Context, e *domain.Transfer) {
			m.transfers.WithLabelValues(string(e.Channel)).Inc()
		},
		OnWrite: func(_ context.Context, e *domain.WriteEvent) {
			outcome := "dropped"
			if e.Accepted {
				outcome = "accepted"
			}
			m.writes.WithLabelValues(string(e.Gate.Channel), outcome).Inc()
		},
	}
}
