// Package dashboard exposes the spec.md §6 "Dashboard contract" — out of
// scope as a full implementation (it is one of spec.md §1's named
// external collaborators) but specified here at its interface, plus a
// thin HTTP+websocket boundary and a prometheus metrics registry every
// other component's snapshot feeds.
package dashboard

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the prometheus registry backing the dashboard's /metrics
// surface. Every component named in SPEC_FULL.md's domain stack table
// ("every component" row) reports through these collectors rather than
// each owning its own registry.
type Metrics struct {
	TunnelsActive      prometheus.Gauge
	DebtBalance        *prometheus.GaugeVec
	PaymentsSentTotal  prometheus.Counter
	DiscoveryHellosTotal prometheus.Counter
}

// NewMetrics constructs and registers a Metrics set against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TunnelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshagent",
			Name:      "tunnels_active",
			Help:      "Number of tunnels currently in the Active state.",
		}),
		DebtBalance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "meshagent",
			Name:      "debt_balance",
			Help:      "Signed debt balance per peer identity (positive: owed to us).",
		}, []string{"identity"}),
		PaymentsSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshagent",
			Name:      "payments_sent_total",
			Help:      "Total number of outbound payments dispatched.",
		}),
		DiscoveryHellosTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshagent",
			Name:      "discovery_hellos_total",
			Help:      "Total number of discovery hello frames broadcast.",
		}),
	}
	reg.MustRegister(m.TunnelsActive, m.DebtBalance, m.PaymentsSentTotal, m.DiscoveryHellosTotal)
	return m
}
