package cloudmetrics

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	tokensReserved      prometheus.Counter
	tokensCommitted     prometheus.Counter
	reservationsExpired prometheus.Counter
	deductions          prometheus.Counter

	balancesTotal prometheus.Gauge
	memoryBytes   prometheus.Gauge
}

func newMetrics(registry *prometheus.Registry) *metrics {
	m := &metrics{
		tokensReserved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quizforge_cloud_tokens_reserved_total",
			Help: "Tokens moved into the reserved pool.",
		}),
		tokensCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quizforge_cloud_tokens_committed_total",
			Help: "Tokens permanently spent by committed reservations.",
		}),
		reservationsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quizforge_cloud_reservations_expired_total",
			Help: "Reservations expired by the TTL sweep.",
		}),
		deductions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quizforge_cloud_deductions_total",
			Help: "Out-of-band token deductions.",
		}),
		balancesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quizforge_cloud_balances_total",
			Help: "Number of user balance rows.",
		}),
		memoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quizforge_cloud_memory_bytes",
			Help: "Memory obtained from the OS.",
		}),
	}

	registry.MustRegister(
		m.tokensReserved,
		m.tokensCommitted,
		m.reservationsExpired,
		m.deductions,
		m.balancesTotal,
		m.memoryBytes,
	)
	return m
}
