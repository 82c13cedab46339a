package nlm

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks lock-manager Prometheus metrics, all under the nlm_
// prefix.
type Metrics struct {
	// RequestsTotal counts NLM requests by procedure and status.
	RequestsTotal *prometheus.CounterVec

	// Hosts tracks currently registered hosts.
	Hosts prometheus.Gauge

	// IdleHosts tracks hosts on the idle LRU.
	IdleHosts prometheus.Gauge

	// MonitoredHosts tracks hosts registered with statd.
	MonitoredHosts prometheus.Gauge

	// SleepingLocks tracks client-side waiters.
	SleepingLocks prometheus.Gauge

	// HostsReaped counts hosts destroyed by the garbage collector.
	HostsReaped prometheus.Counter

	// GrantCallbacksTotal counts GRANTED back-calls by result.
	GrantCallbacksTotal *prometheus.CounterVec

	// GraceActive is 1 while the grace window is open.
	GraceActive prometheus.Gauge
}

// NewMetrics creates lock-manager metrics registered on reg. Panics on
// duplicate registration, which only happens during initialization.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nlm_requests_total",
				Help: "Total NLM requests by procedure and status",
			},
			[]string{"procedure", "status"},
		),
		Hosts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nlm_hosts",
			Help: "Currently registered remote hosts",
		}),
		IdleHosts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nlm_idle_hosts",
			Help: "Hosts on the idle LRU awaiting garbage collection",
		}),
		MonitoredHosts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nlm_monitored_hosts",
			Help: "Hosts currently registered with the status monitor",
		}),
		SleepingLocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nlm_sleeping_locks",
			Help: "Client-side waiters awaiting a GRANTED back-call",
		}),
		HostsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nlm_hosts_reaped_total",
			Help: "Hosts destroyed by the idle-host garbage collector",
		}),
		GrantCallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nlm_grant_callbacks_total",
				Help: "GRANTED back-calls by result",
			},
			[]string{"result"},
		),
		GraceActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nlm_grace_active",
			Help: "1 while the post-startup grace window is open",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.Hosts,
		m.IdleHosts,
		m.MonitoredHosts,
		m.SleepingLocks,
		m.HostsReaped,
		m.GrantCallbacksTotal,
		m.GraceActive,
	)
	return m
}
