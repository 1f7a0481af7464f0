package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rainwatch"

// Metrics holds the Prometheus counters, histograms, and gauges for report cycles.
type Metrics struct {
	SitesObserved  prometheus.Counter
	ProviderErrors *prometheus.CounterVec // labels: provider
	Alerts         *prometheus.CounterVec // labels: intensity={LIGHT,MODERATE,SEVERE}
	Retries        *prometheus.CounterVec // labels: client
	Notifications  *prometheus.CounterVec // labels: kind={scheduled,on_demand}, outcome={sent,failed,skipped}
	Commands       prometheus.Counter

	// Aggregation store metrics.
	RowsAppended    prometheus.Counter
	StoreRecoveries prometheus.Counter
	ExportErrors    prometheus.Counter

	FetchDuration      *prometheus.HistogramVec // labels: provider
	CycleDuration      prometheus.Histogram
	LastCycleTimestamp prometheus.Gauge
	WatchRunning       prometheus.Gauge
}

func newMetrics() *Metrics {
	return &Metrics{
		SitesObserved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sites_observed_total",
			Help:      "Total site lookups attempted.",
		}),
		ProviderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Site lookups that ended as failed observations.",
		}, []string{"provider"}),
		Alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alert verdicts by intensity.",
		}, []string{"intensity"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_retries_total",
			Help:      "Outbound HTTP retries by client.",
		}, []string{"client"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Report deliveries by kind and outcome.",
		}, []string{"kind", "outcome"}),
		Commands: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_accepted_total",
			Help:      "On-demand report commands accepted.",
		}),
		RowsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_rows_appended_total",
			Help:      "Rows appended to the observation log.",
		}),
		StoreRecoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_recoveries_total",
			Help:      "Corrupt logs moved aside and restarted.",
		}),
		ExportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "export_errors_total",
			Help:      "Failed observation exports to Kafka.",
		}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of one site lookup including retries.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"provider"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a complete report cycle.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),
		LastCycleTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_cycle_timestamp_seconds",
			Help:      "Unix time of the last completed cycle.",
		}),
		WatchRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watch_running",
			Help:      "1 while watch mode is active, 0 otherwise.",
		}),
	}
}

// Collectors lists every metric, for registration or pushing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.SitesObserved,
		m.ProviderErrors,
		m.Alerts,
		m.Retries,
		m.Notifications,
		m.Commands,
		m.RowsAppended,
		m.StoreRecoveries,
		m.ExportErrors,
		m.FetchDuration,
		m.CycleDuration,
		m.LastCycleTimestamp,
		m.WatchRunning,
	}
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.Collectors()...)
	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid "already
// registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}
