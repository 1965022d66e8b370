package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	PulseUpdates            *prometheus.CounterVec
	PulseTransitions        *prometheus.CounterVec
	FunnelLifecycleEvents   *prometheus.CounterVec
	FunnelsExpired          *prometheus.CounterVec
	ActiveFunnelTimers      prometheus.Gauge
	EventsDropped           prometheus.Counter
	SweepDuration           prometheus.Histogram
	StoreOperationDuration  *prometheus.HistogramVec
	SweepLeaderChanges      prometheus.Counter
	LeaderElectionDuration  prometheus.Histogram
	StreamMessagesProcessed *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg. Tests pass a fresh
// prometheus.NewRegistry(); the binary passes prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PulseUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_updates_total",
			Help: "Total number of engagement events folded into pulse records",
		}, []string{"outcome"}),
		PulseTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_state_transitions_total",
			Help: "Total number of pulse state changes",
		}, []string{"from", "to"}),
		FunnelLifecycleEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "funnel_lifecycle_events_total",
			Help: "Total number of funnel lifecycle events",
		}, []string{"type"}),
		FunnelsExpired: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "funnels_expired_total",
			Help: "Total number of funnel instances expired",
		}, []string{"source"}),
		ActiveFunnelTimers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "funnel_idle_timers_active",
			Help: "Current number of armed in-process idle timers",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "funnel_events_dropped_total",
			Help: "Total number of analytics events dropped because the buffer was full",
		}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "funnel_sweep_duration_seconds",
			Help:    "Time taken to sweep idle funnel instances",
			Buckets: prometheus.DefBuckets,
		}),
		StoreOperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "store_operation_duration_seconds",
			Help:    "Time taken for durable store operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		SweepLeaderChanges: factory.NewCounter(prometheus.CounterOpts{
			Name: "sweep_leader_changes_total",
			Help: "Total number of sweep leader changes",
		}),
		LeaderElectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "leader_election_duration_seconds",
			Help:    "Time taken for leader election operations",
			Buckets: prometheus.DefBuckets,
		}),
		StreamMessagesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "funnel_event_stream_messages_processed_total",
			Help: "Total number of funnel event stream messages drained",
		}, []string{"status"}),
	}
}
