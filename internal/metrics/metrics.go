// Package metrics exposes the core's operational counters and histograms
// via github.com/prometheus/client_golang, registered against a private
// *prometheus.Registry so tests and multiple instances never collide with
// the default global registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the core's components increment or
// observe. One instance is constructed at startup and threaded into the
// Supervisor, Matchmaker and SessionHub.
type Metrics struct {
	Registry *prometheus.Registry

	MatchesStarted   prometheus.Counter
	MatchesCompleted *prometheus.CounterVec // label: reason
	MatchesLive      prometheus.Gauge

	MatchmakingQueueDepth *prometheus.GaugeVec // label: mode
	MatchmakingWaitTime   *prometheus.HistogramVec // label: mode

	SubmissionsReceived prometheus.Counter
	GradingDuration     prometheus.Histogram
	GradingFallbacks    *prometheus.CounterVec // label: verdict

	ConnectionsActive prometheus.Gauge
	CommandsDispatched *prometheus.CounterVec // label: type
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		MatchesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arenacore", Subsystem: "match", Name: "started_total",
			Help: "Matches that left waiting and entered starting.",
		}),
		MatchesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arenacore", Subsystem: "match", Name: "completed_total",
			Help: "Matches that reached a terminal status, labeled by reason.",
		}, []string{"reason"}),
		MatchesLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arenacore", Subsystem: "match", Name: "live",
			Help: "Matches currently hosted by this instance.",
		}),
		MatchmakingQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "arenacore", Subsystem: "matchmaking", Name: "queue_depth",
			Help: "Tickets currently queued, labeled by mode.",
		}, []string{"mode"}),
		MatchmakingWaitTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "arenacore", Subsystem: "matchmaking", Name: "wait_seconds",
			Help:    "Time from enqueue to pairing, labeled by mode.",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode"}),
		SubmissionsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arenacore", Subsystem: "round", Name: "submissions_total",
			Help: "Submissions accepted across all rounds.",
		}),
		GradingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "arenacore", Subsystem: "grading", Name: "duration_seconds",
			Help:    "Wall time for a single Grade call, including fallbacks.",
			Buckets: prometheus.DefBuckets,
		}),
		GradingFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arenacore", Subsystem: "grading", Name: "fallbacks_total",
			Help: "Submissions scored with a degraded fallback report, labeled by verdict.",
		}, []string{"verdict"}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arenacore", Subsystem: "sessionhub", Name: "connections_active",
			Help: "WebSocket connections currently registered.",
		}),
		CommandsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arenacore", Subsystem: "sessionhub", Name: "commands_total",
			Help: "Inbound commands dispatched, labeled by command type.",
		}, []string{"type"}),
	}

	reg.MustRegister(
		m.MatchesStarted, m.MatchesCompleted, m.MatchesLive,
		m.MatchmakingQueueDepth, m.MatchmakingWaitTime,
		m.SubmissionsReceived, m.GradingDuration, m.GradingFallbacks,
		m.ConnectionsActive, m.CommandsDispatched,
	)
	return m
}

// ObserveGrading records how long a Grade call (success or fallback) took.
func (m *Metrics) ObserveGrading(d time.Duration, degraded bool, verdict string) {
	m.GradingDuration.Observe(d.Seconds())
	if degraded {
		m.GradingFallbacks.WithLabelValues(verdict).Inc()
	}
}
