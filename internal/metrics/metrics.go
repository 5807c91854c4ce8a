// Package metrics registers the engine's prometheus collectors on the
// default registry, exposed on /metrics by the operator API.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ScansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scangate_scans_total",
		Help: "Scans processed by result.",
	}, []string{"result"})

	ScansDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scangate_scans_dropped_total",
		Help: "Decode callbacks dropped because a scan was in flight.",
	})

	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scangate_queue_entries",
		Help: "Offline queue entries by status.",
	}, []string{"status"})

	SyncAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scangate_sync_attempts_total",
		Help: "Per-entry sync submissions by outcome.",
	}, []string{"outcome"})

	SyncRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scangate_sync_runs_total",
		Help: "Completed sync runs.",
	})

	UplinkOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scangate_uplink_online",
		Help: "1 while the central system is reachable.",
	})
)

func init() {
	prometheus.MustRegister(
		ScansTotal,
		ScansDropped,
		QueueDepth,
		SyncAttempts,
		SyncRuns,
		UplinkOnline,
	)
}

// SetQueueCounts mirrors queue counts into the gauge vector.
func SetQueueCounts(pending, syncing, errored int) {
	QueueDepth.WithLabelValues("pending").Set(float64(pending))
	QueueDepth.WithLabelValues("syncing").Set(float64(syncing))
	QueueDepth.WithLabelValues("error").Set(float64(errored))
}
