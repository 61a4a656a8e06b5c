package detect

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "cloudguard", Subsystem: "detect", Name: "events_total", Help: "Total events scored."},
	)
	duplicateEvents = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "cloudguard", Subsystem: "detect", Name: "duplicate_events_total", Help: "Events dropped because their ID was already seen in the batch."},
	)
	outOfOrderEvents = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "cloudguard", Subsystem: "detect", Name: "out_of_order_events_total", Help: "Events whose timestamp preceded the entity's last-seen timestamp."},
	)
	unknownActions = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "cloudguard", Subsystem: "detect", Name: "unknown_actions_total", Help: "Events whose action fell outside the known category tables."},
	)
	anomaliesFlagged = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "cloudguard", Subsystem: "detect", Name: "anomalies_total", Help: "Events whose anomaly degree crossed the threshold."},
	)
	verdictsBySeverity = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "cloudguard", Subsystem: "detect", Name: "verdicts_total", Help: "Verdicts emitted, by severity tier."},
		[]string{"severity"},
	)
	scoreLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Namespace: "cloudguard", Subsystem: "detect", Name: "score_seconds", Help: "Per-event feature-compute-and-score latency.", Buckets: prometheus.DefBuckets},
	)
)

func init() {
	_ = prometheus.Register(eventsProcessed)
	_ = prometheus.Register(duplicateEvents)
	_ = prometheus.Register(outOfOrderEvents)
	_ = prometheus.Register(unknownActions)
	_ = prometheus.Register(anomaliesFlagged)
	_ = prometheus.Register(verdictsBySeverity)
	_ = prometheus.Register(scoreLatency)
}
