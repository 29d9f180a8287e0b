// Package observability exposes the agent's operational metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"carbontrail/internal/event"
)

var (
	detectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "carbontrail",
		Subsystem: "capture",
		Name:      "detections_total",
		Help:      "Activity detections per provider, regardless of delivery outcome.",
	}, []string{"provider"})

	dedupedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "carbontrail",
		Subsystem: "pipeline",
		Name:      "deduped_total",
		Help:      "Events absorbed by a dedupe window, per layer.",
	}, []string{"layer"})

	queuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "carbontrail",
		Subsystem: "dispatch",
		Name:      "queued_total",
		Help:      "Events that exhausted channel retries and fell back to the offline queue.",
	})

	syncTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "carbontrail",
		Subsystem: "coordinator",
		Name:      "sync_total",
		Help:      "Delivery attempts by terminal outcome.",
	}, []string{"outcome"})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "carbontrail",
		Subsystem: "dispatch",
		Name:      "pending_queue_depth",
		Help:      "Current offline queue depth.",
	})
)

func init() {
	prometheus.MustRegister(detectionsTotal, dedupedTotal, queuedTotal, syncTotal, queueDepth)
}

func RecordDetection(p event.Provider) {
	detectionsTotal.WithLabelValues(string(p)).Inc()
}

// RecordDeduped counts a suppressed duplicate; layer is "dispatch" or
// "coordinator".
func RecordDeduped(layer string) {
	dedupedTotal.WithLabelValues(layer).Inc()
}

func RecordQueued() {
	queuedTotal.Inc()
}

// RecordSync counts a terminal delivery outcome: "success", "error" or
// "unreachable".
func RecordSync(outcome string) {
	syncTotal.WithLabelValues(outcome).Inc()
}

func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}
