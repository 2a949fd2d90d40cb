package capture

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "greenproof",
		Subsystem: "capture",
		Name:      "sessions_started_total",
		Help:      "Number of capture sessions opened.",
	})

	sessionsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "greenproof",
		Subsystem: "capture",
		Name:      "sessions_finished_total",
		Help:      "Number of capture sessions per terminal state.",
	}, []string{"state"})

	verificationRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "greenproof",
		Subsystem: "capture",
		Name:      "verification_rejected_total",
		Help:      "Number of photos rejected by the verification policy.",
	})

	classifierFallback = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "greenproof",
		Subsystem: "capture",
		Name:      "classifier_fallback_total",
		Help:      "Number of captures accepted for manual review because the classifier was unavailable.",
	})

	rewardDegraded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "greenproof",
		Subsystem: "capture",
		Name:      "reward_degraded_total",
		Help:      "Number of sessions that finished with a pending reward after a ledger failure.",
	})

	recordPersistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "greenproof",
		Subsystem: "capture",
		Name:      "record_persist_failures_total",
		Help:      "Number of activity records that could not be stored and aborted their session.",
	})
)

func init() {
	prometheus.MustRegister(sessionsStarted, sessionsCompleted, verificationRejected, classifierFallback, rewardDegraded, recordPersistFailures)
}
