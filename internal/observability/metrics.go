package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	recordPersistGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "greenproof",
		Subsystem: "persistence",
		Name:      "last_record_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent activity record persisted to Postgres.",
	})
	rewardConfirmedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "greenproof",
		Subsystem: "persistence",
		Name:      "last_reward_confirmed_timestamp_seconds",
		Help:      "Unix timestamp of the most recent reward transaction confirmed on the ledger.",
	})
)

func init() {
	prometheus.MustRegister(recordPersistGauge, rewardConfirmedGauge)
}

// RecordPersisted updates the persistence watermark gauge.
func RecordPersisted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	recordPersistGauge.Set(float64(ts.Unix()))
}

// RewardConfirmed updates the reward watermark gauge.
func RewardConfirmed(ts time.Time) {
	if ts.IsZero() {
		return
	}
	rewardConfirmedGauge.Set(float64(ts.Unix()))
}
