package rewarder

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	settledCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "greenproof",
		Subsystem: "rewarder",
		Name:      "attempts_settled_total",
		Help:      "Number of pending rewards that settled on the ledger.",
	})

	retryCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "greenproof",
		Subsystem: "rewarder",
		Name:      "retry_scheduled_total",
		Help:      "Number of times an attempt was rescheduled after a ledger failure.",
	})

	quarantineCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "greenproof",
		Subsystem: "rewarder",
		Name:      "attempts_quarantined_total",
		Help:      "Number of attempts quarantined after exhausting retries.",
	})

	backlogGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "greenproof",
		Subsystem: "rewarder",
		Name:      "queued_attempts",
		Help:      "Current number of pending reward attempts.",
	})
)

func init() {
	prometheus.MustRegister(settledCounter, retryCounter, quarantineCounter, backlogGauge)
}

// UpdateBacklogGauge refreshes the queue depth gauge.
func UpdateBacklogGauge(ctx context.Context, pool *pgxpool.Pool) {
	row := pool.QueryRow(ctx, `SELECT COUNT(*) FROM reward_attempts WHERE quarantined_at IS NULL`)
	var count int
	if err := row.Scan(&count); err != nil {
		return
	}
	backlogGauge.Set(float64(count))
}
