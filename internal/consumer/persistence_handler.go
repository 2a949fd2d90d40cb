package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RewardLogHandler appends consumed reward events to the reward_event_log
// audit table. Delivery is at-least-once, so inserts dedupe on
// (record_id, event_type).
type RewardLogHandler struct {
	pool *pgxpool.Pool
}

// NewRewardLogHandler constructs a handler backed by the provided pool.
func NewRewardLogHandler(pool *pgxpool.Pool) *RewardLogHandler {
	return &RewardLogHandler{pool: pool}
}

// Handle stores one reward event row, skipping duplicates.
func (h *RewardLogHandler) Handle(ctx context.Context, event Event) error {
	var envelope struct {
		RecordID string `json:"record_id"`
	}
	if err := json.Unmarshal(event.Payload, &envelope); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if envelope.RecordID == "" {
		return fmt.Errorf("payload missing record_id (event_type=%s)", event.EventType)
	}

	conn, err := h.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(ctx,
		`INSERT INTO reward_event_log (tenant_id, record_id, event_type, payload, received_at)
         VALUES ($1,$2,$3,$4,$5)
         ON CONFLICT ON CONSTRAINT reward_event_log_dedupe DO NOTHING`,
		event.TenantID,
		envelope.RecordID,
		event.EventType,
		event.Payload,
		event.Timestamp,
	)
	return err
}
