package outbox

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DeadLetterQueue parks undeliverable activity and reward events in
// outbox_dlq. Buried events are out of the delivery path; an operator decides
// whether to replay or discard them.
type DeadLetterQueue struct {
	pool *pgxpool.Pool
}

// NewDeadLetterQueue wires the queue to the shared connection pool.
func NewDeadLetterQueue(pool *pgxpool.Pool) *DeadLetterQueue {
	return &DeadLetterQueue{pool: pool}
}

// Bury stores the event with the delivery failure reason. The insert runs in
// a tenant-scoped transaction so row-level security applies.
func (q *DeadLetterQueue) Bury(ctx context.Context, msg Message, reason string) error {
	conn, err := q.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", msg.TenantID); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO outbox_dlq (tenant_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, next_retry_at)
	         VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10, NOW())`,
		msg.TenantID, msg.EventID, msg.EventType, msg.Topic, msg.Payload, reason, msg.AggregateType, msg.AggregateID, msg.SchemaSubject, msg.PartitionKey,
	); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
