package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/greenproof/internal/domain"
	"example.com/greenproof/internal/events"
	"example.com/greenproof/internal/ledger"
	"example.com/greenproof/internal/observability"
)

// Repository provides Postgres-backed persistence for activity records and
// outbox events.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const recordColumns = `record_id, tenant_id, user_id, activity_id, activity_name, category, reward_amount,
        latitude, longitude, accuracy_m, image_digest, captured_at,
        accepted, confidence, matched_label, reason, manual_fallback,
        tx_id, confirmation_round, new_balance, state, idempotency_key, failure_reason, created_at`

// Append persists the record, its outbox events, and (for degraded records)
// the reward retry row inside a single transaction.
func (r *Repository) Append(ctx context.Context, record domain.ActivityRecord) (err error) {
	if !record.Valid() {
		return domain.ErrRewardWithoutAcceptance
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", record.TenantID); err != nil {
		return err
	}

	insertRecord := `INSERT INTO activity_records (` + recordColumns + `)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)`

	var txID, matchedLabel, failureReason interface{}
	var round, balance interface{}
	matchedLabel = nullIfEmpty(record.Outcome.MatchedLabel)
	failureReason = nullIfEmpty(record.FailureReason)
	if record.Reward != nil {
		txID = record.Reward.TxID
		round = int64(record.Reward.ConfirmationRound)
		balance = record.Reward.NewBalance
	}

	_, err = tx.Exec(ctx, insertRecord,
		record.ID,
		record.TenantID,
		record.UserID,
		record.ActivityID,
		record.ActivityName,
		record.Category,
		record.RewardAmount,
		record.Location.Latitude,
		record.Location.Longitude,
		record.Location.AccuracyMeters,
		record.ImageDigest,
		record.CapturedAt,
		record.Outcome.Accepted,
		record.Outcome.Confidence,
		matchedLabel,
		record.Outcome.Reason,
		record.Outcome.ManualFallback,
		txID,
		round,
		balance,
		record.State,
		nullIfEmpty(record.IdempotencyKey),
		failureReason,
		record.CreatedAt,
	)
	if err != nil {
		return err
	}

	if err = InsertOutbox(ctx, tx, record.TenantID, record.ID, "activity.recorded", events.ActivityRecorded{
		RecordID:       record.ID,
		TenantID:       record.TenantID,
		UserID:         record.UserID,
		ActivityID:     record.ActivityID,
		Category:       string(record.Category),
		RewardAmount:   record.RewardAmount,
		Accepted:       record.Outcome.Accepted,
		ManualFallback: record.Outcome.ManualFallback,
		State:          string(record.State),
		ImageDigest:    record.ImageDigest,
		CapturedAt:     record.CapturedAt,
	}); err != nil {
		return err
	}

	switch record.State {
	case domain.RecordStateRewarded:
		if err = InsertOutbox(ctx, tx, record.TenantID, record.ID, "reward.issued", events.RewardIssued{
			RecordID:          record.ID,
			TenantID:          record.TenantID,
			UserID:            record.UserID,
			TxID:              record.Reward.TxID,
			ConfirmationRound: record.Reward.ConfirmationRound,
			Amount:            record.Reward.Amount,
			NewBalance:        record.Reward.NewBalance,
			OccurredAt:        record.CreatedAt,
		}); err != nil {
			return err
		}
	case domain.RecordStateRewardPending:
		if err = InsertOutbox(ctx, tx, record.TenantID, record.ID, "reward.degraded", events.RewardDegraded{
			RecordID:   record.ID,
			TenantID:   record.TenantID,
			UserID:     record.UserID,
			Reason:     record.FailureReason,
			OccurredAt: record.CreatedAt,
		}); err != nil {
			return err
		}
		// The retry worker runs without a tenant context, so the attempt row
		// carries everything a resubmission needs.
		var note []byte
		note, err = json.Marshal(ledger.ProofNote{
			RecordID:       record.ID,
			ActivityID:     record.ActivityID,
			UserID:         record.UserID,
			RewardAmount:   record.RewardAmount,
			Latitude:       record.Location.Latitude,
			Longitude:      record.Location.Longitude,
			ImageDigest:    record.ImageDigest,
			CapturedAt:     record.CapturedAt,
			IdempotencyKey: record.IdempotencyKey,
		})
		if err != nil {
			return err
		}
		const enqueue = `INSERT INTO reward_attempts (record_id, tenant_id, payload, retry_count, next_retry_at, last_error)
            VALUES ($1,$2,$3,0,NOW(),$4)`
		if _, err = tx.Exec(ctx, enqueue, record.ID, record.TenantID, note, record.FailureReason); err != nil {
			return err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return err
	}
	observability.RecordPersisted(record.CreatedAt)
	if record.Reward != nil {
		observability.RewardConfirmed(record.CreatedAt)
	}
	return nil
}

// FindByIdempotencyKey looks up a record by its session idempotency key.
func (r *Repository) FindByIdempotencyKey(ctx context.Context, tenantID, key string) (*domain.ActivityRecord, error) {
	if key == "" {
		return nil, nil
	}
	query := `SELECT ` + recordColumns + ` FROM activity_records WHERE tenant_id=$1 AND idempotency_key=$2`
	return r.queryOne(ctx, tenantID, query, tenantID, key)
}

// Get retrieves a record by ID.
func (r *Repository) Get(ctx context.Context, tenantID, recordID string) (*domain.ActivityRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM activity_records WHERE tenant_id=$1 AND record_id=$2`
	return r.queryOne(ctx, tenantID, query, tenantID, recordID)
}

func (r *Repository) queryOne(ctx context.Context, tenantID, query string, args ...interface{}) (*domain.ActivityRecord, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", tenantID); err != nil {
		return nil, err
	}

	record, err := scanRecord(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if err := tx.Commit(ctx); err != nil {
				return nil, err
			}
			return nil, nil
		}
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return record, nil
}

// ListByUser returns a user's records newest first, keyset-paginated on
// (captured_at, record_id).
func (r *Repository) ListByUser(ctx context.Context, tenantID, userID string, cursor *domain.Cursor, limit int) ([]domain.ActivityRecord, *domain.Cursor, error) {
	args := []interface{}{tenantID, userID, limit}
	query := `SELECT ` + recordColumns + ` FROM activity_records WHERE tenant_id=$1 AND user_id=$2`

	if cursor != nil {
		query += ` AND (captured_at, record_id) < ($4, $5)`
		args = append(args, cursor.CapturedAt, cursor.ID)
	}

	query += ` ORDER BY captured_at DESC, record_id DESC LIMIT $3`

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", tenantID); err != nil {
		return nil, nil, err
	}

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	results := make([]domain.ActivityRecord, 0, limit)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, nil, err
		}
		results = append(results, *record)
	}

	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}

	var nextCursor *domain.Cursor
	if len(results) == limit {
		last := results[len(results)-1]
		nextCursor = &domain.Cursor{CapturedAt: last.CapturedAt, ID: last.ID}
	}

	return results, nextCursor, nil
}

func scanRecord(row pgx.Row) (*domain.ActivityRecord, error) {
	var record domain.ActivityRecord
	var matchedLabel, txID, idempotencyKey, failureReason *string
	var round, balance *int64

	if err := row.Scan(
		&record.ID,
		&record.TenantID,
		&record.UserID,
		&record.ActivityID,
		&record.ActivityName,
		&record.Category,
		&record.RewardAmount,
		&record.Location.Latitude,
		&record.Location.Longitude,
		&record.Location.AccuracyMeters,
		&record.ImageDigest,
		&record.CapturedAt,
		&record.Outcome.Accepted,
		&record.Outcome.Confidence,
		&matchedLabel,
		&record.Outcome.Reason,
		&record.Outcome.ManualFallback,
		&txID,
		&round,
		&balance,
		&record.State,
		&idempotencyKey,
		&failureReason,
		&record.CreatedAt,
	); err != nil {
		return nil, err
	}

	record.Location.CapturedAt = record.CapturedAt
	if matchedLabel != nil {
		record.Outcome.MatchedLabel = *matchedLabel
	}
	if idempotencyKey != nil {
		record.IdempotencyKey = *idempotencyKey
	}
	if failureReason != nil {
		record.FailureReason = *failureReason
	}
	if txID != nil {
		record.Reward = &domain.RewardTransaction{
			TxID:   *txID,
			Amount: record.RewardAmount,
		}
		if round != nil {
			record.Reward.ConfirmationRound = uint64(*round)
		}
		if balance != nil {
			record.Reward.NewBalance = *balance
		}
	}
	return &record, nil
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

// InsertOutbox appends one event row inside the caller's transaction. Exported
// so the reward-retry worker can publish from its own transactions.
func InsertOutbox(ctx context.Context, tx pgx.Tx, tenantID, recordID, eventType string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	meta := eventCatalog[eventType]
	if meta.Topic == "" {
		return fmt.Errorf("unknown event type: %s", eventType)
	}

	dedupeKey := fmt.Sprintf("%s:%s", recordID, eventType)

	const stmt = `INSERT INTO outbox (tenant_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	_, err = tx.Exec(ctx, stmt,
		tenantID,
		"activity_record",
		recordID,
		eventType,
		meta.Topic,
		meta.SchemaSubject,
		meta.PartitionKeyFn(tenantID, recordID),
		body,
		dedupeKey,
	)
	return err
}

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	Topic          string
	SchemaSubject  string
	PartitionKeyFn func(tenantID, recordID string) string
}

var eventCatalog = map[string]EventMetadata{
	"activity.recorded": {
		Topic:         "activity_records",
		SchemaSubject: "activity_records-value",
		PartitionKeyFn: func(tenantID, recordID string) string {
			return fmt.Sprintf("%s:%s", tenantID, recordID)
		},
	},
	"reward.issued": {
		Topic:         "reward_events",
		SchemaSubject: "reward_events-value",
		PartitionKeyFn: func(tenantID, recordID string) string {
			return recordID
		},
	},
	"reward.degraded": {
		Topic:         "reward_events",
		SchemaSubject: "reward_events-value",
		PartitionKeyFn: func(tenantID, recordID string) string {
			return recordID
		},
	},
}
