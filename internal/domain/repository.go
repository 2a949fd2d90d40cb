package domain

import (
	"context"
	"time"
)

// Cursor models the pagination token for history listings.
type Cursor struct {
	CapturedAt time.Time
	ID         string
}

// RecordRepository captures persistence operations for the activity history.
// The history is an append-only log written by the orchestrator on session
// completion; the reward-retry worker performs its pending-state updates
// through its own transactions.
type RecordRepository interface {
	Append(ctx context.Context, record ActivityRecord) error
	FindByIdempotencyKey(ctx context.Context, tenantID, key string) (*ActivityRecord, error)
	Get(ctx context.Context, tenantID, recordID string) (*ActivityRecord, error)
	ListByUser(ctx context.Context, tenantID, userID string, cursor *Cursor, limit int) ([]ActivityRecord, *Cursor, error)
}
