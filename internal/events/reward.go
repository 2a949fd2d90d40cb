// Package events defines the event payloads published on the outbox.
package events

import "time"

// ActivityRecorded is emitted whenever a capture session persists a record,
// rewarded or not.
type ActivityRecorded struct {
	RecordID       string    `json:"record_id"`
	TenantID       string    `json:"tenant_id"`
	UserID         string    `json:"user_id"`
	ActivityID     string    `json:"activity_id"`
	Category       string    `json:"category"`
	RewardAmount   int64     `json:"reward_amount"`
	Accepted       bool      `json:"accepted"`
	ManualFallback bool      `json:"manual_fallback,omitempty"`
	State          string    `json:"state"`
	ImageDigest    string    `json:"image_digest"`
	CapturedAt     time.Time `json:"captured_at"`
}

// RewardIssued is emitted once a reward transaction is confirmed on the ledger,
// either inline or by the retry worker.
type RewardIssued struct {
	RecordID          string    `json:"record_id"`
	TenantID          string    `json:"tenant_id"`
	UserID            string    `json:"user_id"`
	TxID              string    `json:"tx_id"`
	ConfirmationRound uint64    `json:"confirmation_round"`
	Amount            int64     `json:"amount"`
	NewBalance        int64     `json:"new_balance"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// RewardDegraded is emitted when a verified capture could not be rewarded and
// was queued for retry.
type RewardDegraded struct {
	RecordID   string    `json:"record_id"`
	TenantID   string    `json:"tenant_id"`
	UserID     string    `json:"user_id"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}
