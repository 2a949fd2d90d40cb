// Package domain defines the data model for the capture and reward pipeline.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var (
	// ErrRewardWithoutAcceptance indicates an attempt to attach a reward
	// transaction to a record whose verification outcome was not accepted.
	ErrRewardWithoutAcceptance = errors.New("reward transaction requires an accepted verification outcome")
	// ErrRecordNotFound is returned when an activity record cannot be located.
	ErrRecordNotFound = errors.New("activity record not found")
)

// ActivityCategory groups activities by the kind of photo evidence they produce.
type ActivityCategory string

const (
	CategoryRecycling  ActivityCategory = "recycling"
	CategoryTransit    ActivityCategory = "transit"
	CategoryEnergy     ActivityCategory = "energy"
	CategoryGovernance ActivityCategory = "governance"
)

// ActivityRequest is the activity a user intends to perform, selected from the
// catalog. Immutable for the duration of one capture session.
type ActivityRequest struct {
	ActivityID   string
	Name         string
	Category     ActivityCategory
	RewardAmount int64
}

// LocationFix is a one-shot position acquired at capture time. Fixes are never
// cached across acquisitions.
type LocationFix struct {
	Latitude       float64
	Longitude      float64
	AccuracyMeters float64
	CapturedAt     time.Time
}

// CapturedImage holds one still frame taken from the camera stream. The raw
// payload is session-scoped; only its digest outlives the session.
type CapturedImage struct {
	Data       []byte
	CapturedAt time.Time
}

// Digest returns the hex SHA-256 of the image payload. The digest binds the
// persisted record and the on-ledger proof to the frame that was verified,
// without retaining the frame itself.
func (img CapturedImage) Digest() string {
	sum := sha256.Sum256(img.Data)
	return hex.EncodeToString(sum[:])
}

// Label is one entry of a ranked classifier result.
type Label struct {
	Name       string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// NeutralConfidence marks outcomes that carry no classifier score: categories
// that opt out of photo verification score neither high nor low.
const NeutralConfidence = -1

// VerificationOutcome is the policy decision over one classification result.
// Immutable once produced.
type VerificationOutcome struct {
	Accepted       bool
	Confidence     float64
	MatchedLabel   string
	Reason         string
	ManualFallback bool
}

// RewardTransaction records an external, irreversible ledger fact.
type RewardTransaction struct {
	TxID              string
	ConfirmationRound uint64
	Amount            int64
	NewBalance        int64
}

// RecordState tracks whether the reward step of a persisted record succeeded.
type RecordState string

const (
	// RecordStateRewarded means proof and credit both completed.
	RecordStateRewarded RecordState = "rewarded"
	// RecordStateRewardPending means verification succeeded but the ledger was
	// unavailable; a retry is queued.
	RecordStateRewardPending RecordState = "reward_pending"
	// RecordStateQuarantined means reward retries were exhausted.
	RecordStateQuarantined RecordState = "quarantined"
)

// ActivityRecord is the durable output of one completed capture session.
// Append-only; never mutated after creation except for the reward-retry state
// transitions (pending -> rewarded / quarantined).
type ActivityRecord struct {
	ID             string
	TenantID       string
	UserID         string
	ActivityID     string
	ActivityName   string
	Category       ActivityCategory
	RewardAmount   int64
	Location       LocationFix
	ImageDigest    string
	CapturedAt     time.Time
	Outcome        VerificationOutcome
	Reward         *RewardTransaction
	State          RecordState
	IdempotencyKey string
	FailureReason  string
	CreatedAt      time.Time
}

// NewRewardedRecord builds a fully successful record. It refuses to pair a
// reward transaction with a rejected outcome.
func NewRewardedRecord(base ActivityRecord, reward RewardTransaction) (ActivityRecord, error) {
	if !base.Outcome.Accepted {
		return ActivityRecord{}, ErrRewardWithoutAcceptance
	}
	base.Reward = &reward
	base.State = RecordStateRewarded
	return base, nil
}

// NewDegradedRecord builds a verified-but-unrewarded record. The nil reward
// and distinct state keep it from being mistaken for a full success.
func NewDegradedRecord(base ActivityRecord, reason string) (ActivityRecord, error) {
	if !base.Outcome.Accepted {
		return ActivityRecord{}, ErrRewardWithoutAcceptance
	}
	base.Reward = nil
	base.State = RecordStateRewardPending
	base.FailureReason = reason
	return base, nil
}

// Valid reports whether the record honours the reward/acceptance invariant.
func (r ActivityRecord) Valid() bool {
	if r.Reward != nil && !r.Outcome.Accepted {
		return false
	}
	return true
}
