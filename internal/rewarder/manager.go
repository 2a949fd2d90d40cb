// Package rewarder retries degraded reward submissions against the ledger.
package rewarder

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/greenproof/internal/events"
	"example.com/greenproof/internal/ledger"
	"example.com/greenproof/internal/observability"
	"example.com/greenproof/internal/persistence/postgres"
)

// RewardLedger is the ledger surface the worker resubmits against.
type RewardLedger interface {
	EnsureRewardAsset(ctx context.Context, w *ledger.Wallet) (string, error)
	RecordActivityProof(ctx context.Context, w *ledger.Wallet, note ledger.ProofNote) (string, uint64, error)
	CreditReward(ctx context.Context, w *ledger.Wallet, amount int64) (int64, error)
}

// Manager drains the reward_attempts queue: each due attempt is replayed
// against the ledger with the record's original idempotency key, so a replay
// of an already-accepted proof settles instead of double-paying.
type Manager struct {
	pool       *pgxpool.Pool
	ledger     RewardLedger
	wallets    ledger.WalletDirectory
	maxRetries int
	baseDelay  time.Duration
}

// NewManager constructs a Manager with the provided retry configuration.
func NewManager(pool *pgxpool.Pool, rewardLedger RewardLedger, wallets ledger.WalletDirectory, maxRetries int, baseDelay time.Duration) *Manager {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	return &Manager{
		pool:       pool,
		ledger:     rewardLedger,
		wallets:    wallets,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
	}
}

// RunOnce processes a batch of due attempts and returns how many rewards
// settled. Quarantined attempts resolve without an error but do not count.
func (m *Manager) RunOnce(ctx context.Context, batchSize int) (int, error) {
	const query = `SELECT attempt_id, record_id, tenant_id, payload, retry_count
                    FROM reward_attempts
                   WHERE quarantined_at IS NULL AND next_retry_at <= NOW()
                   ORDER BY next_retry_at
                   LIMIT $1`

	rows, err := m.pool.Query(ctx, query, batchSize)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var attempts []attempt
	for rows.Next() {
		var a attempt
		if scanErr := rows.Scan(&a.ID, &a.RecordID, &a.TenantID, &a.Payload, &a.RetryCount); scanErr != nil {
			err = errors.Join(err, scanErr)
			continue
		}
		attempts = append(attempts, a)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		err = errors.Join(err, rowsErr)
	}
	rows.Close()

	settled := 0
	for _, a := range attempts {
		ok, procErr := m.handleAttempt(ctx, a)
		if procErr != nil {
			err = errors.Join(err, procErr)
		}
		if ok {
			settled++
		}
	}
	return settled, err
}

// handleAttempt resolves one queue entry: quarantine when exhausted, otherwise
// resubmit and either settle or reschedule with backoff. The bool reports
// whether the reward actually settled.
func (m *Manager) handleAttempt(ctx context.Context, a attempt) (bool, error) {
	if a.RetryCount >= m.maxRetries {
		return false, m.quarantine(ctx, a)
	}

	var note ledger.ProofNote
	if err := json.Unmarshal(a.Payload, &note); err != nil {
		// An undecodable payload will never succeed; park it for a human.
		return false, m.quarantineWithReason(ctx, a, "undecodable payload: "+err.Error())
	}

	reward, err := m.resubmit(ctx, a.TenantID, note)
	if err != nil {
		retryCounter.Inc()
		return false, m.reschedule(ctx, a, err)
	}

	if err := m.settle(ctx, a, reward); err != nil {
		return false, err
	}
	settledCounter.Inc()
	observability.RewardConfirmed(time.Now().UTC())
	return true, nil
}

func (m *Manager) resubmit(ctx context.Context, tenantID string, note ledger.ProofNote) (rewardResult, error) {
	wallet, err := m.wallets.WalletFor(ctx, tenantID, note.UserID)
	if err != nil {
		return rewardResult{}, err
	}
	if _, err := m.ledger.EnsureRewardAsset(ctx, wallet); err != nil {
		return rewardResult{}, err
	}
	txID, round, err := m.ledger.RecordActivityProof(ctx, wallet, note)
	if err != nil {
		return rewardResult{}, err
	}
	balance, err := m.ledger.CreditReward(ctx, wallet, note.RewardAmount)
	if err != nil {
		return rewardResult{}, err
	}
	return rewardResult{TxID: txID, Round: round, Amount: note.RewardAmount, NewBalance: balance}, nil
}

// settle marks the record rewarded, emits the reward.issued event, and drops
// the queue entry in one transaction.
func (m *Manager) settle(ctx context.Context, a attempt, reward rewardResult) error {
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", a.TenantID); err != nil {
		return err
	}

	var userID string
	if err := tx.QueryRow(ctx,
		`UPDATE activity_records
            SET tx_id=$1, confirmation_round=$2, new_balance=$3, state=$4, failure_reason=NULL
          WHERE record_id=$5 AND tenant_id=$6
      RETURNING user_id`,
		reward.TxID, int64(reward.Round), reward.NewBalance, "rewarded", a.RecordID, a.TenantID,
	).Scan(&userID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// The record is gone; nothing left to settle against.
			_, delErr := tx.Exec(ctx, `DELETE FROM reward_attempts WHERE attempt_id=$1`, a.ID)
			if delErr != nil {
				return delErr
			}
			return tx.Commit(ctx)
		}
		return err
	}

	if err := postgres.InsertOutbox(ctx, tx, a.TenantID, a.RecordID, "reward.issued", events.RewardIssued{
		RecordID:          a.RecordID,
		TenantID:          a.TenantID,
		UserID:            userID,
		TxID:              reward.TxID,
		ConfirmationRound: reward.Round,
		Amount:            reward.Amount,
		NewBalance:        reward.NewBalance,
		OccurredAt:        time.Now().UTC(),
	}); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM reward_attempts WHERE attempt_id=$1`, a.ID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (m *Manager) reschedule(ctx context.Context, a attempt, cause error) error {
	delay := m.backoffDelay(a.RetryCount + 1)
	_, err := m.pool.Exec(ctx,
		`UPDATE reward_attempts
            SET retry_count = retry_count + 1,
                last_attempt_at = NOW(),
                next_retry_at = NOW() + make_interval(secs => $1),
                last_error = $2
          WHERE attempt_id = $3`,
		delay.Seconds(), cause.Error(), a.ID,
	)
	if err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (m *Manager) quarantine(ctx context.Context, a attempt) error {
	return m.quarantineWithReason(ctx, a, "retry limit reached")
}

// quarantineWithReason parks the attempt and flips the record to quarantined
// so the pending reward stops being promised to the user.
func (m *Manager) quarantineWithReason(ctx context.Context, a attempt, reason string) error {
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", a.TenantID); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE reward_attempts SET quarantined_at = NOW(), quarantine_reason = $1 WHERE attempt_id = $2`,
		reason, a.ID,
	); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE activity_records SET state=$1, failure_reason=$2 WHERE record_id=$3 AND tenant_id=$4 AND state=$5`,
		"quarantined", reason, a.RecordID, a.TenantID, "reward_pending",
	); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	quarantineCounter.Inc()
	return nil
}

// backoffDelay calculates exponential backoff capped at one hour.
func (m *Manager) backoffDelay(attempt int) time.Duration {
	delay := time.Duration(1<<uint(attempt-1)) * m.baseDelay
	if delay > time.Hour {
		delay = time.Hour
	}
	return delay
}

type attempt struct {
	ID         int64
	RecordID   string
	TenantID   string
	Payload    []byte
	RetryCount int
}

type rewardResult struct {
	TxID       string
	Round      uint64
	Amount     int64
	NewBalance int64
}
