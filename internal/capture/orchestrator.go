// Package capture runs the activity capture session: concurrent sensor
// acquisition, photo verification, and the reward attempt.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/greenproof/internal/classify"
	"example.com/greenproof/internal/domain"
	"example.com/greenproof/internal/geo"
	"example.com/greenproof/internal/ledger"
	"example.com/greenproof/internal/policy"
	"example.com/greenproof/internal/sensor"
)

// State names one phase of a capture session.
type State string

const (
	StateInitializing    State = "initializing"
	StateAwaitingCapture State = "awaiting_capture"
	StateVerifying       State = "verifying"
	StateRewarding       State = "rewarding"
	StateCompleted       State = "completed"
	StateRewardDegraded  State = "reward_degraded"
	StateCancelled       State = "cancelled"
)

// allowedTransitions is the session state machine. Rewarding reaches
// Cancelled only through an internal abort when the record cannot be stored;
// Cancel itself refuses Rewarding because a submitted ledger transaction
// cannot be un-submitted.
var allowedTransitions = map[State][]State{
	StateInitializing:    {StateAwaitingCapture, StateCancelled},
	StateAwaitingCapture: {StateVerifying, StateCancelled},
	StateVerifying:       {StateRewarding, StateAwaitingCapture, StateInitializing, StateCancelled},
	StateRewarding:       {StateCompleted, StateRewardDegraded, StateCancelled},
	StateCompleted:       {},
	StateRewardDegraded:  {},
	StateCancelled:       {},
}

func canTransition(from, to State) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

var (
	// ErrSessionNotFound is returned for unknown or already-removed sessions.
	ErrSessionNotFound = errors.New("capture session not found")
	// ErrSessionActive rejects a second concurrent session for the same user.
	ErrSessionActive = errors.New("a capture session is already active for this user")
	// ErrNotAwaitingCapture rejects a shutter press while sensors are not ready.
	ErrNotAwaitingCapture = errors.New("session is not awaiting capture")
	// ErrNotCancellable rejects cancellation once the reward step has begun.
	ErrNotCancellable = errors.New("session can no longer be cancelled")
	// ErrRetakeLimit aborts a session after too many rejected photos.
	ErrRetakeLimit = errors.New("verification retake limit reached")
	// ErrUnknownCategory rejects activities with no verification rule.
	ErrUnknownCategory = errors.New("no verification rule configured for activity category")
)

// VerificationRejectedError reports a rejected photo. The session returns to
// awaiting-capture; the caller may retake or cancel.
type VerificationRejectedError struct {
	Reason string
}

func (e *VerificationRejectedError) Error() string {
	return fmt.Sprintf("verification rejected: %s", e.Reason)
}

// RewardLedger is the consumed ledger interface. Proof recording must be
// attempted before crediting, and crediting must not run if the proof fails.
type RewardLedger interface {
	EnsureRewardAsset(ctx context.Context, w *ledger.Wallet) (string, error)
	RecordActivityProof(ctx context.Context, w *ledger.Wallet, note ledger.ProofNote) (string, uint64, error)
	CreditReward(ctx context.Context, w *ledger.Wallet, amount int64) (int64, error)
}

// Config carries orchestrator tunables.
type Config struct {
	LocationTimeout   time.Duration
	HighAccuracy      bool
	MaxAccuracyMeters float64
	MaxRetakes        int
	// SessionRetention is how long a finished session stays queryable
	// before it is evicted from memory.
	SessionRetention time.Duration
}

// Status is a point-in-time snapshot of a session, with distinct readiness
// indicators for each sensor.
type Status struct {
	SessionID     string
	State         State
	LocationReady bool
	CameraReady   bool
	LocationError string
	CameraError   string
	Retakes       int
	LastRejection string
	Record        *domain.ActivityRecord
}

// Session is one in-flight capture flow. All mutable fields are guarded by mu.
type Session struct {
	ID             string
	TenantID       string
	UserID         string
	Request        domain.ActivityRequest
	IdempotencyKey string

	mu            sync.Mutex
	state         State
	fix           *domain.LocationFix
	locErr        error
	stream        sensor.Stream
	camErr        error
	retakes       int
	lastRejection string
	record        *domain.ActivityRecord
	finishedAt    time.Time
}

func (s *Session) transitionLocked(to State) error {
	if !canTransition(s.state, to) {
		return fmt.Errorf("illegal session transition %s -> %s", s.state, to)
	}
	s.state = to
	switch to {
	case StateCompleted, StateRewardDegraded, StateCancelled:
		s.finishedAt = time.Now().UTC()
	}
	return nil
}

// releaseCameraLocked stops the stream at most once and drops the handle.
// Safe on every exit path; the nil check keeps repeat calls from touching the
// hardware again.
func (s *Session) releaseCameraLocked() {
	if s.stream != nil {
		s.stream.Stop()
		s.stream = nil
	}
}

// Orchestrator drives capture sessions from activity selection to the
// persisted record.
type Orchestrator struct {
	geolocator sensor.Geolocator
	camera     sensor.Camera
	classifier classify.Classifier
	catalog    policy.Catalog
	ledger     RewardLedger
	wallets    ledger.WalletDirectory
	repo       domain.RecordRepository
	cfg        Config
	logger     *log.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	active   map[string]string // tenant:user -> session id
}

// NewOrchestrator wires the pipeline dependencies.
func NewOrchestrator(
	geolocator sensor.Geolocator,
	camera sensor.Camera,
	classifier classify.Classifier,
	catalog policy.Catalog,
	rewardLedger RewardLedger,
	wallets ledger.WalletDirectory,
	repo domain.RecordRepository,
	cfg Config,
) *Orchestrator {
	if cfg.LocationTimeout <= 0 {
		cfg.LocationTimeout = 10 * time.Second
	}
	if cfg.MaxRetakes <= 0 {
		cfg.MaxRetakes = 5
	}
	if cfg.SessionRetention <= 0 {
		cfg.SessionRetention = 30 * time.Minute
	}
	return &Orchestrator{
		geolocator: geolocator,
		camera:     camera,
		classifier: classifier,
		catalog:    catalog,
		ledger:     rewardLedger,
		wallets:    wallets,
		repo:       repo,
		cfg:        cfg,
		logger:     log.New(log.Writer(), "[capture] ", log.LstdFlags),
		sessions:   make(map[string]*Session),
		active:     make(map[string]string),
	}
}

func activeKey(tenantID, userID string) string {
	return tenantID + ":" + userID
}

// evictFinishedLocked drops terminal sessions whose retention window has
// passed so the session map stays bounded in a long-running process. Status
// lookups for an evicted session return ErrSessionNotFound.
func (o *Orchestrator) evictFinishedLocked(now time.Time) {
	for id, s := range o.sessions {
		s.mu.Lock()
		finished := s.finishedAt
		s.mu.Unlock()
		if !finished.IsZero() && now.Sub(finished) > o.cfg.SessionRetention {
			delete(o.sessions, id)
		}
	}
}

// Start opens a session for the selected activity and kicks off location and
// camera acquisition concurrently. Both are attempted regardless of which
// completes or fails first. The classifier is pre-warmed in the background so
// model load does not land on the first shutter press.
func (o *Orchestrator) Start(ctx context.Context, tenantID, userID string, req domain.ActivityRequest) (*Session, error) {
	if !o.catalog.Knows(req.Category) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, req.Category)
	}

	session := &Session{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		UserID:         userID,
		Request:        req,
		IdempotencyKey: uuid.NewString(),
		state:          StateInitializing,
	}

	o.mu.Lock()
	o.evictFinishedLocked(time.Now())
	key := activeKey(tenantID, userID)
	if _, exists := o.active[key]; exists {
		o.mu.Unlock()
		return nil, ErrSessionActive
	}
	o.active[key] = session.ID
	o.sessions[session.ID] = session
	o.mu.Unlock()

	sessionsStarted.Inc()

	go o.acquireLocation(session)
	go o.startCamera(session)
	go func() {
		warmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.classifier.Warm(warmCtx); err != nil {
			o.logger.Printf("classifier warmup failed (session=%s): %v", session.ID, err)
		}
	}()

	return session, nil
}

// acquireLocation requests one fresh fix. No stale fix is ever reused.
func (o *Orchestrator) acquireLocation(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.LocationTimeout)
	defer cancel()

	fix, err := o.geolocator.Acquire(ctx, sensor.AcquireOptions{
		Timeout:      o.cfg.LocationTimeout,
		HighAccuracy: o.cfg.HighAccuracy,
	})
	if err == nil {
		err = geo.ValidateFix(fix, o.cfg.MaxAccuracyMeters)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.locErr = err
		return
	}
	s.fix = &fix
	s.locErr = nil
	o.maybeReadyLocked(s)
}

// startCamera opens the stream with a rear-camera preference. If the session
// reached a terminal state while the prompt was pending, the late stream is
// released immediately.
func (o *Orchestrator) startCamera(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.LocationTimeout)
	defer cancel()

	stream, err := o.camera.Start(ctx, sensor.FacingEnvironment)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.camErr = err
		return
	}
	if s.state == StateCancelled || s.state == StateCompleted || s.state == StateRewardDegraded {
		stream.Stop()
		return
	}
	if s.stream != nil {
		stream.Stop()
		return
	}
	s.stream = stream
	s.camErr = nil
	o.maybeReadyLocked(s)
}

func (o *Orchestrator) maybeReadyLocked(s *Session) {
	if s.state == StateInitializing && s.fix != nil && s.stream != nil {
		if err := s.transitionLocked(StateAwaitingCapture); err != nil {
			o.logger.Printf("session %s: %v", s.ID, err)
		}
	}
}

func (o *Orchestrator) session(sessionID string) (*Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	session, ok := o.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// Owner reports which tenant and user a session belongs to.
func (o *Orchestrator) Owner(sessionID string) (tenantID, userID string, err error) {
	session, err := o.session(sessionID)
	if err != nil {
		return "", "", err
	}
	return session.TenantID, session.UserID, nil
}

// Status reports the session snapshot.
func (o *Orchestrator) Status(sessionID string) (Status, error) {
	session, err := o.session(sessionID)
	if err != nil {
		return Status{}, err
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	status := Status{
		SessionID:     session.ID,
		State:         session.state,
		LocationReady: session.fix != nil,
		CameraReady:   session.stream != nil,
		Retakes:       session.retakes,
		LastRejection: session.lastRejection,
		Record:        session.record,
	}
	if session.locErr != nil {
		status.LocationError = session.locErr.Error()
	}
	if session.camErr != nil {
		status.CameraError = session.camErr.Error()
	}
	return status, nil
}

// RetryLocation re-runs location acquisition after a failure, synchronously.
// Valid only while the session is still initializing; a prior
// PERMISSION_DENIED does not block the retry.
func (o *Orchestrator) RetryLocation(ctx context.Context, sessionID string) error {
	session, err := o.session(sessionID)
	if err != nil {
		return err
	}

	session.mu.Lock()
	if session.state != StateInitializing || session.fix != nil {
		session.mu.Unlock()
		return fmt.Errorf("location retry not applicable in state %s", session.state)
	}
	session.mu.Unlock()

	o.acquireLocation(session)

	session.mu.Lock()
	defer session.mu.Unlock()
	return session.locErr
}

// RetryCamera re-runs camera startup after a failure, synchronously.
func (o *Orchestrator) RetryCamera(ctx context.Context, sessionID string) error {
	session, err := o.session(sessionID)
	if err != nil {
		return err
	}

	session.mu.Lock()
	if session.state != StateInitializing || session.stream != nil {
		session.mu.Unlock()
		return fmt.Errorf("camera retry not applicable in state %s", session.state)
	}
	session.mu.Unlock()

	o.startCamera(session)

	session.mu.Lock()
	defer session.mu.Unlock()
	return session.camErr
}

// Capture handles the shutter press: snapshot, verification, and on accept
// the reward attempt. On rejection the camera is restarted, the frame is
// discarded, and a VerificationRejectedError is returned so the user can
// retake. The camera hardware is released on every path out of this method.
func (o *Orchestrator) Capture(ctx context.Context, sessionID string) (record *domain.ActivityRecord, err error) {
	session, sessErr := o.session(sessionID)
	if sessErr != nil {
		return nil, sessErr
	}

	session.mu.Lock()
	if session.state != StateAwaitingCapture {
		session.mu.Unlock()
		return nil, ErrNotAwaitingCapture
	}
	stream := session.stream
	fix := *session.fix
	if terr := session.transitionLocked(StateVerifying); terr != nil {
		session.mu.Unlock()
		return nil, terr
	}
	session.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			session.mu.Lock()
			session.releaseCameraLocked()
			_ = session.transitionLocked(StateCancelled)
			session.mu.Unlock()
			o.removeActive(session)
			err = fmt.Errorf("capture aborted: %v", r)
		}
	}()

	image, snapErr := stream.Snapshot()

	// Resource release happens right after the frame is taken, before any
	// slow verification or ledger work.
	session.mu.Lock()
	session.releaseCameraLocked()
	session.mu.Unlock()

	if snapErr != nil {
		return nil, o.returnToCapture(session, fmt.Sprintf("camera snapshot failed: %v", snapErr), snapErr)
	}

	outcome := o.verify(ctx, session, image)
	if !outcome.Accepted {
		verificationRejected.Inc()
		session.mu.Lock()
		session.retakes++
		retakes := session.retakes
		session.lastRejection = outcome.Reason
		session.mu.Unlock()

		if retakes >= o.cfg.MaxRetakes {
			session.mu.Lock()
			_ = session.transitionLocked(StateCancelled)
			session.mu.Unlock()
			o.removeActive(session)
			return nil, fmt.Errorf("%w after %d attempts: %s", ErrRetakeLimit, retakes, outcome.Reason)
		}
		return nil, o.returnToCapture(session, outcome.Reason, &VerificationRejectedError{Reason: outcome.Reason})
	}

	session.mu.Lock()
	if terr := session.transitionLocked(StateRewarding); terr != nil {
		session.mu.Unlock()
		return nil, terr
	}
	session.mu.Unlock()

	return o.reward(ctx, session, fix, image, outcome)
}

// verify runs the classifier and the policy. A classifier failure falls back
// to a manual-approval accept so the user is never blocked on a model outage;
// the outcome is flagged so it is never confused with a verified accept.
func (o *Orchestrator) verify(ctx context.Context, session *Session, image domain.CapturedImage) domain.VerificationOutcome {
	labels, err := o.classifier.Classify(ctx, image)
	if err != nil {
		classifierFallback.Inc()
		o.logger.Printf("classifier unavailable, accepting for manual review (session=%s): %v", session.ID, err)
		return domain.VerificationOutcome{
			Accepted:       true,
			Confidence:     0,
			Reason:         "automatic verification unavailable",
			ManualFallback: true,
		}
	}
	return o.catalog.Verify(session.Request.Category, labels)
}

// returnToCapture restarts the camera and moves the session back to
// awaiting-capture (or to initializing when the restart itself fails).
func (o *Orchestrator) returnToCapture(session *Session, reason string, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.LocationTimeout)
	defer cancel()

	stream, startErr := o.camera.Start(ctx, sensor.FacingEnvironment)

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.state == StateCancelled {
		if startErr == nil {
			stream.Stop()
		}
		return cause
	}

	if startErr != nil {
		session.camErr = startErr
		if terr := session.transitionLocked(StateInitializing); terr != nil {
			return errors.Join(cause, terr)
		}
		return errors.Join(cause, startErr)
	}

	session.stream = stream
	session.camErr = nil
	if terr := session.transitionLocked(StateAwaitingCapture); terr != nil {
		return errors.Join(cause, terr)
	}
	return cause
}

// reward runs asset-ensure, proof, and credit in order. Any ledger failure
// degrades the session: the verified record is persisted with a nil reward
// and queued for retry, never dropped and never passed off as a success.
func (o *Orchestrator) reward(ctx context.Context, session *Session, fix domain.LocationFix, image domain.CapturedImage, outcome domain.VerificationOutcome) (*domain.ActivityRecord, error) {
	base := domain.ActivityRecord{
		ID:             uuid.NewString(),
		TenantID:       session.TenantID,
		UserID:         session.UserID,
		ActivityID:     session.Request.ActivityID,
		ActivityName:   session.Request.Name,
		Category:       session.Request.Category,
		RewardAmount:   session.Request.RewardAmount,
		Location:       fix,
		ImageDigest:    image.Digest(),
		CapturedAt:     image.CapturedAt,
		Outcome:        outcome,
		IdempotencyKey: session.IdempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}

	wallet, err := o.wallets.WalletFor(ctx, session.TenantID, session.UserID)
	if err != nil {
		return o.degrade(ctx, session, base, fmt.Sprintf("wallet unavailable: %v", err))
	}

	if _, err := o.ledger.EnsureRewardAsset(ctx, wallet); err != nil {
		return o.degrade(ctx, session, base, fmt.Sprintf("reward asset unavailable: %v", err))
	}

	note := ledger.ProofNote{
		RecordID:       base.ID,
		ActivityID:     base.ActivityID,
		UserID:         base.UserID,
		RewardAmount:   base.RewardAmount,
		Latitude:       fix.Latitude,
		Longitude:      fix.Longitude,
		ImageDigest:    base.ImageDigest,
		CapturedAt:     base.CapturedAt,
		IdempotencyKey: base.IdempotencyKey,
	}

	txID, round, err := o.ledger.RecordActivityProof(ctx, wallet, note)
	if err != nil {
		// Credit must not run when the proof failed.
		return o.degrade(ctx, session, base, fmt.Sprintf("proof submission failed: %v", err))
	}

	newBalance, err := o.ledger.CreditReward(ctx, wallet, base.RewardAmount)
	if err != nil {
		// The proof is on the ledger; the retry worker reconciles via the
		// idempotency key instead of double-submitting.
		return o.degrade(ctx, session, base, fmt.Sprintf("credit failed after proof %s: %v", txID, err))
	}

	record, err := domain.NewRewardedRecord(base, domain.RewardTransaction{
		TxID:              txID,
		ConfirmationRound: round,
		Amount:            base.RewardAmount,
		NewBalance:        newBalance,
	})
	if err != nil {
		return nil, err
	}

	if err := o.repo.Append(ctx, record); err != nil {
		// The ledger side is settled. The session must not stay wedged in
		// Rewarding, and the transaction must not vanish with the record:
		// it stays attached to the aborted session for reconciliation.
		o.logger.Printf("record %s lost after settled reward (tx=%s user=%s amount=%d key=%s): %v",
			record.ID, txID, record.UserID, record.RewardAmount, record.IdempotencyKey, err)
		recordPersistFailures.Inc()
		o.abort(session, &record)
		return nil, fmt.Errorf("reward %s settled but the activity record could not be stored: %w", txID, err)
	}

	session.mu.Lock()
	_ = session.transitionLocked(StateCompleted)
	session.record = &record
	session.mu.Unlock()
	o.removeActive(session)
	sessionsCompleted.WithLabelValues(string(StateCompleted)).Inc()

	return &record, nil
}

func (o *Orchestrator) degrade(ctx context.Context, session *Session, base domain.ActivityRecord, reason string) (*domain.ActivityRecord, error) {
	record, err := domain.NewDegradedRecord(base, reason)
	if err != nil {
		return nil, err
	}

	if err := o.repo.Append(ctx, record); err != nil {
		o.logger.Printf("failed to persist degraded record %s: %v", record.ID, err)
		recordPersistFailures.Inc()
		o.abort(session, &record)
		return nil, fmt.Errorf("%s; the record could not be stored: %w", reason, err)
	}

	o.logger.Printf("reward degraded (session=%s, record=%s): %s", session.ID, record.ID, reason)
	rewardDegraded.Inc()

	session.mu.Lock()
	_ = session.transitionLocked(StateRewardDegraded)
	session.record = &record
	session.mu.Unlock()
	o.removeActive(session)
	sessionsCompleted.WithLabelValues(string(StateRewardDegraded)).Inc()

	return &record, nil
}

// abort force-closes a session whose record could not be stored. The record
// stays attached so the status endpoint still shows what happened; the
// active slot is freed so the user can start over.
func (o *Orchestrator) abort(session *Session, record *domain.ActivityRecord) {
	session.mu.Lock()
	_ = session.transitionLocked(StateCancelled)
	session.record = record
	session.mu.Unlock()
	o.removeActive(session)
	sessionsCompleted.WithLabelValues(string(StateCancelled)).Inc()
}

// Cancel aborts the session and releases the camera. Cancellation is refused
// once the reward step has begun; a signed submission cannot be recalled.
func (o *Orchestrator) Cancel(sessionID string) error {
	session, err := o.session(sessionID)
	if err != nil {
		return err
	}

	session.mu.Lock()
	switch session.state {
	case StateRewarding, StateCompleted, StateRewardDegraded, StateCancelled:
		session.mu.Unlock()
		return ErrNotCancellable
	}
	session.releaseCameraLocked()
	session.fix = nil
	session.locErr = nil
	session.camErr = nil
	_ = session.transitionLocked(StateCancelled)
	session.mu.Unlock()

	o.removeActive(session)
	sessionsCompleted.WithLabelValues(string(StateCancelled)).Inc()
	return nil
}

func (o *Orchestrator) removeActive(session *Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := activeKey(session.TenantID, session.UserID)
	if o.active[key] == session.ID {
		delete(o.active, key)
	}
}

// History lists the user's activity records, newest first.
func (o *Orchestrator) History(ctx context.Context, tenantID, userID string, cursor *domain.Cursor, limit int) ([]domain.ActivityRecord, *domain.Cursor, error) {
	return o.repo.ListByUser(ctx, tenantID, userID, cursor, limit)
}

// Record fetches one persisted record.
func (o *Orchestrator) Record(ctx context.Context, tenantID, recordID string) (*domain.ActivityRecord, error) {
	record, err := o.repo.Get(ctx, tenantID, recordID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, domain.ErrRecordNotFound
	}
	return record, nil
}
