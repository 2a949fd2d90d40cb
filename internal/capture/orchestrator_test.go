package capture

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/greenproof/internal/classify"
	"example.com/greenproof/internal/domain"
	"example.com/greenproof/internal/ledger"
	"example.com/greenproof/internal/policy"
	"example.com/greenproof/internal/sensor"
)

const (
	testTenant = "tenant-a"
	testUser   = "user-1"
)

var testFix = domain.LocationFix{Latitude: 52.52, Longitude: 13.405, AccuracyMeters: 8}

func recyclingRequest() domain.ActivityRequest {
	return domain.ActivityRequest{
		ActivityID:   "act-recycle-1",
		Name:         "Recycle a plastic bottle",
		Category:     domain.CategoryRecycling,
		RewardAmount: 10,
	}
}

type memoryRepo struct {
	mu        sync.Mutex
	appendErr error
	records   []domain.ActivityRecord
}

func (r *memoryRepo) Append(ctx context.Context, record domain.ActivityRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.appendErr != nil {
		return r.appendErr
	}
	r.records = append(r.records, record)
	return nil
}

func (r *memoryRepo) FindByIdempotencyKey(ctx context.Context, tenantID, key string) (*domain.ActivityRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.records {
		if r.records[i].TenantID == tenantID && r.records[i].IdempotencyKey == key {
			rec := r.records[i]
			return &rec, nil
		}
	}
	return nil, nil
}

func (r *memoryRepo) Get(ctx context.Context, tenantID, recordID string) (*domain.ActivityRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.records {
		if r.records[i].TenantID == tenantID && r.records[i].ID == recordID {
			rec := r.records[i]
			return &rec, nil
		}
	}
	return nil, nil
}

func (r *memoryRepo) ListByUser(ctx context.Context, tenantID, userID string, cursor *domain.Cursor, limit int) ([]domain.ActivityRecord, *domain.Cursor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ActivityRecord
	for _, rec := range r.records {
		if rec.TenantID == tenantID && rec.UserID == userID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CapturedAt.After(out[j].CapturedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil, nil
}

func (r *memoryRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (r *memoryRepo) last(t *testing.T) domain.ActivityRecord {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.records)
	return r.records[len(r.records)-1]
}

// stubClassifier serves one scripted result per call, repeating the final one.
type stubClassifier struct {
	mu      sync.Mutex
	results [][]domain.Label
	errs    []error
	calls   int

	classifyStarted chan struct{}
	classifyRelease chan struct{}
}

func (c *stubClassifier) Classify(ctx context.Context, image domain.CapturedImage) ([]domain.Label, error) {
	if c.classifyStarted != nil {
		close(c.classifyStarted)
		c.classifyStarted = nil
		<-c.classifyRelease
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.calls
	c.calls++
	if len(c.errs) > 0 {
		if idx >= len(c.errs) {
			idx = len(c.errs) - 1
		}
		if err := c.errs[idx]; err != nil {
			return nil, err
		}
	}
	if len(c.results) == 0 {
		return nil, nil
	}
	if idx >= len(c.results) {
		idx = len(c.results) - 1
	}
	return c.results[idx], nil
}

func (c *stubClassifier) Warm(ctx context.Context) error { return nil }

type stubLedger struct {
	mu          sync.Mutex
	failEnsure  bool
	failProof   bool
	failCredit  bool
	balance     int64
	proofCalls  int
	creditCalls int
	keys        []string

	proofStarted chan struct{}
	proofRelease chan struct{}
}

func (l *stubLedger) EnsureRewardAsset(ctx context.Context, w *ledger.Wallet) (string, error) {
	if l.failEnsure {
		return "", ledger.ErrLedgerUnavailable
	}
	return "asset-1", nil
}

func (l *stubLedger) RecordActivityProof(ctx context.Context, w *ledger.Wallet, note ledger.ProofNote) (string, uint64, error) {
	if l.proofStarted != nil {
		close(l.proofStarted)
		l.proofStarted = nil
		<-l.proofRelease
	}
	l.mu.Lock()
	l.proofCalls++
	l.keys = append(l.keys, note.IdempotencyKey)
	l.mu.Unlock()
	if l.failProof {
		return "", 0, ledger.ErrLedgerUnavailable
	}
	return "tx-123", 7, nil
}

func (l *stubLedger) CreditReward(ctx context.Context, w *ledger.Wallet, amount int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.creditCalls++
	if l.failCredit {
		return 0, ledger.ErrLedgerUnavailable
	}
	l.balance += amount
	return l.balance, nil
}

type staticWallets struct {
	wallet *ledger.Wallet
}

func (d *staticWallets) WalletFor(ctx context.Context, tenantID, userID string) (*ledger.Wallet, error) {
	return d.wallet, nil
}

func newTestWallet(t *testing.T) *ledger.Wallet {
	t.Helper()
	w, err := ledger.NewWallet()
	require.NoError(t, err)
	return w
}

type fixture struct {
	orchestrator *Orchestrator
	geolocator   *sensor.SimGeolocator
	camera       *sensor.SimCamera
	classifier   *stubClassifier
	ledger       *stubLedger
	repo         *memoryRepo
}

func newFixture(t *testing.T, configure func(*fixture)) *fixture {
	t.Helper()
	f := &fixture{
		geolocator: &sensor.SimGeolocator{Fix: testFix},
		camera:     &sensor.SimCamera{},
		classifier: &stubClassifier{results: [][]domain.Label{{{Name: "plastic bottle", Confidence: 0.42}}}},
		ledger:     &stubLedger{},
		repo:       &memoryRepo{},
	}
	if configure != nil {
		configure(f)
	}
	f.orchestrator = NewOrchestrator(
		f.geolocator,
		f.camera,
		f.classifier,
		policy.DefaultCatalog(),
		f.ledger,
		&staticWallets{wallet: newTestWallet(t)},
		f.repo,
		Config{LocationTimeout: time.Second, MaxAccuracyMeters: 100, MaxRetakes: 5},
	)
	return f
}

func (f *fixture) startSession(t *testing.T) *Session {
	t.Helper()
	session, err := f.orchestrator.Start(context.Background(), testTenant, testUser, recyclingRequest())
	require.NoError(t, err)
	return session
}

func (f *fixture) awaitState(t *testing.T, sessionID string, want State) Status {
	t.Helper()
	var status Status
	require.Eventually(t, func() bool {
		st, err := f.orchestrator.Status(sessionID)
		if err != nil {
			return false
		}
		status = st
		return st.State == want
	}, 2*time.Second, 5*time.Millisecond, "session never reached state %s", want)
	return status
}

func TestCaptureHappyPath(t *testing.T) {
	f := newFixture(t, nil)
	session := f.startSession(t)
	f.awaitState(t, session.ID, StateAwaitingCapture)

	record, err := f.orchestrator.Capture(context.Background(), session.ID)
	require.NoError(t, err)
	require.NotNil(t, record)

	require.True(t, record.Outcome.Accepted)
	require.Equal(t, "plastic bottle", record.Outcome.MatchedLabel)
	require.InDelta(t, 0.42, record.Outcome.Confidence, 1e-9)
	require.False(t, record.Outcome.ManualFallback)

	require.NotNil(t, record.Reward)
	require.Equal(t, "tx-123", record.Reward.TxID)
	require.Equal(t, uint64(7), record.Reward.ConfirmationRound)
	require.Equal(t, int64(10), record.Reward.NewBalance)
	require.Equal(t, domain.RecordStateRewarded, record.State)
	require.True(t, record.Valid())

	require.Equal(t, testFix.Latitude, record.Location.Latitude)
	require.NotEmpty(t, record.ImageDigest)
	require.Equal(t, session.IdempotencyKey, record.IdempotencyKey)

	require.Equal(t, 1, f.repo.count())
	require.Equal(t, 1, f.camera.StopCalls(), "camera must be released exactly once")

	status, err := f.orchestrator.Status(session.ID)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, status.State)
}

func TestCaptureRejectedThenRetakeSucceeds(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.classifier.results = [][]domain.Label{
			{{Name: "cat", Confidence: 0.91}},
			{{Name: "plastic bottle", Confidence: 0.42}},
		}
	})
	session := f.startSession(t)
	f.awaitState(t, session.ID, StateAwaitingCapture)

	_, err := f.orchestrator.Capture(context.Background(), session.ID)
	var rejected *VerificationRejectedError
	require.ErrorAs(t, err, &rejected)
	require.NotEmpty(t, rejected.Reason)

	status, err := f.orchestrator.Status(session.ID)
	require.NoError(t, err)
	require.Equal(t, StateAwaitingCapture, status.State, "rejection returns to awaiting capture")
	require.Equal(t, 1, status.Retakes)
	require.True(t, status.CameraReady, "camera restarted for the retake")
	require.Equal(t, 2, f.camera.Starts())
	require.Equal(t, 1, f.camera.StopCalls())
	require.Zero(t, f.repo.count(), "rejected frames are not persisted")

	record, err := f.orchestrator.Capture(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RecordStateRewarded, record.State)
	require.Equal(t, 2, f.camera.StopCalls(), "each stream released exactly once")
}

func TestRetakeLimitCancelsSession(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.classifier.results = [][]domain.Label{{{Name: "cat", Confidence: 0.91}}}
	})
	f.orchestrator.cfg.MaxRetakes = 2
	session := f.startSession(t)
	f.awaitState(t, session.ID, StateAwaitingCapture)

	_, err := f.orchestrator.Capture(context.Background(), session.ID)
	var rejected *VerificationRejectedError
	require.ErrorAs(t, err, &rejected)

	_, err = f.orchestrator.Capture(context.Background(), session.ID)
	require.ErrorIs(t, err, ErrRetakeLimit)

	status, err := f.orchestrator.Status(session.ID)
	require.NoError(t, err)
	require.Equal(t, StateCancelled, status.State)
	require.Zero(t, f.repo.count())

	// The slot is freed; the user can start over.
	_, err = f.orchestrator.Start(context.Background(), testTenant, testUser, recyclingRequest())
	require.NoError(t, err)
}

func TestRewardDegradedOnProofFailure(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.ledger.failProof = true
	})
	session := f.startSession(t)
	f.awaitState(t, session.ID, StateAwaitingCapture)

	record, err := f.orchestrator.Capture(context.Background(), session.ID)
	require.NoError(t, err, "a degraded reward is not a capture error")
	require.NotNil(t, record)

	require.True(t, record.Outcome.Accepted)
	require.Nil(t, record.Reward)
	require.Equal(t, domain.RecordStateRewardPending, record.State)
	require.Contains(t, record.FailureReason, "proof submission failed")
	require.True(t, record.Valid())
	require.Equal(t, session.IdempotencyKey, record.IdempotencyKey)

	require.Zero(t, f.ledger.creditCalls, "no credit without a recorded proof")
	require.Equal(t, 1, f.repo.count(), "the verified record is persisted despite the outage")

	status, err := f.orchestrator.Status(session.ID)
	require.NoError(t, err)
	require.Equal(t, StateRewardDegraded, status.State)
}

func TestRewardDegradedOnCreditFailure(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.ledger.failCredit = true
	})
	session := f.startSession(t)
	f.awaitState(t, session.ID, StateAwaitingCapture)

	record, err := f.orchestrator.Capture(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RecordStateRewardPending, record.State)
	require.Contains(t, record.FailureReason, "tx-123", "the submitted proof id is retained for reconciliation")
	require.Equal(t, 1, f.ledger.proofCalls)
}

func TestClassifierOutageFallsBackToManualReview(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.classifier.errs = []error{classify.ErrClassifierUnavailable}
	})
	session := f.startSession(t)
	f.awaitState(t, session.ID, StateAwaitingCapture)

	record, err := f.orchestrator.Capture(context.Background(), session.ID)
	require.NoError(t, err)
	require.True(t, record.Outcome.Accepted)
	require.True(t, record.Outcome.ManualFallback)
	require.Zero(t, record.Outcome.Confidence)
	require.Equal(t, "automatic verification unavailable", record.Outcome.Reason)
	require.Equal(t, domain.RecordStateRewarded, record.State, "the reward still proceeds")
}

func TestLocationDeniedThenManualRetry(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.geolocator.Failures = []sensor.FailureCode{sensor.FailurePermissionDenied}
	})
	session := f.startSession(t)

	require.Eventually(t, func() bool {
		st, err := f.orchestrator.Status(session.ID)
		return err == nil && st.CameraReady && st.LocationError != ""
	}, 2*time.Second, 5*time.Millisecond)

	status, err := f.orchestrator.Status(session.ID)
	require.NoError(t, err)
	require.Equal(t, StateInitializing, status.State)
	require.False(t, status.LocationReady)
	require.True(t, status.CameraReady, "camera acquisition proceeds despite the location failure")

	_, err = f.orchestrator.Capture(context.Background(), session.ID)
	require.ErrorIs(t, err, ErrNotAwaitingCapture)

	require.NoError(t, f.orchestrator.RetryLocation(context.Background(), session.ID))

	status, err = f.orchestrator.Status(session.ID)
	require.NoError(t, err)
	require.Equal(t, StateAwaitingCapture, status.State)
	require.Empty(t, status.LocationError)
}

func TestCameraFailureThenManualRetry(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.camera.Failures = []sensor.FailureCode{sensor.FailureNotFound}
	})
	session := f.startSession(t)

	require.Eventually(t, func() bool {
		st, err := f.orchestrator.Status(session.ID)
		return err == nil && st.LocationReady && st.CameraError != ""
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.orchestrator.RetryCamera(context.Background(), session.ID))
	f.awaitState(t, session.ID, StateAwaitingCapture)
}

func TestCancelReleasesCamera(t *testing.T) {
	f := newFixture(t, nil)
	session := f.startSession(t)
	f.awaitState(t, session.ID, StateAwaitingCapture)

	require.NoError(t, f.orchestrator.Cancel(session.ID))
	require.Equal(t, 1, f.camera.StopCalls())

	status, err := f.orchestrator.Status(session.ID)
	require.NoError(t, err)
	require.Equal(t, StateCancelled, status.State)
	require.False(t, status.CameraReady)
	require.False(t, status.LocationReady, "no stale fix survives cancellation")
	require.Zero(t, f.repo.count(), "cancelled sessions leave no record")

	require.ErrorIs(t, f.orchestrator.Cancel(session.ID), ErrNotCancellable)
}

func TestCancelWhileInitializingStopsLateStream(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.geolocator.Failures = []sensor.FailureCode{sensor.FailurePositionUnavailable}
	})
	session := f.startSession(t)

	require.Eventually(t, func() bool {
		st, err := f.orchestrator.Status(session.ID)
		return err == nil && st.CameraReady
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.orchestrator.Cancel(session.ID))
	require.Equal(t, 1, f.camera.StopCalls())
}

func TestCancelRefusedWhileRewarding(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	f := newFixture(t, func(f *fixture) {
		f.ledger.proofStarted = started
		f.ledger.proofRelease = release
	})
	session := f.startSession(t)
	f.awaitState(t, session.ID, StateAwaitingCapture)

	done := make(chan error, 1)
	go func() {
		_, err := f.orchestrator.Capture(context.Background(), session.ID)
		done <- err
	}()

	<-started
	require.ErrorIs(t, f.orchestrator.Cancel(session.ID), ErrNotCancellable)
	close(release)
	require.NoError(t, <-done)

	status, err := f.orchestrator.Status(session.ID)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, status.State)
}

func TestSecondConcurrentSessionRejected(t *testing.T) {
	f := newFixture(t, nil)
	session := f.startSession(t)

	_, err := f.orchestrator.Start(context.Background(), testTenant, testUser, recyclingRequest())
	require.ErrorIs(t, err, ErrSessionActive)

	// A different user is unaffected.
	_, err = f.orchestrator.Start(context.Background(), testTenant, "user-2", recyclingRequest())
	require.NoError(t, err)

	f.awaitState(t, session.ID, StateAwaitingCapture)
	require.NoError(t, f.orchestrator.Cancel(session.ID))
	_, err = f.orchestrator.Start(context.Background(), testTenant, testUser, recyclingRequest())
	require.NoError(t, err)
}

func TestStartRejectsUnknownCategory(t *testing.T) {
	f := newFixture(t, nil)
	req := recyclingRequest()
	req.Category = "skydiving"
	_, err := f.orchestrator.Start(context.Background(), testTenant, testUser, req)
	require.ErrorIs(t, err, ErrUnknownCategory)
}

func TestStatusUnknownSession(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.orchestrator.Status("nope")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestAppendFailureAfterRewardAbortsSession(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.repo.appendErr = errors.New("connection refused")
	})
	session := f.startSession(t)
	f.awaitState(t, session.ID, StateAwaitingCapture)

	_, err := f.orchestrator.Capture(context.Background(), session.ID)
	require.Error(t, err)
	require.Contains(t, err.Error(), "tx-123", "the settled transaction id is surfaced")

	status, err := f.orchestrator.Status(session.ID)
	require.NoError(t, err)
	require.Equal(t, StateCancelled, status.State, "the session must not stay wedged in rewarding")
	require.NotNil(t, status.Record, "the settled reward stays visible for reconciliation")
	require.NotNil(t, status.Record.Reward)
	require.Equal(t, "tx-123", status.Record.Reward.TxID)

	// The slot is freed; the user can start over.
	_, err = f.orchestrator.Start(context.Background(), testTenant, testUser, recyclingRequest())
	require.NoError(t, err)
}

func TestAppendFailureDuringDegradeAbortsSession(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.ledger.failProof = true
		f.repo.appendErr = errors.New("connection refused")
	})
	session := f.startSession(t)
	f.awaitState(t, session.ID, StateAwaitingCapture)

	_, err := f.orchestrator.Capture(context.Background(), session.ID)
	require.Error(t, err)
	require.Contains(t, err.Error(), "proof submission failed")
	require.Zero(t, f.ledger.creditCalls)

	status, err := f.orchestrator.Status(session.ID)
	require.NoError(t, err)
	require.Equal(t, StateCancelled, status.State)

	_, err = f.orchestrator.Start(context.Background(), testTenant, testUser, recyclingRequest())
	require.NoError(t, err)
}

func TestFinishedSessionsEvictedAfterRetention(t *testing.T) {
	f := newFixture(t, nil)
	f.orchestrator.cfg.SessionRetention = time.Millisecond
	session := f.startSession(t)
	f.awaitState(t, session.ID, StateAwaitingCapture)

	require.NoError(t, f.orchestrator.Cancel(session.ID))
	time.Sleep(5 * time.Millisecond)

	// Any Start sweeps sessions past their retention window.
	other, err := f.orchestrator.Start(context.Background(), testTenant, "user-2", recyclingRequest())
	require.NoError(t, err)

	_, err = f.orchestrator.Status(session.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)

	// Live sessions survive the sweep.
	_, err = f.orchestrator.Status(other.ID)
	require.NoError(t, err)
}

func TestCancelDuringVerificationStopsStreamOnce(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	f := newFixture(t, func(f *fixture) {
		f.classifier.classifyStarted = started
		f.classifier.classifyRelease = release
		f.classifier.results = [][]domain.Label{{{Name: "cat", Confidence: 0.91}}}
	})
	session := f.startSession(t)
	f.awaitState(t, session.ID, StateAwaitingCapture)

	done := make(chan error, 1)
	go func() {
		_, err := f.orchestrator.Capture(context.Background(), session.ID)
		done <- err
	}()

	<-started
	require.Equal(t, 1, f.camera.StopCalls(), "the frame stream is released before verification runs")
	require.NoError(t, f.orchestrator.Cancel(session.ID))
	close(release)

	var rejected *VerificationRejectedError
	require.ErrorAs(t, <-done, &rejected)

	status, err := f.orchestrator.Status(session.ID)
	require.NoError(t, err)
	require.Equal(t, StateCancelled, status.State, "cancellation wins over the late verification result")
	require.Zero(t, f.repo.count())
	require.Equal(t, 2, f.camera.StopCalls(), "the retake stream opened after cancel is stopped immediately")
}

func TestCancelDuringVerificationSuppressesReward(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	f := newFixture(t, func(f *fixture) {
		f.classifier.classifyStarted = started
		f.classifier.classifyRelease = release
	})
	session := f.startSession(t)
	f.awaitState(t, session.ID, StateAwaitingCapture)

	done := make(chan error, 1)
	go func() {
		_, err := f.orchestrator.Capture(context.Background(), session.ID)
		done <- err
	}()

	<-started
	require.NoError(t, f.orchestrator.Cancel(session.ID))
	close(release)

	require.Error(t, <-done)
	require.Zero(t, f.ledger.proofCalls, "no reward is attempted for a cancelled session")
	require.Zero(t, f.repo.count())
}
