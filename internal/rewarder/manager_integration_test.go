//go:build integration

package rewarder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"example.com/greenproof/internal/domain"
	"example.com/greenproof/internal/ledger"
	"example.com/greenproof/internal/persistence/postgres"
)

func TestManagerSettlesDegradedRecord(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	repo := postgres.NewRepository(pool)
	wallets := postgres.NewWalletStore(pool)

	record := degradedRecord(t)
	require.NoError(t, repo.Append(ctx, record))

	fake := newFakeLedger(t)
	defer fake.Close()

	client, err := ledger.New(fake.URL(), wallets,
		ledger.WithPollInterval(10*time.Millisecond),
	)
	require.NoError(t, err)

	manager := NewManager(pool, client, wallets, 5, time.Minute)
	settled, err := manager.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, settled)

	stored, err := repo.Get(ctx, record.TenantID, record.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Equal(t, domain.RecordStateRewarded, stored.State)
	require.NotNil(t, stored.Reward)
	require.Equal(t, record.RewardAmount, stored.Reward.NewBalance)
	require.True(t, stored.Valid())

	require.Equal(t, []string{record.IdempotencyKey}, fake.SubmittedKeys(),
		"retry reuses the record's original idempotency key")

	var remaining int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM reward_attempts`).Scan(&remaining))
	require.Zero(t, remaining)

	var issued int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox WHERE event_type='reward.issued' AND aggregate_id=$1`, record.ID,
	).Scan(&issued))
	require.Equal(t, 1, issued)
}

func TestManagerReschedulesWithBackoffThenQuarantines(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	repo := postgres.NewRepository(pool)
	wallets := postgres.NewWalletStore(pool)

	record := degradedRecord(t)
	require.NoError(t, repo.Append(ctx, record))

	fake := newFakeLedger(t)
	fake.FailSubmissions(true)
	defer fake.Close()

	client, err := ledger.New(fake.URL(), wallets)
	require.NoError(t, err)
	manager := NewManager(pool, client, wallets, 2, time.Minute)

	settled, err := manager.RunOnce(ctx, 10)
	require.Error(t, err)
	require.Zero(t, settled)

	var retryCount int
	var nextRetry time.Time
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT retry_count, next_retry_at FROM reward_attempts WHERE record_id=$1`, record.ID,
	).Scan(&retryCount, &nextRetry))
	require.Equal(t, 1, retryCount)
	require.True(t, nextRetry.After(time.Now()), "backoff pushes the next attempt into the future")

	// Force the attempt due again and exhaust the retry budget.
	_, err = pool.Exec(ctx, `UPDATE reward_attempts SET next_retry_at = NOW(), retry_count = 2 WHERE record_id=$1`, record.ID)
	require.NoError(t, err)

	settled, err = manager.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, settled)

	var quarantined *time.Time
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT quarantined_at FROM reward_attempts WHERE record_id=$1`, record.ID,
	).Scan(&quarantined))
	require.NotNil(t, quarantined)

	stored, err := repo.Get(ctx, record.TenantID, record.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RecordStateQuarantined, stored.State)
	require.Nil(t, stored.Reward)
}

func degradedRecord(t *testing.T) domain.ActivityRecord {
	t.Helper()

	base := domain.ActivityRecord{
		ID:             uuid.NewString(),
		TenantID:       uuid.NewString(),
		UserID:         uuid.NewString(),
		ActivityID:     "act-recycle-1",
		ActivityName:   "Recycle a plastic bottle",
		Category:       domain.CategoryRecycling,
		RewardAmount:   10,
		Location:       domain.LocationFix{Latitude: 52.52, Longitude: 13.405, AccuracyMeters: 8, CapturedAt: time.Now().UTC()},
		ImageDigest:    "49674f8d6e0a5ed26a2ba4b64a892046f0bc542ede187a0fbfca1d04c2ae8f9a",
		CapturedAt:     time.Now().UTC().Truncate(time.Microsecond),
		Outcome:        domain.VerificationOutcome{Accepted: true, Confidence: 0.42, MatchedLabel: "plastic bottle", Reason: "matched plastic bottle"},
		IdempotencyKey: uuid.NewString(),
		CreatedAt:      time.Now().UTC().Truncate(time.Microsecond),
	}
	record, err := domain.NewDegradedRecord(base, "proof submission failed: ledger unavailable")
	require.NoError(t, err)
	return record
}

// fakeLedger answers the JSON-RPC surface the client speaks, confirming every
// submitted proof immediately.
type fakeLedger struct {
	t      *testing.T
	server *httptest.Server

	mu         sync.Mutex
	failSubmit bool
	submitted  []string
	assets     int
}

func newFakeLedger(t *testing.T) *fakeLedger {
	f := &fakeLedger{t: t}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

func (f *fakeLedger) URL() string { return f.server.URL }

func (f *fakeLedger) Close() { f.server.Close() }

func (f *fakeLedger) FailSubmissions(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSubmit = fail
}

func (f *fakeLedger) SubmittedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submitted...)
}

func (f *fakeLedger) handle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     int             `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	respond := func(result any) {
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}
	fail := func(msg string) {
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": map[string]any{"code": -32000, "message": msg}})
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch req.Method {
	case "asset_create":
		f.assets++
		respond(map[string]any{"asset_id": "asset-integration"})
	case "proof_submit":
		if f.failSubmit {
			fail("ledger unavailable")
			return
		}
		var params struct {
			IdempotencyKey string `json:"idempotency_key"`
		}
		_ = json.Unmarshal(req.Params, &params)
		f.submitted = append(f.submitted, params.IdempotencyKey)
		respond(map[string]any{"tx_id": "tx-integration"})
	case "tx_status":
		respond(map[string]any{"confirmed": true, "round": uint64(99)})
	default:
		fail("unknown method " + req.Method)
	}
}

func setupPostgres(t *testing.T, ctx context.Context) (*pgxpool.Pool, func()) {
	t.Helper()

	pg, err := postgrescontainer.RunContainer(ctx,
		postgrescontainer.WithDatabase("greenproof"),
		postgrescontainer.WithUsername("greenproof"),
		postgrescontainer.WithPassword("greenproof"),
	)
	require.NoError(t, err)

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, waitForDatabase(ctx, connStr))

	runMigrations(t, ctx, connStr)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	cleanup := func() {
		pool.Close()
		_ = pg.Terminate(ctx)
	}
	return pool, cleanup
}

func runMigrations(t *testing.T, ctx context.Context, connStr string) {
	t.Helper()

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	defer pool.Close()

	migrationsDir := resolvePath(t, "../../db/postgres/migrations")
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	sort.Strings(files)

	for _, file := range files {
		contents, readErr := os.ReadFile(file)
		require.NoErrorf(t, readErr, "read migration %s", file)

		_, execErr := pool.Exec(ctx, string(contents))
		require.NoErrorf(t, execErr, "execute migration %s", file)
	}
}

func resolvePath(t *testing.T, rel string) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), rel)
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Second)
	}
}
