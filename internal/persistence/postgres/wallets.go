package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/greenproof/internal/ledger"
)

// WalletStore keeps one ledger wallet per tenant/user plus the local balance
// bookkeeping. Wallet rows are keyed by ledger address; the address is derived
// from the key and unique across tenants.
type WalletStore struct {
	pool *pgxpool.Pool
}

// NewWalletStore constructs a WalletStore.
func NewWalletStore(pool *pgxpool.Pool) *WalletStore {
	return &WalletStore{pool: pool}
}

// WalletFor returns the user's wallet, generating and persisting a key pair on
// first use. Concurrent first calls race on the unique constraint; the loser
// re-reads the winner's row.
func (s *WalletStore) WalletFor(ctx context.Context, tenantID, userID string) (*ledger.Wallet, error) {
	wallet, err := s.lookup(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	if wallet != nil {
		return wallet, nil
	}

	fresh, err := ledger.NewWallet()
	if err != nil {
		return nil, err
	}

	const insert = `INSERT INTO wallets (address, tenant_id, user_id, secret, balance)
        VALUES ($1,$2,$3,$4,0)
        ON CONFLICT (tenant_id, user_id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, insert, fresh.Address(), tenantID, userID, fresh.Secret())
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 1 {
		return fresh, nil
	}

	wallet, err = s.lookup(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		return nil, fmt.Errorf("wallet for %s/%s vanished after conflict", tenantID, userID)
	}
	return wallet, nil
}

func (s *WalletStore) lookup(ctx context.Context, tenantID, userID string) (*ledger.Wallet, error) {
	var secret string
	err := s.pool.QueryRow(ctx,
		`SELECT secret FROM wallets WHERE tenant_id=$1 AND user_id=$2`,
		tenantID, userID,
	).Scan(&secret)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ledger.ParseWallet(secret)
}

// AssetID returns the cached reward asset id for the address, if any.
func (s *WalletStore) AssetID(ctx context.Context, address string) (string, bool, error) {
	var assetID *string
	err := s.pool.QueryRow(ctx, `SELECT asset_id FROM wallets WHERE address=$1`, address).Scan(&assetID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if assetID == nil || *assetID == "" {
		return "", false, nil
	}
	return *assetID, true, nil
}

// SaveAssetID caches the reward asset id against the address.
func (s *WalletStore) SaveAssetID(ctx context.Context, address, assetID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE wallets SET asset_id=$1 WHERE address=$2`, assetID, address)
	return err
}

// AddBalance applies a credited reward to the local balance and returns the
// new total.
func (s *WalletStore) AddBalance(ctx context.Context, address string, amount int64) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx,
		`UPDATE wallets SET balance = balance + $1 WHERE address=$2 RETURNING balance`,
		amount, address,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("no wallet for address %s", address)
	}
	return balance, err
}

// Summary is the wallet view exposed over the API.
type Summary struct {
	Address string
	AssetID string
	Balance int64
}

// WalletSummary returns the user's wallet view, or nil when no wallet exists.
func (s *WalletStore) WalletSummary(ctx context.Context, tenantID, userID string) (*Summary, error) {
	var summary Summary
	var assetID *string
	err := s.pool.QueryRow(ctx,
		`SELECT address, asset_id, balance FROM wallets WHERE tenant_id=$1 AND user_id=$2`,
		tenantID, userID,
	).Scan(&summary.Address, &assetID, &summary.Balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if assetID != nil {
		summary.AssetID = *assetID
	}
	return &summary, nil
}
