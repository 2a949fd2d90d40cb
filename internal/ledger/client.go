// Package ledger submits proof-of-activity transactions to the reward ledger
// and tracks the locally-bookkept reward balance.
package ledger

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	jsonRPCVersion = "2.0"
	defaultRPCID   = 1

	defaultAssetCode     = "GREEN"
	defaultConfirmRounds = 4
	defaultPollInterval  = time.Second
)

// ErrLedgerUnavailable covers network failures, RPC errors, and confirmation
// timeouts. Callers treat it as "verified but unrewarded", never as rejection.
var ErrLedgerUnavailable = errors.New("ledger unavailable")

// WalletStore persists per-wallet ledger bookkeeping: the reward-asset
// mapping and the locally-tracked balance.
type WalletStore interface {
	AssetID(ctx context.Context, address string) (string, bool, error)
	SaveAssetID(ctx context.Context, address, assetID string) error
	AddBalance(ctx context.Context, address string, amount int64) (int64, error)
}

// WalletDirectory resolves the signing wallet for a user.
type WalletDirectory interface {
	WalletFor(ctx context.Context, tenantID, userID string) (*Wallet, error)
}

// ProofNote is the canonical payload recorded on the ledger for one verified
// activity. The idempotency key makes re-submission of the same record safe.
type ProofNote struct {
	RecordID       string    `json:"record_id"`
	ActivityID     string    `json:"activity_id"`
	UserID         string    `json:"user_id"`
	RewardAmount   int64     `json:"reward_amount"`
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	ImageDigest    string    `json:"image_digest"`
	CapturedAt     time.Time `json:"captured_at"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// Client wraps the ledger's JSON-RPC endpoint.
type Client struct {
	endpoint      string
	httpClient    *http.Client
	store         WalletStore
	assetCode     string
	confirmRounds int
	pollInterval  time.Duration
}

// Option configures client defaults.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for RPC calls.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithAssetCode overrides the reward-asset code created for new wallets.
func WithAssetCode(code string) Option {
	return func(c *Client) {
		if strings.TrimSpace(code) != "" {
			c.assetCode = code
		}
	}
}

// WithConfirmationRounds bounds how many status polls a submission waits for.
func WithConfirmationRounds(rounds int) Option {
	return func(c *Client) {
		if rounds > 0 {
			c.confirmRounds = rounds
		}
	}
}

// WithPollInterval sets the delay between confirmation polls.
func WithPollInterval(interval time.Duration) Option {
	return func(c *Client) {
		if interval > 0 {
			c.pollInterval = interval
		}
	}
}

// New initialises a client bound to the provided JSON-RPC endpoint.
func New(endpoint string, store WalletStore, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("ledger: endpoint required")
	}
	if store == nil {
		return nil, fmt.Errorf("ledger: wallet store required")
	}

	c := &Client{
		endpoint:      trimmed,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		store:         store,
		assetCode:     defaultAssetCode,
		confirmRounds: defaultConfirmRounds,
		pollInterval:  defaultPollInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// EnsureRewardAsset returns the wallet's reward-asset identifier, creating it
// on the ledger on first use. Safe to call on every reward attempt.
func (c *Client) EnsureRewardAsset(ctx context.Context, w *Wallet) (string, error) {
	address := w.Address()

	if id, ok, err := c.store.AssetID(ctx, address); err != nil {
		return "", err
	} else if ok {
		return id, nil
	}

	var result struct {
		AssetID string `json:"asset_id"`
	}
	err := c.call(ctx, "asset_create", map[string]any{
		"owner":    address,
		"code":     c.assetCode,
		"decimals": 0,
	}, &result)
	if err != nil {
		return "", err
	}
	if result.AssetID == "" {
		return "", fmt.Errorf("%w: asset_create returned no asset id", ErrLedgerUnavailable)
	}

	if err := c.store.SaveAssetID(ctx, address, result.AssetID); err != nil {
		return "", err
	}
	return result.AssetID, nil
}

// RecordActivityProof signs and submits the proof note, then waits for the
// ledger to confirm it within the configured round budget.
func (c *Client) RecordActivityProof(ctx context.Context, w *Wallet, note ProofNote) (string, uint64, error) {
	payload, err := json.Marshal(note)
	if err != nil {
		return "", 0, err
	}

	signature, err := w.SignProof(payload)
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign proof: %w", err)
	}

	var submitted struct {
		TxID string `json:"tx_id"`
	}
	err = c.call(ctx, "proof_submit", map[string]any{
		"from":            w.Address(),
		"note":            json.RawMessage(payload),
		"signature":       hex.EncodeToString(signature),
		"idempotency_key": note.IdempotencyKey,
	}, &submitted)
	if err != nil {
		return "", 0, err
	}
	if submitted.TxID == "" {
		return "", 0, fmt.Errorf("%w: proof_submit returned no transaction id", ErrLedgerUnavailable)
	}

	round, err := c.waitForConfirmation(ctx, submitted.TxID)
	if err != nil {
		return "", 0, err
	}
	return submitted.TxID, round, nil
}

// CreditReward updates the locally-tracked balance. It must only run after a
// successful proof submission.
func (c *Client) CreditReward(ctx context.Context, w *Wallet, amount int64) (int64, error) {
	return c.store.AddBalance(ctx, w.Address(), amount)
}

// waitForConfirmation polls the transaction status for a bounded number of
// rounds.
func (c *Client) waitForConfirmation(ctx context.Context, txID string) (uint64, error) {
	for attempt := 0; attempt < c.confirmRounds; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, fmt.Errorf("%w: %v", ErrLedgerUnavailable, ctx.Err())
			case <-time.After(c.pollInterval):
			}
		}

		var status struct {
			Confirmed bool   `json:"confirmed"`
			Round     uint64 `json:"round"`
		}
		if err := c.call(ctx, "tx_status", map[string]any{"tx_id": txID}, &status); err != nil {
			return 0, err
		}
		if status.Confirmed {
			return status.Round, nil
		}
	}
	return 0, fmt.Errorf("%w: transaction %s not confirmed after %d rounds", ErrLedgerUnavailable, txID, c.confirmRounds)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: jsonRPCVersion,
		ID:      defaultRPCID,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrLedgerUnavailable, method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: %s: status %d: %s", ErrLedgerUnavailable, method, resp.StatusCode, data)
	}

	var payload rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrLedgerUnavailable, method, err)
	}
	if payload.Error != nil {
		return fmt.Errorf("%w: %s: rpc error %d: %s", ErrLedgerUnavailable, method, payload.Error.Code, payload.Error.Message)
	}
	if result != nil {
		if err := json.Unmarshal(payload.Result, result); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrLedgerUnavailable, method, err)
		}
	}
	return nil
}
