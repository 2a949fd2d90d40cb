// Package api exposes HTTP handlers for the proof service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/greenproof/internal/auth"
	"example.com/greenproof/internal/capture"
	"example.com/greenproof/internal/domain"
	"example.com/greenproof/internal/persistence"
	"example.com/greenproof/internal/persistence/postgres"
)

// WalletReader exposes the wallet view backing GET /v1/wallet.
type WalletReader interface {
	WalletSummary(ctx context.Context, tenantID, userID string) (*postgres.Summary, error)
}

// Handler coordinates HTTP requests with the capture orchestrator.
type Handler struct {
	orchestrator *capture.Orchestrator
	wallets      WalletReader
}

// NewHandler builds a Handler.
func NewHandler(orchestrator *capture.Orchestrator, wallets WalletReader) *Handler {
	return &Handler{orchestrator: orchestrator, wallets: wallets}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/sessions", h.sessions)
	mux.HandleFunc("/v1/sessions/", h.sessionByID)
	mux.HandleFunc("/v1/records", h.listRecords)
	mux.HandleFunc("/v1/records/", h.recordByID)
	mux.HandleFunc("/v1/wallet", h.wallet)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) sessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	h.startSession(w, r)
}

func (h *Handler) sessionByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing session id")
		return
	}

	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		h.sessionStatus(w, r, id)
	case action == "location" && r.Method == http.MethodPost:
		h.retryLocation(w, r, id)
	case action == "camera" && r.Method == http.MethodPost:
		h.retryCamera(w, r, id)
	case action == "capture" && r.Method == http.MethodPost:
		h.capture(w, r, id)
	case action == "cancel" && r.Method == http.MethodPost:
		h.cancel(w, r, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeCapturesWrite)
	if !ok {
		return
	}

	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	session, err := h.orchestrator.Start(r.Context(), claims.TenantID, claims.Subject, domain.ActivityRequest{
		ActivityID:   req.ActivityID,
		Name:         req.Name,
		Category:     domain.ActivityCategory(req.Category),
		RewardAmount: req.RewardAmount,
	})
	if err != nil {
		switch {
		case errors.Is(err, capture.ErrSessionActive):
			writeError(w, http.StatusConflict, "session_active", err.Error())
		case errors.Is(err, capture.ErrUnknownCategory):
			writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		}
		return
	}

	status, err := h.orchestrator.Status(session.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, toSessionView(status))
}

func (h *Handler) sessionStatus(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := requireScope(w, r, auth.ScopeCapturesRead, auth.ScopeCapturesWrite)
	if !ok {
		return
	}
	if !h.ownsSession(w, claims, id) {
		return
	}

	status, err := h.orchestrator.Status(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	writeJSON(w, http.StatusOK, toSessionView(status))
}

func (h *Handler) retryLocation(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := requireScope(w, r, auth.ScopeCapturesWrite)
	if !ok {
		return
	}
	if !h.ownsSession(w, claims, id) {
		return
	}

	if err := h.orchestrator.RetryLocation(r.Context(), id); err != nil {
		h.writeSensorError(w, id, "location_unavailable", err)
		return
	}
	h.writeStatus(w, id)
}

func (h *Handler) retryCamera(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := requireScope(w, r, auth.ScopeCapturesWrite)
	if !ok {
		return
	}
	if !h.ownsSession(w, claims, id) {
		return
	}

	if err := h.orchestrator.RetryCamera(r.Context(), id); err != nil {
		h.writeSensorError(w, id, "camera_unavailable", err)
		return
	}
	h.writeStatus(w, id)
}

func (h *Handler) capture(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := requireScope(w, r, auth.ScopeCapturesWrite)
	if !ok {
		return
	}
	if !h.ownsSession(w, claims, id) {
		return
	}

	record, err := h.orchestrator.Capture(r.Context(), id)
	if err != nil {
		var rejected *capture.VerificationRejectedError
		switch {
		case errors.As(err, &rejected):
			writeError(w, http.StatusUnprocessableEntity, "verification_rejected", rejected.Reason)
		case errors.Is(err, capture.ErrRetakeLimit):
			writeError(w, http.StatusConflict, "retake_limit_reached", err.Error())
		case errors.Is(err, capture.ErrNotAwaitingCapture):
			writeError(w, http.StatusConflict, "not_ready", err.Error())
		case errors.Is(err, capture.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, "not_found", "session not found")
		default:
			writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, toRecordView(*record))
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := requireScope(w, r, auth.ScopeCapturesWrite)
	if !ok {
		return
	}
	if !h.ownsSession(w, claims, id) {
		return
	}

	if err := h.orchestrator.Cancel(id); err != nil {
		switch {
		case errors.Is(err, capture.ErrNotCancellable):
			writeError(w, http.StatusConflict, "not_cancellable", err.Error())
		case errors.Is(err, capture.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, "not_found", "session not found")
		default:
			writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		}
		return
	}
	h.writeStatus(w, id)
}

func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeCapturesRead, auth.ScopeCapturesWrite)
	if !ok {
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	records, next, err := h.orchestrator.History(r.Context(), claims.TenantID, claims.Subject, cursor, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	items := make([]RecordView, 0, len(records))
	for _, record := range records {
		items = append(items, toRecordView(record))
	}

	writeJSON(w, http.StatusOK, ListRecordsResponse{
		Items:      items,
		NextCursor: persistence.EncodeCursor(next),
	})
}

func (h *Handler) recordByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeCapturesRead, auth.ScopeCapturesWrite)
	if !ok {
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/v1/records/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing record id")
		return
	}

	record, err := h.orchestrator.Record(r.Context(), claims.TenantID, id)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "record not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	if record.UserID != claims.Subject {
		writeError(w, http.StatusNotFound, "not_found", "record not found")
		return
	}
	writeJSON(w, http.StatusOK, toRecordView(*record))
}

func (h *Handler) wallet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeCapturesRead, auth.ScopeCapturesWrite)
	if !ok {
		return
	}

	summary, err := h.wallets.WalletSummary(r.Context(), claims.TenantID, claims.Subject)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	if summary == nil {
		// No wallet until the first accepted capture.
		writeJSON(w, http.StatusOK, WalletView{Balance: 0})
		return
	}
	writeJSON(w, http.StatusOK, WalletView{
		Address: summary.Address,
		AssetID: summary.AssetID,
		Balance: summary.Balance,
	})
}

// ownsSession hides other users' sessions behind a 404.
func (h *Handler) ownsSession(w http.ResponseWriter, claims *auth.Claims, id string) bool {
	tenantID, userID, err := h.orchestrator.Owner(id)
	if err != nil || tenantID != claims.TenantID || userID != claims.Subject {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return false
	}
	return true
}

func (h *Handler) writeStatus(w http.ResponseWriter, id string) {
	status, err := h.orchestrator.Status(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	writeJSON(w, http.StatusOK, toSessionView(status))
}

// writeSensorError distinguishes state errors from device failures: the former
// are the caller's fault, the latter are retriable.
func (h *Handler) writeSensorError(w http.ResponseWriter, id, code string, err error) {
	if errors.Is(err, capture.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	status, statusErr := h.orchestrator.Status(id)
	if statusErr == nil && status.State != capture.StateInitializing {
		writeError(w, http.StatusConflict, "not_applicable", err.Error())
		return
	}
	writeError(w, http.StatusServiceUnavailable, code, err.Error())
}

func requireScope(w http.ResponseWriter, r *http.Request, scopes ...string) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	for _, scope := range scopes {
		if claims.HasScope(scope) {
			return claims, true
		}
	}
	writeError(w, http.StatusForbidden, "forbidden", "scope "+scopes[0]+" required")
	return nil, false
}

// StartSessionRequest is the payload for POST /v1/sessions.
type StartSessionRequest struct {
	ActivityID   string `json:"activity_id"`
	Name         string `json:"name"`
	Category     string `json:"category"`
	RewardAmount int64  `json:"reward_amount"`
}

// Validate ensures request correctness.
func (r StartSessionRequest) Validate() error {
	if strings.TrimSpace(r.ActivityID) == "" {
		return errors.New("activity_id is required")
	}
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("name is required")
	}
	if strings.TrimSpace(r.Category) == "" {
		return errors.New("category is required")
	}
	if r.RewardAmount <= 0 {
		return errors.New("reward_amount must be > 0")
	}
	return nil
}

// SessionView exposes the capture session state to the client.
type SessionView struct {
	SessionID     string      `json:"session_id"`
	State         string      `json:"state"`
	LocationReady bool        `json:"location_ready"`
	CameraReady   bool        `json:"camera_ready"`
	LocationError string      `json:"location_error,omitempty"`
	CameraError   string      `json:"camera_error,omitempty"`
	Retakes       int         `json:"retakes"`
	LastRejection string      `json:"last_rejection,omitempty"`
	Record        *RecordView `json:"record,omitempty"`
}

// OutcomeView describes the verification decision.
type OutcomeView struct {
	Accepted       bool    `json:"accepted"`
	Confidence     float64 `json:"confidence"`
	MatchedLabel   string  `json:"matched_label,omitempty"`
	Reason         string  `json:"reason"`
	ManualFallback bool    `json:"manual_fallback,omitempty"`
}

// RewardView describes the on-ledger reward transaction.
type RewardView struct {
	TxID              string `json:"tx_id"`
	ConfirmationRound uint64 `json:"confirmation_round"`
	Amount            int64  `json:"amount"`
	NewBalance        int64  `json:"new_balance"`
}

// RecordView exposes full details about an activity record.
type RecordView struct {
	RecordID      string      `json:"record_id"`
	ActivityID    string      `json:"activity_id"`
	ActivityName  string      `json:"activity_name"`
	Category      string      `json:"category"`
	RewardAmount  int64       `json:"reward_amount"`
	Latitude      float64     `json:"latitude"`
	Longitude     float64     `json:"longitude"`
	AccuracyM     float64     `json:"accuracy_m"`
	ImageDigest   string      `json:"image_digest"`
	CapturedAt    time.Time   `json:"captured_at"`
	Outcome       OutcomeView `json:"outcome"`
	Reward        *RewardView `json:"reward,omitempty"`
	Status        string      `json:"status"`
	FailureReason string      `json:"failure_reason,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// ListRecordsResponse packages list results.
type ListRecordsResponse struct {
	Items      []RecordView `json:"items"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

// WalletView exposes the user's reward wallet.
type WalletView struct {
	Address string `json:"address,omitempty"`
	AssetID string `json:"asset_id,omitempty"`
	Balance int64  `json:"balance"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func toSessionView(status capture.Status) SessionView {
	view := SessionView{
		SessionID:     status.SessionID,
		State:         string(status.State),
		LocationReady: status.LocationReady,
		CameraReady:   status.CameraReady,
		LocationError: status.LocationError,
		CameraError:   status.CameraError,
		Retakes:       status.Retakes,
		LastRejection: status.LastRejection,
	}
	if status.Record != nil {
		record := toRecordView(*status.Record)
		view.Record = &record
	}
	return view
}

func toRecordView(record domain.ActivityRecord) RecordView {
	view := RecordView{
		RecordID:      record.ID,
		ActivityID:    record.ActivityID,
		ActivityName:  record.ActivityName,
		Category:      string(record.Category),
		RewardAmount:  record.RewardAmount,
		Latitude:      record.Location.Latitude,
		Longitude:     record.Location.Longitude,
		AccuracyM:     record.Location.AccuracyMeters,
		ImageDigest:   record.ImageDigest,
		CapturedAt:    record.CapturedAt,
		Outcome: OutcomeView{
			Accepted:       record.Outcome.Accepted,
			Confidence:     record.Outcome.Confidence,
			MatchedLabel:   record.Outcome.MatchedLabel,
			Reason:         record.Outcome.Reason,
			ManualFallback: record.Outcome.ManualFallback,
		},
		Status:        string(record.State),
		FailureReason: record.FailureReason,
		CreatedAt:     record.CreatedAt,
	}
	if record.Reward != nil {
		view.Reward = &RewardView{
			TxID:              record.Reward.TxID,
			ConfirmationRound: record.Reward.ConfirmationRound,
			Amount:            record.Reward.Amount,
			NewBalance:        record.Reward.NewBalance,
		}
	}
	return view
}
