package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rytkhs/event-pay/internal/auth"
	"github.com/rytkhs/event-pay/internal/connect"
	"github.com/rytkhs/event-pay/internal/obs"
	"github.com/rytkhs/event-pay/internal/provider"
)

type createAccountRequest struct {
	Email        string `json:"email"`
	Country      string `json:"country"`
	BusinessType string `json:"business_type"`
}

type accountResponse struct {
	Account       connect.AccountRecord `json:"account"`
	OnboardingURL string                `json:"onboarding_url,omitempty"`
}

// handleAccount creates the merchant account for the authenticated user. The
// operation is idempotent: a second call returns the existing record with a
// fresh onboarding link instead of erroring.
func (a *API) handleAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req createAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	record, err := a.store.GetByUser(r.Context(), userID)
	created := false
	switch {
	case err == nil:
		// existing record wins; fall through to a fresh onboarding link
	case errors.Is(err, connect.ErrNotFound):
		if strings.TrimSpace(req.Email) == "" {
			writeError(w, r, http.StatusBadRequest, "email is required")
			return
		}
		country := strings.ToUpper(strings.TrimSpace(req.Country))
		if country == "" {
			country = "JP"
		}
		accountID, err := a.provider.CreateAccount(r.Context(), provider.CreateAccountParams{
			UserID:       userID,
			Email:        req.Email,
			Country:      country,
			BusinessType: req.BusinessType,
		})
		if err != nil {
			handleProviderError(w, r, err)
			return
		}
		record = connect.AccountRecord{
			UserID:            userID,
			ExternalAccountID: accountID,
			Status:            connect.StatusUnverified,
			UpdatedAt:         time.Now().UTC(),
		}
		if err := a.store.Upsert(r.Context(), record); err != nil {
			handleStoreError(w, r, err)
			return
		}
		created = true
	default:
		handleStoreError(w, r, err)
		return
	}

	resp := accountResponse{Account: record}
	if url, err := a.provider.CreateOnboardingLink(r.Context(), provider.OnboardingLinkParams{
		AccountID:  record.ExternalAccountID,
		RefreshURL: a.refreshURL,
		ReturnURL:  a.returnURL,
	}); err != nil {
		// The account exists either way; a missing link is reported, not fatal.
		obs.Warn("onboarding link creation failed", map[string]any{
			"user_id": userID,
			"error":   err.Error(),
		})
	} else {
		resp.OnboardingURL = url
	}

	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, resp)
}

type statusResponse struct {
	Status         connect.DisplayStatus  `json:"status"`
	InternalStatus *connect.AccountStatus `json:"internal_status,omitempty"`
	ChargesEnabled bool                   `json:"charges_enabled"`
	PayoutsEnabled bool                   `json:"payouts_enabled"`
	UpdatedAt      *time.Time             `json:"updated_at,omitempty"`
	Stale          bool                   `json:"stale,omitempty"`
}

// handleStatus reports the display status for the authenticated user. A
// fresh snapshot refines the answer when the provider is reachable; on
// provider failure the stored status is served and marked stale rather than
// surfacing a raw upstream error.
func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	record, err := a.store.GetByUser(r.Context(), userID)
	if errors.Is(err, connect.ErrNotFound) {
		writeJSON(w, http.StatusOK, statusResponse{Status: connect.DisplayNoAccount})
		return
	}
	if err != nil {
		handleStoreError(w, r, err)
		return
	}

	var snap *connect.AccountSnapshot
	stale := false
	fetched, err := a.provider.FetchAccount(r.Context(), record.ExternalAccountID)
	if err != nil {
		stale = true
	} else {
		snap = &fetched
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Status:         connect.DisplayStatusFor(&record.Status, snap),
		InternalStatus: &record.Status,
		ChargesEnabled: record.ChargesEnabled,
		PayoutsEnabled: record.PayoutsEnabled,
		UpdatedAt:      &record.UpdatedAt,
		Stale:          stale,
	})
}

type syncResponse struct {
	Allowed   bool                  `json:"allowed"`
	Remaining int                   `json:"remaining"`
	Account   connect.AccountRecord `json:"account"`
	Status    connect.DisplayStatus `json:"status"`
	Stale     bool                  `json:"stale,omitempty"`
	Error     string                `json:"error,omitempty"`
}

// handleSync runs an on-demand reconciliation for the authenticated user,
// gated by the per-user sliding window. On sync failure the caller gets the
// cached record back, flagged stale — the user flow is never blocked on the
// provider.
func (a *API) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	record, err := a.store.GetByUser(r.Context(), userID)
	if errors.Is(err, connect.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "no merchant account")
		return
	}
	if err != nil {
		handleStoreError(w, r, err)
		return
	}

	decision := a.limiter.Check(r.Context(), userID)
	if !decision.Allowed {
		seconds := int(decision.RetryAfter/time.Second) + 1
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		writeError(w, r, http.StatusTooManyRequests, "too many status checks, try again later")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	syncErr := a.syncer.SyncAccountStatus(ctx, userID, record.ExternalAccountID, connect.TriggerOnDemand, connect.DefaultSyncOptions())

	// Re-read: on success this is the fresh state, on failure the cached one.
	current, err := a.store.GetByUser(r.Context(), userID)
	if err != nil {
		current = record
	}

	resp := syncResponse{
		Allowed:   true,
		Remaining: decision.Remaining,
		Account:   current,
		Status:    connect.DisplayStatusFor(&current.Status, nil),
	}
	if syncErr != nil {
		resp.Stale = true
		resp.Error = "status check failed, try again"
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleHistory lists recent status transitions for the authenticated user.
func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.history == nil {
		writeError(w, r, http.StatusNotFound, "history not available")
		return
	}
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 1000 {
			writeError(w, r, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = v
	}

	items, err := a.history.History(r.Context(), userID, limit)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"as_of": time.Now().UTC(),
	})
}

// webhookEvent is the provider's event envelope.
type webhookEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Account string `json:"account"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// handleWebhook ingests verified provider events. Signature verification
// happens upstream; this endpoint only decodes and dispatches. Events that
// cannot be acted on (unknown type, missing link key) are acknowledged so
// the provider does not redeliver.
func (a *API) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var event webhookEvent
	if err := decodeJSON(w, r, &event); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	switch event.Type {
	case connect.EventAccountUpdated:
		var snap connect.AccountSnapshot
		if err := json.Unmarshal(event.Data.Object, &snap); err != nil {
			writeError(w, r, http.StatusBadRequest, "malformed account snapshot")
			return
		}
		result, err := a.webhooks.HandleAccountUpdated(r.Context(), snap)
		if err != nil {
			handleStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case connect.EventAccountDeauthorized:
		if strings.TrimSpace(event.Account) == "" {
			writeError(w, r, http.StatusBadRequest, "account is required")
			return
		}
		result, err := a.webhooks.HandleDeauthorized(r.Context(), event.Account)
		if err != nil {
			handleStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	default:
		obs.WebhookEventsTotal.WithLabelValues(event.Type, "ignored").Inc()
		writeJSON(w, http.StatusOK, map[string]any{"outcome": "ignored"})
	}
}

func handleStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, connect.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, connect.ErrAccountConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func handleProviderError(w http.ResponseWriter, r *http.Request, err error) {
	kind, ok := provider.KindOf(err)
	if !ok {
		writeError(w, r, http.StatusBadGateway, "payment provider unavailable")
		return
	}
	switch kind {
	case provider.KindInvalidRequest:
		writeError(w, r, http.StatusBadRequest, "invalid merchant account request")
	case provider.KindRateLimited:
		writeError(w, r, http.StatusServiceUnavailable, "payment provider busy, try again")
	default:
		writeError(w, r, http.StatusBadGateway, "payment provider unavailable")
	}
}
