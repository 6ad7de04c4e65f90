package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rytkhs/event-pay/internal/auth"
	"github.com/rytkhs/event-pay/internal/connect"
	"github.com/rytkhs/event-pay/internal/notify"
	"github.com/rytkhs/event-pay/internal/provider"
	"github.com/rytkhs/event-pay/internal/ratelimit"
	"github.com/rytkhs/event-pay/internal/stream"
)

type stubProvider struct {
	snap     connect.AccountSnapshot
	fetchErr error
	created  int
}

func (p *stubProvider) FetchAccount(ctx context.Context, accountID string) (connect.AccountSnapshot, error) {
	if p.fetchErr != nil {
		return connect.AccountSnapshot{}, p.fetchErr
	}
	snap := p.snap
	if snap.ID == "" {
		snap.ID = accountID
	}
	return snap, nil
}

func (p *stubProvider) CreateAccount(ctx context.Context, params provider.CreateAccountParams) (string, error) {
	p.created++
	return fmt.Sprintf("acct_%d", p.created), nil
}

func (p *stubProvider) CreateOnboardingLink(ctx context.Context, params provider.OnboardingLinkParams) (string, error) {
	return "https://onboard.example/" + params.AccountID, nil
}

func verifiedProviderSnapshot() connect.AccountSnapshot {
	active := &connect.Capability{Status: connect.CapabilityActive}
	return connect.AccountSnapshot{
		DetailsSubmitted: true,
		ChargesEnabled:   true,
		PayoutsEnabled:   true,
		Capabilities:     connect.Capabilities{Transfers: active, CardPayments: active},
	}
}

type testEnv struct {
	api      *API
	handler  http.Handler
	store    *connect.InMemoryStore
	provider *stubProvider
}

func newTestEnv(t *testing.T, limitOpts ...ratelimit.Option) *testEnv {
	t.Helper()
	t.Setenv("EVENTPAY_AUTH_SECRET", "handlers-test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	store := connect.NewInMemoryStore()
	prov := &stubProvider{snap: verifiedProviderSnapshot()}
	events := stream.New()
	syncer := connect.NewSyncer(store, prov, nil,
		connect.WithEventSink(events),
		connect.WithSleep(func(ctx context.Context, d time.Duration) error { return nil }))
	webhooks := connect.NewWebhookProcessor(store, nil, notify.LogNotifier{},
		connect.WithProcessorEventSink(events))
	limiter := ratelimit.New(ratelimit.NewInMemoryStore(), limitOpts...)

	api := New(Config{
		Version:  "test",
		Store:    store,
		Provider: prov,
		Syncer:   syncer,
		Webhooks: webhooks,
		Limiter:  limiter,
		Stream:   events,

		OnboardingRefreshURL: "https://app.example/onboarding/refresh",
		OnboardingReturnURL:  "https://app.example/onboarding/done",
	})
	return &testEnv{api: api, handler: api.Handler(), store: store, provider: prov}
}

func (e *testEnv) token(t *testing.T, user string) string {
	t.Helper()
	token, err := auth.GenerateToken(user, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthTokenFlow(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/auth/token", "", map[string]string{"user": "u1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp tokenResponse
	decodeBody(t, rec, &resp)
	if resp.Token == "" {
		t.Fatal("expected a token")
	}

	claims, err := auth.ParseAndValidate(resp.Token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "u1" {
		t.Fatalf("unexpected subject %q", claims.Subject)
	}
}

func TestProtectedEndpointsRequireToken(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/v1/connect/status", "/v1/connect/history"} {
		rec := env.do(t, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rec.Code)
		}
	}
	rec := env.do(t, http.MethodPost, "/v1/connect/sync", "garbage-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid token, got %d", rec.Code)
	}
}

func TestStatusNoAccount(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/connect/status", env.token(t, "u1"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp statusResponse
	decodeBody(t, rec, &resp)
	if resp.Status != connect.DisplayNoAccount {
		t.Fatalf("expected no_account, got %s", resp.Status)
	}
}

func TestAccountCreateIdempotent(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "u1")
	body := map[string]string{"email": "merchant@example.com"}

	rec := env.do(t, http.MethodPost, "/v1/connect/account", token, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var first accountResponse
	decodeBody(t, rec, &first)
	if first.Account.ExternalAccountID == "" || first.OnboardingURL == "" {
		t.Fatalf("incomplete response %+v", first)
	}

	rec = env.do(t, http.MethodPost, "/v1/connect/account", token, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on repeat, got %d", rec.Code)
	}
	var second accountResponse
	decodeBody(t, rec, &second)
	if second.Account.ExternalAccountID != first.Account.ExternalAccountID {
		t.Fatal("repeat create must reuse the existing account")
	}
	if env.provider.created != 1 {
		t.Fatalf("expected one provider account, got %d", env.provider.created)
	}
}

func TestSyncUpdatesStatus(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "u1")

	env.do(t, http.MethodPost, "/v1/connect/account", token, map[string]string{"email": "m@example.com"})

	rec := env.do(t, http.MethodPost, "/v1/connect/sync", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp syncResponse
	decodeBody(t, rec, &resp)
	if resp.Account.Status != connect.StatusVerified {
		t.Fatalf("expected verified after sync, got %s", resp.Account.Status)
	}
	if resp.Status != connect.DisplayReady {
		t.Fatalf("expected ready, got %s", resp.Status)
	}
	if resp.Stale {
		t.Fatal("successful sync must not be stale")
	}
}

func TestSyncRateLimited(t *testing.T) {
	env := newTestEnv(t, ratelimit.WithLimit(1))
	token := env.token(t, "u1")

	env.do(t, http.MethodPost, "/v1/connect/account", token, map[string]string{"email": "m@example.com"})

	if rec := env.do(t, http.MethodPost, "/v1/connect/sync", token, nil); rec.Code != http.StatusOK {
		t.Fatalf("first sync: expected 200, got %d", rec.Code)
	}
	rec := env.do(t, http.MethodPost, "/v1/connect/sync", token, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestSyncFailureReturnsCachedState(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "u1")

	env.do(t, http.MethodPost, "/v1/connect/account", token, map[string]string{"email": "m@example.com"})
	env.provider.fetchErr = &provider.Error{Kind: provider.KindAuthentication, Message: "bad key"}

	rec := env.do(t, http.MethodPost, "/v1/connect/sync", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp syncResponse
	decodeBody(t, rec, &resp)
	if !resp.Stale {
		t.Fatal("failed sync must flag stale data")
	}
	if resp.Account.Status != connect.StatusUnverified {
		t.Fatalf("expected the cached status back, got %s", resp.Account.Status)
	}
}

func TestSyncWithoutAccount(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/v1/connect/sync", env.token(t, "u1"), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestWebhookAccountUpdated(t *testing.T) {
	env := newTestEnv(t)

	snap := verifiedProviderSnapshot()
	snap.ID = "acct_wh"
	snap.Metadata = map[string]string{connect.MetadataUserKey: "u1"}
	event := map[string]any{
		"id":   "evt_1",
		"type": connect.EventAccountUpdated,
		"data": map[string]any{"object": snap},
	}

	rec := env.do(t, http.MethodPost, "/v1/connect/webhook", "", event)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result connect.WebhookResult
	decodeBody(t, rec, &result)
	if result.Outcome != connect.OutcomeUpdated || result.Status != connect.StatusVerified {
		t.Fatalf("unexpected result %+v", result)
	}

	statusRec := env.do(t, http.MethodGet, "/v1/connect/status", env.token(t, "u1"), nil)
	var resp statusResponse
	decodeBody(t, statusRec, &resp)
	if resp.Status != connect.DisplayReady {
		t.Fatalf("expected ready after webhook, got %s", resp.Status)
	}
}

func TestWebhookUnknownTypeAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	event := map[string]any{"id": "evt_2", "type": "payout.paid"}

	rec := env.do(t, http.MethodPost, "/v1/connect/webhook", "", event)
	if rec.Code != http.StatusOK {
		t.Fatalf("unknown types must be acknowledged, got %d", rec.Code)
	}
}

func TestWebhookMalformedBody(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/connect/webhook", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestWebhookDeauthorized(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "u1")

	env.do(t, http.MethodPost, "/v1/connect/account", token, map[string]string{"email": "m@example.com"})
	env.do(t, http.MethodPost, "/v1/connect/sync", token, nil)

	event := map[string]any{
		"id":      "evt_3",
		"type":    connect.EventAccountDeauthorized,
		"account": "acct_1",
	}
	rec := env.do(t, http.MethodPost, "/v1/connect/webhook", "", event)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result connect.WebhookResult
	decodeBody(t, rec, &result)
	if result.Status != connect.StatusUnverified {
		t.Fatalf("expected reset to unverified, got %s", result.Status)
	}
}

func TestRequestIDPropagated(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected X-Request-Id header")
	}
}
