package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rytkhs/event-pay/internal/connect"
	"github.com/rytkhs/event-pay/internal/obs"
	"github.com/rytkhs/event-pay/internal/provider"
	"github.com/rytkhs/event-pay/internal/ratelimit"
	"github.com/rytkhs/event-pay/internal/stream"
)

// ReadyProbe checks dependencies for readiness (ping DB when configured).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// HistoryReader lists recent status transitions for a user. Optional;
// backed by the Postgres audit log when the service runs with a database.
type HistoryReader interface {
	History(ctx context.Context, userID string, limit int) ([]connect.StatusChange, error)
}

// Config carries the collaborators the API needs. Everything is injected at
// startup; the API holds no hidden global state.
type Config struct {
	ReadyProbe ReadyProbe
	Version    string

	Store    connect.Store
	Provider provider.Client
	Syncer   *connect.Syncer
	Webhooks *connect.WebhookProcessor
	Limiter  *ratelimit.Limiter
	Stream   *stream.Stream
	History  HistoryReader

	OnboardingRefreshURL string
	OnboardingReturnURL  string
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	store      connect.Store
	provider   provider.Client
	syncer     *connect.Syncer
	webhooks   *connect.WebhookProcessor
	limiter    *ratelimit.Limiter
	stream     *stream.Stream
	history    HistoryReader
	refreshURL string
	returnURL  string

	rateBurst  int
	ratePerSec int
}

// New builds the router.
func New(cfg Config) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: cfg.ReadyProbe,
		version:    cfg.Version,
		store:      cfg.Store,
		provider:   cfg.Provider,
		syncer:     cfg.Syncer,
		webhooks:   cfg.Webhooks,
		limiter:    cfg.Limiter,
		stream:     cfg.Stream,
		history:    cfg.History,
		refreshURL: cfg.OnboardingRefreshURL,
		returnURL:  cfg.OnboardingReturnURL,
		rateBurst:  20,
		ratePerSec: 10,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)

	a.mux.HandleFunc("/v1/connect/account", a.handleAccount)
	a.mux.HandleFunc("/v1/connect/status", a.handleStatus)
	a.mux.HandleFunc("/v1/connect/sync", a.handleSync)
	a.mux.HandleFunc("/v1/connect/webhook", a.handleWebhook)
	a.mux.HandleFunc("/v1/connect/history", a.handleHistory)
	a.mux.HandleFunc("/v1/connect/events", a.Stream)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full middleware chain around the router.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = obs.Instrument(h)
	h = LoggingJSON(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = RequestID(h)
	return h
}

// --- health/info handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "event-pay-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "event-pay-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
