// Package httpapi wires the server-side components (C5-C10) into a single
// gorilla/mux router implementing the external HTTP interface (spec §6).
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/Ap3pp3rs94/outbox-intake/internal/server/audit"
	"github.com/Ap3pp3rs94/outbox-intake/internal/server/auth"
	"github.com/Ap3pp3rs94/outbox-intake/internal/server/intake"
	"github.com/Ap3pp3rs94/outbox-intake/internal/server/ratelimit"
	"github.com/Ap3pp3rs94/outbox-intake/pkg/telemetry"
)

// Options bundles every dependency the router needs to wire a request
// through auth, rate limiting, intake, admin, and diagnostics handlers.
type Options struct {
	Authenticator *auth.Authenticator
	Limiter       *ratelimit.Limiter
	Intake        *intake.Handler
	Tokens        auth.TokenStore
	JWTSigner     *auth.JWTSigner
	AuditLog      audit.Log
	StaticFlags   map[string]any
	Meter         telemetry.Meter
	Logger        *telemetry.Logger
	Service       string
	StartedAt     time.Time
}

// New builds the full router. Health and config routes bypass
// authentication per spec.md's unauthenticatedRoutes convention (see
// internal/server/auth.Skip).
func New(opt Options) http.Handler {
	if opt.Meter == nil {
		opt.Meter = telemetry.NopMeterInstance
	}
	if opt.Logger == nil {
		opt.Logger = telemetry.Nop
	}
	if opt.AuditLog == nil {
		opt.AuditLog = audit.NopLog{}
	}
	if opt.StartedAt.IsZero() {
		opt.StartedAt = time.Now().UTC()
	}

	r := mux.NewRouter()
	a := &api{opt: opt}

	r.HandleFunc("/v1/health", a.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/ready", a.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/v1/config", a.handleConfig).Methods(http.MethodGet)
	r.HandleFunc("/metrics", a.handleMetrics).Methods(http.MethodGet)

	r.Handle("/v1/outbox", opt.Intake).Methods(http.MethodPost)

	r.HandleFunc("/v1/admin/tokens", a.handleTokensList).Methods(http.MethodGet)
	r.HandleFunc("/v1/admin/tokens", a.handleTokensCreate).Methods(http.MethodPost)
	r.HandleFunc("/v1/admin/tokens/{id}/revoke", a.handleTokenRevoke).Methods(http.MethodPost)
	r.HandleFunc("/v1/admin/tokens/{id}/issue", a.handleTokenIssue).Methods(http.MethodPost)
	r.HandleFunc("/v1/admin/audits", a.handleAudits).Methods(http.MethodGet)

	var handler http.Handler = r
	handler = audit.Middleware(opt.AuditLog, opt.Logger, tokenFromRequest)(handler)
	handler = withAuthAndRateLimit(opt, handler)
	handler = withCORS(handler)
	return handler
}

// withCORS allows browser-based clients (the admin console, in-browser
// simulators) to call this API cross-origin; preflight OPTIONS requests are
// answered directly and never reach auth/rate limiting/routing.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type api struct {
	opt Options
}

func tokenFromRequest(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

// withAuthAndRateLimit gates every request per §4.5/§4.6: skip routes are
// exempt from auth; every response (even a 401) carries the rate-limit
// headers.
func withAuthAndRateLimit(opt Options, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ratelimit.Key(r)
		decision := opt.Limiter.Check(r.Context(), key)
		ratelimit.SetHeaders(w, decision, time.Now().UTC())
		if !decision.Allowed {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":      "rate_limited",
				"retryAfter": int(decision.RetryAfter.Seconds()),
			})
			return
		}

		if !auth.Skip(r.URL.Path) {
			if _, err := opt.Authenticator.Authenticate(r.Context(), r.URL.Path, r); err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(a.opt.StartedAt).String(),
	})
}

func (a *api) handleReady(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func (a *api) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.opt.StaticFlags)
}

func (a *api) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	if renderer, ok := a.opt.Meter.(interface{ RenderPrometheusText() []byte }); ok {
		_, _ = w.Write(renderer.RenderPrometheusText())
	}
}

// handleTokensList reports tokens only when the configured TokenStore also
// supports enumeration (spec.md does not require every Store implementation
// to list, only to Lookup/Create/Revoke).
func (a *api) handleTokensList(w http.ResponseWriter, r *http.Request) {
	if l, ok := a.opt.Tokens.(interface{ List() []auth.TokenRecord }); ok {
		writeJSON(w, http.StatusOK, map[string]any{"tokens": l.List()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": []auth.TokenRecord{}})
}

func (a *api) handleTokensCreate(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name string `json:"name"`
	}
	_ = json.NewDecoder(r.Body).Decode(&in)

	tok, err := auth.NewRandomToken()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "token_generation_failed"})
		return
	}
	rec := auth.TokenRecord{
		ID:        tok[:16],
		Token:     tok,
		Name:      in.Name,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.opt.Tokens.Create(r.Context(), rec); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "token_create_failed"})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": rec.ID, "token": rec.Token})
}

func (a *api) handleTokenRevoke(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.opt.Tokens.Revoke(r.Context(), id, time.Now().UTC()); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleTokenIssue(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if a.opt.JWTSigner == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "jwt_not_configured"})
		return
	}
	tok, err := a.opt.JWTSigner.Sign(id, time.Now().UTC())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "issue_failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jwt": tok})
}

func (a *api) handleAudits(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	entries, err := a.opt.AuditLog.Recent(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "audit_read_failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audits": entries})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
