package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"yaud.dev/internal/audit"
	"yaud.dev/internal/auth"
	"yaud.dev/internal/notify"
	"yaud.dev/internal/obs"
)

const serviceName = "yaud-api"

// ReadyProbe pings the database when one is configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Options wires the HTTP layer to its collaborators.
type Options struct {
	Auth  *auth.Service
	Mail  notify.Queue
	Ready readinessChecker

	Version        string
	CookieDomain   string
	MaxBodyBytes   int64
	RateLimitRPS   int
	RateLimitBurst int
	AllowedOrigins []string
}

// API is the HTTP layer.
type API struct {
	mux          *http.ServeMux
	auth         *auth.Service
	mail         notify.Queue
	ready        readinessChecker
	version      string
	cookieDomain string
	opts         Options
}

func New(opts Options) (*API, error) {
	if opts.Auth == nil {
		return nil, errors.New("httpapi: auth service is required")
	}
	if opts.Ready == nil {
		opts.Ready = ReadyProbe{}
	}
	a := &API{
		mux:          http.NewServeMux(),
		auth:         opts.Auth,
		mail:         opts.Mail,
		ready:        opts.Ready,
		version:      opts.Version,
		cookieDomain: opts.CookieDomain,
		opts:         opts,
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/accounts", a.handleSignup)
	a.mux.HandleFunc("POST /v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("POST /v1/auth/refresh", a.handleRefresh)

	none := a.require(auth.PermissionNone)
	a.mux.Handle("POST /v1/auth/logout", none(http.HandlerFunc(a.handleLogout)))
	a.mux.Handle("GET /v1/auth/session", none(http.HandlerFunc(a.handleSession)))
	a.mux.Handle("PATCH /v1/auth/profile", none(http.HandlerFunc(a.handleProfile)))
	a.mux.Handle("PUT /v1/auth/password", none(http.HandlerFunc(a.handlePassword)))
	a.mux.Handle("POST /v1/auth/totp", none(http.HandlerFunc(a.handleTOTPProvision)))
	a.mux.Handle("PUT /v1/auth/totp", none(http.HandlerFunc(a.handleTOTPToggle)))
	a.mux.Handle("GET /v1/permissions", none(http.HandlerFunc(a.handleCatalog)))

	manage := a.require(auth.PermAccountPermissionManage)
	a.mux.Handle("GET /v1/accounts/{id}/permissions", manage(http.HandlerFunc(a.handleListPermissions)))
	a.mux.Handle("PUT /v1/accounts/{id}/permissions/{permission}", manage(http.HandlerFunc(a.handleGrant)))
	a.mux.Handle("DELETE /v1/accounts/{id}/permissions/{permission}", manage(http.HandlerFunc(a.handleRevoke)))

	return a, nil
}

// Handler returns the mux wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = obs.Instrument(a.mux)
	h = MaxBodyBytes(h, a.opts.MaxBodyBytes)
	h = RateLimit(h, a.opts.RateLimitBurst, a.opts.RateLimitRPS)
	h = CORS(h, a.opts.AllowedOrigins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// enqueue records a notification; delivery failures never fail the request.
func (a *API) enqueue(r *http.Request, kind notify.Kind, acct *auth.Account) {
	if a.mail == nil || acct == nil {
		return
	}
	m := notify.NewMail(kind, acct.ID, acct.Mail, acct.FirstName)
	if err := a.mail.Enqueue(r.Context(), m); err != nil {
		obs.Error("mail enqueue failed", err, map[string]any{
			"request_id": audit.RequestIDFromContext(r.Context()),
			"kind":       string(kind),
			"account_id": acct.ID,
		})
	}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	resp := map[string]string{"error": msg}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		resp["request_id"] = rid
	}
	writeJSON(w, code, resp)
}

// writeServiceError maps auth sentinels to statuses. Anything unknown is
// logged and answered with a generic 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var forbidden *auth.ForbiddenError
	switch {
	case errors.As(err, &forbidden):
		writeError(w, r, http.StatusForbidden, forbidden.Reason)
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, strings.TrimPrefix(err.Error(), auth.ErrInvalidInput.Error()+": "))
	case errors.Is(err, auth.ErrNotFound):
		// Only reachable behind the account.permission.manage gate or for the
		// caller's own account. Public routes map unknown accounts to 401.
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, "conflict")
	default:
		obs.Error("request failed", err, map[string]any{
			"request_id": audit.RequestIDFromContext(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
		})
		writeError(w, r, http.StatusInternalServerError, "internal server error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid json: %w", err)
	}
	if dec.More() {
		return errors.New("unexpected data after json object")
	}
	return nil
}
