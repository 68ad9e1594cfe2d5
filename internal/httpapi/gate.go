package httpapi

import (
	"errors"
	"net/http"
	"time"

	"yaud.dev/internal/audit"
	"yaud.dev/internal/auth"
	"yaud.dev/internal/obs"
)

// SessionCookie carries the session id. It is the only credential the gate accepts.
const SessionCookie = "session_id"

// require returns middleware that admits a request only when its session
// cookie resolves to a live session whose account holds perm. Every refusal
// is the same 401 regardless of which check failed.
func (a *API) require(perm auth.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, err := r.Cookie(SessionCookie)
			if err != nil || c.Value == "" {
				a.deny(w, r, perm, nil)
				return
			}
			principal, err := a.auth.Authenticate(r.Context(), c.Value, perm)
			if err != nil {
				a.deny(w, r, perm, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.ContextWithPrincipal(r.Context(), principal)))
		})
	}
}

func (a *API) deny(w http.ResponseWriter, r *http.Request, perm auth.Permission, err error) {
	obs.ObserveGateDenial(string(perm))
	if err != nil && !errors.Is(err, auth.ErrUnauthorized) {
		obs.Error("session gate failed", err, map[string]any{
			"request_id": audit.RequestIDFromContext(r.Context()),
			"permission": string(perm),
		})
	}
	writeError(w, r, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
}

// setSessionCookie keeps the cookie for the whole refresh window so an
// expired session can still be rotated.
func (a *API) setSessionCookie(w http.ResponseWriter, s *auth.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    s.ID,
		Path:     "/",
		Domain:   a.cookieDomain,
		Expires:  s.RefreshExpiresAt,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *API) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		Domain:   a.cookieDomain,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p
}
