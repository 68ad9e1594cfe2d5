package httpapi

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image/png"
	"net/http"
	"time"

	"yaud.dev/internal/audit"
	"yaud.dev/internal/auth"
	"yaud.dev/internal/notify"
	"yaud.dev/internal/obs"
)

const qrSize = 256

type signupRequest struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Mail      string `json:"mail"`
	Password  string `json:"password"`
}

type loginRequest struct {
	Mail     string `json:"mail"`
	Password string `json:"password"`
	Token    string `json:"token"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type profileRequest struct {
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
	Mail      *string `json:"mail"`
}

type passwordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
	Token       string `json:"token"`
}

type totpProvisionRequest struct {
	Password string `json:"password"`
}

type totpToggleRequest struct {
	Password string `json:"password"`
	Token    string `json:"token"`
	Enabled  *bool  `json:"enabled"`
}

// sessionView omits the session id, which only travels in the HttpOnly cookie.
type sessionView struct {
	AccountID        string    `json:"account_id"`
	IssuedAt         time.Time `json:"issued_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshToken     string    `json:"refresh_token,omitempty"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

func viewSession(s *auth.Session, withToken bool) sessionView {
	v := sessionView{
		AccountID:        s.AccountID,
		IssuedAt:         s.IssuedAt,
		ExpiresAt:        s.ExpiresAt,
		RefreshExpiresAt: s.RefreshExpiresAt,
	}
	if withToken {
		v.RefreshToken = s.RefreshToken
	}
	return v
}

func (a *API) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	acct, err := a.auth.WriteAccount(r.Context(), auth.AccountWrite{
		FirstName: &req.FirstName,
		LastName:  &req.LastName,
		Mail:      &req.Mail,
		Password:  &req.Password,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventAccountCreated, map[string]any{"account_id": acct.ID})
	a.enqueue(r, notify.KindAccountCreated, acct)
	writeJSON(w, http.StatusCreated, acct)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.auth.Login(r.Context(), req.Mail, req.Password, req.Token)
	if err != nil {
		outcome := "error"
		switch {
		case errors.Is(err, auth.ErrForbidden):
			outcome = "totp_required"
		case errors.Is(err, auth.ErrUnauthorized):
			outcome = "unauthorized"
		}
		obs.ObserveLogin(outcome)
		_ = audit.LogEvent(r.Context(), audit.EventLoginFailed, map[string]any{"outcome": outcome})
		writeServiceError(w, r, err)
		return
	}
	obs.ObserveLogin("success")
	obs.ObserveSessionIssued()
	_ = audit.LogEvent(r.Context(), audit.EventLogin, map[string]any{
		"account_id":      res.Account.ID,
		"reactivate_totp": res.ReactivateTOTP,
	})
	a.setSessionCookie(w, res.Session)
	writeJSON(w, http.StatusOK, map[string]any{
		"reactivate_totp": res.ReactivateTOTP,
		"session":         viewSession(res.Session, true),
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(SessionCookie)
	if err != nil || c.Value == "" {
		writeError(w, r, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	sess, err := a.auth.Refresh(r.Context(), c.Value, req.RefreshToken)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			a.clearSessionCookie(w)
		}
		writeServiceError(w, r, err)
		return
	}
	obs.ObserveSessionIssued()
	_ = audit.LogEvent(r.Context(), audit.EventRefresh, map[string]any{"account_id": sess.AccountID})
	a.setSessionCookie(w, sess)
	writeJSON(w, http.StatusOK, map[string]any{"session": viewSession(sess, true)})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if err := a.auth.Logout(r.Context(), p.Account.ID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventLogout, map[string]any{"account_id": p.Account.ID})
	a.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"account": p.Account,
		"session": viewSession(&p.Session, false),
	})
}

func (a *API) handleProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	acct, err := a.auth.WriteAccount(r.Context(), auth.AccountWrite{
		Target:    principal(r).Account.ID,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Mail:      req.Mail,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (a *API) handlePassword(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	acct, err := a.auth.WriteAccount(r.Context(), auth.AccountWrite{
		Target:      principal(r).Account.ID,
		Password:    &req.NewPassword,
		OldPassword: req.OldPassword,
		Token:       req.Token,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventPasswordChanged, map[string]any{
		"account_id":      acct.ID,
		"reactivate_totp": acct.TOTP.Reactivate,
	})
	a.enqueue(r, notify.KindPasswordChanged, acct)
	writeJSON(w, http.StatusOK, acct)
}

func (a *API) handleTOTPProvision(w http.ResponseWriter, r *http.Request) {
	var req totpProvisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	key, err := a.auth.Provision(r.Context(), principal(r).Account.ID, req.Password)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	img, err := key.Image(qrSize, qrSize)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"url":     key.URL(),
		"qr_code": base64.StdEncoding.EncodeToString(buf.Bytes()),
	})
}

func (a *API) handleTOTPToggle(w http.ResponseWriter, r *http.Request) {
	var req totpToggleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p := principal(r)
	enabled := !p.Account.TOTP.Active
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	acct, err := a.auth.WriteAccount(r.Context(), auth.AccountWrite{
		Target:      p.Account.ID,
		OldPassword: req.Password,
		Token:       req.Token,
		TOTP:        &enabled,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventTOTPChanged, map[string]any{
		"account_id": acct.ID,
		"active":     acct.TOTP.Active,
	})
	kind := notify.KindTOTPDisabled
	if acct.TOTP.Active {
		kind = notify.KindTOTPEnabled
	}
	a.enqueue(r, kind, acct)
	writeJSON(w, http.StatusOK, map[string]any{"totp": acct.TOTP})
}
