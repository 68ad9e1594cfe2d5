package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pquerna/otp"

	"yaud.dev/internal/auth"
	"yaud.dev/internal/notify"
	"yaud.dev/internal/store/memory"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type testEnv struct {
	t     *testing.T
	api   *API
	svc   *auth.Service
	store *memory.Store
	clock *fakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memory.New()
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	svc, err := auth.NewService(store,
		auth.WithClock(clock.Now),
		auth.WithKDFParams(auth.KDFParams{Memory: 64, Time: 1, Threads: 1}),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if _, err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	api, err := New(Options{Auth: svc, Mail: store, Version: "test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testEnv{t: t, api: api, svc: svc, store: store, clock: clock}
}

// client carries the session cookie between calls like a browser would.
type client struct {
	env    *testEnv
	cookie *http.Cookie
}

func (e *testEnv) client() *client { return &client{env: e} }

func (c *client) do(method, path string, body any) *httptest.ResponseRecorder {
	c.env.t.Helper()
	var rdr io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			c.env.t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if c.cookie != nil {
		req.AddCookie(c.cookie)
	}
	rr := httptest.NewRecorder()
	c.env.api.Handler().ServeHTTP(rr, req)
	for _, ck := range rr.Result().Cookies() {
		if ck.Name != SessionCookie {
			continue
		}
		if ck.Value == "" {
			c.cookie = nil
		} else {
			c.cookie = &http.Cookie{Name: ck.Name, Value: ck.Value}
		}
	}
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return out
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, rr.Code, rr.Body.String())
	}
}

func (e *testEnv) signup(mail, password string) string {
	e.t.Helper()
	rr := e.client().do(http.MethodPost, "/v1/accounts", map[string]string{
		"first_name": "Ada",
		"last_name":  "Lovelace",
		"mail":       mail,
		"password":   password,
	})
	expectStatus(e.t, rr, http.StatusCreated)
	return decodeBody(e.t, rr)["id"].(string)
}

func (e *testEnv) login(mail, password, token string) *client {
	e.t.Helper()
	c := e.client()
	rr := c.do(http.MethodPost, "/v1/auth/login", map[string]string{"mail": mail, "password": password, "token": token})
	expectStatus(e.t, rr, http.StatusOK)
	if c.cookie == nil {
		e.t.Fatal("login did not set session cookie")
	}
	return c
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rr := env.client().do(http.MethodGet, "/healthz", nil)
	expectStatus(t, rr, http.StatusOK)
	if body := decodeBody(t, rr); body["status"] != "ok" || body["version"] != "test" {
		t.Fatalf("unexpected body: %v", body)
	}
	expectStatus(t, env.client().do(http.MethodGet, "/readyz", nil), http.StatusOK)
}

func TestSignupLoginLogout(t *testing.T) {
	env := newTestEnv(t)
	id := env.signup("Ada@Example.com", "hunter22")

	rr := env.client().do(http.MethodPost, "/v1/accounts", map[string]string{"mail": "ada@example.com", "password": "x"})
	expectStatus(t, rr, http.StatusConflict)

	mails := env.store.Mails()
	if len(mails) != 1 || mails[0].Kind != notify.KindAccountCreated || mails[0].Recipient != "ada@example.com" {
		t.Fatalf("unexpected mail queue: %+v", mails)
	}

	c := env.client()
	rr = c.do(http.MethodPost, "/v1/auth/login", map[string]string{"mail": "ada@example.com", "password": "wrong"})
	expectStatus(t, rr, http.StatusUnauthorized)
	if c.cookie != nil {
		t.Fatal("failed login must not set a cookie")
	}

	rr = c.do(http.MethodPost, "/v1/auth/login", map[string]string{"mail": "ada@example.com", "password": "hunter22"})
	expectStatus(t, rr, http.StatusOK)
	var set *http.Cookie
	for _, ck := range rr.Result().Cookies() {
		if ck.Name == SessionCookie {
			set = ck
		}
	}
	if set == nil || !set.HttpOnly || !set.Secure || set.SameSite != http.SameSiteStrictMode || set.Path != "/" {
		t.Fatalf("unexpected cookie: %+v", set)
	}
	if len(set.Value) != 64 {
		t.Fatalf("session id length %d", len(set.Value))
	}
	body := decodeBody(t, rr)
	if body["reactivate_totp"] != false {
		t.Fatalf("unexpected reactivate flag: %v", body)
	}
	sess := body["session"].(map[string]any)
	if _, leaked := sess["id"]; leaked {
		t.Fatal("session id must only travel in the cookie")
	}

	rr = c.do(http.MethodGet, "/v1/auth/session", nil)
	expectStatus(t, rr, http.StatusOK)
	account := decodeBody(t, rr)["account"].(map[string]any)
	if account["id"] != id {
		t.Fatalf("unexpected account: %v", account)
	}
	if _, leaked := account["password_hash"]; leaked {
		t.Fatal("credential material leaked")
	}

	expectStatus(t, c.do(http.MethodPost, "/v1/auth/logout", nil), http.StatusNoContent)
	if c.cookie != nil {
		t.Fatal("logout must clear the cookie")
	}
	if env.store.SessionCount(id) != 0 {
		t.Fatal("logout must end the session")
	}
}

func TestGateUniformUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	env.signup("ada@example.com", "hunter22")

	anon := env.client()
	rr1 := anon.do(http.MethodGet, "/v1/auth/session", nil)
	expectStatus(t, rr1, http.StatusUnauthorized)

	forged := env.client()
	forged.cookie = &http.Cookie{Name: SessionCookie, Value: "not-a-session"}
	rr2 := forged.do(http.MethodGet, "/v1/auth/session", nil)
	expectStatus(t, rr2, http.StatusUnauthorized)

	c := env.login("ada@example.com", "hunter22", "")
	rr3 := c.do(http.MethodGet, "/v1/accounts/x/permissions", nil)
	expectStatus(t, rr3, http.StatusUnauthorized)

	for _, rr := range []*httptest.ResponseRecorder{rr1, rr2, rr3} {
		if msg := decodeBody(t, rr)["error"]; msg != "Unauthorized" {
			t.Fatalf("expected uniform body, got %v", msg)
		}
	}
}

func TestSessionExpiryAndRefresh(t *testing.T) {
	env := newTestEnv(t)
	env.signup("ada@example.com", "hunter22")

	c := env.client()
	rr := c.do(http.MethodPost, "/v1/auth/login", map[string]string{"mail": "ada@example.com", "password": "hunter22"})
	expectStatus(t, rr, http.StatusOK)
	refreshToken := decodeBody(t, rr)["session"].(map[string]any)["refresh_token"].(string)
	oldCookie := c.cookie

	env.clock.Advance(16 * time.Minute)
	rr = c.do(http.MethodPost, "/v1/auth/refresh", map[string]string{"refresh_token": refreshToken})
	expectStatus(t, rr, http.StatusOK)
	if c.cookie == nil || c.cookie.Value == oldCookie.Value {
		t.Fatal("refresh must rotate the session id")
	}
	expectStatus(t, c.do(http.MethodGet, "/v1/auth/session", nil), http.StatusOK)

	stale := env.client()
	stale.cookie = oldCookie
	expectStatus(t, stale.do(http.MethodGet, "/v1/auth/session", nil), http.StatusUnauthorized)
	expectStatus(t, stale.do(http.MethodPost, "/v1/auth/refresh", map[string]string{"refresh_token": refreshToken}), http.StatusUnauthorized)

	env.clock.Advance(16 * time.Minute)
	expectStatus(t, c.do(http.MethodGet, "/v1/auth/session", nil), http.StatusUnauthorized)
}

func TestRefreshMismatchEndsSession(t *testing.T) {
	env := newTestEnv(t)
	id := env.signup("ada@example.com", "hunter22")
	c := env.login("ada@example.com", "hunter22", "")

	rr := c.do(http.MethodPost, "/v1/auth/refresh", map[string]string{"refresh_token": "guess"})
	expectStatus(t, rr, http.StatusUnauthorized)
	if c.cookie != nil {
		t.Fatal("rejected refresh must clear the cookie")
	}
	if env.store.SessionCount(id) != 0 {
		t.Fatal("mismatched refresh must end the session")
	}
	expectStatus(t, env.client().do(http.MethodPost, "/v1/auth/refresh", map[string]string{"refresh_token": "x"}), http.StatusUnauthorized)
}

func TestTOTPLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.signup("ada@example.com", "hunter22")
	c := env.login("ada@example.com", "hunter22", "")

	expectStatus(t, c.do(http.MethodPost, "/v1/auth/totp", map[string]string{"password": "wrong"}), http.StatusUnauthorized)

	rr := c.do(http.MethodPost, "/v1/auth/totp", map[string]string{"password": "hunter22"})
	expectStatus(t, rr, http.StatusOK)
	body := decodeBody(t, rr)
	if body["qr_code"] == "" {
		t.Fatal("expected QR image")
	}
	key, err := otp.NewKeyFromURL(body["url"].(string))
	if err != nil {
		t.Fatalf("parse provisioning url: %v", err)
	}
	code := func() string {
		t.Helper()
		token, err := auth.TOTPCode(key.Secret(), env.clock.Now())
		if err != nil {
			t.Fatalf("TOTPCode: %v", err)
		}
		return token
	}

	expectStatus(t, c.do(http.MethodPut, "/v1/auth/totp", map[string]any{"password": "hunter22", "token": "000000", "enabled": true}), http.StatusUnauthorized)
	rr = c.do(http.MethodPut, "/v1/auth/totp", map[string]any{"password": "hunter22", "token": code(), "enabled": true})
	expectStatus(t, rr, http.StatusOK)
	if totp := decodeBody(t, rr)["totp"].(map[string]any); totp["active"] != true {
		t.Fatalf("expected active totp, got %v", totp)
	}
	kinds := map[notify.Kind]bool{}
	for _, m := range env.store.Mails() {
		kinds[m.Kind] = true
	}
	if !kinds[notify.KindTOTPEnabled] {
		t.Fatal("expected totp_enabled notification")
	}

	rr = env.client().do(http.MethodPost, "/v1/auth/login", map[string]string{"mail": "ada@example.com", "password": "hunter22"})
	expectStatus(t, rr, http.StatusForbidden)
	if msg := decodeBody(t, rr)["error"]; msg != auth.ReasonTOTPRequired {
		t.Fatalf("unexpected reason: %v", msg)
	}
	rr = env.client().do(http.MethodPost, "/v1/auth/login", map[string]string{"mail": "ada@example.com", "password": "hunter22", "token": "123456"})
	expectStatus(t, rr, http.StatusUnauthorized)

	c = env.login("ada@example.com", "hunter22", code())
	rr = c.do(http.MethodPut, "/v1/auth/password", map[string]string{"old_password": "hunter22", "new_password": "correct horse", "token": code()})
	expectStatus(t, rr, http.StatusOK)

	rr = env.client().do(http.MethodPost, "/v1/auth/login", map[string]string{"mail": "ada@example.com", "password": "correct horse"})
	expectStatus(t, rr, http.StatusOK)
	if decodeBody(t, rr)["reactivate_totp"] != true {
		t.Fatal("password change must put TOTP into reactivation")
	}
	expectStatus(t, env.client().do(http.MethodPost, "/v1/auth/login", map[string]string{"mail": "ada@example.com", "password": "hunter22"}), http.StatusUnauthorized)
}

func TestProfileUpdate(t *testing.T) {
	env := newTestEnv(t)
	env.signup("ada@example.com", "hunter22")
	c := env.login("ada@example.com", "hunter22", "")

	rr := c.do(http.MethodPatch, "/v1/auth/profile", map[string]string{"first_name": " Augusta "})
	expectStatus(t, rr, http.StatusOK)
	if body := decodeBody(t, rr); body["first_name"] != "Augusta" || body["last_name"] != "Lovelace" {
		t.Fatalf("unexpected profile: %v", body)
	}
	expectStatus(t, c.do(http.MethodPatch, "/v1/auth/profile", map[string]string{"mail": "not a mail"}), http.StatusBadRequest)
	expectStatus(t, c.do(http.MethodPatch, "/v1/auth/profile", map[string]string{"nickname": "x"}), http.StatusBadRequest)
}

func TestPermissionRoutes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	adminID := env.signup("admin@example.com", "admin-pass")
	userID := env.signup("user@example.com", "user-pass")
	if err := env.svc.Grant(ctx, adminID, auth.PermAccountPermissionManage); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	user := env.login("user@example.com", "user-pass", "")
	expectStatus(t, user.do(http.MethodPut, "/v1/accounts/"+userID+"/permissions/task.request.view", nil), http.StatusUnauthorized)

	admin := env.login("admin@example.com", "admin-pass", "")
	rr := admin.do(http.MethodGet, "/v1/accounts/"+userID+"/permissions", nil)
	expectStatus(t, rr, http.StatusOK)
	if perms := decodeBody(t, rr)["permissions"].([]any); len(perms) != 0 {
		t.Fatalf("expected no grants, got %v", perms)
	}

	path := "/v1/accounts/" + userID + "/permissions/task.request.view"
	expectStatus(t, admin.do(http.MethodPut, path, nil), http.StatusNoContent)
	expectStatus(t, admin.do(http.MethodPut, path, nil), http.StatusNoContent)
	ok, err := env.svc.HasPermission(ctx, userID, auth.PermTaskRequestView)
	if err != nil || !ok {
		t.Fatalf("expected grant: ok=%v err=%v", ok, err)
	}

	expectStatus(t, admin.do(http.MethodPut, "/v1/accounts/"+userID+"/permissions/task.request.delete", nil), http.StatusBadRequest)
	expectStatus(t, admin.do(http.MethodPut, "/v1/accounts/missing/permissions/task.request.view", nil), http.StatusNotFound)
	expectStatus(t, admin.do(http.MethodGet, "/v1/accounts/missing/permissions", nil), http.StatusNotFound)

	expectStatus(t, admin.do(http.MethodDelete, path, nil), http.StatusNoContent)
	ok, err = env.svc.HasPermission(ctx, userID, auth.PermTaskRequestView)
	if err != nil || ok {
		t.Fatalf("expected revoke: ok=%v err=%v", ok, err)
	}

	rr = user.do(http.MethodGet, "/v1/permissions", nil)
	expectStatus(t, rr, http.StatusOK)
	if perms := decodeBody(t, rr)["permissions"].([]any); len(perms) != 3 {
		t.Fatalf("unexpected catalog: %v", perms)
	}
}

func TestUnknownAccountHiddenWithoutManage(t *testing.T) {
	env := newTestEnv(t)
	env.signup("user@example.com", "user-pass")
	user := env.login("user@example.com", "user-pass", "")

	for _, c := range []*client{env.client(), user} {
		expectStatus(t, c.do(http.MethodGet, "/v1/accounts/missing/permissions", nil), http.StatusUnauthorized)
		expectStatus(t, c.do(http.MethodPut, "/v1/accounts/missing/permissions/task.request.view", nil), http.StatusUnauthorized)
	}
	rr := env.client().do(http.MethodPost, "/v1/auth/login", map[string]string{"mail": "nobody@example.com", "password": "x"})
	expectStatus(t, rr, http.StatusUnauthorized)
	if msg := decodeBody(t, rr)["error"]; msg != "Unauthorized" {
		t.Fatalf("unexpected error: %v", msg)
	}
}

func TestMethodAndBodyErrors(t *testing.T) {
	env := newTestEnv(t)
	c := env.client()
	expectStatus(t, c.do(http.MethodGet, "/v1/auth/login", nil), http.StatusMethodNotAllowed)

	rr := c.do(http.MethodPost, "/v1/auth/login", nil)
	expectStatus(t, rr, http.StatusBadRequest)
	if msg := decodeBody(t, rr)["error"]; msg != "request body is required" {
		t.Fatalf("unexpected error: %v", msg)
	}
	if decodeBody(t, rr)["request_id"] == "" {
		t.Fatal("expected request_id")
	}
}
