package auth

import "time"

// TOTPState tracks second-factor enforcement for an account.
// Reactivate grants a one-time bypass after a password change until the
// authenticator is set up again.
type TOTPState struct {
	Active     bool `json:"active"`
	Reactivate bool `json:"reactivate"`
}

// Enforced reports whether login must present a valid token.
func (s TOTPState) Enforced() bool { return s.Active && !s.Reactivate }

// Account is the identity record. Credential material never leaves the service in JSON.
type Account struct {
	ID           string    `json:"id"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	Mail         string    `json:"mail"`
	PasswordHash string    `json:"-"`
	Nonce        string    `json:"-"`
	Secret       string    `json:"-"`
	TOTP         TOTPState `json:"totp"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Session is the bearer credential issued after a successful login.
type Session struct {
	ID               string    `json:"id"`
	AccountID        string    `json:"account_id"`
	IssuedAt         time.Time `json:"issued_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Expired reports whether the session may no longer authenticate requests.
func (s Session) Expired(now time.Time) bool { return !now.Before(s.ExpiresAt) }

// RefreshExpired reports whether the refresh token is past its window.
func (s Session) RefreshExpired(now time.Time) bool { return !now.Before(s.RefreshExpiresAt) }

// Principal is the authenticated caller attached to a request.
type Principal struct {
	Account Account
	Session Session
}
