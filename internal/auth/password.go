package auth

import (
	"fmt"
)

// credentials is the full key material written whenever a password is set.
type credentials struct {
	nonce  string
	hash   string
	secret string
	seed   string
}

// newCredentials generates a fresh nonce, derives the account key from
// password, hashes it and seals a freshly generated TOTP seed under it.
func newCredentials(p KDFParams, password string) (credentials, error) {
	if password == "" {
		return credentials{}, fmt.Errorf("%w: password is empty", ErrInvalidInput)
	}
	nonce, err := NewNonce(p)
	if err != nil {
		return credentials{}, err
	}
	key, err := DeriveKey(password, nonce)
	if err != nil {
		return credentials{}, err
	}
	hash, err := HashKey(p, key)
	if err != nil {
		return credentials{}, err
	}
	seed, err := NewTOTPSeed()
	if err != nil {
		return credentials{}, err
	}
	secret, err := Encrypt(key, []byte(seed))
	if err != nil {
		return credentials{}, err
	}
	return credentials{nonce: nonce, hash: hash, secret: secret, seed: seed}, nil
}

// apply stores the credentials on a and keeps TOTP enrollment alive through
// a one-time reactivation bypass.
func (c credentials) apply(a *Account) {
	a.Nonce = c.nonce
	a.PasswordHash = c.hash
	a.Secret = c.secret
	if a.TOTP.Active {
		a.TOTP.Reactivate = true
	}
}

// checkPassword derives the account key from password with the parameters
// stored in the account nonce and compares it against the stored hash. The
// returned key decrypts the account secret.
func checkPassword(a *Account, password string) ([]byte, error) {
	if password == "" {
		return nil, ErrUnauthorized
	}
	key, err := DeriveKey(password, a.Nonce)
	if err != nil {
		return nil, err
	}
	ok, err := VerifyKey(a.PasswordHash, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnauthorized
	}
	return key, nil
}

// seedFor opens the account TOTP seed with a verified key.
func seedFor(a *Account, key []byte) (string, error) {
	seed, err := Decrypt(key, a.Secret)
	if err != nil {
		return "", err
	}
	return string(seed), nil
}
