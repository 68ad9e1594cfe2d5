package auth

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	totpPeriod   = 30
	totpSkew     = 1
	totpSeedSize = 20
)

var (
	seedEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

	totpOpts = totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
)

// NewTOTPSeed returns a random 160-bit seed in unpadded base32.
func NewTOTPSeed() (string, error) {
	buf := make([]byte, totpSeedSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("%w: totp seed: %v", ErrCrypto, err)
	}
	return seedEncoding.EncodeToString(buf), nil
}

// VerifyTOTP checks a 6-digit token against seed at the given instant,
// accepting the adjacent 30s windows. Malformed input fails closed.
func VerifyTOTP(seed, token string, at time.Time) bool {
	if !wellFormedToken(token) || seed == "" {
		return false
	}
	ok, err := totp.ValidateCustom(token, seed, at.UTC(), totpOpts)
	return err == nil && ok
}

// TOTPCode returns the token for seed at the given instant.
func TOTPCode(seed string, at time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(seed, at.UTC(), totpOpts)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return code, nil
}

// ProvisionTOTP builds the otpauth key an authenticator app enrolls from.
func ProvisionTOTP(issuer, accountName, seed string) (*otp.Key, error) {
	secret, err := seedEncoding.DecodeString(strings.ToUpper(strings.TrimRight(seed, "=")))
	if err != nil {
		return nil, fmt.Errorf("%w: totp seed: %v", ErrCrypto, err)
	}
	return totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
		Period:      totpPeriod,
		Secret:      secret,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
}

func wellFormedToken(token string) bool {
	if len(token) != 6 {
		return false
	}
	for i := 0; i < len(token); i++ {
		if token[i] < '0' || token[i] > '9' {
			return false
		}
	}
	return true
}
