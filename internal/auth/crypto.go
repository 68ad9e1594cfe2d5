package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	keyLen   = 32
	saltLen  = 16
	phcIDKey = "argon2id"
)

// KDFParams are the argon2id cost parameters. Memory is in KiB.
type KDFParams struct {
	Memory  uint32 `yaml:"memory"`
	Time    uint32 `yaml:"time"`
	Threads uint8  `yaml:"threads"`
}

// DefaultKDFParams matches the argon2id recommendation of 19 MiB, 2 passes, 1 lane.
var DefaultKDFParams = KDFParams{Memory: 19 * 1024, Time: 2, Threads: 1}

func (p KDFParams) validate() error {
	if p.Memory < 8*uint32(p.Threads) || p.Time == 0 || p.Threads == 0 {
		return fmt.Errorf("%w: argon2 params m=%d t=%d p=%d", ErrInvalidInput, p.Memory, p.Time, p.Threads)
	}
	return nil
}

// NewNonce returns a fresh per-account key derivation salt encoded together
// with the parameters it is used with: $argon2id$v=19$m=..,t=..,p=..$salt.
// Keys stay reproducible from password and nonce when defaults change later.
func NewNonce(p KDFParams) (string, error) {
	if err := p.validate(); err != nil {
		return "", err
	}
	buf := make([]byte, saltLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("%w: nonce: %v", ErrCrypto, err)
	}
	return encodeNonce(p, buf), nil
}

func encodeNonce(p KDFParams, salt []byte) string {
	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s",
		phcIDKey, argon2.Version, p.Memory, p.Time, p.Threads,
		base64.RawStdEncoding.EncodeToString(salt))
}

// DeriveKey stretches password with the account nonce into a 256-bit key,
// using the parameters embedded in the nonce. The same password and nonce
// always yield the same key.
func DeriveKey(password, nonce string) ([]byte, error) {
	if password == "" {
		return nil, fmt.Errorf("%w: empty password", ErrCrypto)
	}
	p, salt, err := parseNonce(nonce)
	if err != nil {
		return nil, err
	}
	return argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, keyLen), nil
}

func parseNonce(nonce string) (KDFParams, []byte, error) {
	parts := strings.Split(nonce, "$")
	if len(parts) != 5 || parts[0] != "" || parts[1] != phcIDKey {
		return KDFParams{}, nil, fmt.Errorf("%w: malformed account nonce", ErrCrypto)
	}
	p, err := parseParams(parts[2], parts[3])
	if err != nil {
		return KDFParams{}, nil, err
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) < 8 {
		return KDFParams{}, nil, fmt.Errorf("%w: malformed account nonce", ErrCrypto)
	}
	return p, salt, nil
}

// HashKey hashes a derived key a second time with a fresh salt and encodes
// the result as a PHC string.
func HashKey(p KDFParams, key []byte) (string, error) {
	if err := p.validate(); err != nil {
		return "", err
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("%w: salt: %v", ErrCrypto, err)
	}
	sum := argon2.IDKey(key, salt, p.Time, p.Memory, p.Threads, keyLen)
	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		phcIDKey, argon2.Version, p.Memory, p.Time, p.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum),
	), nil
}

// VerifyKey reports whether key matches the PHC encoded hash.
// A malformed hash is an error, a mismatch is not.
func VerifyKey(encoded string, key []byte) (bool, error) {
	p, salt, sum, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	other := argon2.IDKey(key, salt, p.Time, p.Memory, p.Threads, uint32(len(sum)))
	return subtle.ConstantTimeCompare(sum, other) == 1, nil
}

func parsePHC(encoded string) (KDFParams, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != phcIDKey {
		return KDFParams{}, nil, nil, fmt.Errorf("%w: unsupported hash format", ErrCrypto)
	}
	p, err := parseParams(parts[2], parts[3])
	if err != nil {
		return p, nil, nil, err
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return p, nil, nil, fmt.Errorf("%w: hash salt: %v", ErrCrypto, err)
	}
	sum, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(sum) == 0 {
		return p, nil, nil, fmt.Errorf("%w: hash digest", ErrCrypto)
	}
	return p, salt, sum, nil
}

// parseParams reads the "v=.." and "m=..,t=..,p=.." PHC segments.
func parseParams(version, params string) (KDFParams, error) {
	var (
		p KDFParams
		v int
	)
	if _, err := fmt.Sscanf(version, "v=%d", &v); err != nil || v != argon2.Version {
		return p, fmt.Errorf("%w: unsupported argon2 version", ErrCrypto)
	}
	if _, err := fmt.Sscanf(params, "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &p.Threads); err != nil {
		return p, fmt.Errorf("%w: argon2 params: %v", ErrCrypto, err)
	}
	if err := p.validate(); err != nil {
		return p, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return p, nil
}

// Encrypt seals plaintext with XChaCha20-Poly1305 under key and returns
// base64(nonce) ":" base64(ciphertext). Every call draws a new 192-bit nonce.
func Encrypt(key, plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("%w: nonce: %v", ErrCrypto, err)
	}
	ct := aead.Seal(nil, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(nonce) + ":" + base64.StdEncoding.EncodeToString(ct), nil
}

// Decrypt reverses Encrypt. Wrong keys and malformed input both fail with ErrCrypto.
func Decrypt(key []byte, sealed string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	noncePart, ctPart, ok := strings.Cut(sealed, ":")
	if !ok {
		return nil, fmt.Errorf("%w: missing delimiter", ErrCrypto)
	}
	nonce, err := base64.StdEncoding.DecodeString(noncePart)
	if err != nil || len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: malformed nonce", ErrCrypto)
	}
	ct, err := base64.StdEncoding.DecodeString(ctPart)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed ciphertext", ErrCrypto)
	}
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, errors.Join(ErrCrypto, err)
	}
	return pt, nil
}
