package ids

import (
	"crypto/rand"
	"errors"
	"math/big"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Alphabet is the symbol set used for opaque bearer tokens.
const Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)

	alphabetSize = big.NewInt(int64(len(Alphabet)))
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Token returns n symbols drawn uniformly from Alphabet using crypto/rand.
func Token(n int) (string, error) {
	if n <= 0 {
		return "", errors.New("ids: token length must be positive")
	}
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", err
		}
		out[i] = Alphabet[idx.Int64()]
	}
	return string(out), nil
}
