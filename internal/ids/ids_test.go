package ids

import (
	"strings"
	"testing"
)

func TestNewIsSortable(t *testing.T) {
	a := New()
	b := New()
	if len(a) != 26 || len(b) != 26 {
		t.Fatalf("unexpected ulid length: %q %q", a, b)
	}
	if a >= b {
		t.Fatalf("expected monotonic ids, got %s then %s", a, b)
	}
}

func TestTokenAlphabetAndLength(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		tok, err := Token(64)
		if err != nil {
			t.Fatalf("Token: %v", err)
		}
		if len(tok) != 64 {
			t.Fatalf("expected 64 symbols, got %d", len(tok))
		}
		for _, r := range tok {
			if !strings.ContainsRune(Alphabet, r) {
				t.Fatalf("symbol %q outside alphabet", r)
			}
		}
		if _, dup := seen[tok]; dup {
			t.Fatalf("duplicate token %s", tok)
		}
		seen[tok] = struct{}{}
	}
}

func TestTokenRejectsNonPositiveLength(t *testing.T) {
	if _, err := Token(0); err == nil {
		t.Fatal("expected error for zero length")
	}
}
