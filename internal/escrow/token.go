// Package escrow issues and formats the collection tokens that gate fund
// release. A token is handed to the receiver out of band and presented to
// the rider at delivery; funds only move once it is verified.
package escrow

import (
	"crypto/rand"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// tokenAlphabet excludes characters that read ambiguously over the phone or
// in a cramped SMS font (0/O, 1/I/L).
const tokenAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// TokenPrefix marks every collection token.
const TokenPrefix = "GT"

// Token is a single-use collection key together with its expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// NewToken generates a collection token in the form GT-XXXX-XX valid for ttl
// from now. Randomness comes from crypto/rand; the six-character body gives
// roughly 887 million combinations, plenty against online guessing given
// tokens are single use and expire.
func NewToken(now time.Time, ttl time.Duration) (Token, error) {
	body, err := randomChars(6)
	if err != nil {
		return Token{}, fmt.Errorf("generate collection token: %w", err)
	}
	return Token{
		Value:     fmt.Sprintf("%s-%s-%s", TokenPrefix, body[:4], body[4:]),
		ExpiresAt: now.Add(ttl),
	}, nil
}

func randomChars(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(out), nil
}

// Normalize uppercases a user-supplied token and strips surrounding space so
// hand-typed input still matches.
func Normalize(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// Valid reports whether raw has the GT-XXXX-XX shape over the token
// alphabet. It does not consult the ledger.
func Valid(raw string) bool {
	t := Normalize(raw)
	if len(t) != 10 || t[0:2] != TokenPrefix || t[2] != '-' || t[7] != '-' {
		return false
	}
	for _, c := range t[3:7] + t[8:] {
		if !strings.ContainsRune(tokenAlphabet, c) {
			return false
		}
	}
	return true
}

// VerificationURL builds the handshake link embedded in receiver
// notifications.
func VerificationURL(baseURL, txRef, token string) string {
	return fmt.Sprintf("%s/verification/handshake?tx_ref=%s&token=%s",
		strings.TrimRight(baseURL, "/"), url.QueryEscape(txRef), url.QueryEscape(token))
}
