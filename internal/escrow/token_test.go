package escrow

import (
	"strings"
	"testing"
	"time"
)

func TestNewTokenShape(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tok, err := NewToken(now, 48*time.Hour)
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	if !Valid(tok.Value) {
		t.Fatalf("generated token %q fails validation", tok.Value)
	}
	if !strings.HasPrefix(tok.Value, "GT-") {
		t.Fatalf("expected GT- prefix, got %q", tok.Value)
	}
	if got := tok.ExpiresAt; !got.Equal(now.Add(48 * time.Hour)) {
		t.Fatalf("unexpected expiry %v", got)
	}
}

func TestTokenAvoidsAmbiguousCharacters(t *testing.T) {
	now := time.Now()
	for i := 0; i < 200; i++ {
		tok, err := NewToken(now, time.Hour)
		if err != nil {
			t.Fatalf("NewToken: %v", err)
		}
		if strings.ContainsAny(tok.Value[3:], "0OI1L") {
			t.Fatalf("token %q contains ambiguous character", tok.Value)
		}
	}
}

func TestValid(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"GT-ABCD-EF", true},
		{"gt-abcd-ef", true},
		{"  GT-ABCD-EF  ", true},
		{"GT-AB0D-EF", false},
		{"GT-ABCD-E", false},
		{"XX-ABCD-EF", false},
		{"GTABCDEF", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := Valid(tc.in); got != tc.want {
			t.Errorf("Valid(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestVerificationURL(t *testing.T) {
	got := VerificationURL("https://example.com/collect/", "GFT-2026-ABCD1234", "GT-ABCD-EF")
	want := "https://example.com/collect/verification/handshake?tx_ref=GFT-2026-ABCD1234&token=GT-ABCD-EF"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
