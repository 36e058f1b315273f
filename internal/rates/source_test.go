package rates

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"giftbridge/internal/metrics"
)

type stubProvider struct {
	name  string
	rate  float64
	err   error
	calls int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Rate(_ context.Context, _, _ string) (float64, error) {
	s.calls++
	if s.err != nil {
		return 0, s.err
	}
	return s.rate, nil
}

func newTestSource(t *testing.T, providers ...Provider) *Source {
	t.Helper()
	return NewSource(providers, 10*time.Minute, slog.Default(), metrics.Registry("rates_test"))
}

func TestRateCacheReuseAndExpiry(t *testing.T) {
	provider := &stubProvider{name: "live", rate: 0.029}
	src := newTestSource(t, provider)

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src.now = func() time.Time { return clock }

	if got := src.Rate(context.Background(), "ZMW", "GBP"); got != 0.029 {
		t.Fatalf("rate = %v, want 0.029", got)
	}
	if provider.calls != 1 {
		t.Fatalf("provider calls = %d, want 1", provider.calls)
	}

	// Inside the TTL the cache answers.
	clock = clock.Add(9 * time.Minute)
	src.Rate(context.Background(), "ZMW", "GBP")
	if provider.calls != 1 {
		t.Fatalf("provider calls = %d, want 1 (cached)", provider.calls)
	}

	// Past the TTL the provider is consulted again.
	clock = clock.Add(2 * time.Minute)
	src.Rate(context.Background(), "ZMW", "GBP")
	if provider.calls != 2 {
		t.Fatalf("provider calls = %d, want 2 (expired)", provider.calls)
	}
}

func TestInvalidateDropsCache(t *testing.T) {
	provider := &stubProvider{name: "live", rate: 0.029}
	src := newTestSource(t, provider)

	src.Rate(context.Background(), "ZMW", "GBP")
	src.Invalidate()
	src.Rate(context.Background(), "ZMW", "GBP")
	if provider.calls != 2 {
		t.Fatalf("provider calls = %d, want 2 after invalidation", provider.calls)
	}
}

func TestProviderOrderFirstSuccessWins(t *testing.T) {
	broken := &stubProvider{name: "primary", err: errors.New("boom")}
	backup := &stubProvider{name: "backup", rate: 0.031}
	src := newTestSource(t, broken, backup)

	if got := src.Rate(context.Background(), "ZMW", "GBP"); got != 0.031 {
		t.Fatalf("rate = %v, want backup 0.031", got)
	}
	// Backup success clears the degraded flag set by the primary failure.
	if st := src.Status(); st.LastError != "" {
		t.Fatalf("last error should clear on live success, got %q", st.LastError)
	}
}

func TestFallbackTableAndCrossRate(t *testing.T) {
	broken := &stubProvider{name: "live", err: errors.New("down")}
	src := newTestSource(t, broken)

	// Direct pair from the static table.
	if got := src.Rate(context.Background(), "ZMW", "GBP"); got != 0.029 {
		t.Fatalf("fallback rate = %v, want 0.029", got)
	}
	// A pair absent from the table composes through USD.
	if got := src.Rate(context.Background(), "ZMW", "XXX"); got != 0.037 {
		t.Fatalf("cross rate = %v, want 0.037 (via USD)", got)
	}
	// Fallback never clears the degraded flag.
	if st := src.Status(); st.LastError == "" {
		t.Fatal("expected last error to remain set in fallback mode")
	}
}

func TestUnityLastResort(t *testing.T) {
	broken := &stubProvider{name: "live", err: errors.New("down")}
	src := newTestSource(t, broken)

	if got := src.Rate(context.Background(), "AAA", "BBB"); got != 1.0 {
		t.Fatalf("last resort rate = %v, want 1.0", got)
	}
}

func TestSameCurrencyShortCircuits(t *testing.T) {
	provider := &stubProvider{name: "live", rate: 0.029}
	src := newTestSource(t, provider)

	if got := src.Rate(context.Background(), "GBP", "GBP"); got != 1.0 {
		t.Fatalf("identity rate = %v, want 1.0", got)
	}
	if provider.calls != 0 {
		t.Fatal("identity pair should not hit providers")
	}
}

func TestStatusReportsEntries(t *testing.T) {
	provider := &stubProvider{name: "live", rate: 0.029}
	src := newTestSource(t, provider)

	src.Rate(context.Background(), "ZMW", "GBP")
	st := src.Status()
	if st.Entries != 1 {
		t.Fatalf("entries = %d, want 1", st.Entries)
	}
	pair, ok := st.Rates["ZMW_GBP"]
	if !ok || !pair.Valid || pair.Rate != 0.029 {
		t.Fatalf("unexpected cache entry: %+v", pair)
	}
	if st.TTLSeconds != 600 {
		t.Fatalf("ttl = %v, want 600", st.TTLSeconds)
	}
}
