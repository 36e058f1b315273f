// Package rates resolves exchange rates for the pricing pipeline. Lookups
// hit a short-lived in-memory cache first, then a chain of live providers,
// then a static fallback table so a quote is always produced even with every
// upstream down.
package rates

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"giftbridge/internal/metrics"
)

// Static fallback rates, refreshed by hand roughly monthly. Used only when
// every live provider fails.
var fallbackRates = map[string]float64{
	"ZMW_USD": 0.037,
	"ZMW_GBP": 0.029,
	"ZMW_EUR": 0.034,
	"USD_ZMW": 27.0,
	"GBP_ZMW": 34.5,
	"EUR_ZMW": 29.5,
}

type cachedRate struct {
	rate      float64
	fetchedAt time.Time
}

// Source serves exchange rates with caching and layered fallback.
type Source struct {
	providers []Provider
	ttl       time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu        sync.RWMutex
	cache     map[string]cachedRate
	lastError string
}

// NewSource wires the provider chain. Providers are consulted in order; the
// first success wins.
func NewSource(providers []Provider, ttl time.Duration, logger *slog.Logger, m *metrics.Metrics) *Source {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Source{
		providers: providers,
		ttl:       ttl,
		logger:    logger.With("component", "rates"),
		metrics:   m,
		now:       time.Now,
		cache:     make(map[string]cachedRate),
	}
}

// Rate returns the exchange rate from one currency to another. The result is
// never an error: after the cache and every provider, the static table and
// finally 1.0 stand in, so degraded upstreams slow settlement pricing rather
// than stop it. Check Status for degradation.
func (s *Source) Rate(ctx context.Context, from, to string) float64 {
	if from == to {
		return 1.0
	}
	key := from + "_" + to

	s.mu.RLock()
	entry, ok := s.cache[key]
	s.mu.RUnlock()
	if ok && s.now().Sub(entry.fetchedAt) < s.ttl {
		s.metrics.RateLookups.WithLabelValues("cache").Inc()
		return entry.rate
	}

	rate, source := s.fetch(ctx, from, to)
	s.metrics.RateLookups.WithLabelValues(source).Inc()

	s.mu.Lock()
	s.cache[key] = cachedRate{rate: rate, fetchedAt: s.now()}
	s.mu.Unlock()

	return rate
}

func (s *Source) fetch(ctx context.Context, from, to string) (float64, string) {
	for _, p := range s.providers {
		rate, err := p.Rate(ctx, from, to)
		if err != nil {
			s.logger.Warn("rate provider failed", "provider", p.Name(), "pair", from+"_"+to, "error", err)
			s.setLastError(fmt.Sprintf("%s: %v", p.Name(), err))
			continue
		}
		s.clearLastError()
		return rate, p.Name()
	}

	// Static table, direct pair first, then composition through USD.
	if rate, ok := fallbackRates[from+"_"+to]; ok {
		return rate, "fallback"
	}
	toUSD, okFrom := fallbackRates[from+"_USD"]
	fromUSD, okTo := fallbackRates["USD_"+to]
	if okFrom || okTo {
		if !okFrom {
			toUSD = 1.0
		}
		if !okTo {
			fromUSD = 1.0
		}
		return toUSD * fromUSD, "fallback"
	}
	return 1.0, "unity"
}

func (s *Source) setLastError(msg string) {
	s.mu.Lock()
	s.lastError = msg
	s.mu.Unlock()
}

func (s *Source) clearLastError() {
	s.mu.Lock()
	s.lastError = ""
	s.mu.Unlock()
}

// Invalidate drops every cached rate so the next lookup refetches.
func (s *Source) Invalidate() {
	s.mu.Lock()
	s.cache = make(map[string]cachedRate)
	s.mu.Unlock()
}

// CachedPair describes one cache entry in a Status report.
type CachedPair struct {
	Rate       float64 `json:"rate"`
	AgeSeconds float64 `json:"age_seconds"`
	Valid      bool    `json:"valid"`
}

// CacheStatus is the operator view of the rate cache.
type CacheStatus struct {
	Entries    int                   `json:"entries"`
	Rates      map[string]CachedPair `json:"rates"`
	TTLSeconds float64               `json:"ttl_seconds"`
	LastError  string                `json:"last_error,omitempty"`
}

// Status reports the current cache contents and the most recent provider
// failure. A populated LastError with served lookups means fallback pricing
// is in effect.
func (s *Source) Status() CacheStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := CacheStatus{
		Entries:    len(s.cache),
		Rates:      make(map[string]CachedPair, len(s.cache)),
		TTLSeconds: s.ttl.Seconds(),
		LastError:  s.lastError,
	}
	now := s.now()
	for key, entry := range s.cache {
		age := now.Sub(entry.fetchedAt)
		out.Rates[key] = CachedPair{
			Rate:       entry.rate,
			AgeSeconds: age.Seconds(),
			Valid:      age < s.ttl,
		}
	}
	return out
}
