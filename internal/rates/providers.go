package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Provider fetches a live exchange rate for one currency pair.
type Provider interface {
	Name() string
	Rate(ctx context.Context, from, to string) (float64, error)
}

// PairAPI queries an ExchangeRate-API style endpoint that returns the pair
// rate directly: GET {base}/{key}/pair/{FROM}/{TO}.
type PairAPI struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewPairAPI builds the primary provider. A zero timeout defaults to 5s.
func NewPairAPI(baseURL, apiKey string, timeout time.Duration) *PairAPI {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PairAPI{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

func (p *PairAPI) Name() string { return "pair-api" }

func (p *PairAPI) Rate(ctx context.Context, from, to string) (float64, error) {
	if p.apiKey == "" {
		return 0, fmt.Errorf("pair-api: no api key configured")
	}
	endpoint := fmt.Sprintf("%s/%s/pair/%s/%s", p.baseURL, p.apiKey, url.PathEscape(from), url.PathEscape(to))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("pair-api: build request: %w", err)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("pair-api: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		Result         string  `json:"result"`
		ConversionRate float64 `json:"conversion_rate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("pair-api: decode response: %w", err)
	}
	if body.Result != "success" {
		return 0, fmt.Errorf("pair-api: result %q", body.Result)
	}
	if body.ConversionRate <= 0 {
		return 0, fmt.Errorf("pair-api: non-positive rate %v", body.ConversionRate)
	}
	return body.ConversionRate, nil
}

// EURBaseAPI queries a Fixer-style endpoint whose free tier only serves EUR
// as base. The pair rate is derived as the cross rate to/from.
type EURBaseAPI struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewEURBaseAPI builds the backup provider.
func NewEURBaseAPI(baseURL, apiKey string, timeout time.Duration) *EURBaseAPI {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &EURBaseAPI{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

func (p *EURBaseAPI) Name() string { return "eur-base-api" }

func (p *EURBaseAPI) Rate(ctx context.Context, from, to string) (float64, error) {
	if p.apiKey == "" {
		return 0, fmt.Errorf("eur-base-api: no api key configured")
	}
	q := url.Values{}
	q.Set("access_key", p.apiKey)
	q.Set("symbols", from+","+to)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/latest?"+q.Encode(), nil)
	if err != nil {
		return 0, fmt.Errorf("eur-base-api: build request: %w", err)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("eur-base-api: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		Success bool               `json:"success"`
		Rates   map[string]float64 `json:"rates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("eur-base-api: decode response: %w", err)
	}
	if !body.Success {
		return 0, fmt.Errorf("eur-base-api: unsuccessful response")
	}

	fromRate, ok := body.Rates[from]
	if !ok || fromRate == 0 {
		return 0, fmt.Errorf("eur-base-api: missing rate for %s", from)
	}
	toRate, ok := body.Rates[to]
	if !ok {
		return 0, fmt.Errorf("eur-base-api: missing rate for %s", to)
	}
	return toRate / fromRate, nil
}
