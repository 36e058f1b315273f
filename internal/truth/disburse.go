package truth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"giftbridge/internal/metrics"
)

// DisburseConfig holds the disbursement rail settings.
type DisburseConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// DisburseClient initiates mobile-money transfers to shops. Initiation is
// asynchronous: the transfer settles only when the rail's webhook reports
// completion.
type DisburseClient struct {
	cfg     DisburseConfig
	http    *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewDisburse builds a disbursement client.
func NewDisburse(cfg DisburseConfig, logger *slog.Logger, m *metrics.Metrics) *DisburseClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &DisburseClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With("component", "disburse"),
		metrics: m,
	}
}

// Transfer asks the rail to pay a shop. The reference returned identifies
// the transfer on the rail's side.
type Transfer struct {
	TxID      string  `json:"tx_id"`
	ShopID    string  `json:"shop_id"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
	Account   string  `json:"account_number"`
	Network   string  `json:"account_bank"`
	Reference string  `json:"reference"`
}

// Initiate submits the transfer. Transport and 5xx failures are retryable.
func (c *DisburseClient) Initiate(ctx context.Context, t Transfer) (string, error) {
	if t.Reference == "" {
		t.Reference = fmt.Sprintf("dsb_%s_%s", shortID(t.TxID), time.Now().UTC().Format("20060102150405"))
	}
	body, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("marshal transfer: %w", err)
	}

	start := time.Now()
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/v3/transfers"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build transfer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		c.observe("transport_error", start)
		return "", fmt.Errorf("%w: disburse call: %v", ErrRetryable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		c.observe("upstream_error", start)
		return "", fmt.Errorf("%w: disburse status %d", ErrRetryable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		c.observe("rejected", start)
		return "", fmt.Errorf("disburse rejected: status %d", resp.StatusCode)
	}

	var out struct {
		Status string `json:"status"`
		Data   struct {
			Reference string `json:"reference"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.observe("decode_error", start)
		return "", fmt.Errorf("%w: decode transfer response: %v", ErrRetryable, err)
	}
	c.observe("ok", start)

	if out.Data.Reference != "" {
		return out.Data.Reference, nil
	}
	return t.Reference, nil
}

func (c *DisburseClient) observe(status string, start time.Time) {
	c.metrics.OracleRequests.WithLabelValues("disburse", status).Inc()
	c.metrics.OracleLatency.WithLabelValues("disburse", status).Observe(time.Since(start).Seconds())
}

func shortID(id string) string {
	if len(id) > 10 {
		return id[:10]
	}
	return id
}
