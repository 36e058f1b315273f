package truth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"giftbridge/internal/metrics"
)

// AuditConfig holds the delivery-proof oracle settings.
type AuditConfig struct {
	BaseURL string
	Timeout time.Duration
}

// AuditClient sends delivery-proof photos to the vision oracle and returns
// its verdict. The verdict feeds the confidence gate on the delivered
// transition.
type AuditClient struct {
	cfg     AuditConfig
	http    *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewAudit builds an audit oracle client.
func NewAudit(cfg AuditConfig, logger *slog.Logger, m *metrics.Metrics) *AuditClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &AuditClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With("component", "audit"),
		metrics: m,
	}
}

// Verdict is the oracle's reading of a delivery-proof image.
type Verdict struct {
	Match      bool    `json:"match"`
	Confidence float64 `json:"confidence"`
	ItemName   string  `json:"item_name"`
	FiscalCode string  `json:"fiscal_code"`
	Notes      string  `json:"notes"`
}

// Inspect submits the image with the product the rider was supposed to
// deliver. Oracle unavailability returns a zero-confidence verdict with the
// error so the caller can hold the order rather than guess.
func (c *AuditClient) Inspect(ctx context.Context, image []byte, expectedProductID string) (Verdict, error) {
	payload := struct {
		Image           string `json:"image"`
		ExpectedProduct string `json:"expected_product_id"`
	}{
		Image:           base64.StdEncoding.EncodeToString(image),
		ExpectedProduct: expectedProductID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Verdict{}, fmt.Errorf("marshal audit request: %w", err)
	}

	start := time.Now()
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/inspect"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, fmt.Errorf("build audit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.observe("transport_error", start)
		return Verdict{}, fmt.Errorf("audit call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.observe("upstream_error", start)
		return Verdict{}, fmt.Errorf("audit status %d", resp.StatusCode)
	}

	var verdict Verdict
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		c.observe("decode_error", start)
		return Verdict{}, fmt.Errorf("decode audit response: %w", err)
	}
	c.observe("ok", start)
	return verdict, nil
}

func (c *AuditClient) observe(status string, start time.Time) {
	c.metrics.OracleRequests.WithLabelValues("audit", status).Inc()
	c.metrics.OracleLatency.WithLabelValues("audit", status).Observe(time.Since(start).Seconds())
}
