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

// RefundConfig holds the payment processor settings for refunds.
type RefundConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// RefundClient returns collected funds to the sender through the payment
// processor, keyed by the original payment reference.
type RefundClient struct {
	cfg     RefundConfig
	http    *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRefund builds a refund client.
func NewRefund(cfg RefundConfig, logger *slog.Logger, m *metrics.Metrics) *RefundClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &RefundClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With("component", "refund"),
		metrics: m,
	}
}

// Refund reverses a captured payment. Transport and 5xx failures are
// retryable; the durable queue picks them up.
func (c *RefundClient) Refund(ctx context.Context, paymentReference, reason string) error {
	payload := struct {
		PaymentReference string `json:"payment_reference"`
		Reason           string `json:"reason"`
	}{paymentReference, reason}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal refund: %w", err)
	}

	start := time.Now()
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/refunds"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build refund request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		c.observe("transport_error", start)
		return fmt.Errorf("%w: refund call: %v", ErrRetryable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		c.observe("upstream_error", start)
		return fmt.Errorf("%w: refund status %d", ErrRetryable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		c.observe("rejected", start)
		return fmt.Errorf("refund rejected: status %d", resp.StatusCode)
	}

	c.observe("ok", start)
	c.metrics.RefundRequests.Inc()
	return nil
}

func (c *RefundClient) observe(status string, start time.Time) {
	c.metrics.OracleRequests.WithLabelValues("refund", status).Inc()
	c.metrics.OracleLatency.WithLabelValues("refund", status).Observe(time.Since(start).Seconds())
}
