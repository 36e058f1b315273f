package truth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"giftbridge/internal/metrics"
)

// FiscalConfig holds the fiscal authority connection settings.
type FiscalConfig struct {
	BaseURL        string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	TaxID          string
	BranchID       string
}

// FiscalClient reports sales to the national fiscal API. The API is slow and
// flaky in practice, so the dial timeout is kept well under the overall
// request timeout and every transport failure is classified retryable.
type FiscalClient struct {
	cfg     FiscalConfig
	http    *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewFiscal builds a fiscal client with split connect/read timeouts.
func NewFiscal(cfg FiscalConfig, logger *slog.Logger, m *metrics.Metrics) *FiscalClient {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.BranchID == "" {
		cfg.BranchID = "000"
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
	}
	return &FiscalClient{
		cfg: cfg,
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.ReadTimeout,
		},
		logger:  logger.With("component", "fiscal"),
		metrics: m,
	}
}

// FiscalSale is the sale record submitted for fiscalization.
type FiscalSale struct {
	TxRef     string  `json:"cisInvcNo"`
	TaxID     string  `json:"tpin"`
	BranchID  string  `json:"bhfId"`
	Amount    float64 `json:"totAmt"`
	Currency  string  `json:"curr"`
	ItemName  string  `json:"itemNm"`
	ItemCode  string  `json:"itemCd"`
	Quantity  int     `json:"qty"`
	UnitPrice float64 `json:"prc"`
	SoldAt    string  `json:"salesDt"`
}

type fiscalResponse struct {
	ResultCd  string          `json:"resultCd"`
	ResultMsg string          `json:"resultMsg"`
	Data      json.RawMessage `json:"data"`
}

// ReportSale posts the sale to the fiscal API. Result codes 000 and 001 both
// count as accepted; anything else is a hard rejection. Transport failures
// come back wrapped in ErrRetryable.
func (c *FiscalClient) ReportSale(ctx context.Context, sale FiscalSale) (string, error) {
	if sale.TaxID == "" {
		sale.TaxID = c.cfg.TaxID
	}
	if sale.BranchID == "" {
		sale.BranchID = c.cfg.BranchID
	}

	body, err := json.Marshal(sale)
	if err != nil {
		return "", fmt.Errorf("marshal fiscal sale: %w", err)
	}

	start := time.Now()
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/trnsSales/saveSales"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build fiscal request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.observe("fiscal", "transport_error", start)
		return "", fmt.Errorf("%w: fiscal call: %v", ErrRetryable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		c.observe("fiscal", "upstream_error", start)
		return "", fmt.Errorf("%w: fiscal status %d", ErrRetryable, resp.StatusCode)
	}

	var out fiscalResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.observe("fiscal", "decode_error", start)
		return "", fmt.Errorf("%w: decode fiscal response: %v", ErrRetryable, err)
	}

	if out.ResultCd != "000" && out.ResultCd != "001" {
		c.observe("fiscal", "rejected", start)
		return "", fmt.Errorf("fiscal rejected: code %s msg %q", out.ResultCd, out.ResultMsg)
	}

	c.observe("fiscal", "ok", start)

	var data struct {
		FiscalRef string `json:"rcptNo"`
	}
	if len(out.Data) > 0 {
		_ = json.Unmarshal(out.Data, &data)
	}
	if data.FiscalRef == "" {
		data.FiscalRef = "FISC-" + sale.TxRef
	}
	return data.FiscalRef, nil
}

func (c *FiscalClient) observe(oracle, status string, start time.Time) {
	c.metrics.OracleRequests.WithLabelValues(oracle, status).Inc()
	c.metrics.OracleLatency.WithLabelValues(oracle, status).Observe(time.Since(start).Seconds())
}
