package truth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"giftbridge/internal/metrics"
)

// PaymentConfirmer applies a confirmed payment to the ledger.
type PaymentConfirmer interface {
	ConfirmPayment(ctx context.Context, txID, providerRef string, amount float64, currency string, rate float64) error
}

// DisbursementConfirmer applies a settled disbursement to the ledger.
type DisbursementConfirmer interface {
	ConfirmDisbursement(ctx context.Context, txID, providerRef string) error
}

// PaymentWebhook receives payment processor events. It is the only input
// that confirms money arrived; the order status moves on nothing else.
// Authentication is an HMAC-SHA256 signature over the raw body.
type PaymentWebhook struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	secret    []byte
	confirmer PaymentConfirmer
}

// NewPaymentWebhook creates the payment webhook handler.
func NewPaymentWebhook(secret string, confirmer PaymentConfirmer, logger *slog.Logger, m *metrics.Metrics) *PaymentWebhook {
	return &PaymentWebhook{
		logger:    logger.With("component", "payment_webhook"),
		metrics:   m,
		secret:    []byte(secret),
		confirmer: confirmer,
	}
}

type paymentEvent struct {
	Type string `json:"type"`
	Data struct {
		TxID      string  `json:"tx_id"`
		Reference string  `json:"reference"`
		Amount    float64 `json:"amount"`
		Currency  string  `json:"currency"`
		Rate      float64 `json:"rate"`
	} `json:"data"`
}

// ServeHTTP satisfies http.Handler.
func (h *PaymentWebhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.metrics.WebhookEvents.WithLabelValues("payment", "bad_body").Inc()
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if !h.validSignature(r.Header.Get("X-Webhook-Signature"), body) {
		h.metrics.WebhookEvents.WithLabelValues("payment", "unauthorized").Inc()
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var event paymentEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.metrics.WebhookEvents.WithLabelValues("payment", "bad_payload").Inc()
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	switch event.Type {
	case "payment.succeeded":
		if event.Data.TxID == "" {
			h.metrics.WebhookEvents.WithLabelValues("payment", "bad_payload").Inc()
			http.Error(w, "missing tx_id", http.StatusBadRequest)
			return
		}
		if err := h.confirmer.ConfirmPayment(r.Context(), event.Data.TxID, event.Data.Reference, event.Data.Amount, event.Data.Currency, event.Data.Rate); err != nil {
			h.logger.Error("failed applying payment event", "tx_id", event.Data.TxID, "error", err)
			h.metrics.WebhookEvents.WithLabelValues("payment", "error").Inc()
			http.Error(w, "failed to process", http.StatusInternalServerError)
			return
		}
		h.metrics.WebhookEvents.WithLabelValues("payment", "ok").Inc()
	case "payment.failed":
		h.logger.Warn("payment failed upstream", "tx_id", event.Data.TxID, "reference", event.Data.Reference)
		h.metrics.WebhookEvents.WithLabelValues("payment", "failed_event").Inc()
	default:
		h.metrics.WebhookEvents.WithLabelValues("payment", "ignored").Inc()
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"received"}`))
}

func (h *PaymentWebhook) validSignature(header string, body []byte) bool {
	if len(h.secret) == 0 {
		return false
	}
	sig := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(header), "sha256="))
	if sig == "" {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.ToLower(sig)), []byte(expected))
}

// DisbursementWebhook receives transfer events from the disbursement rail.
// The rail authenticates with a shared hash header rather than a signature.
type DisbursementWebhook struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	verifHash string
	confirmer DisbursementConfirmer
}

// NewDisbursementWebhook creates the disbursement webhook handler.
func NewDisbursementWebhook(verifHash string, confirmer DisbursementConfirmer, logger *slog.Logger, m *metrics.Metrics) *DisbursementWebhook {
	return &DisbursementWebhook{
		logger:    logger.With("component", "disbursement_webhook"),
		metrics:   m,
		verifHash: verifHash,
		confirmer: confirmer,
	}
}

type disbursementEvent struct {
	Event string `json:"event"`
	Data  struct {
		Status    string `json:"status"`
		Reference string `json:"reference"`
		Meta      struct {
			TxID string `json:"tx_id"`
		} `json:"meta"`
	} `json:"data"`
}

// ServeHTTP satisfies http.Handler.
func (h *DisbursementWebhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	header := strings.TrimSpace(r.Header.Get("verif-hash"))
	if h.verifHash == "" || subtle.ConstantTimeCompare([]byte(header), []byte(h.verifHash)) != 1 {
		h.metrics.WebhookEvents.WithLabelValues("disbursement", "unauthorized").Inc()
		http.Error(w, "invalid webhook hash", http.StatusUnauthorized)
		return
	}

	var event disbursementEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		h.metrics.WebhookEvents.WithLabelValues("disbursement", "bad_payload").Inc()
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if event.Event == "transfer.completed" && event.Data.Status == "SUCCESSFUL" && event.Data.Meta.TxID != "" {
		if err := h.confirmer.ConfirmDisbursement(r.Context(), event.Data.Meta.TxID, event.Data.Reference); err != nil {
			h.logger.Error("failed applying disbursement event", "tx_id", event.Data.Meta.TxID, "error", err)
			h.metrics.WebhookEvents.WithLabelValues("disbursement", "error").Inc()
			http.Error(w, "failed to process", http.StatusInternalServerError)
			return
		}
		h.metrics.WebhookEvents.WithLabelValues("disbursement", "ok").Inc()
	} else if event.Event == "transfer.completed" && event.Data.Status == "FAILED" {
		h.logger.Warn("disbursement failed upstream", "tx_id", event.Data.Meta.TxID, "reference", event.Data.Reference)
		h.metrics.WebhookEvents.WithLabelValues("disbursement", "failed_event").Inc()
	} else {
		h.metrics.WebhookEvents.WithLabelValues("disbursement", "ignored").Inc()
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"received"}`))
}
