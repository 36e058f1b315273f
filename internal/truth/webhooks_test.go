package truth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"giftbridge/internal/metrics"
)

type recordingConfirmer struct {
	payments      int
	disbursements int
	txID          string
	reference     string
	amount        float64
	currency      string
	rate          float64
}

func (r *recordingConfirmer) ConfirmPayment(_ context.Context, txID, ref string, amount float64, currency string, rate float64) error {
	r.payments++
	r.txID, r.reference = txID, ref
	r.amount, r.currency, r.rate = amount, currency, rate
	return nil
}

func (r *recordingConfirmer) ConfirmDisbursement(_ context.Context, txID, ref string) error {
	r.disbursements++
	r.txID, r.reference = txID, ref
	return nil
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func postPayment(h http.Handler, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader(body))
	if signature != "" {
		req.Header.Set("X-Webhook-Signature", signature)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPaymentWebhookRejectsBadSignature(t *testing.T) {
	confirmer := &recordingConfirmer{}
	h := NewPaymentWebhook("topsecret", confirmer, slog.Default(), metrics.Registry("truth_test"))

	body := `{"type":"payment.succeeded","data":{"tx_id":"tx-1","reference":"pay_1"}}`

	if rec := postPayment(h, body, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing signature: status = %d, want 401", rec.Code)
	}
	if rec := postPayment(h, body, "deadbeef"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong signature: status = %d, want 401", rec.Code)
	}
	if rec := postPayment(h, body, sign("wrongsecret", []byte(body))); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret: status = %d, want 401", rec.Code)
	}
	if confirmer.payments != 0 {
		t.Fatalf("confirmer called %d times on rejected requests", confirmer.payments)
	}
}

func TestPaymentWebhookAppliesSignedEvent(t *testing.T) {
	confirmer := &recordingConfirmer{}
	h := NewPaymentWebhook("topsecret", confirmer, slog.Default(), metrics.Registry("truth_test"))

	body := `{"type":"payment.succeeded","data":{"tx_id":"tx-1","reference":"pay_1","amount":3.5,"currency":"GBP","rate":0.029}}`

	rec := postPayment(h, body, sign("topsecret", []byte(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}
	if confirmer.payments != 1 {
		t.Fatalf("payments = %d, want 1", confirmer.payments)
	}
	if confirmer.txID != "tx-1" || confirmer.reference != "pay_1" {
		t.Fatalf("confirmer got %q/%q", confirmer.txID, confirmer.reference)
	}
	if confirmer.amount != 3.5 || confirmer.currency != "GBP" || confirmer.rate != 0.029 {
		t.Fatalf("confirmer got amount=%v currency=%q rate=%v", confirmer.amount, confirmer.currency, confirmer.rate)
	}

	// The sha256= prefix some processors send is accepted too.
	rec = postPayment(h, body, "sha256="+sign("topsecret", []byte(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("prefixed signature: status = %d, want 200", rec.Code)
	}
}

func TestPaymentWebhookIgnoresUnknownAndFailedEvents(t *testing.T) {
	confirmer := &recordingConfirmer{}
	h := NewPaymentWebhook("topsecret", confirmer, slog.Default(), metrics.Registry("truth_test"))

	for _, body := range []string{
		`{"type":"payment.failed","data":{"tx_id":"tx-1","reference":"pay_1"}}`,
		`{"type":"charge.updated","data":{}}`,
	} {
		rec := postPayment(h, body, sign("topsecret", []byte(body)))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200 for %s", rec.Code, body)
		}
	}
	if confirmer.payments != 0 {
		t.Fatalf("payments = %d, want 0", confirmer.payments)
	}
}

func TestPaymentWebhookBadJSON(t *testing.T) {
	h := NewPaymentWebhook("topsecret", &recordingConfirmer{}, slog.Default(), metrics.Registry("truth_test"))

	body := "not json"
	rec := postPayment(h, body, sign("topsecret", []byte(body)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestPaymentWebhookEmptySecretRejectsEverything(t *testing.T) {
	h := NewPaymentWebhook("", &recordingConfirmer{}, slog.Default(), metrics.Registry("truth_test"))

	body := `{"type":"payment.succeeded","data":{"tx_id":"tx-1"}}`
	if rec := postPayment(h, body, sign("", []byte(body))); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 with no secret configured", rec.Code)
	}
}

func postDisbursement(h http.Handler, body, hash string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/disbursement", strings.NewReader(body))
	if hash != "" {
		req.Header.Set("verif-hash", hash)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestDisbursementWebhookRejectsWrongHash(t *testing.T) {
	confirmer := &recordingConfirmer{}
	h := NewDisbursementWebhook("shared-hash", confirmer, slog.Default(), metrics.Registry("truth_test"))

	body := `{"event":"transfer.completed","data":{"status":"SUCCESSFUL","reference":"dsb_1","meta":{"tx_id":"tx-1"}}}`

	if rec := postDisbursement(h, body, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing hash: status = %d, want 401", rec.Code)
	}
	if rec := postDisbursement(h, body, "other-hash"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong hash: status = %d, want 401", rec.Code)
	}
	if confirmer.disbursements != 0 {
		t.Fatalf("confirmer called %d times on rejected requests", confirmer.disbursements)
	}
}

func TestDisbursementWebhookAppliesSuccessfulTransfer(t *testing.T) {
	confirmer := &recordingConfirmer{}
	h := NewDisbursementWebhook("shared-hash", confirmer, slog.Default(), metrics.Registry("truth_test"))

	body := `{"event":"transfer.completed","data":{"status":"SUCCESSFUL","reference":"dsb_1","meta":{"tx_id":"tx-1"}}}`
	rec := postDisbursement(h, body, "shared-hash")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}
	if confirmer.disbursements != 1 {
		t.Fatalf("disbursements = %d, want 1", confirmer.disbursements)
	}
	if confirmer.txID != "tx-1" || confirmer.reference != "dsb_1" {
		t.Fatalf("confirmer got %q/%q", confirmer.txID, confirmer.reference)
	}
}

func TestDisbursementWebhookIgnoresFailedTransfer(t *testing.T) {
	confirmer := &recordingConfirmer{}
	h := NewDisbursementWebhook("shared-hash", confirmer, slog.Default(), metrics.Registry("truth_test"))

	body := `{"event":"transfer.completed","data":{"status":"FAILED","reference":"dsb_1","meta":{"tx_id":"tx-1"}}}`
	rec := postDisbursement(h, body, "shared-hash")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if confirmer.disbursements != 0 {
		t.Fatalf("disbursements = %d, want 0", confirmer.disbursements)
	}
}

func TestDisbursementWebhookBadJSON(t *testing.T) {
	h := NewDisbursementWebhook("shared-hash", &recordingConfirmer{}, slog.Default(), metrics.Registry("truth_test"))

	rec := postDisbursement(h, "{{", "shared-hash")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
