package ingest

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// OrderPayload is the flat record that travels through the ingestion queue.
// It is validated once, at acceptance; the drain side trusts the shape and
// only guards against malformed bytes.
type OrderPayload struct {
	TxID           string  `json:"tx_id"`
	TxRef          string  `json:"tx_ref"`
	IdempotencyKey string  `json:"idempotency_key"`
	SenderID       string  `json:"sender_id"`
	ReceiverPhone  string  `json:"receiver_phone"`
	ReceiverName   string  `json:"receiver_name"`
	ShopID         string  `json:"shop_id"`
	ProductID      string  `json:"product_id"`
	Quantity       int     `json:"quantity"`
	UnitPrice      float64 `json:"unit_price"`
	TotalAmount    float64 `json:"total_amount"`
	Currency       string  `json:"currency"`
	Message        string  `json:"message,omitempty"`
	IsSurprise     bool    `json:"is_surprise"`
	SubmittedAt    string  `json:"submitted_at"`
}

// OrderRequest is the sender-facing creation request.
type OrderRequest struct {
	IdempotencyKey string  `json:"idempotency_key"`
	SenderID       string  `json:"sender_id"`
	ReceiverPhone  string  `json:"receiver_phone"`
	ReceiverName   string  `json:"receiver_name"`
	ShopID         string  `json:"shop_id"`
	ProductID      string  `json:"product_id"`
	Quantity       int     `json:"quantity"`
	UnitPrice      float64 `json:"unit_price"`
	Currency       string  `json:"currency"`
	Message        string  `json:"message,omitempty"`
	IsSurprise     bool    `json:"is_surprise"`
}

// ErrValidation tags request-shape failures so the HTTP layer can answer 4xx.
var ErrValidation = errors.New("invalid order request")

// Validate checks the request shape. Business state is not consulted here;
// only structurally valid payloads reach the queue.
func (r *OrderRequest) Validate() error {
	var missing []string
	for field, val := range map[string]string{
		"idempotency_key": r.IdempotencyKey,
		"sender_id":       r.SenderID,
		"receiver_phone":  r.ReceiverPhone,
		"receiver_name":   r.ReceiverName,
		"shop_id":         r.ShopID,
		"product_id":      r.ProductID,
	} {
		if strings.TrimSpace(val) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrValidation, strings.Join(missing, ", "))
	}
	if r.Quantity < 1 {
		return fmt.Errorf("%w: quantity must be at least 1", ErrValidation)
	}
	if r.UnitPrice <= 0 {
		return fmt.Errorf("%w: unit_price must be positive", ErrValidation)
	}
	return nil
}

// Accepted is the synchronous answer to an accepted order. The order is
// queued, not yet in the ledger.
type Accepted struct {
	TxID        string    `json:"tx_id"`
	TxRef       string    `json:"tx_ref"`
	State       string    `json:"state"`
	SubmittedAt time.Time `json:"submitted_at"`
}
