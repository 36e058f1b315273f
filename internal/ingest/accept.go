// Package ingest implements the two halves of order intake: a fast Accept
// that only validates and enqueues, and a Drainer that turns queue payloads
// into ledger rows. The split keeps the sender-facing latency independent of
// the database.
package ingest

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"giftbridge/internal/metrics"
	"giftbridge/internal/queue"
)

const refAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// Service accepts order requests onto the ingestion queue.
type Service struct {
	queue   queue.Queue
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewService builds the acceptor.
func NewService(q queue.Queue, logger *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		queue:   q,
		logger:  logger.With("component", "ingest"),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Accept validates the request, assigns identity, and enqueues the payload.
// It never touches the ledger; the identity it hands back is the caller's
// handle for polling once the drain worker lands the row.
func (s *Service) Accept(ctx context.Context, req OrderRequest) (Accepted, error) {
	if err := req.Validate(); err != nil {
		return Accepted{}, err
	}

	now := s.now()
	payload := OrderPayload{
		TxID:           uuid.NewString(),
		TxRef:          newTxRef(now),
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
		SenderID:       req.SenderID,
		ReceiverPhone:  req.ReceiverPhone,
		ReceiverName:   req.ReceiverName,
		ShopID:         req.ShopID,
		ProductID:      req.ProductID,
		Quantity:       req.Quantity,
		UnitPrice:      req.UnitPrice,
		TotalAmount:    req.UnitPrice * float64(req.Quantity),
		Currency:       strings.ToUpper(strings.TrimSpace(req.Currency)),
		Message:        req.Message,
		IsSurprise:     req.IsSurprise,
		SubmittedAt:    now.Format(time.RFC3339Nano),
	}
	if payload.Currency == "" {
		payload.Currency = "ZMW"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Accepted{}, fmt.Errorf("marshal order payload: %w", err)
	}
	if err := s.queue.Push(ctx, body); err != nil {
		return Accepted{}, fmt.Errorf("enqueue order: %w", err)
	}

	s.metrics.OrdersAccepted.Inc()
	s.logger.Info("order accepted", "tx_id", payload.TxID, "tx_ref", payload.TxRef, "shop_id", payload.ShopID)

	return Accepted{
		TxID:        payload.TxID,
		TxRef:       payload.TxRef,
		State:       "queued",
		SubmittedAt: now,
	}, nil
}

// newTxRef builds a human-readable reference like GFT-2026-K7M2Q4XR. The
// year prefix keeps support conversations anchored in time; the suffix comes
// from crypto/rand over the unambiguous alphabet.
func newTxRef(now time.Time) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		// Fall back to a uuid fragment; references only need uniqueness.
		return fmt.Sprintf("GFT-%d-%s", now.Year(), strings.ToUpper(uuid.NewString()[:8]))
	}
	out := make([]byte, 8)
	for i, b := range buf {
		out[i] = refAlphabet[int(b)%len(refAlphabet)]
	}
	return fmt.Sprintf("GFT-%d-%s", now.Year(), string(out))
}
