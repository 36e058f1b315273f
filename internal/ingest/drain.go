package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"giftbridge/internal/ledger"
	"giftbridge/internal/metrics"
	"giftbridge/internal/queue"
)

// Drainer moves payloads from the ingestion queue into the ledger. Several
// drainers may run at once; the unique index on idempotency_key is the only
// serialization needed.
type Drainer struct {
	queue    queue.Queue
	store    ledger.Ledger
	logger   *slog.Logger
	metrics  *metrics.Metrics
	cooldown time.Duration
	now      func() time.Time
}

// NewDrainer builds a drainer. cooldown spaces retries after storage errors.
func NewDrainer(q queue.Queue, store ledger.Ledger, cooldown time.Duration, logger *slog.Logger, m *metrics.Metrics) *Drainer {
	if cooldown <= 0 {
		cooldown = time.Second
	}
	return &Drainer{
		queue:    q,
		store:    store,
		logger:   logger.With("component", "drain"),
		metrics:  m,
		cooldown: cooldown,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run loops until the context is cancelled or the queue closes.
func (d *Drainer) Run(ctx context.Context) error {
	for {
		body, err := d.queue.BlockingPop(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			d.logger.Error("queue pop failed", "error", err)
			d.metrics.Errors.WithLabelValues("drain").Inc()
			d.sleep(ctx)
			continue
		}
		if err := d.HandleOne(ctx, body); err != nil {
			// Storage trouble: the payload is already consumed, so log
			// loudly and back off before the next pop.
			d.logger.Error("drain iteration failed", "error", err)
			d.metrics.Errors.WithLabelValues("drain").Inc()
			d.sleep(ctx)
		}
	}
}

// HandleOne processes a single queue payload. Malformed payloads are dropped
// with a metric; duplicates are counted and skipped. Only storage errors
// propagate.
func (d *Drainer) HandleOne(ctx context.Context, body []byte) error {
	start := d.now()
	defer func() {
		d.metrics.DrainLatency.Observe(time.Since(start).Seconds())
	}()

	var payload OrderPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.TxID == "" || payload.IdempotencyKey == "" {
		d.logger.Warn("dropping malformed queue payload", "error", err)
		d.metrics.OrdersDrained.WithLabelValues("malformed").Inc()
		return nil
	}

	order := d.toOrder(payload)
	stored, inserted, err := d.store.CreateIfAbsent(ctx, order)
	if err != nil {
		d.metrics.OrdersDrained.WithLabelValues("error").Inc()
		return err
	}
	if !inserted {
		d.logger.Info("duplicate order skipped",
			"tx_id", payload.TxID, "existing_tx_id", stored.TxID, "idempotency_key", payload.IdempotencyKey)
		d.metrics.OrdersDrained.WithLabelValues("duplicate").Inc()
		return nil
	}

	d.logger.Info("order drained", "tx_id", stored.TxID, "tx_ref", stored.TxRef)
	d.metrics.OrdersDrained.WithLabelValues("created").Inc()
	return nil
}

func (d *Drainer) toOrder(p OrderPayload) *ledger.GiftOrder {
	now := d.now()
	order := &ledger.GiftOrder{
		TxID:           p.TxID,
		TxRef:          p.TxRef,
		IdempotencyKey: p.IdempotencyKey,
		SenderID:       p.SenderID,
		ReceiverPhone:  p.ReceiverPhone,
		ReceiverName:   p.ReceiverName,
		ShopID:         p.ShopID,
		ProductID:      p.ProductID,
		Quantity:       p.Quantity,
		UnitPrice:      p.UnitPrice,
		TotalAmount:    p.TotalAmount,
		Currency:       p.Currency,
		IsSurprise:     p.IsSurprise,
		Status:         ledger.StatusInitiated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if p.Message != "" {
		msg := p.Message
		order.Message = &msg
	}
	return order
}

func (d *Drainer) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(d.cooldown):
	}
}
