package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"giftbridge/internal/ledger"
	"giftbridge/internal/truth"
)

// maxBackoff caps retry delays at a day so a long outage does not push the
// next attempt into next month.
const maxBackoff = 24 * time.Hour

// Backoff returns the exponential delay before retry number attempt:
// base doubled per attempt, capped at 24 hours.
func Backoff(attempt int, base time.Duration) time.Duration {
	if base <= 0 {
		base = time.Minute
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}

type fiscalPayload struct {
	Sale truth.FiscalSale `json:"sale"`
}

type disbursePayload struct {
	Transfer truth.Transfer `json:"transfer"`
}

type refundPayload struct {
	PaymentReference string `json:"payment_reference"`
	Reason           string `json:"reason"`
}

// enqueueRetry parks a failed external call on the durable queue. Enqueue
// failures are logged, not returned: by this point the state transition has
// already happened and must stand.
func (m *Machine) enqueueRetry(ctx context.Context, txID, kind string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error("failed marshalling sync payload", "tx_id", txID, "kind", kind, "error", err)
		return
	}
	req := ledger.SyncRequest{
		ID:          m.newID(),
		TxID:        txID,
		Kind:        kind,
		Payload:     body,
		Attempts:    0,
		MaxAttempts: m.cfg.MaxAttempts,
		NextRetryAt: m.now().Add(Backoff(0, m.cfg.RetryBaseDelay)),
	}
	if err := m.store.EnqueueSyncRequest(ctx, req); err != nil {
		m.logger.Error("failed enqueueing sync request", "tx_id", txID, "kind", kind, "error", err)
	}
}

// RetryDueSyncRequests drains the retry queue once: every due request is
// attempted, completed on success, rescheduled with backoff on failure.
// Returns how many requests were attempted.
func (m *Machine) RetryDueSyncRequests(ctx context.Context, limit int) (int, error) {
	due, err := m.store.DueSyncRequests(ctx, m.now(), limit)
	if err != nil {
		return 0, err
	}

	for _, req := range due {
		if err := m.retryOne(ctx, req); err != nil {
			m.metrics.SyncRetries.WithLabelValues(req.Kind, "failed").Inc()
			attempts := req.Attempts + 1
			next := m.now().Add(Backoff(attempts, m.cfg.RetryBaseDelay))
			if rescheduleErr := m.store.RescheduleSyncRequest(ctx, req.ID, attempts, next, err.Error()); rescheduleErr != nil {
				m.logger.Error("failed rescheduling sync request", "id", req.ID, "error", rescheduleErr)
			}
			continue
		}
		m.metrics.SyncRetries.WithLabelValues(req.Kind, "ok").Inc()
		if err := m.store.CompleteSyncRequest(ctx, req.ID); err != nil {
			m.logger.Error("failed completing sync request", "id", req.ID, "error", err)
		}
	}
	return len(due), nil
}

func (m *Machine) retryOne(ctx context.Context, req ledger.SyncRequest) error {
	switch req.Kind {
	case ledger.SyncKindFiscal:
		var p fiscalPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return fmt.Errorf("decode fiscal payload: %w", err)
		}
		ref, err := m.fiscal.ReportSale(ctx, p.Sale)
		if err != nil {
			return err
		}
		return m.recordSettlementLeg(ctx, req.TxID, ledger.Update{FiscalReference: &ref})

	case ledger.SyncKindDisburse:
		var p disbursePayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return fmt.Errorf("decode disburse payload: %w", err)
		}
		ref, err := m.disburse.Initiate(ctx, p.Transfer)
		if err != nil {
			return err
		}
		return m.recordSettlementLeg(ctx, req.TxID, ledger.Update{DisbursementReference: &ref})

	case ledger.SyncKindRefund:
		var p refundPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return fmt.Errorf("decode refund payload: %w", err)
		}
		return m.refund.Refund(ctx, p.PaymentReference, p.Reason)

	default:
		return fmt.Errorf("unknown sync kind %q", req.Kind)
	}
}

// recordSettlementLeg stores a late-arriving settlement reference and
// completes the handshake once both legs are present.
func (m *Machine) recordSettlementLeg(ctx context.Context, txID string, upd ledger.Update) error {
	if _, err := m.store.SetStatus(ctx, txID, ledger.StatusKeyVerified, ledger.StatusKeyVerified, upd); err != nil {
		return err
	}

	order, err := m.store.GetByTxID(ctx, txID)
	if err != nil {
		return err
	}
	if order.Status == ledger.StatusKeyVerified && order.FiscalReference != nil && order.DisbursementReference != nil {
		outcome, err := m.store.SetStatus(ctx, txID, ledger.StatusKeyVerified, ledger.StatusCompleted, ledger.Update{})
		if err != nil {
			return err
		}
		if outcome == ledger.Advanced {
			m.countTransition(ledger.StatusCompleted)
			m.logger.Info("handshake completed after retry", "tx_id", txID)
		}
	}
	return nil
}
