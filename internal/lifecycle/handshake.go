package lifecycle

import (
	"context"
	"fmt"
	"time"

	"giftbridge/internal/escrow"
	"giftbridge/internal/ledger"
	"giftbridge/internal/truth"
)

// HandshakeResult reports what the verification achieved.
type HandshakeResult struct {
	Status          ledger.Status `json:"status"`
	FiscalReported  bool          `json:"fiscal_reported"`
	DisbursementOK  bool          `json:"disbursement_ok"`
	PendingRetries  []string      `json:"pending_retries,omitempty"`
	FiscalReference string        `json:"fiscal_reference,omitempty"`
}

// VerifyCollection runs the three-way handshake: the receiver's token is
// checked and burned, the sale is fiscalized, and the shop payout is
// initiated. The token burn (the hop to 350) is irreversible and single use;
// a successful payout is never rolled back. A failed leg stays queued for
// retry while the order waits at 350.
func (m *Machine) VerifyCollection(ctx context.Context, txID, token, shopID string) (HandshakeResult, error) {
	order, err := m.store.GetByTxID(ctx, txID)
	if err != nil {
		return HandshakeResult{}, err
	}

	if order.Status == ledger.StatusKeyVerified {
		return HandshakeResult{}, ErrTokenUsed
	}
	if order.Status < ledger.StatusPaymentConfirmed || order.Status >= ledger.StatusDelivered {
		return HandshakeResult{}, fmt.Errorf("%w: handshake at status %d", ErrInvalidTransition, int(order.Status))
	}
	if shopID != "" && shopID != order.ShopID {
		return HandshakeResult{}, ErrShopMismatch
	}
	if order.CollectionToken == nil {
		return HandshakeResult{}, ErrTokenMismatch
	}
	if escrow.Normalize(token) != *order.CollectionToken {
		return HandshakeResult{}, ErrTokenMismatch
	}
	if order.CollectionTokenExpiry != nil && m.now().After(*order.CollectionTokenExpiry) {
		return HandshakeResult{}, ErrTokenExpired
	}

	outcome, err := m.store.SetStatus(ctx, txID, order.Status, ledger.StatusKeyVerified, ledger.Update{})
	if err != nil {
		return HandshakeResult{}, err
	}
	if outcome != ledger.Advanced {
		// Someone else burned the token first.
		return HandshakeResult{}, ErrTokenUsed
	}
	m.countTransition(ledger.StatusKeyVerified)
	m.logger.Info("collection verified", "tx_id", txID, "shop_id", order.ShopID)

	return m.settle(ctx, order)
}

// settle runs the fiscal and disbursement legs for an order sitting at 350
// and advances to 700 once both references are on the row.
func (m *Machine) settle(ctx context.Context, order *ledger.GiftOrder) (HandshakeResult, error) {
	result := HandshakeResult{Status: ledger.StatusKeyVerified}

	fiscalRef := order.FiscalReference
	if fiscalRef == nil {
		ref, err := m.fiscal.ReportSale(ctx, m.saleFor(order))
		if err != nil {
			m.logger.Warn("fiscal leg failed", "tx_id", order.TxID, "error", err)
			m.enqueueRetry(ctx, order.TxID, ledger.SyncKindFiscal, fiscalPayload{Sale: m.saleFor(order)})
			result.PendingRetries = append(result.PendingRetries, ledger.SyncKindFiscal)
		} else {
			fiscalRef = &ref
			result.FiscalReported = true
			result.FiscalReference = ref
		}
	} else {
		result.FiscalReported = true
		result.FiscalReference = *fiscalRef
	}

	disburseRef := order.DisbursementReference
	if disburseRef == nil {
		ref, err := m.disburse.Initiate(ctx, m.transferFor(order))
		if err != nil {
			m.logger.Warn("disbursement leg failed", "tx_id", order.TxID, "error", err)
			m.enqueueRetry(ctx, order.TxID, ledger.SyncKindDisburse, disbursePayload{Transfer: m.transferFor(order)})
			result.PendingRetries = append(result.PendingRetries, ledger.SyncKindDisburse)
		} else {
			disburseRef = &ref
			result.DisbursementOK = true
		}
	} else {
		result.DisbursementOK = true
	}

	// Persist whatever references landed without leaving 350.
	upd := ledger.Update{FiscalReference: fiscalRef, DisbursementReference: disburseRef}
	if _, err := m.store.SetStatus(ctx, order.TxID, ledger.StatusKeyVerified, ledger.StatusKeyVerified, upd); err != nil {
		return result, err
	}

	if fiscalRef != nil && disburseRef != nil {
		outcome, err := m.store.SetStatus(ctx, order.TxID, ledger.StatusKeyVerified, ledger.StatusCompleted, ledger.Update{})
		if err != nil {
			return result, err
		}
		if outcome == ledger.Advanced {
			m.countTransition(ledger.StatusCompleted)
			m.logger.Info("handshake complete", "tx_id", order.TxID)
		}
		result.Status = ledger.StatusCompleted
	}
	return result, nil
}

func (m *Machine) saleFor(order *ledger.GiftOrder) truth.FiscalSale {
	return truth.FiscalSale{
		TxRef:     order.TxRef,
		TaxID:     m.cfg.FiscalTaxID,
		BranchID:  m.cfg.FiscalBranchID,
		Amount:    order.TotalAmount,
		Currency:  order.Currency,
		ItemName:  order.ProductID,
		ItemCode:  order.ProductID,
		Quantity:  order.Quantity,
		UnitPrice: order.UnitPrice,
		SoldAt:    m.now().Format("20060102"),
	}
}

func (m *Machine) transferFor(order *ledger.GiftOrder) truth.Transfer {
	return truth.Transfer{
		TxID:     order.TxID,
		ShopID:   order.ShopID,
		Amount:   order.TotalAmount,
		Currency: order.Currency,
	}
}

// CollectionDeadline exposes the escrow horizon for a freshly confirmed
// payment, used by notification copy.
func (m *Machine) CollectionDeadline(from time.Time) time.Time {
	return from.Add(m.cfg.EscrowTTL)
}
