// Package lifecycle drives gift orders through the settlement state
// machine. Every transition is a conditional update in the ledger; the
// machine never trusts its own reads for correctness, only for error
// messages.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"giftbridge/internal/escrow"
	"giftbridge/internal/ledger"
	"giftbridge/internal/metrics"
	"giftbridge/internal/truth"
)

// ConfidenceThreshold is the minimum audit confidence that lets a delivery
// proof auto-advance. Anything below goes to review, never dropped.
const ConfidenceThreshold = 0.85

var (
	// ErrInvalidTransition is returned when the order is not in a state
	// the requested operation applies to.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrTokenMismatch is returned when a presented collection token does
	// not match the one issued.
	ErrTokenMismatch = errors.New("collection token mismatch")
	// ErrTokenExpired is returned when the collection window has lapsed.
	ErrTokenExpired = errors.New("collection token expired")
	// ErrTokenUsed is returned on a second handshake for the same order.
	ErrTokenUsed = errors.New("collection token already used")
	// ErrShopMismatch is returned when the handshake comes from the wrong shop.
	ErrShopMismatch = errors.New("shop mismatch")
	// ErrNotCancellable is returned when cancellation rules forbid the hop.
	ErrNotCancellable = errors.New("order is not cancellable")
)

// FiscalReporter reports a sale to the fiscal authority.
type FiscalReporter interface {
	ReportSale(ctx context.Context, sale truth.FiscalSale) (string, error)
}

// Disburser initiates a shop payout.
type Disburser interface {
	Initiate(ctx context.Context, t truth.Transfer) (string, error)
}

// Refunder reverses a captured payment.
type Refunder interface {
	Refund(ctx context.Context, paymentReference, reason string) error
}

// Config tunes the machine.
type Config struct {
	EscrowTTL      time.Duration
	RetryBaseDelay time.Duration
	MaxAttempts    int
	FiscalTaxID    string
	FiscalBranchID string
}

// Machine applies lifecycle transitions against the ledger and talks to the
// external truth adapters during settlement.
type Machine struct {
	store    ledger.Ledger
	fiscal   FiscalReporter
	disburse Disburser
	refund   Refunder
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	newID    func() string
}

// New builds a machine. newID generates sync-request identifiers.
func New(store ledger.Ledger, fiscal FiscalReporter, disburse Disburser, refund Refunder, cfg Config, logger *slog.Logger, m *metrics.Metrics, newID func() string) *Machine {
	if cfg.EscrowTTL <= 0 {
		cfg.EscrowTTL = 48 * time.Hour
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Machine{
		store:    store,
		fiscal:   fiscal,
		disburse: disburse,
		refund:   refund,
		cfg:      cfg,
		logger:   logger.With("component", "lifecycle"),
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    newID,
	}
}

func (m *Machine) countTransition(to ledger.Status) {
	m.metrics.StatusTransitions.WithLabelValues(strconv.Itoa(int(to))).Inc()
}

// ConfirmPayment applies a confirmed payment: the only path from 100 to 200.
// The collection token is issued here, once the funds are locked, so an
// unpaid order never carries a usable key. Duplicate deliveries are no-ops.
func (m *Machine) ConfirmPayment(ctx context.Context, txID, providerRef string, amount float64, currency string, rate float64) error {
	token, err := escrow.NewToken(m.now(), m.cfg.EscrowTTL)
	if err != nil {
		return err
	}

	upd := ledger.Update{
		PaymentReference:      &providerRef,
		CollectionToken:       &token.Value,
		CollectionTokenExpiry: &token.ExpiresAt,
	}
	if amount > 0 {
		upd.CollectedAmount = &amount
	}
	if currency != "" {
		upd.CollectedCurrency = &currency
	}
	if rate > 0 {
		upd.FxRate = &rate
	}

	outcome, err := m.store.AdvanceStatus(ctx, txID, ledger.StatusPaymentConfirmed, upd)
	if err != nil {
		return err
	}
	switch outcome {
	case ledger.Advanced:
		m.countTransition(ledger.StatusPaymentConfirmed)
		m.logger.Info("payment confirmed", "tx_id", txID, "reference", providerRef)
		return nil
	case ledger.AlreadyApplied:
		return nil
	default:
		return fmt.Errorf("%w: payment confirmation for %s", ErrInvalidTransition, txID)
	}
}

// ConfirmDisbursement marks the shop account settled: 200 to 250. Orders
// already past 250 treat the event as a duplicate.
func (m *Machine) ConfirmDisbursement(ctx context.Context, txID, providerRef string) error {
	upd := ledger.Update{DisbursementReference: &providerRef}
	outcome, err := m.store.SetStatus(ctx, txID, ledger.StatusPaymentConfirmed, ledger.StatusSettled, upd)
	if err != nil {
		return err
	}
	switch outcome {
	case ledger.Advanced:
		m.countTransition(ledger.StatusSettled)
		m.logger.Info("disbursement settled", "tx_id", txID, "reference", providerRef)
		return nil
	case ledger.AlreadyApplied:
		return nil
	}

	order, err := m.store.GetByTxID(ctx, txID)
	if err != nil {
		return err
	}
	if order.Status > ledger.StatusSettled && order.Status < ledger.StatusHeldForReview {
		return nil
	}
	return fmt.Errorf("%w: disbursement for %s at status %d", ErrInvalidTransition, txID, int(order.Status))
}

// RecordDeliveryProof applies the audit verdict for a delivery photo. High
// confidence advances to delivered; anything below the threshold lands in
// held-for-review with the evidence hash attached.
func (m *Machine) RecordDeliveryProof(ctx context.Context, txID string, verdict truth.Verdict, proofHash string) (ledger.Status, error) {
	order, err := m.store.GetByTxID(ctx, txID)
	if err != nil {
		return 0, err
	}
	if order.Status < ledger.StatusPaymentConfirmed || order.Status >= ledger.StatusDelivered {
		return 0, fmt.Errorf("%w: delivery proof at status %d", ErrInvalidTransition, int(order.Status))
	}

	target := ledger.StatusDelivered
	if verdict.Confidence < ConfidenceThreshold {
		target = ledger.StatusHeldForReview
	}
	upd := ledger.Update{
		ProofHash:       &proofHash,
		ProofConfidence: &verdict.Confidence,
	}

	outcome, err := m.store.SetStatus(ctx, txID, order.Status, target, upd)
	if err != nil {
		return 0, err
	}
	if outcome != ledger.Advanced {
		return 0, fmt.Errorf("%w: delivery proof raced another update on %s", ErrInvalidTransition, txID)
	}
	m.countTransition(target)
	m.logger.Info("delivery proof recorded",
		"tx_id", txID, "confidence", verdict.Confidence, "status", int(target))
	return target, nil
}

// ConfirmReceipt records the receiver acknowledging the gift: 400 to 500.
func (m *Machine) ConfirmReceipt(ctx context.Context, txID string) error {
	return m.strictHop(ctx, txID, ledger.StatusDelivered, ledger.StatusReceiptConfirmed, ledger.Update{})
}

// RecordGratitude records the thank-you moment: 500 to 600.
func (m *Machine) RecordGratitude(ctx context.Context, txID string) error {
	return m.strictHop(ctx, txID, ledger.StatusReceiptConfirmed, ledger.StatusGratitudeSent, ledger.Update{})
}

// Complete closes out the order: 600 to 700.
func (m *Machine) Complete(ctx context.Context, txID string) error {
	return m.strictHop(ctx, txID, ledger.StatusGratitudeSent, ledger.StatusCompleted, ledger.Update{})
}

// AssignRider attaches a rider to a settled order: 250 to 310.
func (m *Machine) AssignRider(ctx context.Context, txID, riderID string) error {
	return m.strictHop(ctx, txID, ledger.StatusSettled, ledger.StatusRiderAssigned, ledger.Update{RiderID: &riderID})
}

// MarkPickupEnRoute records the rider heading to the shop: 310 to 320.
func (m *Machine) MarkPickupEnRoute(ctx context.Context, txID string) error {
	return m.strictHop(ctx, txID, ledger.StatusRiderAssigned, ledger.StatusPickupEnRoute, ledger.Update{})
}

// MarkPickedUp records the gift collected from the shop: 320 to 330.
func (m *Machine) MarkPickedUp(ctx context.Context, txID string) error {
	return m.strictHop(ctx, txID, ledger.StatusPickupEnRoute, ledger.StatusPickedUp, ledger.Update{})
}

// MarkDeliveryEnRoute records the rider heading to the receiver: 330 to 340.
func (m *Machine) MarkDeliveryEnRoute(ctx context.Context, txID string) error {
	return m.strictHop(ctx, txID, ledger.StatusPickedUp, ledger.StatusDeliveryEnRoute, ledger.Update{})
}

func (m *Machine) strictHop(ctx context.Context, txID string, from, to ledger.Status, upd ledger.Update) error {
	outcome, err := m.store.SetStatus(ctx, txID, from, to, upd)
	if err != nil {
		return err
	}
	switch outcome {
	case ledger.Advanced:
		m.countTransition(to)
		return nil
	case ledger.AlreadyApplied:
		return nil
	default:
		return fmt.Errorf("%w: %d to %d on %s", ErrInvalidTransition, int(from), int(to), txID)
	}
}

// Cancel moves a pre-delivery order to 900 and emits exactly one refund for
// collected funds. The refund is only attempted by the caller that won the
// compare-and-set, so duplicate cancel requests cannot double-refund.
func (m *Machine) Cancel(ctx context.Context, txID, reason string) error {
	order, err := m.store.GetByTxID(ctx, txID)
	if err != nil {
		return err
	}
	if !order.Status.Cancellable() {
		return fmt.Errorf("%w: status %d", ErrNotCancellable, int(order.Status))
	}

	outcome, err := m.store.SetStatus(ctx, txID, order.Status, ledger.StatusCancelled, ledger.Update{CancelReason: &reason})
	if err != nil {
		return err
	}
	if outcome != ledger.Advanced {
		// Lost the race. Whoever won owns the refund.
		fresh, err := m.store.GetByTxID(ctx, txID)
		if err != nil {
			return err
		}
		if fresh.Status == ledger.StatusCancelled {
			return nil
		}
		return fmt.Errorf("%w: status %d", ErrNotCancellable, int(fresh.Status))
	}
	m.countTransition(ledger.StatusCancelled)
	m.logger.Info("order cancelled", "tx_id", txID, "reason", reason)

	if order.PaymentReference != nil {
		m.issueRefund(ctx, txID, *order.PaymentReference, reason)
	}
	return nil
}

// SweepExpiredEscrows cancels paid orders whose collection window lapsed
// with no handshake and refunds the sender. Returns how many orders it
// expired.
func (m *Machine) SweepExpiredEscrows(ctx context.Context) (int, error) {
	expired, err := m.store.ExpiredEscrows(ctx, m.now())
	if err != nil {
		return 0, err
	}

	reason := "escrow_expired"
	swept := 0
	for _, order := range expired {
		outcome, err := m.store.SetStatus(ctx, order.TxID, ledger.StatusPaymentConfirmed, ledger.StatusCancelled, ledger.Update{CancelReason: &reason})
		if err != nil {
			m.logger.Error("failed expiring escrow", "tx_id", order.TxID, "error", err)
			continue
		}
		if outcome != ledger.Advanced {
			continue
		}
		m.countTransition(ledger.StatusCancelled)
		m.metrics.EscrowSweeps.Inc()
		swept++
		m.logger.Info("escrow expired", "tx_id", order.TxID, "tx_ref", order.TxRef)

		if order.PaymentReference != nil {
			m.issueRefund(ctx, order.TxID, *order.PaymentReference, reason)
		}
	}
	return swept, nil
}

// issueRefund tries the refund once and parks a durable retry on failure.
// The cancellation stands either way.
func (m *Machine) issueRefund(ctx context.Context, txID, paymentReference, reason string) {
	if err := m.refund.Refund(ctx, paymentReference, reason); err != nil {
		m.logger.Warn("refund failed, queueing retry", "tx_id", txID, "error", err)
		m.enqueueRetry(ctx, txID, ledger.SyncKindRefund, refundPayload{
			PaymentReference: paymentReference,
			Reason:           reason,
		})
	}
}
