package ledger

import "time"

// GiftOrder is a row in the gift_orders table, the single source of truth
// for a transaction. Rows are created exclusively by the drain worker and
// never deleted.
type GiftOrder struct {
	TxID           string
	TxRef          string
	IdempotencyKey string

	SenderID      string
	ReceiverPhone string
	ReceiverName  string

	ShopID      string
	ProductID   string
	Quantity    int
	UnitPrice   float64
	TotalAmount float64
	Currency    string

	Message    *string
	IsSurprise bool

	Status  Status
	RiderID *string

	// Settlement artifacts. Immutable once written.
	CollectedAmountForeign *float64
	CollectedCurrency      *string
	FxRateApplied          *float64
	PaymentReference       *string
	DisbursementReference  *string
	FiscalReference        *string
	CollectionToken        *string
	CollectionTokenExpiry  *time.Time

	ProofHash       *string
	ProofConfidence *float64
	CancelReason    *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Update carries optional column values applied together with a status
// transition. Nil fields are left untouched. Settlement artifacts
// (references, collected amount, rate, token) are write-once: a non-nil
// value only lands if the column is still empty.
type Update struct {
	PaymentReference      *string
	CollectedAmount       *float64
	CollectedCurrency     *string
	FxRate                *float64
	DisbursementReference *string
	FiscalReference       *string
	RiderID               *string
	CollectionToken       *string
	CollectionTokenExpiry *time.Time
	ProofHash             *string
	ProofConfidence       *float64
	CancelReason          *string
}

// Outcome classifies the result of a conditional status update.
type Outcome int

const (
	// Advanced means the row was updated by this call.
	Advanced Outcome = iota
	// AlreadyApplied means the order had already reached (or passed) the
	// target; the call is an idempotent no-op.
	AlreadyApplied
	// Blocked means the guard condition failed: the order is held, was
	// mutated concurrently, or is not in the expected state.
	Blocked
)

// Sync-request kinds for the durable retry queue.
const (
	SyncKindFiscal   = "fiscal"
	SyncKindDisburse = "disburse"
	SyncKindRefund   = "refund"
)

// SyncRequest is a durable retry-queue entry for an external call that
// failed transiently. The worker re-attempts it with exponential backoff.
type SyncRequest struct {
	ID          string
	TxID        string
	Kind        string
	Payload     []byte
	Attempts    int
	MaxAttempts int
	NextRetryAt time.Time
	LastError   *string
	CompletedAt *time.Time
	CreatedAt   time.Time
}
