package ledger

import (
	"context"
	"errors"
	"io/fs"
	"time"
)

// ErrNotFound is returned when no order matches the given identity.
var ErrNotFound = errors.New("order not found")

// Ledger defines the interface for the durable order store. Two
// implementations exist: Postgres (production) and SQLite (tests and
// single-node deployments).
type Ledger interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// CreateIfAbsent inserts the order unless a row with the same
	// idempotency key already exists. It returns the stored row and whether
	// this call inserted it; a replay returns the original row unchanged.
	CreateIfAbsent(ctx context.Context, order *GiftOrder) (*GiftOrder, bool, error)

	GetByTxID(ctx context.Context, txID string) (*GiftOrder, error)
	GetByTxRef(ctx context.Context, txRef string) (*GiftOrder, error)

	// AdvanceStatus performs an atomic update-where-status-below-target.
	// Held orders (>= 800) never advance through this path. Idempotent:
	// a target at or below the current status reports AlreadyApplied.
	AdvanceStatus(ctx context.Context, txID string, target Status, upd Update) (Outcome, error)

	// SetStatus performs a strict compare-and-set from one exact status to
	// another. Used for the non-monotonic hops (hold, cancel).
	SetStatus(ctx context.Context, txID string, from, to Status, upd Update) (Outcome, error)

	// ExpiredEscrows lists paid orders whose collection token expired
	// before cutoff with no handshake.
	ExpiredEscrows(ctx context.Context, cutoff time.Time) ([]GiftOrder, error)

	// Durable retry queue for transiently failed external calls.
	EnqueueSyncRequest(ctx context.Context, req SyncRequest) error
	DueSyncRequests(ctx context.Context, now time.Time, limit int) ([]SyncRequest, error)
	RescheduleSyncRequest(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error
	CompleteSyncRequest(ctx context.Context, id string) error
}
