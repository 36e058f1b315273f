package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteLedger provides access to a local SQLite database. It backs tests
// and single-node deployments; Postgres is the production store.
type SQLiteLedger struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLite opens a new connection to the SQLite database.
func NewSQLite(ctx context.Context, databasePath string, logger *slog.Logger) (*SQLiteLedger, error) {
	path := strings.TrimSpace(databasePath)
	if path == "" {
		return nil, fmt.Errorf("sqlite database path is empty")
	}
	// Busy timeout and WAL mode are recommended for SQLite concurrency.
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn = fmt.Sprintf("%s%s_pragma=busy_timeout=10000&_pragma=journal_mode=WAL&_pragma=foreign_keys=ON", dsn, sep)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent updates.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteLedger{
		db:     db,
		logger: logger.With("component", "ledger_sqlite"),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

var _ Ledger = (*SQLiteLedger)(nil)

// Close releases the database connection.
func (l *SQLiteLedger) Close() {
	if l.db != nil {
		l.db.Close()
	}
}

// Ping ensures the database is reachable.
func (l *SQLiteLedger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// RunMigrations applies the SQLite variant of the schema.
func (l *SQLiteLedger) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	entries, err := fs.ReadDir(filesystem, "sqlite")
	if err != nil {
		return fmt.Errorf("read sqlite migrations: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		sqlContent, err := fs.ReadFile(filesystem, "sqlite/"+entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := l.db.ExecContext(ctx, string(sqlContent)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// CreateIfAbsent inserts the order unless the idempotency key is taken.
func (l *SQLiteLedger) CreateIfAbsent(ctx context.Context, order *GiftOrder) (*GiftOrder, bool, error) {
	const q = `
INSERT INTO gift_orders (tx_id, tx_ref, idempotency_key, sender_id, receiver_phone, receiver_name,
    shop_id, product_id, quantity, unit_price, total_amount, currency, message, is_surprise,
    status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (idempotency_key) DO NOTHING
RETURNING ` + orderColumns + `;`

	row := l.db.QueryRowContext(ctx, q,
		order.TxID, order.TxRef, order.IdempotencyKey,
		order.SenderID, order.ReceiverPhone, order.ReceiverName,
		order.ShopID, order.ProductID, order.Quantity,
		order.UnitPrice, order.TotalAmount, order.Currency,
		order.Message, order.IsSurprise, int(order.Status),
		order.CreatedAt, order.UpdatedAt,
	)

	inserted, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			existing, getErr := l.getOne(ctx, `SELECT `+orderColumns+` FROM gift_orders WHERE idempotency_key = ? LIMIT 1;`, order.IdempotencyKey)
			if getErr != nil {
				return nil, false, getErr
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("insert order: %w", err)
	}
	return inserted, true, nil
}

// GetByTxID retrieves an order by transaction ID.
func (l *SQLiteLedger) GetByTxID(ctx context.Context, txID string) (*GiftOrder, error) {
	return l.getOne(ctx, `SELECT `+orderColumns+` FROM gift_orders WHERE tx_id = ? LIMIT 1;`, txID)
}

// GetByTxRef retrieves an order by human-readable reference.
func (l *SQLiteLedger) GetByTxRef(ctx context.Context, txRef string) (*GiftOrder, error) {
	return l.getOne(ctx, `SELECT `+orderColumns+` FROM gift_orders WHERE tx_ref = ? LIMIT 1;`, txRef)
}

func (l *SQLiteLedger) getOne(ctx context.Context, q string, arg any) (*GiftOrder, error) {
	order, err := scanOrder(l.db.QueryRowContext(ctx, q, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return order, nil
}

const sqliteSetClause = `
SET status = ?,
    payment_reference = COALESCE(payment_reference, ?),
    collected_amount_foreign = COALESCE(collected_amount_foreign, ?),
    collected_currency = COALESCE(collected_currency, ?),
    fx_rate_applied = COALESCE(fx_rate_applied, ?),
    disbursement_reference = COALESCE(disbursement_reference, ?),
    fiscal_reference = COALESCE(fiscal_reference, ?),
    collection_token = COALESCE(collection_token, ?),
    collection_token_expiry = COALESCE(collection_token_expiry, ?),
    rider_id = COALESCE(?, rider_id),
    proof_hash = COALESCE(?, proof_hash),
    proof_confidence = COALESCE(?, proof_confidence),
    cancel_reason = COALESCE(?, cancel_reason),
    updated_at = ?`

func (l *SQLiteLedger) setArgs(target Status, upd Update) []any {
	return []any{
		int(target),
		upd.PaymentReference, upd.CollectedAmount, upd.CollectedCurrency, upd.FxRate,
		upd.DisbursementReference, upd.FiscalReference,
		upd.CollectionToken, upd.CollectionTokenExpiry,
		upd.RiderID, upd.ProofHash, upd.ProofConfidence, upd.CancelReason,
		l.now(),
	}
}

// AdvanceStatus moves the order forward iff its current status is below the
// target and the order is not held.
func (l *SQLiteLedger) AdvanceStatus(ctx context.Context, txID string, target Status, upd Update) (Outcome, error) {
	q := `UPDATE gift_orders ` + sqliteSetClause + `
WHERE tx_id = ? AND status < ? AND status < ?;`
	args := append(l.setArgs(target, upd), txID, int(target), int(StatusHeldForReview))

	res, err := l.db.ExecContext(ctx, q, args...)
	if err != nil {
		return Blocked, fmt.Errorf("advance status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Blocked, fmt.Errorf("advance status: %w", err)
	}
	if n > 0 {
		return Advanced, nil
	}
	return l.classifyMiss(ctx, txID, target, false)
}

// SetStatus performs a strict compare-and-set from one exact status.
func (l *SQLiteLedger) SetStatus(ctx context.Context, txID string, from, to Status, upd Update) (Outcome, error) {
	q := `UPDATE gift_orders ` + sqliteSetClause + `
WHERE tx_id = ? AND status = ?;`
	args := append(l.setArgs(to, upd), txID, int(from))

	res, err := l.db.ExecContext(ctx, q, args...)
	if err != nil {
		return Blocked, fmt.Errorf("set status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Blocked, fmt.Errorf("set status: %w", err)
	}
	if n > 0 {
		return Advanced, nil
	}
	return l.classifyMiss(ctx, txID, to, true)
}

func (l *SQLiteLedger) classifyMiss(ctx context.Context, txID string, target Status, strict bool) (Outcome, error) {
	current, err := l.GetByTxID(ctx, txID)
	if err != nil {
		return Blocked, err
	}
	if strict {
		if current.Status == target {
			return AlreadyApplied, nil
		}
		return Blocked, nil
	}
	if current.Status >= target {
		return AlreadyApplied, nil
	}
	return Blocked, nil
}

// ExpiredEscrows lists paid orders whose collection token lapsed with no
// handshake before cutoff.
func (l *SQLiteLedger) ExpiredEscrows(ctx context.Context, cutoff time.Time) ([]GiftOrder, error) {
	q := `SELECT ` + orderColumns + `
FROM gift_orders
WHERE status = ? AND collection_token_expiry IS NOT NULL AND collection_token_expiry < ?
ORDER BY collection_token_expiry ASC;`

	rows, err := l.db.QueryContext(ctx, q, int(StatusPaymentConfirmed), cutoff)
	if err != nil {
		return nil, fmt.Errorf("list expired escrows: %w", err)
	}
	defer rows.Close()

	var orders []GiftOrder
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired escrow: %w", err)
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired escrows: %w", err)
	}
	return orders, nil
}

// EnqueueSyncRequest stores a retryable external call.
func (l *SQLiteLedger) EnqueueSyncRequest(ctx context.Context, req SyncRequest) error {
	const q = `
INSERT INTO sync_requests (id, tx_id, kind, payload, attempts, max_attempts, next_retry_at, last_error, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`
	_, err := l.db.ExecContext(ctx, q,
		req.ID, req.TxID, req.Kind, req.Payload,
		req.Attempts, req.MaxAttempts, req.NextRetryAt, req.LastError, l.now(),
	)
	if err != nil {
		return fmt.Errorf("enqueue sync request: %w", err)
	}
	return nil
}

// DueSyncRequests returns uncompleted requests whose retry time has passed.
func (l *SQLiteLedger) DueSyncRequests(ctx context.Context, now time.Time, limit int) ([]SyncRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT id, tx_id, kind, payload, attempts, max_attempts, next_retry_at, last_error, completed_at, created_at
FROM sync_requests
WHERE completed_at IS NULL AND next_retry_at <= ? AND attempts < max_attempts
ORDER BY next_retry_at ASC
LIMIT ?;`
	rows, err := l.db.QueryContext(ctx, q, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due sync requests: %w", err)
	}
	defer rows.Close()

	var reqs []SyncRequest
	for rows.Next() {
		var r SyncRequest
		if err := rows.Scan(&r.ID, &r.TxID, &r.Kind, &r.Payload, &r.Attempts, &r.MaxAttempts, &r.NextRetryAt, &r.LastError, &r.CompletedAt, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan sync request: %w", err)
		}
		reqs = append(reqs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync requests: %w", err)
	}
	return reqs, nil
}

// RescheduleSyncRequest records a failed attempt and its next retry time.
func (l *SQLiteLedger) RescheduleSyncRequest(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error {
	const q = `UPDATE sync_requests SET attempts = ?, next_retry_at = ?, last_error = ? WHERE id = ?;`
	res, err := l.db.ExecContext(ctx, q, attempts, next, lastErr, id)
	if err != nil {
		return fmt.Errorf("reschedule sync request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reschedule sync request: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("sync request not found: %s", id)
	}
	return nil
}

// CompleteSyncRequest marks a request as done.
func (l *SQLiteLedger) CompleteSyncRequest(ctx context.Context, id string) error {
	const q = `UPDATE sync_requests SET completed_at = ? WHERE id = ? AND completed_at IS NULL;`
	if _, err := l.db.ExecContext(ctx, q, l.now(), id); err != nil {
		return fmt.Errorf("complete sync request: %w", err)
	}
	return nil
}
