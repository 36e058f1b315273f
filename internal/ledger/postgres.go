package ledger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLedger provides typed access to the gift_orders store on Postgres.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres opens a new connection pool to the database.
func NewPostgres(ctx context.Context, databaseURL string, logger *slog.Logger) (*PostgresLedger, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	l := &PostgresLedger{
		pool:   pool,
		logger: logger.With("component", "ledger"),
	}

	if err := l.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return l, nil
}

var _ Ledger = (*PostgresLedger)(nil)

// Close releases the connection pool.
func (l *PostgresLedger) Close() {
	if l.pool != nil {
		l.pool.Close()
	}
}

// Ping ensures the database is reachable.
func (l *PostgresLedger) Ping(ctx context.Context) error {
	return l.pool.Ping(ctx)
}

// RunMigrations applies schema migrations on the connected database.
func (l *PostgresLedger) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	return applyPostgresMigrations(ctx, l.pool, filesystem)
}

// CreateIfAbsent inserts the order unless the idempotency key is taken. The
// unique index on idempotency_key is the serialization point: concurrent
// drain workers racing on the same key leave exactly one row behind.
func (l *PostgresLedger) CreateIfAbsent(ctx context.Context, order *GiftOrder) (*GiftOrder, bool, error) {
	const q = `
INSERT INTO gift_orders (tx_id, tx_ref, idempotency_key, sender_id, receiver_phone, receiver_name,
    shop_id, product_id, quantity, unit_price, total_amount, currency, message, is_surprise,
    status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
ON CONFLICT (idempotency_key) DO NOTHING
RETURNING ` + orderColumns + `;`

	row := l.pool.QueryRow(ctx, q,
		order.TxID, order.TxRef, order.IdempotencyKey,
		order.SenderID, order.ReceiverPhone, order.ReceiverName,
		order.ShopID, order.ProductID, order.Quantity,
		order.UnitPrice, order.TotalAmount, order.Currency,
		order.Message, order.IsSurprise, int(order.Status),
		order.CreatedAt, order.UpdatedAt,
	)

	inserted, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			existing, getErr := l.getByIdempotencyKey(ctx, order.IdempotencyKey)
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
func (l *PostgresLedger) GetByTxID(ctx context.Context, txID string) (*GiftOrder, error) {
	return l.getOne(ctx, `SELECT `+orderColumns+` FROM gift_orders WHERE tx_id = $1 LIMIT 1;`, txID)
}

// GetByTxRef retrieves an order by human-readable reference.
func (l *PostgresLedger) GetByTxRef(ctx context.Context, txRef string) (*GiftOrder, error) {
	return l.getOne(ctx, `SELECT `+orderColumns+` FROM gift_orders WHERE tx_ref = $1 LIMIT 1;`, txRef)
}

func (l *PostgresLedger) getByIdempotencyKey(ctx context.Context, key string) (*GiftOrder, error) {
	return l.getOne(ctx, `SELECT `+orderColumns+` FROM gift_orders WHERE idempotency_key = $1 LIMIT 1;`, key)
}

func (l *PostgresLedger) getOne(ctx context.Context, q string, arg any) (*GiftOrder, error) {
	order, err := scanOrder(l.pool.QueryRow(ctx, q, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return order, nil
}

// advanceSQL applies a status together with optional column updates.
// Settlement artifacts use COALESCE(column, $n) so a value only lands while
// the column is still empty; operational fields use COALESCE($n, column) so
// nil leaves them untouched.
const advanceSetClause = `
SET status = $2,
    payment_reference = COALESCE(payment_reference, $3),
    collected_amount_foreign = COALESCE(collected_amount_foreign, $4),
    collected_currency = COALESCE(collected_currency, $5),
    fx_rate_applied = COALESCE(fx_rate_applied, $6),
    disbursement_reference = COALESCE(disbursement_reference, $7),
    fiscal_reference = COALESCE(fiscal_reference, $8),
    collection_token = COALESCE(collection_token, $9),
    collection_token_expiry = COALESCE(collection_token_expiry, $10),
    rider_id = COALESCE($11, rider_id),
    proof_hash = COALESCE($12, proof_hash),
    proof_confidence = COALESCE($13, proof_confidence),
    cancel_reason = COALESCE($14, cancel_reason),
    updated_at = NOW()`

func updateArgs(txID string, target Status, upd Update) []any {
	return []any{
		txID, int(target),
		upd.PaymentReference, upd.CollectedAmount, upd.CollectedCurrency, upd.FxRate,
		upd.DisbursementReference, upd.FiscalReference,
		upd.CollectionToken, upd.CollectionTokenExpiry,
		upd.RiderID, upd.ProofHash, upd.ProofConfidence, upd.CancelReason,
	}
}

// AdvanceStatus moves the order forward iff its current status is below the
// target and the order is not held. The single conditional UPDATE is what
// serializes concurrent webhook deliveries.
func (l *PostgresLedger) AdvanceStatus(ctx context.Context, txID string, target Status, upd Update) (Outcome, error) {
	q := `UPDATE gift_orders ` + advanceSetClause + `
WHERE tx_id = $1 AND status < $2 AND status < $15;`
	args := append(updateArgs(txID, target, upd), int(StatusHeldForReview))

	ct, err := l.pool.Exec(ctx, q, args...)
	if err != nil {
		return Blocked, fmt.Errorf("advance status: %w", err)
	}
	if ct.RowsAffected() > 0 {
		return Advanced, nil
	}
	return l.classifyMiss(ctx, txID, target, false)
}

// SetStatus performs a strict compare-and-set from one exact status.
func (l *PostgresLedger) SetStatus(ctx context.Context, txID string, from, to Status, upd Update) (Outcome, error) {
	q := `UPDATE gift_orders ` + advanceSetClause + `
WHERE tx_id = $1 AND status = $15;`
	args := append(updateArgs(txID, to, upd), int(from))

	ct, err := l.pool.Exec(ctx, q, args...)
	if err != nil {
		return Blocked, fmt.Errorf("set status: %w", err)
	}
	if ct.RowsAffected() > 0 {
		return Advanced, nil
	}
	return l.classifyMiss(ctx, txID, to, true)
}

func (l *PostgresLedger) classifyMiss(ctx context.Context, txID string, target Status, strict bool) (Outcome, error) {
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
func (l *PostgresLedger) ExpiredEscrows(ctx context.Context, cutoff time.Time) ([]GiftOrder, error) {
	q := `SELECT ` + orderColumns + `
FROM gift_orders
WHERE status = $1 AND collection_token_expiry IS NOT NULL AND collection_token_expiry < $2
ORDER BY collection_token_expiry ASC;`

	rows, err := l.pool.Query(ctx, q, int(StatusPaymentConfirmed), cutoff)
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
func (l *PostgresLedger) EnqueueSyncRequest(ctx context.Context, req SyncRequest) error {
	const q = `
INSERT INTO sync_requests (id, tx_id, kind, payload, attempts, max_attempts, next_retry_at, last_error, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW());`
	_, err := l.pool.Exec(ctx, q,
		req.ID, req.TxID, req.Kind, req.Payload,
		req.Attempts, req.MaxAttempts, req.NextRetryAt, req.LastError,
	)
	if err != nil {
		return fmt.Errorf("enqueue sync request: %w", err)
	}
	return nil
}

// DueSyncRequests returns uncompleted requests whose retry time has passed.
func (l *PostgresLedger) DueSyncRequests(ctx context.Context, now time.Time, limit int) ([]SyncRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT id, tx_id, kind, payload, attempts, max_attempts, next_retry_at, last_error, completed_at, created_at
FROM sync_requests
WHERE completed_at IS NULL AND next_retry_at <= $1 AND attempts < max_attempts
ORDER BY next_retry_at ASC
LIMIT $2;`
	rows, err := l.pool.Query(ctx, q, now, limit)
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
func (l *PostgresLedger) RescheduleSyncRequest(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error {
	const q = `UPDATE sync_requests SET attempts = $2, next_retry_at = $3, last_error = $4 WHERE id = $1;`
	ct, err := l.pool.Exec(ctx, q, id, attempts, next, lastErr)
	if err != nil {
		return fmt.Errorf("reschedule sync request: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("sync request not found: %s", id)
	}
	return nil
}

// CompleteSyncRequest marks a request as done.
func (l *PostgresLedger) CompleteSyncRequest(ctx context.Context, id string) error {
	const q = `UPDATE sync_requests SET completed_at = NOW() WHERE id = $1 AND completed_at IS NULL;`
	if _, err := l.pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("complete sync request: %w", err)
	}
	return nil
}
