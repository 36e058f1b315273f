package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"giftbridge/internal/ledger"
	"giftbridge/internal/metrics"
	"giftbridge/internal/queue"
	"giftbridge/migrations"
)

func newTestStore(t *testing.T) *ledger.SQLiteLedger {
	t.Helper()
	ctx := context.Background()
	store, err := ledger.NewSQLite(ctx, filepath.Join(t.TempDir(), "ingest.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.RunMigrations(ctx, migrations.Files))
	return store
}

func validRequest() OrderRequest {
	return OrderRequest{
		IdempotencyKey: "idem-1",
		SenderID:       "sender-1",
		ReceiverPhone:  "+260971234567",
		ReceiverName:   "Chipo",
		ShopID:         "shop-1",
		ProductID:      "sku-42",
		Quantity:       3,
		UnitPrice:      25,
		Currency:       "zmw",
	}
}

func TestAcceptEnqueuesWithoutTouchingLedger(t *testing.T) {
	q := queue.NewMemory(4)
	m := metrics.Registry("ingest_test")
	svc := NewService(q, slog.Default(), m)
	store := newTestStore(t)
	ctx := context.Background()

	accepted, err := svc.Accept(ctx, validRequest())
	require.NoError(t, err)
	require.Equal(t, "queued", accepted.State)
	require.NotEmpty(t, accepted.TxID)
	require.True(t, strings.HasPrefix(accepted.TxRef, "GFT-"))

	// Nothing in the ledger until a drainer runs.
	_, err = store.GetByTxID(ctx, accepted.TxID)
	require.ErrorIs(t, err, ledger.ErrNotFound)

	body, err := q.BlockingPop(ctx)
	require.NoError(t, err)

	var payload OrderPayload
	require.NoError(t, json.Unmarshal(body, &payload))
	require.Equal(t, accepted.TxID, payload.TxID)
	require.Equal(t, 75.0, payload.TotalAmount)
	require.Equal(t, "ZMW", payload.Currency)
}

func TestAcceptRejectsBadShape(t *testing.T) {
	q := queue.NewMemory(4)
	svc := NewService(q, slog.Default(), metrics.Registry("ingest_test"))
	ctx := context.Background()

	bad := validRequest()
	bad.Quantity = 0
	_, err := svc.Accept(ctx, bad)
	require.ErrorIs(t, err, ErrValidation)

	bad = validRequest()
	bad.IdempotencyKey = "  "
	_, err = svc.Accept(ctx, bad)
	require.ErrorIs(t, err, ErrValidation)

	bad = validRequest()
	bad.UnitPrice = 0
	_, err = svc.Accept(ctx, bad)
	require.ErrorIs(t, err, ErrValidation)
}

func TestDrainCreatesLedgerRow(t *testing.T) {
	q := queue.NewMemory(4)
	m := metrics.Registry("ingest_test")
	svc := NewService(q, slog.Default(), m)
	store := newTestStore(t)
	drainer := NewDrainer(q, store, time.Millisecond, slog.Default(), m)
	ctx := context.Background()

	accepted, err := svc.Accept(ctx, validRequest())
	require.NoError(t, err)

	body, err := q.BlockingPop(ctx)
	require.NoError(t, err)
	require.NoError(t, drainer.HandleOne(ctx, body))

	order, err := store.GetByTxID(ctx, accepted.TxID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusInitiated, order.Status)
	require.Equal(t, accepted.TxRef, order.TxRef)
	require.Equal(t, 75.0, order.TotalAmount)
}

func TestDrainSkipsDuplicateIdempotencyKey(t *testing.T) {
	q := queue.NewMemory(8)
	m := metrics.Registry("ingest_test")
	svc := NewService(q, slog.Default(), m)
	store := newTestStore(t)
	drainer := NewDrainer(q, store, time.Millisecond, slog.Default(), m)
	ctx := context.Background()

	// The same request submitted twice gets two distinct tx_ids but shares
	// the idempotency key; only the first lands.
	first, err := svc.Accept(ctx, validRequest())
	require.NoError(t, err)
	second, err := svc.Accept(ctx, validRequest())
	require.NoError(t, err)
	require.NotEqual(t, first.TxID, second.TxID)

	for i := 0; i < 2; i++ {
		body, err := q.BlockingPop(ctx)
		require.NoError(t, err)
		require.NoError(t, drainer.HandleOne(ctx, body))
	}

	_, err = store.GetByTxID(ctx, first.TxID)
	require.NoError(t, err)
	_, err = store.GetByTxID(ctx, second.TxID)
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestDrainDropsMalformedPayload(t *testing.T) {
	q := queue.NewMemory(4)
	m := metrics.Registry("ingest_test")
	store := newTestStore(t)
	drainer := NewDrainer(q, store, time.Millisecond, slog.Default(), m)
	ctx := context.Background()

	require.NoError(t, drainer.HandleOne(ctx, []byte("not json")))
	require.NoError(t, drainer.HandleOne(ctx, []byte(`{"tx_id":""}`)))
}

func TestDrainRunStopsOnCancel(t *testing.T) {
	q := queue.NewMemory(4)
	m := metrics.Registry("ingest_test")
	store := newTestStore(t)
	drainer := NewDrainer(q, store, time.Millisecond, slog.Default(), m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- drainer.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("drainer did not stop on cancel")
	}
}
