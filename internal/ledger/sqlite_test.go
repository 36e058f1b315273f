package ledger

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"giftbridge/migrations"
)

func newTestLedger(t *testing.T) *SQLiteLedger {
	t.Helper()
	ctx := context.Background()

	l, err := NewSQLite(ctx, filepath.Join(t.TempDir(), "ledger.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(l.Close)

	require.NoError(t, l.RunMigrations(ctx, migrations.Files))
	return l
}

func testOrder(key string) *GiftOrder {
	now := time.Now().UTC().Truncate(time.Second)
	return &GiftOrder{
		TxID:           "tx-" + key,
		TxRef:          "GFT-2026-" + key,
		IdempotencyKey: key,
		SenderID:       "sender-1",
		ReceiverPhone:  "+260971234567",
		ReceiverName:   "Chipo",
		ShopID:         "shop-1",
		ProductID:      "sku-42",
		Quantity:       2,
		UnitPrice:      50,
		TotalAmount:    100,
		Currency:       "ZMW",
		Status:         StatusInitiated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestCreateIfAbsentReplayReturnsOriginalRow(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	first, inserted, err := l.CreateIfAbsent(ctx, testOrder("KEY1"))
	require.NoError(t, err)
	require.True(t, inserted)

	// Replay with a different tx_id but the same idempotency key.
	replay := testOrder("KEY1")
	replay.TxID = "tx-other"
	second, inserted, err := l.CreateIfAbsent(ctx, replay)
	require.NoError(t, err)
	require.False(t, inserted)
	require.Equal(t, first.TxID, second.TxID)
	require.Equal(t, first.TxRef, second.TxRef)
}

func TestCreateIfAbsentConcurrentRace(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan bool, workers)
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			order := testOrder("RACE")
			order.TxID = "tx-race-" + string(rune('a'+n))
			_, inserted, err := l.CreateIfAbsent(ctx, order)
			if err != nil {
				errs <- err
				return
			}
			results <- inserted
		}(i)
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	wins := 0
	for inserted := range results {
		if inserted {
			wins++
		}
	}
	require.Equal(t, 1, wins, "exactly one drainer should win the insert")
}

func TestAdvanceStatusIdempotent(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	order, _, err := l.CreateIfAbsent(ctx, testOrder("ADV"))
	require.NoError(t, err)

	ref := "pay_123"
	outcome, err := l.AdvanceStatus(ctx, order.TxID, StatusPaymentConfirmed, Update{PaymentReference: &ref})
	require.NoError(t, err)
	require.Equal(t, Advanced, outcome)

	// Second delivery of the same event is a no-op.
	outcome, err = l.AdvanceStatus(ctx, order.TxID, StatusPaymentConfirmed, Update{PaymentReference: &ref})
	require.NoError(t, err)
	require.Equal(t, AlreadyApplied, outcome)

	got, err := l.GetByTxID(ctx, order.TxID)
	require.NoError(t, err)
	require.Equal(t, StatusPaymentConfirmed, got.Status)
	require.NotNil(t, got.PaymentReference)
	require.Equal(t, "pay_123", *got.PaymentReference)
}

func TestAdvanceStatusBlockedWhenHeld(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	order, _, err := l.CreateIfAbsent(ctx, testOrder("HELD"))
	require.NoError(t, err)

	outcome, err := l.SetStatus(ctx, order.TxID, StatusInitiated, StatusHeldForReview, Update{})
	require.NoError(t, err)
	require.Equal(t, Advanced, outcome)

	outcome, err = l.AdvanceStatus(ctx, order.TxID, StatusCancelled, Update{})
	require.NoError(t, err)
	require.Equal(t, Blocked, outcome, "held orders must not advance")
}

func TestSettlementArtifactsAreWriteOnce(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	order, _, err := l.CreateIfAbsent(ctx, testOrder("IMMUT"))
	require.NoError(t, err)

	first := "pay_first"
	_, err = l.AdvanceStatus(ctx, order.TxID, StatusPaymentConfirmed, Update{PaymentReference: &first})
	require.NoError(t, err)

	// A later transition carrying a different reference must not clobber it.
	second := "pay_second"
	outcome, err := l.AdvanceStatus(ctx, order.TxID, StatusSettled, Update{PaymentReference: &second})
	require.NoError(t, err)
	require.Equal(t, Advanced, outcome)

	got, err := l.GetByTxID(ctx, order.TxID)
	require.NoError(t, err)
	require.Equal(t, "pay_first", *got.PaymentReference)
}

func TestOperationalFieldsAreOverwritable(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	order, _, err := l.CreateIfAbsent(ctx, testOrder("RIDER"))
	require.NoError(t, err)

	r1 := "rider-1"
	_, err = l.AdvanceStatus(ctx, order.TxID, StatusPaymentConfirmed, Update{RiderID: &r1})
	require.NoError(t, err)

	r2 := "rider-2"
	_, err = l.AdvanceStatus(ctx, order.TxID, StatusSettled, Update{RiderID: &r2})
	require.NoError(t, err)

	got, err := l.GetByTxID(ctx, order.TxID)
	require.NoError(t, err)
	require.Equal(t, "rider-2", *got.RiderID)
}

func TestSetStatusStrictCompareAndSet(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	order, _, err := l.CreateIfAbsent(ctx, testOrder("CAS"))
	require.NoError(t, err)

	outcome, err := l.SetStatus(ctx, order.TxID, StatusPaymentConfirmed, StatusSettled, Update{})
	require.NoError(t, err)
	require.Equal(t, Blocked, outcome, "wrong source status must block")

	outcome, err = l.SetStatus(ctx, order.TxID, StatusInitiated, StatusPaymentConfirmed, Update{})
	require.NoError(t, err)
	require.Equal(t, Advanced, outcome)

	outcome, err = l.SetStatus(ctx, order.TxID, StatusInitiated, StatusPaymentConfirmed, Update{})
	require.NoError(t, err)
	require.Equal(t, AlreadyApplied, outcome, "repeat of a completed hop is a no-op")
}

func TestGetByTxRefAndNotFound(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	order, _, err := l.CreateIfAbsent(ctx, testOrder("REF"))
	require.NoError(t, err)

	got, err := l.GetByTxRef(ctx, order.TxRef)
	require.NoError(t, err)
	require.Equal(t, order.TxID, got.TxID)

	_, err = l.GetByTxID(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestExpiredEscrows(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	now := time.Now().UTC()

	expired, _, err := l.CreateIfAbsent(ctx, testOrder("EXP"))
	require.NoError(t, err)
	past := now.Add(-time.Hour)
	tok := "GT-ABCD-EF"
	_, err = l.AdvanceStatus(ctx, expired.TxID, StatusPaymentConfirmed, Update{CollectionToken: &tok, CollectionTokenExpiry: &past})
	require.NoError(t, err)

	fresh, _, err := l.CreateIfAbsent(ctx, testOrder("FRESH"))
	require.NoError(t, err)
	future := now.Add(time.Hour)
	tok2 := "GT-EFGH-JK"
	_, err = l.AdvanceStatus(ctx, fresh.TxID, StatusPaymentConfirmed, Update{CollectionToken: &tok2, CollectionTokenExpiry: &future})
	require.NoError(t, err)

	unpaid, _, err := l.CreateIfAbsent(ctx, testOrder("UNPAID"))
	require.NoError(t, err)
	_ = unpaid

	got, err := l.ExpiredEscrows(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, expired.TxID, got[0].TxID)
}

func TestSyncRequestQueue(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	now := time.Now().UTC()

	req := SyncRequest{
		ID:          "sr-1",
		TxID:        "tx-1",
		Kind:        SyncKindFiscal,
		Payload:     []byte(`{"sale":{}}`),
		MaxAttempts: 10,
		NextRetryAt: now.Add(-time.Minute),
	}
	require.NoError(t, l.EnqueueSyncRequest(ctx, req))

	later := SyncRequest{
		ID:          "sr-2",
		TxID:        "tx-2",
		Kind:        SyncKindRefund,
		Payload:     []byte(`{}`),
		MaxAttempts: 10,
		NextRetryAt: now.Add(time.Hour),
	}
	require.NoError(t, l.EnqueueSyncRequest(ctx, later))

	due, err := l.DueSyncRequests(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "sr-1", due[0].ID)

	// Reschedule pushes it past the horizon.
	require.NoError(t, l.RescheduleSyncRequest(ctx, "sr-1", 1, now.Add(2*time.Minute), "fiscal down"))
	due, err = l.DueSyncRequests(ctx, now, 10)
	require.NoError(t, err)
	require.Empty(t, due)

	due, err = l.DueSyncRequests(ctx, now.Add(3*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, 1, due[0].Attempts)
	require.NotNil(t, due[0].LastError)

	// Completion removes it from the due set for good.
	require.NoError(t, l.CompleteSyncRequest(ctx, "sr-1"))
	due, err = l.DueSyncRequests(ctx, now.Add(3*time.Minute), 10)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestSyncRequestExhaustsAttempts(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	now := time.Now().UTC()

	req := SyncRequest{
		ID:          "sr-max",
		TxID:        "tx-1",
		Kind:        SyncKindDisburse,
		Payload:     []byte(`{}`),
		MaxAttempts: 2,
		NextRetryAt: now.Add(-time.Minute),
	}
	require.NoError(t, l.EnqueueSyncRequest(ctx, req))
	require.NoError(t, l.RescheduleSyncRequest(ctx, "sr-max", 2, now.Add(-time.Second), "still down"))

	due, err := l.DueSyncRequests(ctx, now, 10)
	require.NoError(t, err)
	require.Empty(t, due, "requests at max attempts stop retrying")
}
