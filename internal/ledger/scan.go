package ledger

// orderColumns is the canonical column list shared by both implementations.
const orderColumns = `tx_id, tx_ref, idempotency_key, sender_id, receiver_phone, receiver_name,
shop_id, product_id, quantity, unit_price, total_amount, currency, message, is_surprise,
status, rider_id, collected_amount_foreign, collected_currency, fx_rate_applied,
payment_reference, disbursement_reference, fiscal_reference, collection_token,
collection_token_expiry, proof_hash, proof_confidence, cancel_reason, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*GiftOrder, error) {
	var o GiftOrder
	var status int
	if err := row.Scan(
		&o.TxID, &o.TxRef, &o.IdempotencyKey, &o.SenderID, &o.ReceiverPhone, &o.ReceiverName,
		&o.ShopID, &o.ProductID, &o.Quantity, &o.UnitPrice, &o.TotalAmount, &o.Currency, &o.Message, &o.IsSurprise,
		&status, &o.RiderID, &o.CollectedAmountForeign, &o.CollectedCurrency, &o.FxRateApplied,
		&o.PaymentReference, &o.DisbursementReference, &o.FiscalReference, &o.CollectionToken,
		&o.CollectionTokenExpiry, &o.ProofHash, &o.ProofConfidence, &o.CancelReason, &o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return nil, err
	}
	o.Status = Status(status)
	return &o, nil
}
