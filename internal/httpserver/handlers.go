package httpserver

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"giftbridge/internal/escrow"
	"giftbridge/internal/ingest"
	"giftbridge/internal/ledger"
	"giftbridge/internal/lifecycle"
	"giftbridge/internal/pricing"
	"giftbridge/internal/rates"
	"giftbridge/internal/truth"
)

// AuditOracle inspects a delivery-proof image.
type AuditOracle interface {
	Inspect(ctx context.Context, image []byte, expectedProductID string) (truth.Verdict, error)
}

// Dependencies are the services the handlers dispatch into.
type Dependencies struct {
	Ingest  *ingest.Service
	Store   ledger.Ledger
	Machine *lifecycle.Machine
	Pricing *pricing.Engine
	Rates   *rates.Source
	Audit   AuditOracle

	// CollectBaseURL is the public base for receiver collection links.
	CollectBaseURL string
}

// orderView is the JSON shape of an order.
type orderView struct {
	TxID          string     `json:"tx_id"`
	TxRef         string     `json:"tx_ref"`
	SenderID      string     `json:"sender_id"`
	ReceiverPhone string     `json:"receiver_phone"`
	ReceiverName  string     `json:"receiver_name"`
	ShopID        string     `json:"shop_id"`
	ProductID     string     `json:"product_id"`
	Quantity      int        `json:"quantity"`
	UnitPrice     float64    `json:"unit_price"`
	TotalAmount   float64    `json:"total_amount"`
	Currency      string     `json:"currency"`
	Message       *string    `json:"message,omitempty"`
	IsSurprise    bool       `json:"is_surprise"`
	Status        int        `json:"status"`
	StatusName    string     `json:"status_name"`
	RiderID       *string    `json:"rider_id,omitempty"`
	TokenExpiry   *time.Time `json:"collection_token_expiry,omitempty"`
	CancelReason  *string    `json:"cancel_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func viewOf(o *ledger.GiftOrder) orderView {
	return orderView{
		TxID:          o.TxID,
		TxRef:         o.TxRef,
		SenderID:      o.SenderID,
		ReceiverPhone: o.ReceiverPhone,
		ReceiverName:  o.ReceiverName,
		ShopID:        o.ShopID,
		ProductID:     o.ProductID,
		Quantity:      o.Quantity,
		UnitPrice:     o.UnitPrice,
		TotalAmount:   o.TotalAmount,
		Currency:      o.Currency,
		Message:       o.Message,
		IsSurprise:    o.IsSurprise,
		Status:        int(o.Status),
		StatusName:    o.Status.String(),
		RiderID:       o.RiderID,
		TokenExpiry:   o.CollectionTokenExpiry,
		CancelReason:  o.CancelReason,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
}

func (s *Server) handleCreateGift(w http.ResponseWriter, r *http.Request) {
	var req ingest.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	accepted, err := s.deps.Ingest.Accept(r.Context(), req)
	if err != nil {
		if errors.Is(err, ingest.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("failed accepting order", "error", err)
		writeError(w, http.StatusServiceUnavailable, "failed to accept order")
		return
	}
	writeJSON(w, http.StatusAccepted, accepted)
}

func (s *Server) handleGetGift(w http.ResponseWriter, r *http.Request) {
	order, err := s.deps.Store.GetByTxID(r.Context(), r.PathValue("tx_id"))
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(order))
}

func (s *Server) handleGetGiftByRef(w http.ResponseWriter, r *http.Request) {
	order, err := s.deps.Store.GetByTxRef(r.Context(), r.PathValue("tx_ref"))
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(order))
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	s.logger.Error("failed loading order", "error", err)
	writeError(w, http.StatusInternalServerError, "failed to load order")
}

func (s *Server) handleDeliveryProof(w http.ResponseWriter, r *http.Request) {
	txID := r.PathValue("tx_id")
	var req struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Image == "" {
		writeError(w, http.StatusBadRequest, "missing proof image")
		return
	}
	image, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		writeError(w, http.StatusBadRequest, "image must be base64")
		return
	}

	order, err := s.deps.Store.GetByTxID(r.Context(), txID)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}

	verdict, err := s.deps.Audit.Inspect(r.Context(), image, order.ProductID)
	if err != nil {
		// An unreachable oracle must not fake a verdict; hold the order.
		s.logger.Warn("audit oracle unavailable", "tx_id", txID, "error", err)
		verdict = truth.Verdict{Confidence: 0}
	}

	sum := sha256.Sum256(image)
	status, err := s.deps.Machine.RecordDeliveryProof(r.Context(), txID, verdict, hex.EncodeToString(sum[:]))
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tx_id":      txID,
		"status":     int(status),
		"confidence": verdict.Confidence,
		"match":      verdict.Match,
	})
}

func (s *Server) handleConfirmReceipt(w http.ResponseWriter, r *http.Request) {
	s.simpleHop(w, r, s.deps.Machine.ConfirmReceipt)
}

func (s *Server) handleGratitude(w http.ResponseWriter, r *http.Request) {
	s.simpleHop(w, r, s.deps.Machine.RecordGratitude)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.simpleHop(w, r, s.deps.Machine.Complete)
}

func (s *Server) simpleHop(w http.ResponseWriter, r *http.Request, hop func(context.Context, string) error) {
	txID := r.PathValue("tx_id")
	if err := hop(r.Context(), txID); err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	order, err := s.deps.Store.GetByTxID(r.Context(), txID)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(order))
}

func (s *Server) handleAssignRider(w http.ResponseWriter, r *http.Request) {
	txID := r.PathValue("tx_id")
	var req struct {
		RiderID string `json:"rider_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RiderID == "" {
		writeError(w, http.StatusBadRequest, "missing rider_id")
		return
	}
	if err := s.deps.Machine.AssignRider(r.Context(), txID, req.RiderID); err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tx_id": txID, "rider_id": req.RiderID, "status": int(ledger.StatusRiderAssigned)})
}

func (s *Server) handleFulfillment(w http.ResponseWriter, r *http.Request) {
	txID := r.PathValue("tx_id")
	var req struct {
		Stage string `json:"stage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	var err error
	switch req.Stage {
	case "pickup_en_route":
		err = s.deps.Machine.MarkPickupEnRoute(r.Context(), txID)
	case "picked_up":
		err = s.deps.Machine.MarkPickedUp(r.Context(), txID)
	case "delivery_en_route":
		err = s.deps.Machine.MarkDeliveryEnRoute(r.Context(), txID)
	default:
		writeError(w, http.StatusBadRequest, "unknown fulfillment stage")
		return
	}
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	order, err := s.deps.Store.GetByTxID(r.Context(), txID)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(order))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	txID := r.PathValue("tx_id")
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reason == "" {
		writeError(w, http.StatusBadRequest, "missing cancellation reason")
		return
	}
	if err := s.deps.Machine.Cancel(r.Context(), txID, req.Reason); err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tx_id": txID, "status": int(ledger.StatusCancelled)})
}

// handleCollectionLink serves the verification link for receiver
// notifications. The token only travels through this internal endpoint and
// the notification channel, never through the public order views.
func (s *Server) handleCollectionLink(w http.ResponseWriter, r *http.Request) {
	order, err := s.deps.Store.GetByTxID(r.Context(), r.PathValue("tx_id"))
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	if order.CollectionToken == nil || order.Status < ledger.StatusPaymentConfirmed || order.Status >= ledger.StatusDelivered {
		writeError(w, http.StatusConflict, "order has no active collection token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tx_id":   order.TxID,
		"tx_ref":  order.TxRef,
		"url":     escrow.VerificationURL(s.deps.CollectBaseURL, order.TxRef, *order.CollectionToken),
		"expires": order.CollectionTokenExpiry,
	})
}

func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TxID   string `json:"tx_id"`
		Token  string `json:"token"`
		ShopID string `json:"shop_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TxID == "" || req.Token == "" {
		writeError(w, http.StatusBadRequest, "tx_id and token are required")
		return
	}
	result, err := s.deps.Machine.VerifyCollection(r.Context(), req.TxID, req.Token, req.ShopID)
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) writeLifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, lifecycle.ErrTokenMismatch):
		writeError(w, http.StatusForbidden, "collection token mismatch")
	case errors.Is(err, lifecycle.ErrTokenExpired):
		writeError(w, http.StatusGone, "collection token expired")
	case errors.Is(err, lifecycle.ErrTokenUsed):
		writeError(w, http.StatusConflict, "collection token already used")
	case errors.Is(err, lifecycle.ErrShopMismatch):
		writeError(w, http.StatusForbidden, "wrong shop for this order")
	case errors.Is(err, lifecycle.ErrNotCancellable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("lifecycle operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "operation failed")
	}
}

func (s *Server) handlePricingQuote(w http.ResponseWriter, r *http.Request) {
	amount, err := strconv.ParseFloat(r.URL.Query().Get("amount"), 64)
	if err != nil || amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be a positive number")
		return
	}
	currency := r.URL.Query().Get("currency")
	if currency == "" {
		writeJSON(w, http.StatusOK, s.deps.Pricing.PriceMulti(r.Context(), amount, []string{"GBP", "USD"}))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Pricing.Price(r.Context(), amount, currency))
}

func (s *Server) handleDeliveryQuote(w http.ResponseWriter, r *http.Request) {
	coords, ok := parseCoords(r, "shop_lat", "shop_lon", "receiver_lat", "receiver_lon")
	if !ok {
		writeError(w, http.StatusBadRequest, "shop and receiver coordinates are required")
		return
	}
	writeJSON(w, http.StatusOK, pricing.DeliveryFee(coords[0], coords[1], coords[2], coords[3]))
}

func (s *Server) handleCompareRoutes(w http.ResponseWriter, r *http.Request) {
	coords, ok := parseCoords(r, "orig_lat", "orig_lon", "alt_lat", "alt_lon", "receiver_lat", "receiver_lon")
	if !ok {
		writeError(w, http.StatusBadRequest, "original, alternative, and receiver coordinates are required")
		return
	}
	writeJSON(w, http.StatusOK, pricing.CompareRoutes(coords[0], coords[1], coords[2], coords[3], coords[4], coords[5]))
}

func parseCoords(r *http.Request, keys ...string) ([]float64, bool) {
	out := make([]float64, len(keys))
	for i, key := range keys {
		v, err := strconv.ParseFloat(r.URL.Query().Get(key), 64)
		if err != nil {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

func (s *Server) handleRateStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Rates.Status())
}

func (s *Server) handleRateInvalidate(w http.ResponseWriter, r *http.Request) {
	s.deps.Rates.Invalidate()
	s.logger.Info("rate cache invalidated by operator")
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}
