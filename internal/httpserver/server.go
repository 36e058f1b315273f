// Package httpserver exposes the gateway API: order intake, lifecycle
// actions, pricing, rate operations, and the truth webhooks.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"giftbridge/internal/metrics"
)

// Handlers groups the webhook handlers mounted on the server.
type Handlers struct {
	PaymentWebhook      http.Handler
	DisbursementWebhook http.Handler
}

// Server wraps an http.Server with the gateway routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	deps       Dependencies
}

// New creates the HTTP server listening on addr.
func New(addr string, deps Dependencies, handlers Handlers, logger *slog.Logger, m *metrics.Metrics) *Server {
	server := &Server{
		logger:  logger.With("component", "http"),
		metrics: m,
		deps:    deps,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", server.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /gifts", server.handleCreateGift)
	mux.HandleFunc("GET /gifts/{tx_id}", server.handleGetGift)
	mux.HandleFunc("GET /gifts/by-ref/{tx_ref}", server.handleGetGiftByRef)
	mux.HandleFunc("POST /gifts/{tx_id}/proof", server.handleDeliveryProof)
	mux.HandleFunc("POST /gifts/{tx_id}/confirm", server.handleConfirmReceipt)
	mux.HandleFunc("POST /gifts/{tx_id}/gratitude", server.handleGratitude)
	mux.HandleFunc("POST /gifts/{tx_id}/complete", server.handleComplete)
	mux.HandleFunc("POST /gifts/{tx_id}/assign", server.handleAssignRider)
	mux.HandleFunc("POST /gifts/{tx_id}/fulfillment", server.handleFulfillment)
	mux.HandleFunc("POST /gifts/{tx_id}/cancel", server.handleCancel)

	mux.HandleFunc("POST /verification/handshake", server.handleHandshake)
	mux.HandleFunc("GET /admin/gifts/{tx_id}/collection-link", server.handleCollectionLink)

	mux.HandleFunc("GET /pricing/quote", server.handlePricingQuote)
	mux.HandleFunc("GET /pricing/delivery", server.handleDeliveryQuote)
	mux.HandleFunc("GET /pricing/routes/compare", server.handleCompareRoutes)

	mux.HandleFunc("GET /rates/status", server.handleRateStatus)
	mux.HandleFunc("POST /admin/rates/invalidate", server.handleRateInvalidate)

	if handlers.PaymentWebhook != nil {
		mux.Handle("POST /webhooks/payment", handlers.PaymentWebhook)
	}
	if handlers.DisbursementWebhook != nil {
		mux.Handle("POST /webhooks/disbursement", handlers.DisbursementWebhook)
	}

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return server
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode json", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
