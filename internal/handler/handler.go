// Package handler exposes the HTTP surface: webhook endpoints for the
// payment processor and the courier, and API-key-secured staff endpoints for
// captures and delivery registration.
package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/platewise/pos/internal/domain/order"
	"github.com/platewise/pos/internal/domain/payment"
	"github.com/platewise/pos/internal/domain/recon"
)

// maxBodyBytes bounds webhook and API request bodies.
const maxBodyBytes = 1 << 20

// Handler implements the HTTP endpoints, delegating to the reconciler and
// the capture service.
type Handler struct {
	orders  order.Repository
	capture *payment.CaptureService
	recon   *recon.Reconciler
	refs    *recon.DeliveryRefIndex

	paymentSecret []byte
	courierSecret []byte

	validate *validator.Validate
	now      func() time.Time
}

// Config holds the webhook shared secrets.
type Config struct {
	PaymentWebhookSecret string
	CourierWebhookSecret string
}

// New constructs a Handler. refs may be nil.
func New(
	cfg Config,
	orders order.Repository,
	capture *payment.CaptureService,
	rec *recon.Reconciler,
	refs *recon.DeliveryRefIndex,
) *Handler {
	return &Handler{
		orders:        orders,
		capture:       capture,
		recon:         rec,
		refs:          refs,
		paymentSecret: []byte(cfg.PaymentWebhookSecret),
		courierSecret: []byte(cfg.CourierWebhookSecret),
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		now:           time.Now,
	}
}

// RegisterWebhooks mounts the provider-facing endpoints.
func (h *Handler) RegisterWebhooks(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/payment", h.PaymentWebhook)
	mux.HandleFunc("POST /webhooks/courier", h.CourierWebhook)
}

// RegisterAPI mounts the staff endpoints. The caller wraps the result with
// API key authentication.
func (h *Handler) RegisterAPI(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/orders/{id}/capture/terminal", h.TerminalCapture)
	mux.HandleFunc("POST /api/orders/{id}/capture/manual", h.ManualCharge)
	mux.HandleFunc("POST /api/orders/{id}/delivery", h.RegisterDelivery)
	mux.HandleFunc("GET /api/orders/{id}", h.GetOrder)
}

// errorResponse is the JSON error body.
type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Code: status, Message: message})
}

// decodeBody reads and unmarshals a bounded JSON request body into dst and
// runs struct validation.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}
