package handler

import (
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/platewise/pos/internal/domain/order"
	"github.com/platewise/pos/internal/domain/payment"
)

type terminalCaptureRequest struct {
	// Amount is optional; when present it must match the stored order total.
	Amount *decimal.Decimal `json:"amount"`
}

type manualChargeRequest struct {
	Amount           decimal.Decimal `json:"amount" validate:"required"`
	Tip              decimal.Decimal `json:"tip"`
	PaymentMethodRef string          `json:"paymentMethodRef" validate:"required"`
}

type registerDeliveryRequest struct {
	DeliveryRef string `json:"deliveryRef" validate:"required"`
}

type intentResponse struct {
	IntentID     string `json:"intentId"`
	Status       string `json:"status"`
	ClientSecret string `json:"clientSecret,omitempty"`
}

type orderResponse struct {
	ID                string          `json:"id"`
	LocationID        string          `json:"locationId"`
	Type              string          `json:"type"`
	FulfillmentStatus string          `json:"fulfillmentStatus"`
	PaymentStatus     string          `json:"paymentStatus"`
	PaymentIntentRef  string          `json:"paymentIntentRef,omitempty"`
	DeliveryRef       string          `json:"deliveryRef,omitempty"`
	Subtotal          decimal.Decimal `json:"subtotal"`
	Tax               decimal.Decimal `json:"tax"`
	Tip               decimal.Decimal `json:"tip"`
	DeliveryFee       decimal.Decimal `json:"deliveryFee"`
	Total             decimal.Decimal `json:"total"`
	PaidAt            *string         `json:"paidAt,omitempty"`
	CompletedAt       *string         `json:"completedAt,omitempty"`
}

func toOrderResponse(o *order.Order) orderResponse {
	resp := orderResponse{
		ID:                o.ID,
		LocationID:        o.LocationID,
		Type:              string(o.Type),
		FulfillmentStatus: string(o.FulfillmentStatus),
		PaymentStatus:     string(o.PaymentStatus),
		PaymentIntentRef:  o.PaymentIntentRef,
		DeliveryRef:       o.DeliveryRef,
		Subtotal:          o.Subtotal,
		Tax:               o.Tax,
		Tip:               o.Tip,
		DeliveryFee:       o.DeliveryFee,
		Total:             o.Total,
	}
	if o.PaidAt != nil {
		s := o.PaidAt.UTC().Format(time.RFC3339)
		resp.PaidAt = &s
	}
	if o.CompletedAt != nil {
		s := o.CompletedAt.UTC().Format(time.RFC3339)
		resp.CompletedAt = &s
	}
	return resp
}

// writeCaptureError maps capture failures onto HTTP statuses. Processor
// rejections come back as 402 with the processor's reason so the till can
// show it to the operator.
func writeCaptureError(w http.ResponseWriter, err error) {
	var perr *payment.ProviderError
	switch {
	case errors.Is(err, order.ErrNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, payment.ErrAlreadyPaid):
		writeError(w, http.StatusConflict, "order is already paid")
	case errors.Is(err, payment.ErrAmountMismatch):
		writeError(w, http.StatusUnprocessableEntity, "amount does not match order total")
	case errors.As(err, &perr):
		writeError(w, http.StatusPaymentRequired, perr.Message)
	default:
		writeError(w, http.StatusInternalServerError, "capture failed")
	}
}

// TerminalCapture starts a card-present capture on the store terminal. The
// charged amount is always the stored order total; a client-supplied amount
// is accepted only as a cross-check against what the till displays.
func (h *Handler) TerminalCapture(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID := r.PathValue("id")

	var req terminalCaptureRequest
	if r.ContentLength > 0 {
		if !h.decodeBody(w, r, &req) {
			return
		}
	}
	if req.Amount != nil {
		o, err := h.orders.GetByID(ctx, orderID)
		if err != nil {
			writeCaptureError(w, err)
			return
		}
		if !req.Amount.Equal(o.Total) {
			writeCaptureError(w, payment.ErrAmountMismatch)
			return
		}
	}

	intent, err := h.capture.TerminalCapture(ctx, orderID)
	if err != nil {
		writeCaptureError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intentResponse{
		IntentID:     intent.ID,
		Status:       string(intent.Status),
		ClientSecret: intent.ClientSecret,
	})
}

// ManualCharge charges a saved payment method immediately.
func (h *Handler) ManualCharge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID := r.PathValue("id")

	var req manualChargeRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	intent, err := h.capture.ManualCharge(ctx, orderID, req.Amount, req.Tip, req.PaymentMethodRef)
	if err != nil {
		writeCaptureError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intentResponse{
		IntentID:     intent.ID,
		Status:       string(intent.Status),
		ClientSecret: intent.ClientSecret,
	})
}

// RegisterDelivery records the courier's reference on an order so later
// courier events can be matched to it.
func (h *Handler) RegisterDelivery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID := r.PathValue("id")

	var req registerDeliveryRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	if err := h.orders.SetDeliveryRef(ctx, orderID, req.DeliveryRef); err != nil {
		switch {
		case errors.Is(err, order.ErrNotFound):
			writeError(w, http.StatusNotFound, "order not found")
		case errors.Is(err, order.ErrDeliveryRefSet):
			writeError(w, http.StatusConflict, "order already has a delivery ref")
		default:
			zctx.From(ctx).Error("Register delivery failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "delivery not registered")
		}
		return
	}
	if h.refs != nil {
		h.refs.Add(req.DeliveryRef)
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetOrder returns the current state of one order.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}
