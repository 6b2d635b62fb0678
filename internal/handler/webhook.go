package handler

import (
	"io"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/platewise/pos/internal/courier"
	"github.com/platewise/pos/internal/processor"
)

// ackResponse acknowledges a webhook delivery. Result is informational and
// present only when the event reached the reconciler.
type ackResponse struct {
	Received bool   `json:"received"`
	Result   string `json:"result,omitempty"`
}

func readRawBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
}

// PaymentWebhook handles the payment processor's event stream. This channel
// fails closed: a bad signature or an unparseable payload is rejected with a
// client error and no state changes, so the processor retries with corrected
// credentials and a forged payload can never mutate an order.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lg := zctx.From(ctx)

	body, err := readRawBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if err := processor.VerifySignature(body, r.Header.Get("Pay-Signature"), h.paymentSecret, h.now()); err != nil {
		lg.Warn("Payment webhook rejected", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	ev, err := processor.Normalize(body)
	if err != nil {
		lg.Warn("Payment webhook payload malformed", zap.Error(err))
		writeError(w, http.StatusBadRequest, "malformed event")
		return
	}
	if ev.Kind == "" {
		// Unrecognized event type: acknowledged, no-op.
		writeJSON(w, http.StatusOK, ackResponse{Received: true})
		return
	}

	res, err := h.recon.Apply(ctx, ev)
	if err != nil {
		lg.Error("Payment event apply failed",
			zap.String("event_id", ev.ExternalEventID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "event not applied")
		return
	}
	writeJSON(w, http.StatusOK, ackResponse{Received: true, Result: string(res)})
}

// CourierWebhook handles the courier's event stream. This channel fails open
// on transport: the courier disables endpoints that keep answering non-2xx,
// so a bad signature, an unmatched delivery, or an unrecognized event type
// all acknowledge 200; the event just never reaches order state. The only
// non-2xx answers are for unparseable bodies and for persistence failures
// that rolled back before anything was recorded, where a retry is wanted.
func (h *Handler) CourierWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lg := zctx.From(ctx)

	body, err := readRawBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if err := courier.VerifySignature(body, r.Header.Get("X-Courier-Signature"), h.courierSecret); err != nil {
		lg.Warn("Courier webhook signature invalid, event discarded", zap.Error(err))
		writeJSON(w, http.StatusOK, ackResponse{Received: true})
		return
	}

	ev, err := courier.Normalize(body)
	if err != nil {
		if errors.Is(err, courier.ErrMalformedEvent) {
			lg.Warn("Courier event missing fields, discarded")
			writeJSON(w, http.StatusOK, ackResponse{Received: true})
			return
		}
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if ev.Kind == "" {
		writeJSON(w, http.StatusOK, ackResponse{Received: true})
		return
	}

	res, err := h.recon.Apply(ctx, ev)
	if err != nil {
		// Nothing was durably recorded; answer an error so the courier
		// redelivers.
		lg.Error("Courier event apply failed",
			zap.String("event_id", ev.ExternalEventID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "event not applied")
		return
	}
	writeJSON(w, http.StatusOK, ackResponse{Received: true, Result: string(res)})
}
