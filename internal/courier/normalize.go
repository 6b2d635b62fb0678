package courier

import (
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/platewise/pos/internal/domain/recon"
)

// Recognized courier event kind. Other kinds normalize to an empty Kind and
// are acknowledged without mutation.
const kindDeliveryStatus = "delivery.status_changed"

// ErrMalformedEvent is returned when the payload is not the JSON object the
// courier documents. The handler still answers 200 for structurally valid
// JSON; only unparseable bodies are rejected.
var ErrMalformedEvent = errors.New("malformed courier event")

// Normalize maps a courier payload into the internal event type. Courier
// status pings carry no stable event id, so the idempotency key is derived
// as deliveryRef + ":" + mappedStatus: repeating the same status is
// idempotent by construction, while a state change produces a new key.
func Normalize(body []byte) (recon.Event, error) {
	var (
		kind       string
		deliveryID string
		status     string
	)

	d := jx.DecodeBytes(body)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "kind":
			v, err := d.Str()
			kind = v
			return err
		case "delivery_id":
			v, err := d.Str()
			deliveryID = v
			return err
		case "status":
			v, err := d.Str()
			status = v
			return err
		default:
			return d.Skip()
		}
	}); err != nil {
		return recon.Event{}, errors.Wrap(err, "decode courier event")
	}

	if kind != kindDeliveryStatus {
		return recon.Event{Source: recon.SourceCourier}, nil
	}
	if deliveryID == "" {
		return recon.Event{}, ErrMalformedEvent
	}

	mapped := MapStatus(status)
	return recon.Event{
		Source:          recon.SourceCourier,
		Kind:            recon.KindDeliveryStatusChanged,
		ExternalEventID: deliveryID + ":" + string(mapped),
		DeliveryRef:     deliveryID,
		DeliveryStatus:  mapped,
	}, nil
}
