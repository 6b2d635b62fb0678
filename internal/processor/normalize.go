package processor

import (
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/platewise/pos/internal/domain/recon"
)

// ErrMalformedEvent is returned when the payload is missing the envelope
// fields every processor event carries.
var ErrMalformedEvent = errors.New("malformed processor event")

// Event type strings the processor sends. Anything else normalizes to an
// empty Kind and is acknowledged without mutation.
const (
	typePaymentSucceeded = "payment_intent.succeeded"
	typePaymentFailed    = "payment_intent.payment_failed"
	typeAccountUpdated   = "account.updated"
)

// Normalize maps a verified processor payload into the internal event type.
// The order reference comes from the intent metadata attached at capture
// time; its absence is not an error; the resulting event simply carries no
// OrderRef and the reconciler discards it as a no-match.
func Normalize(body []byte) (recon.Event, error) {
	var (
		eventID        string
		eventType      string
		objectID       string
		orderRef       string
		chargesEnabled bool
	)

	d := jx.DecodeBytes(body)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "id":
			v, err := d.Str()
			eventID = v
			return err
		case "type":
			v, err := d.Str()
			eventType = v
			return err
		case "data":
			return d.Obj(func(d *jx.Decoder, key string) error {
				if key != "object" {
					return d.Skip()
				}
				return d.Obj(func(d *jx.Decoder, key string) error {
					switch key {
					case "id":
						v, err := d.Str()
						objectID = v
						return err
					case "charges_enabled":
						v, err := d.Bool()
						chargesEnabled = v
						return err
					case "metadata":
						return d.Obj(func(d *jx.Decoder, key string) error {
							if key != "order_id" {
								return d.Skip()
							}
							v, err := d.Str()
							orderRef = v
							return err
						})
					default:
						return d.Skip()
					}
				})
			})
		default:
			return d.Skip()
		}
	}); err != nil {
		return recon.Event{}, errors.Wrap(err, "decode processor event")
	}

	if eventID == "" || eventType == "" {
		return recon.Event{}, ErrMalformedEvent
	}

	ev := recon.Event{
		Source:          recon.SourcePayment,
		ExternalEventID: eventID,
	}
	switch eventType {
	case typePaymentSucceeded:
		ev.Kind = recon.KindPaymentSucceeded
		ev.OrderRef = orderRef
	case typePaymentFailed:
		ev.Kind = recon.KindPaymentFailed
		ev.OrderRef = orderRef
	case typeAccountUpdated:
		ev.Kind = recon.KindAccountUpdated
		ev.AccountRef = objectID
		ev.ChargesEnabled = chargesEnabled
	}
	return ev, nil
}
