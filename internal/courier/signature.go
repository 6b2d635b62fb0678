// Package courier adapts the third-party delivery courier: webhook signature
// verification, status vocabulary mapping, and payload normalization.
//
// The courier's webhook policy differs from the payment processor's by
// design: the provider permanently disables an endpoint after repeated
// non-2xx responses, so the handler acknowledges transport even when
// verification fails and simply refuses to apply the event.
package courier

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/go-faster/errors"
)

// Signature verification failures. These never fail the webhook response;
// they only prevent the event from reaching order state.
var (
	ErrSignatureMissing  = errors.New("courier signature header missing")
	ErrSignatureMismatch = errors.New("courier signature mismatch")
)

// VerifySignature checks the X-Courier-Signature header: the hex HMAC-SHA256
// of the exact raw body under the shared secret.
func VerifySignature(body []byte, header string, secret []byte) error {
	if header == "" {
		return ErrSignatureMissing
	}
	sig, err := hex.DecodeString(header)
	if err != nil {
		return ErrSignatureMismatch
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), sig) {
		return ErrSignatureMismatch
	}
	return nil
}

// Sign produces the signature header value for a body. Used by the replay
// tool and tests.
func Sign(body []byte, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
