// Package processor adapts the card payment processor: webhook signature
// verification, payload normalization, and the intent-creation client.
package processor

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

// SignatureTolerance bounds the age of a signed webhook. Replays of old
// captures outside the window are rejected even with a valid MAC.
const SignatureTolerance = 5 * time.Minute

// Signature verification failures. The payment channel fails closed: any of
// these causes the whole webhook to be rejected with no state change.
var (
	ErrSignatureMissing   = errors.New("signature header missing")
	ErrSignatureMalformed = errors.New("signature header malformed")
	ErrSignatureExpired   = errors.New("signature timestamp outside tolerance")
	ErrSignatureMismatch  = errors.New("signature mismatch")
)

// VerifySignature checks the Pay-Signature header against the raw request
// body. The header carries `t=<unix>,v1=<hex>` where v1 is the HMAC-SHA256
// of "<t>.<body>" under the shared secret. The MAC covers the exact raw
// bytes, never a re-serialized object.
func VerifySignature(body []byte, header string, secret []byte, now time.Time) error {
	if header == "" {
		return ErrSignatureMissing
	}

	var ts int64
	var sigs [][]byte
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return ErrSignatureMalformed
		}
		switch k {
		case "t":
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return ErrSignatureMalformed
			}
			ts = parsed
		case "v1":
			sig, err := hex.DecodeString(v)
			if err != nil {
				return ErrSignatureMalformed
			}
			sigs = append(sigs, sig)
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return ErrSignatureMalformed
	}

	age := now.Sub(time.Unix(ts, 0))
	if age > SignatureTolerance || age < -SignatureTolerance {
		return ErrSignatureExpired
	}

	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	expected := mac.Sum(nil)

	for _, sig := range sigs {
		if hmac.Equal(expected, sig) {
			return nil
		}
	}
	return ErrSignatureMismatch
}

// Sign produces a Pay-Signature header value for the given body. Used by the
// replay tool and tests.
func Sign(body []byte, secret []byte, now time.Time) string {
	ts := now.Unix()
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}
