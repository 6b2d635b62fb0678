package courier

import (
	"strings"

	"github.com/platewise/pos/internal/domain/recon"
)

// MapStatus translates the courier's status vocabulary into the internal
// one. The mapping is total: the provider extends its vocabulary without
// notice, so an unrecognized value lands in the in-progress bucket, a safe
// non-terminal state, instead of being dropped.
func MapStatus(raw string) recon.DeliveryStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "COMPLETED":
		return recon.DeliveryCompleted
	case "CANCELED", "RETURNED":
		return recon.DeliveryCancelled
	case "PENDING":
		return recon.DeliveryPending
	default:
		return recon.DeliveryInProgress
	}
}
