package order

// paymentSources lists, for each payment status, the statuses a transition
// may start from. Anything else is a stale or out-of-order event and must be
// ignored: in particular paid never moves back to unpaid or failed, so a late
// duplicate "failed" cannot downgrade a paid order.
var paymentSources = map[PaymentStatus][]PaymentStatus{
	PaymentPaid:     {PaymentUnpaid, PaymentFailed},
	PaymentFailed:   {PaymentUnpaid},
	PaymentRefunded: {PaymentPaid},
}

// PaymentSources returns the statuses from which a transition to the given
// status is allowed. The result doubles as the WHERE clause of the
// conditional update that applies the transition.
func PaymentSources(to PaymentStatus) []PaymentStatus {
	return paymentSources[to]
}

// CanTransitionPayment reports whether the payment axis may move from one
// status to another.
func CanTransitionPayment(from, to PaymentStatus) bool {
	for _, s := range paymentSources[to] {
		if s == from {
			return true
		}
	}
	return false
}

// fulfillmentRank orders the forward progression of the fulfillment axis.
// Cancelled has no rank: it is reachable from any non-terminal status and,
// like completed, terminal once reached.
var fulfillmentRank = map[FulfillmentStatus]int{
	FulfillmentPending:   0,
	FulfillmentSent:      1,
	FulfillmentPreparing: 2,
	FulfillmentReady:     3,
	FulfillmentServed:    4,
	FulfillmentCompleted: 5,
}

// IsTerminalFulfillment reports whether the status accepts no further
// transitions.
func IsTerminalFulfillment(s FulfillmentStatus) bool {
	return s == FulfillmentCompleted || s == FulfillmentCancelled
}

// CanTransitionFulfillment reports whether the fulfillment axis may move from
// one status to another. Only forward movement is allowed; correctness under
// out-of-order delivery comes from rejecting everything else.
func CanTransitionFulfillment(from, to FulfillmentStatus) bool {
	if IsTerminalFulfillment(from) {
		return false
	}
	if to == FulfillmentCancelled {
		return true
	}
	fromRank, ok := fulfillmentRank[from]
	if !ok {
		return false
	}
	toRank, ok := fulfillmentRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}

// FulfillmentSources returns the statuses from which a transition to the
// given status is allowed, for use in conditional updates.
func FulfillmentSources(to FulfillmentStatus) []FulfillmentStatus {
	all := []FulfillmentStatus{
		FulfillmentPending,
		FulfillmentSent,
		FulfillmentPreparing,
		FulfillmentReady,
		FulfillmentServed,
		FulfillmentCompleted,
		FulfillmentCancelled,
	}
	var sources []FulfillmentStatus
	for _, from := range all {
		if CanTransitionFulfillment(from, to) {
			sources = append(sources, from)
		}
	}
	return sources
}
