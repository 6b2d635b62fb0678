package recon

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// DeliveryRefIndex is a bloom-filter prefilter over known courier delivery
// references. Couriers retry aggressively on deliveries that belong to other
// tenants or were never issued; the index answers "definitely unknown" from
// memory so those storms skip the database lookup entirely. False positives
// only cost one query; false negatives cannot occur because every assigned
// ref is added before the courier learns about it.
type DeliveryRefIndex struct {
	mu     sync.RWMutex
	filter *bloom.BloomFilter
}

// NewDeliveryRefIndex sizes the filter for the expected number of delivery
// references and the acceptable false-positive rate.
func NewDeliveryRefIndex(capacity uint, fpr float64) *DeliveryRefIndex {
	return &DeliveryRefIndex{filter: bloom.NewWithEstimates(capacity, fpr)}
}

// Warm loads an existing set of references, typically at startup.
func (i *DeliveryRefIndex) Warm(refs []string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, r := range refs {
		i.filter.AddString(r)
	}
}

// Add records a newly assigned delivery reference.
func (i *DeliveryRefIndex) Add(ref string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.filter.AddString(ref)
}

// MayContain reports whether the reference might be known. A false return is
// definitive: the reference was never added.
func (i *DeliveryRefIndex) MayContain(ref string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.filter.TestString(ref)
}
