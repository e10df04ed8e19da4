// Package space implements allocation accounting for the two storage tiers
// of a pool: the byte-addressable ("meta") tier holding index structures,
// incarnation logs, and inline values, and the block ("data") tier holding
// large payloads.
//
// The tracker is the policy component that grants or denies allocation
// requests. A denial is surfaced to the caller as out-of-space and is never
// retried internally.
package space

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNoSpace is returned when a reservation exceeds the tier's capacity.
var ErrNoSpace = errors.New("space: allocation denied")

// Tier identifies a storage tier.
type Tier uint8

const (
	// TierMeta is the byte-addressable tier.
	TierMeta Tier = iota
	// TierData is the block-addressable tier.
	TierData
)

// String returns the tier name.
func (t Tier) String() string {
	if t == TierMeta {
		return "meta"
	}
	return "data"
}

// Tracker accounts for reserved bytes per tier. Safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	capacity [2]uint64
	used     [2]uint64

	// reserveSlack holds back a fraction of the meta tier so that GC and
	// transaction resolution can always allocate the bookkeeping they
	// need to free space.
	reserveSlack uint64
}

// NewTracker returns a tracker with the given per-tier capacities in bytes.
// A capacity of 0 means unlimited.
func NewTracker(metaCapacity, dataCapacity uint64) *Tracker {
	t := &Tracker{capacity: [2]uint64{metaCapacity, dataCapacity}}
	if metaCapacity > 0 {
		t.reserveSlack = metaCapacity / 64
	}
	return t
}

// Reserve grants or denies an allocation of n bytes on the tier.
func (t *Tracker) Reserve(tier Tier, n uint64) error {
	return t.reserve(tier, n, false)
}

// ReserveSystem is Reserve for internal bookkeeping (GC, transaction
// resolution). It may dip into the held-back slack of the meta tier.
func (t *Tracker) ReserveSystem(tier Tier, n uint64) error {
	return t.reserve(tier, n, true)
}

func (t *Tracker) reserve(tier Tier, n uint64, system bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	capacity := t.capacity[tier]
	if capacity == 0 {
		t.used[tier] += n
		return nil
	}
	limit := capacity
	if tier == TierMeta && !system {
		limit -= t.reserveSlack
	}
	if t.used[tier]+n > limit {
		return fmt.Errorf("%w: %s tier needs %d bytes, %d of %d used",
			ErrNoSpace, tier, n, t.used[tier], capacity)
	}
	t.used[tier] += n
	return nil
}

// Release returns n bytes to the tier. Releasing more than is used clamps to
// zero; the caller's accounting bug should not wedge the pool.
func (t *Tracker) Release(tier Tier, n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n > t.used[tier] {
		t.used[tier] = 0
		return
	}
	t.used[tier] -= n
}

// Used returns the bytes currently reserved on the tier.
func (t *Tracker) Used(tier Tier) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.used[tier]
}

// Capacity returns the tier capacity (0 = unlimited).
func (t *Tracker) Capacity(tier Tier) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.capacity[tier]
}
