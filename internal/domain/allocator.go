package domain

import (
	"fmt"

	"fathom/internal/errkind"
)

// firstTableID matches the routing-table floor the original prototype used
// (100 + index); this daemon never reuses a table_id for the process
// lifetime, even across uplink removal, per spec.md §3's invariant.
const firstTableID = 100

const maxMarkBits = 15 // 4-bit nibble; 0 is reserved for "unset"

// Allocator hands out unique table_id and mark_bits values at uplink
// registration (spec.md §3). It is not safe for concurrent use; callers
// serialize registration through the same queue as every other admin edit
// (spec.md §4.7).
type Allocator struct {
	nextTable int
	usedMarks map[uint8]bool
}

// NewAllocator returns an Allocator with no uplinks registered yet.
func NewAllocator() *Allocator {
	return &Allocator{
		nextTable: firstTableID,
		usedMarks: make(map[uint8]bool),
	}
}

// AllocateTableID returns the next never-before-issued table id.
func (a *Allocator) AllocateTableID() int {
	id := a.nextTable
	a.nextTable++
	return id
}

// AllocateMarkBits returns an unused mark nibble, or an error if the
// 4-bit space (minus the reserved zero value) is exhausted. This is the
// invariant-violation case spec.md §7 calls out: it halts the add-uplink
// operation rather than silently reusing a live uplink's bits.
func (a *Allocator) AllocateMarkBits() (uint8, error) {
	for b := uint8(1); b <= maxMarkBits; b++ {
		if !a.usedMarks[b] {
			a.usedMarks[b] = true
			return b, nil
		}
	}
	return 0, errkind.New(errkind.Invariant, fmt.Errorf("mark_bits space exhausted: %d uplinks already registered", maxMarkBits))
}

// ReleaseMarkBits returns b to the pool on uplink removal.
func (a *Allocator) ReleaseMarkBits(b uint8) {
	delete(a.usedMarks, b)
}
