package nlm

import "fmt"

// Sysid space. Zero belongs to local locks and is never handed to a
// peer. The client flag is OR-ed into a sysid when attributing our own
// outgoing (client-side) locks, keeping server- and client-side state
// for the same peer distinct in the local lock manager.
const (
	// SysIDMin is the first allocatable sysid.
	SysIDMin int32 = 1

	// SysIDMax is the last allocatable sysid.
	SysIDMax int32 = 0x3FFF

	// NoSysID is returned when the pool is exhausted.
	NoSysID int32 = -1

	// ClientFlag marks client-side lock attribution.
	ClientFlag int32 = 0x4000
)

// sysIDAllocator hands out unique sysids from a dense bitmap.
//
// A rotating cursor spreads allocations across the space so a freshly
// freed sysid is not immediately reused: a stale lock attributed to a
// destroyed peer should not silently bind to its successor.
//
// The caller serializes access (the registry writer lock).
type sysIDAllocator struct {
	words  []uint64
	cursor int32
}

func newSysIDAllocator() *sysIDAllocator {
	a := &sysIDAllocator{
		words:  make([]uint64, (int(SysIDMax)+1+63)/64),
		cursor: SysIDMin,
	}
	a.words[0] |= 1 // sysid 0 is permanently taken
	return a
}

func (a *sysIDAllocator) isSet(id int32) bool {
	return a.words[id/64]&(1<<(uint(id)%64)) != 0
}

func (a *sysIDAllocator) set(id int32) {
	a.words[id/64] |= 1 << (uint(id) % 64)
}

func (a *sysIDAllocator) clear(id int32) {
	a.words[id/64] &^= 1 << (uint(id) % 64)
}

// alloc returns the first clear sysid at or after the cursor, wrapping
// once. NoSysID when the pool is exhausted.
func (a *sysIDAllocator) alloc() int32 {
	span := SysIDMax - SysIDMin + 1
	for i := int32(0); i < span; i++ {
		id := SysIDMin + (a.cursor-SysIDMin+i)%span
		if !a.isSet(id) {
			a.set(id)
			a.cursor = id + 1
			if a.cursor > SysIDMax {
				a.cursor = SysIDMin
			}
			return id
		}
	}
	return NoSysID
}

// free returns a sysid to the pool. Freeing an unallocated sysid is an
// invariant violation.
func (a *sysIDAllocator) free(id int32) {
	if id < SysIDMin || id > SysIDMax {
		panic(fmt.Sprintf("nlm: free of out-of-range sysid %d", id))
	}
	if !a.isSet(id) {
		panic(fmt.Sprintf("nlm: double free of sysid %d", id))
	}
	a.clear(id)
}
