// Package memory provides raw access to the target's address space: live
// processes, in-memory images and snapshots, plus the lock that serializes
// access to a running target.
package memory

import "fmt"

// WordSize is the size in bytes of a target word.
const WordSize = 8

// Address is a location in the target's address space.
type Address uint64

// Zero is the null address.
const Zero Address = 0

// Plus returns the address offset by n bytes.
func (a Address) Plus(n int64) Address {
	return Address(int64(a) + n)
}

// IsZero reports whether a is the null address.
func (a Address) IsZero() bool {
	return a == 0
}

// Aligned reports whether a is a multiple of alignment.
func (a Address) Aligned(alignment uint64) bool {
	return uint64(a)%alignment == 0
}

// AlignUp rounds a up to a multiple of alignment.
func (a Address) AlignUp(alignment uint64) Address {
	return Address((uint64(a) + alignment - 1) / alignment * alignment)
}

func (a Address) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}
