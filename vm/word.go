package vm

import (
	"fmt"

	"github.com/chazu/telescope/memory"
)

// Word is an unsigned machine word of the target.
type Word uint64

// AsAddress returns the word as a target address.
func (w Word) AsAddress() memory.Address {
	return memory.Address(w)
}

// Signed returns the word as a signed integer.
func (w Word) Signed() int64 {
	return int64(w)
}

// AboveEqual is the unsigned w >= o.
func (w Word) AboveEqual(o Word) bool { return w >= o }

// AboveThan is the unsigned w > o.
func (w Word) AboveThan(o Word) bool { return w > o }

// BelowEqual is the unsigned w <= o.
func (w Word) BelowEqual(o Word) bool { return w <= o }

// BelowThan is the unsigned w < o.
func (w Word) BelowThan(o Word) bool { return w < o }

func (w Word) String() string {
	return fmt.Sprintf("%#x", uint64(w))
}
