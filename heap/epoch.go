package heap

import (
	"fmt"

	"github.com/chazu/telescope/pkg/fault"
)

// Epoch is a pair of the target's GC counters. A collection is in progress
// exactly when the counters differ.
type Epoch struct {
	Started   uint64
	Completed uint64
}

// InGC reports whether a collection was running when the epoch was read.
func (e Epoch) InGC() bool {
	return e.Started != e.Completed
}

// Valid reports whether no more collections completed than started.
func (e Epoch) Valid() bool {
	return e.Completed <= e.Started
}

func (e Epoch) String() string {
	return fmt.Sprintf("gc %d/%d", e.Completed, e.Started)
}

// Gate remembers the epoch observed at the last refresh and judges epochs
// read since against it.
type Gate struct {
	observed Epoch
	seen     bool
}

// Current returns the last observed epoch.
func (g *Gate) Current() Epoch {
	return g.observed
}

// Validate checks e against the counter invariants without recording it.
func (g *Gate) Validate(e Epoch) error {
	if !e.Valid() {
		return fault.Structuralf(fault.ErrEpochRegression, "%v: more collections completed than started", e)
	}
	if g.seen && (e.Started < g.observed.Started || e.Completed < g.observed.Completed) {
		return fault.Structuralf(fault.ErrEpochRegression, "%v after %v", e, g.observed)
	}
	return nil
}

// Observe records e as the epoch of the current refresh.
func (g *Gate) Observe(e Epoch) error {
	if err := g.Validate(e); err != nil {
		return err
	}
	g.observed = e
	g.seen = true
	return nil
}

// Check reports whether remote reads may proceed at epoch e. A collection
// in progress is a transient failure.
func (g *Gate) Check(e Epoch) error {
	if err := g.Validate(e); err != nil {
		return err
	}
	if e.InGC() {
		return fault.Transientf(fault.ErrGCInProgress, "%v", e)
	}
	return nil
}

// Invalidated reports whether a collection completed or started since the
// last observation, so cached heap data must be rebuilt.
func (g *Gate) Invalidated(e Epoch) bool {
	return !g.seen || e != g.observed
}
