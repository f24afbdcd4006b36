package heap

import (
	"github.com/chazu/telescope/memory"
	"github.com/chazu/telescope/pkg/fault"
	"github.com/chazu/telescope/vm"
)

// Manager tracks references into the heap for one management scheme. It
// decides how references are made and how they change as collections come
// and go.
type Manager interface {
	// Scheme returns the scheme the manager understands.
	Scheme() Scheme
	// MakeReference returns the canonical reference for the object at
	// origin, creating it if necessary.
	MakeReference(origin memory.Address) (*RemoteReference, error)
	// MakeQuasiReference returns a reference for a forwarder left behind by
	// a moving collection in progress.
	MakeQuasiReference(origin memory.Address) (*RemoteReference, error)
	// IsObjectOrigin reports whether origin plausibly holds an object,
	// judged by its header alone.
	IsObjectOrigin(origin memory.Address) bool
	// IsFreeSpaceOrigin reports whether origin holds a free chunk or
	// reclaimed memory.
	IsFreeSpaceOrigin(origin memory.Address) bool

	update(c cycle) error
}

// cycle describes how the collector moved on between two refreshes.
type cycle struct {
	cur *Info
	// finish: a collection under way at the last refresh has completed.
	finish bool
	// begin: a collection started since the last refresh; end: it has also
	// completed.
	begin, end bool
	missed     uint64
}

func cycleBetween(prev, cur *Info) cycle {
	c := cycle{cur: cur}
	if prev == nil {
		return c
	}
	p, e := prev.Epoch, cur.Epoch
	c.finish = p.InGC() && e.Completed > p.Completed
	c.begin = e.Started > p.Started
	c.end = c.begin && !e.InGC()
	if e.Started > p.Started+1 {
		c.missed = e.Started - p.Started - 1
	}
	return c
}

func newManager(h *Heap, s Scheme) Manager {
	switch s {
	case SchemeSemiSpace:
		return &SemiSpaceManager{base: base{h}, moving: mover{h, RoleFromSpace}}
	case SchemeMarkSweep:
		return &MarkSweepManager{base: base{h}, marking: marker{h, RoleObjectSpace}}
	case SchemeMarkSweepEvacuate:
		return &EvacuatingManager{
			base:    base{h},
			moving:  mover{h, RoleNursery},
			marking: marker{h, RoleObjectSpace},
		}
	}
	return &UnknownManager{base: base{h}}
}

// ---------------------------------------------------------------------------
// Shared behaviour
// ---------------------------------------------------------------------------

type base struct {
	h *Heap
}

func (b base) IsObjectOrigin(origin memory.Address) bool {
	_, ok := b.h.objectHub(origin)
	return ok
}

func (b base) IsFreeSpaceOrigin(origin memory.Address) bool {
	return b.h.isFreeSpace(origin)
}

func (b base) makeReference(origin memory.Address, state refState) (*RemoteReference, error) {
	h := b.h
	if ref := h.objects.get(origin); ref != nil {
		return ref, nil
	}
	hub, ok := h.objectHub(origin)
	if !ok {
		return nil, fault.Structuralf(fault.ErrInvalidOrigin, "%v does not hold an object", origin)
	}
	hi, err := h.decodeHub(hub)
	if err != nil {
		return nil, fault.Wrap(err, "object at %v", origin)
	}
	ref := &RemoteReference{
		heap:   h,
		id:     h.newID(),
		origin: origin,
		hub:    hub,
		class:  hi.class,
		static: hi.static,
		state:  state,
		prior:  state.status(),
	}
	h.objects.put(origin, ref)
	heapLog.Debugf("made %v", ref)
	return ref, nil
}

func (b base) noQuasi(origin memory.Address) (*RemoteReference, error) {
	return nil, fault.Structuralf(fault.ErrInvalidOrigin, "%s heaps have no forwarders (%v)", b.h.Scheme(), origin)
}

// refsIn returns the tracked references whose origin lies in a region with
// the given role.
func (b base) refsIn(c cycle, role Role) []*RemoteReference {
	var refs []*RemoteReference
	for _, ref := range b.h.objects.values() {
		if r, ok := c.cur.RegionAt(ref.origin); ok && r.Role == role {
			refs = append(refs, ref)
		}
	}
	return refs
}

func (b base) check(err error) {
	if err != nil {
		heapLog.Warningf("%s", err)
	}
}

// bury drops dead references from the table.
func (b base) bury() {
	for _, ref := range b.h.objects.values() {
		if ref.state == stateDead {
			b.h.objects.remove(ref.origin)
		}
	}
}

// mover follows objects a copying collector evacuates out of role.
type mover struct {
	h    *Heap
	role Role
}

func (m mover) update(c cycle) error {
	b := base{m.h}
	if c.finish {
		m.discover()
		m.end()
	}
	if c.begin {
		for _, ref := range b.refsIn(c, m.role) {
			b.check(ref.analysisBegins(true))
		}
	}
	if c.begin || c.cur.Epoch.InGC() {
		m.discover()
	}
	if c.end {
		m.end()
	}
	return nil
}

// discover looks for forwarding words in the old copies of every reference
// still waiting to be evacuated.
func (m mover) discover() {
	h := m.h
	for _, ref := range h.objects.values() {
		if ref.state != stateFrom {
			continue
		}
		to, ok := h.forwardedTo(ref.origin)
		if !ok {
			continue
		}
		old := ref.origin
		if err := ref.discoverForwarded(to); err != nil {
			heapLog.Warningf("%s", err)
			continue
		}
		h.objects.remove(old)
		h.objects.put(to, ref)
	}
}

func (m mover) end() {
	b := base{m.h}
	for _, ref := range m.h.objects.values() {
		if ref.state == stateFrom || ref.state == stateSurvivor {
			b.check(ref.analysisEnds())
		}
	}
	for _, ref := range m.h.quasi.values() {
		b.check(ref.analysisEnds())
	}
	m.h.quasi.clear()
	b.bury()
}

func (m mover) makeQuasi(origin memory.Address) (*RemoteReference, error) {
	h := m.h
	if ref := h.quasi.get(origin); ref != nil {
		return ref, nil
	}
	if !h.info.Epoch.InGC() {
		return nil, fault.Structuralf(fault.ErrInvalidOrigin, "no collection in progress at %v", origin)
	}
	to, ok := h.forwardedTo(origin)
	if !ok {
		return nil, fault.Structuralf(fault.ErrInvalidOrigin, "%v is not a forwarder", origin)
	}
	hub, ok := h.objectHub(to)
	if !ok {
		return nil, fault.Structuralf(fault.ErrInvalidOrigin, "forwarder %v points at %v, which is not an object", origin, to)
	}
	hi, err := h.decodeHub(hub)
	if err != nil {
		return nil, err
	}
	ref := &RemoteReference{
		heap:   h,
		id:     h.newID(),
		origin: origin,
		alt:    to,
		hub:    hub,
		class:  hi.class,
		static: hi.static,
		state:  stateForwarder,
		prior:  StatusForwarder,
	}
	h.quasi.put(origin, ref)
	heapLog.Debugf("made forwarder %v -> %v", ref, to)
	return ref, nil
}

// marker follows objects a marking collector keeps or reclaims in role.
type marker struct {
	h    *Heap
	role Role
}

func (m marker) update(c cycle) error {
	b := base{m.h}
	if c.finish {
		m.end()
	}
	if c.begin {
		for _, ref := range b.refsIn(c, m.role) {
			b.check(ref.analysisBegins(false))
		}
	}
	if c.cur.Epoch.InGC() && c.cur.Phase == PhaseReclaiming {
		m.reclaim()
	}
	if c.end {
		m.end()
	}
	return nil
}

// reclaim runs while the collector sweeps: unmarked objects are unreachable
// and die once their memory is freed.
func (m marker) reclaim() {
	h := m.h
	b := base{h}
	for _, ref := range h.objects.values() {
		switch ref.state {
		case stateMarking:
			if !h.isMarked(ref.origin) {
				b.check(ref.discoverUnreachable())
			}
		case stateUnreachable:
			if h.isFreeSpace(ref.origin) {
				ref.die("reclaimed")
			}
		}
	}
	b.bury()
}

func (m marker) end() {
	h := m.h
	b := base{h}
	for _, ref := range h.objects.values() {
		switch ref.state {
		case stateMarking:
			// Never saw the sweep: the header is all that is left to go on.
			if hub, ok := h.objectHub(ref.origin); !ok || hub != ref.hub {
				ref.die("reclaimed unseen")
				continue
			}
			b.check(ref.analysisEnds())
		case stateUnreachable:
			b.check(ref.analysisEnds())
		}
	}
	b.bury()
}

// ---------------------------------------------------------------------------
// Schemes
// ---------------------------------------------------------------------------

// SemiSpaceManager tracks a copying collector that flips between two spaces.
// Every collection evacuates the from-space into the to-space.
type SemiSpaceManager struct {
	base
	moving mover
}

func (m *SemiSpaceManager) Scheme() Scheme { return SchemeSemiSpace }

func (m *SemiSpaceManager) MakeReference(origin memory.Address) (*RemoteReference, error) {
	return m.makeReference(origin, stateLive)
}

func (m *SemiSpaceManager) MakeQuasiReference(origin memory.Address) (*RemoteReference, error) {
	return m.moving.makeQuasi(origin)
}

func (m *SemiSpaceManager) update(c cycle) error {
	return m.moving.update(c)
}

// MarkSweepManager tracks a non-moving collector that marks live objects and
// turns the rest into free chunks.
type MarkSweepManager struct {
	base
	marking marker
}

func (m *MarkSweepManager) Scheme() Scheme { return SchemeMarkSweep }

func (m *MarkSweepManager) MakeReference(origin memory.Address) (*RemoteReference, error) {
	return m.makeReference(origin, stateLive)
}

func (m *MarkSweepManager) MakeQuasiReference(origin memory.Address) (*RemoteReference, error) {
	return m.noQuasi(origin)
}

func (m *MarkSweepManager) update(c cycle) error {
	return m.marking.update(c)
}

// EvacuatingManager tracks a mark-sweep old space fed by a nursery whose
// survivors are evacuated into it.
type EvacuatingManager struct {
	base
	moving  mover
	marking marker
}

func (m *EvacuatingManager) Scheme() Scheme { return SchemeMarkSweepEvacuate }

func (m *EvacuatingManager) MakeReference(origin memory.Address) (*RemoteReference, error) {
	return m.makeReference(origin, stateLive)
}

func (m *EvacuatingManager) MakeQuasiReference(origin memory.Address) (*RemoteReference, error) {
	return m.moving.makeQuasi(origin)
}

// update marks before it follows evacuations so that survivors arriving in
// the object space are not taken for old objects.
func (m *EvacuatingManager) update(c cycle) error {
	if err := m.marking.update(c); err != nil {
		return err
	}
	return m.moving.update(c)
}

// UnknownManager makes references into heaps it does not understand. Their
// status is unknown; a reference dies only when a collection leaves no
// object with the same hub at its origin.
type UnknownManager struct {
	base
}

func (m *UnknownManager) Scheme() Scheme { return SchemeUnknown }

func (m *UnknownManager) MakeReference(origin memory.Address) (*RemoteReference, error) {
	return m.makeReference(origin, stateUnknown)
}

func (m *UnknownManager) MakeQuasiReference(origin memory.Address) (*RemoteReference, error) {
	return m.noQuasi(origin)
}

func (m *UnknownManager) update(c cycle) error {
	if !c.finish && !c.end {
		return nil
	}
	for _, ref := range m.h.objects.values() {
		if hub, ok := m.h.objectHub(ref.origin); !ok || hub != ref.hub {
			ref.die("collection completed")
		}
	}
	m.bury()
	return nil
}

var (
	_ vm.Reference = (*RemoteReference)(nil)
	_ Manager      = (*SemiSpaceManager)(nil)
	_ Manager      = (*MarkSweepManager)(nil)
	_ Manager      = (*EvacuatingManager)(nil)
	_ Manager      = (*UnknownManager)(nil)
)
