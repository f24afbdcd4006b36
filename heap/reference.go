package heap

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/chazu/telescope/memory"
	"github.com/chazu/telescope/pkg/fault"
	"github.com/chazu/telescope/vm"
)

// maxArrayLength rejects lengths no heap region could hold.
const maxArrayLength = 1 << 31

// refState is where a reference is in its collection life cycle.
type refState uint8

const (
	stateLive refState = iota
	stateUnknown
	stateFrom        // in a region being evacuated, not yet seen forwarded
	stateSurvivor    // forwarded during the current collection
	stateMarking     // in a region being marked
	stateUnreachable // unmarked when reclaiming began
	stateForwarder   // the old copy of a moved object
	stateDead
)

var stateNames = [...]string{"live", "unknown", "from", "survivor", "marking", "unreachable", "forwarder", "dead"}

func (s refState) String() string {
	return stateNames[s]
}

func (s refState) status() ObjectStatus {
	switch s {
	case stateUnknown:
		return StatusUnknown
	case stateUnreachable:
		return StatusUnreachable
	case stateForwarder:
		return StatusForwarder
	case stateDead:
		return StatusDead
	}
	return StatusLive
}

// RemoteReference is a canonical reference to an object in the target heap.
// Its identity is stable while the collector moves the object; Origin is
// where the object is now. A dead reference keeps its last origin and class.
type RemoteReference struct {
	heap   *Heap
	id     uint64
	origin memory.Address
	alt    memory.Address // forwarded-from for survivors, forwarded-to for forwarders
	hub    memory.Address
	class  *vm.ClassActor
	static bool
	state  refState
	prior  ObjectStatus
}

// ID returns the stable identity of the reference.
func (r *RemoteReference) ID() uint64 { return r.id }

// Heap returns the heap the reference belongs to.
func (r *RemoteReference) Heap() *Heap { return r.heap }

// Origin returns the current origin, or the last one for dead references.
func (r *RemoteReference) Origin() memory.Address { return r.origin }

// Hub returns the hub address read when the reference was made.
func (r *RemoteReference) Hub() memory.Address { return r.hub }

// Status returns the object status.
func (r *RemoteReference) Status() ObjectStatus { return r.state.status() }

// PriorStatus returns the status before the last transition.
func (r *RemoteReference) PriorStatus() ObjectStatus { return r.prior }

// IsStaticTuple reports whether the object holds a class's static fields.
func (r *RemoteReference) IsStaticTuple() bool { return r.static }

// Kind returns the memory shape of the object.
func (r *RemoteReference) Kind() vm.ObjectKind {
	if r.static {
		return vm.ObjectTuple
	}
	return r.class.ObjectKind()
}

// ForwardedFrom returns the old origin of an object moved during the
// current collection, or zero.
func (r *RemoteReference) ForwardedFrom() memory.Address {
	if r.state == stateSurvivor {
		return r.alt
	}
	return 0
}

// ForwardedTo returns the new origin of the object a forwarder stands for,
// or zero.
func (r *RemoteReference) ForwardedTo() memory.Address {
	if r.state == stateForwarder {
		return r.alt
	}
	return 0
}

// ---------------------------------------------------------------------------
// Transitions
// ---------------------------------------------------------------------------

func (r *RemoteReference) transition(to refState, event string) {
	heapLog.Debugf("%v: %s -> %s on %s", r, r.state, to, event)
	r.prior = r.state.status()
	r.state = to
}

func (r *RemoteReference) illegal(event string) error {
	return fault.HostError(errors.Errorf("%s in state %s", event, r.state), "reference %d at %v", r.id, r.origin)
}

// analysisBegins is called when a collection starts on the reference's region.
func (r *RemoteReference) analysisBegins(moving bool) error {
	switch r.state {
	case stateLive:
		if moving {
			r.transition(stateFrom, "analysis begins")
		} else {
			r.transition(stateMarking, "analysis begins")
		}
		return nil
	case stateUnknown:
		return nil
	}
	return r.illegal("analysis begins")
}

// discoverForwarded records that the collector copied the object to origin.
func (r *RemoteReference) discoverForwarded(origin memory.Address) error {
	if r.state != stateFrom {
		return r.illegal("forwarded")
	}
	r.alt = r.origin
	r.origin = origin
	r.transition(stateSurvivor, "forwarded")
	return nil
}

// discoverUnreachable records that reclaiming began with the object unmarked.
func (r *RemoteReference) discoverUnreachable() error {
	if r.state != stateMarking {
		return r.illegal("unreachable")
	}
	r.transition(stateUnreachable, "reclaiming")
	return nil
}

// analysisEnds is called when the collection completes.
func (r *RemoteReference) analysisEnds() error {
	switch r.state {
	case stateFrom, stateUnreachable:
		r.die("analysis ends")
	case stateForwarder:
		r.alt = 0
		r.die("analysis ends")
	case stateSurvivor:
		r.alt = 0
		r.transition(stateLive, "analysis ends")
	case stateMarking:
		r.transition(stateLive, "analysis ends")
	case stateDead:
		return r.illegal("analysis ends")
	}
	return nil
}

func (r *RemoteReference) die(event string) {
	if r.state != stateDead {
		r.transition(stateDead, event)
	}
}

// ---------------------------------------------------------------------------
// vm.Reference
// ---------------------------------------------------------------------------

// IsZero implements vm.Reference.
func (r *RemoteReference) IsZero() bool { return r == nil }

// IsLocal implements vm.Reference.
func (r *RemoteReference) IsLocal() bool { return false }

// ClassActor implements vm.Reference. For a static tuple it is the class
// whose statics the tuple holds.
func (r *RemoteReference) ClassActor() (*vm.ClassActor, error) {
	return r.class, nil
}

// readable guards every read of object contents.
func (r *RemoteReference) readable() error {
	if err := r.heap.Guard(); err != nil {
		return err
	}
	switch r.state {
	case stateLive, stateUnknown:
		return nil
	}
	return fault.Structuralf(fault.ErrNotLive, "%v", r)
}

// ReadField implements vm.Reference. Static tuples answer the static fields
// of their class.
func (r *RemoteReference) ReadField(f *vm.FieldActor) (vm.Value, error) {
	if err := r.readable(); err != nil {
		return vm.Void, err
	}
	if r.static {
		if !f.IsStatic() || f.Holder != r.class {
			return vm.Void, fault.Structuralf(fault.ErrNoSuchField, "static tuple of %s has no field %s", r.class.Name, f)
		}
	} else if f.IsStatic() || !r.class.IsSubclassOf(f.Holder) {
		return vm.Void, fault.Structuralf(fault.ErrNoSuchField, "%s has no instance field %s", r.class.Name, f)
	}
	bits, err := r.heap.acc.ReadWord(r.origin, f.Offset)
	if err != nil {
		return vm.Void, fault.Wrap(err, "reading %s of %v", f.Name, r)
	}
	return r.heap.decode(f.Kind, bits)
}

// WriteField implements vm.Reference. Target objects are read-only.
func (r *RemoteReference) WriteField(f *vm.FieldActor, v vm.Value) error {
	return fault.Structuralf(fault.ErrRemoteWrite, "%s of %v", f.Name, r)
}

// ArrayLength implements vm.Reference.
func (r *RemoteReference) ArrayLength() (int, error) {
	if err := r.readable(); err != nil {
		return 0, err
	}
	if r.Kind() == vm.ObjectTuple {
		return 0, fault.Structuralf(fault.ErrBadBytecode, "%v is not an array", r)
	}
	n, err := r.heap.acc.ReadLong(r.origin, vm.ArrayLengthOffset)
	if err != nil {
		return 0, fault.Wrap(err, "reading length of %v", r)
	}
	if n < 0 || n > maxArrayLength {
		return 0, fault.Structuralf(fault.ErrInvalidOrigin, "%v has implausible length %d", r, n)
	}
	return int(n), nil
}

// elements returns the kind and displacement of the array part.
func (r *RemoteReference) elements() (vm.Kind, int64) {
	if r.Kind() == vm.ObjectHybrid {
		return vm.KindWord, vm.HybridArrayOffset(len(r.class.InstanceFields()))
	}
	return r.class.ElementKind, vm.ArrayElementsOffset
}

// ReadElement implements vm.Reference. The element kind comes from the
// object's class; kind only has to agree in width.
func (r *RemoteReference) ReadElement(kind vm.Kind, index int) (vm.Value, error) {
	n, err := r.ArrayLength()
	if err != nil {
		return vm.Void, err
	}
	if index < 0 || index >= n {
		return vm.Void, &vm.IndexError{Index: index, Length: n}
	}
	ek, disp := r.elements()
	if kind != vm.KindVoid && kind.Width() != ek.Width() {
		return vm.Void, fault.Structuralf(fault.ErrBadBytecode, "%s access to %s elements of %v", kind, ek, r)
	}
	bits, err := r.heap.acc.ReadIndexed(ek.Width(), r.origin, disp, int64(index))
	if err != nil {
		return vm.Void, fault.Wrap(err, "reading element %d of %v", index, r)
	}
	return r.heap.decode(ek, bits)
}

// WriteElement implements vm.Reference. Target objects are read-only.
func (r *RemoteReference) WriteElement(kind vm.Kind, index int, v vm.Value) error {
	return fault.Structuralf(fault.ErrRemoteWrite, "element %d of %v", index, r)
}

func (r *RemoteReference) String() string {
	if r == nil {
		return "null"
	}
	name := "?"
	if r.class != nil {
		name = r.class.Name
	}
	if r.static {
		name += ".<statics>"
	}
	return fmt.Sprintf("%s@%v#%d(%s)", name, r.origin, r.id, r.state)
}
