package object

import (
	"sort"
	"weak"

	"github.com/chazu/telescope/heap"
	"github.com/chazu/telescope/memory"
	"github.com/chazu/telescope/pkg/fault"
	"github.com/chazu/telescope/vm"
)

// constructor builds the surrogate around a fresh shared state. It must not
// read the target: decoding happens after the surrogate is registered. A
// constructor that asks the factory for its own reference is refused with
// ErrReentrantConstruction.
type constructor func(t *teleObject) TeleObject

// Factory makes surrogates. It keeps one surrogate per reference for as
// long as anything else holds it, and refreshes them once per epoch.
type Factory struct {
	heap     *heap.Heap
	registry *vm.ClassRegistry

	objects      map[uint64]weak.Pointer[teleObject]
	constructing map[uint64]bool
	tuples       map[string]constructor
	epoch        uint64
	previous     int
}

// NewFactory creates a factory for surrogates of objects in h.
func NewFactory(h *heap.Heap) *Factory {
	f := &Factory{
		heap:         h,
		registry:     h.Registry(),
		objects:      make(map[uint64]weak.Pointer[teleObject]),
		constructing: make(map[uint64]bool),
		epoch:        1,
	}
	f.tuples = map[string]constructor{
		vm.ObjectClassName: func(t *teleObject) TeleObject {
			t.role = "tuple"
			return &TupleObject{teleObject: t}
		},
		vm.StringClassName: func(t *teleObject) TeleObject {
			t.role = "string"
			return &StringObject{teleObject: t}
		},
		vm.ClassActorClassName: func(t *teleObject) TeleObject {
			t.role = "class actor"
			return &ClassActorObject{teleObject: t}
		},
	}
	return f
}

// Heap returns the heap the factory makes surrogates for.
func (f *Factory) Heap() *heap.Heap { return f.heap }

// Epoch returns the epoch of the last refresh.
func (f *Factory) Epoch() uint64 { return f.epoch }

// Make returns the surrogate for ref. A null reference yields nil.
//
// Construction runs in two phases. The surrogate is first built from what
// the reference already knows and registered; only then is its cache
// filled, which may make further surrogates, including ones that refer
// back to this one.
func (f *Factory) Make(ref *heap.RemoteReference) (TeleObject, error) {
	if ref == nil {
		return nil, nil
	}
	if obj := f.lookup(ref.ID()); obj != nil {
		return obj, nil
	}
	if f.constructing[ref.ID()] {
		return nil, fault.Structuralf(fault.ErrReentrantConstruction, "%v", ref)
	}
	f.constructing[ref.ID()] = true
	obj, t, err := f.construct(ref)
	delete(f.constructing, ref.ID())
	if err != nil {
		return nil, err
	}
	f.objects[ref.ID()] = weak.Make(t)

	if err := obj.UpdateCache(f.epoch); err != nil {
		objectLog.Warningf("updating new %v: %s", obj, err)
	}
	objectLog.Debugf("made %v at %v", obj, ref.Origin())
	return obj, nil
}

func (f *Factory) construct(ref *heap.RemoteReference) (TeleObject, *teleObject, error) {
	class, err := ref.ClassActor()
	if err != nil {
		return nil, nil, err
	}
	t := &teleObject{factory: f, ref: ref}
	var obj TeleObject
	switch {
	case ref.Status().IsForwarder():
		t.role = "forwarder"
		obj = &ForwarderObject{teleObject: t}
	case ref.IsStaticTuple():
		t.role = "static tuple"
		obj = &StaticTupleObject{teleObject: t}
	case class.IsArray():
		t.role = "array"
		obj = &ArrayObject{teleObject: t}
	case class.IsHybrid():
		hub, err := f.registry.Lookup(vm.HubClassName)
		if err != nil {
			return nil, nil, err
		}
		if !class.IsSubclassOf(hub) {
			return nil, nil, fault.Structuralf(fault.ErrInvalidOrigin, "%v is a hybrid but not a hub", ref)
		}
		t.role = "hub"
		obj = &HubObject{teleObject: t, static: class.Name == vm.StaticHubClassName}
	default:
		obj = f.tupleConstructor(class)(t)
	}
	t.self = obj
	return obj, t, nil
}

// tupleConstructor walks up the superclass chain to the most specific
// registered constructor.
func (f *Factory) tupleConstructor(class *vm.ClassActor) constructor {
	for c := class; c != nil; c = c.Super {
		if ctor, ok := f.tuples[c.Name]; ok {
			return ctor
		}
	}
	return f.tuples[vm.ObjectClassName]
}

// MakeAt makes the reference for the object at addr and its surrogate.
func (f *Factory) MakeAt(addr memory.Address) (TeleObject, error) {
	ref, err := f.heap.MakeReference(addr)
	if err != nil {
		return nil, err
	}
	return f.Make(ref)
}

// MakeForwarder makes the surrogate for the forwarder at addr. It only
// succeeds while a moving collection is in progress.
func (f *Factory) MakeForwarder(addr memory.Address) (*ForwarderObject, error) {
	ref, err := f.heap.MakeQuasiReference(addr)
	if err != nil {
		return nil, err
	}
	obj, err := f.Make(ref)
	if err != nil {
		return nil, err
	}
	fwd, ok := obj.(*ForwarderObject)
	if !ok {
		return nil, fault.Structuralf(fault.ErrInvalidOrigin, "%v is not a forwarder", obj)
	}
	return fwd, nil
}

// MakeValue makes the surrogate for a reference value. Null and local
// references yield nil.
func (f *Factory) MakeValue(v vm.Value) (TeleObject, error) {
	if v.Kind() != vm.KindReference {
		return nil, fault.Structuralf(fault.ErrBadBytecode, "%v is not a reference", v)
	}
	ref, ok := v.AsRef().(*heap.RemoteReference)
	if !ok {
		return nil, nil
	}
	return f.Make(ref)
}

// Lookup returns the surrogate with the given OID if it is still alive.
func (f *Factory) Lookup(oid uint64) TeleObject {
	return f.lookup(oid)
}

func (f *Factory) lookup(oid uint64) TeleObject {
	wp, ok := f.objects[oid]
	if !ok {
		return nil
	}
	t := wp.Value()
	if t == nil {
		delete(f.objects, oid)
		return nil
	}
	return t.self
}

// Len returns the number of surrogates the factory tracks.
func (f *Factory) Len() int {
	return len(f.objects)
}

// Objects returns the live surrogates in OID order.
func (f *Factory) Objects() []TeleObject {
	oids := make([]uint64, 0, len(f.objects))
	for oid := range f.objects {
		oids = append(oids, oid)
	}
	sort.Slice(oids, func(i, j int) bool { return oids[i] < oids[j] })
	objs := make([]TeleObject, 0, len(oids))
	for _, oid := range oids {
		if obj := f.lookup(oid); obj != nil {
			objs = append(objs, obj)
		}
	}
	return objs
}

// Refresh brings every surrogate up to date for epoch. Surrogates whose
// update fails keep their previous cache and are retried next time.
func (f *Factory) Refresh(epoch uint64) {
	if epoch > f.epoch {
		f.epoch = epoch
	}
	failed := 0
	objs := f.Objects()
	for _, obj := range objs {
		if err := obj.UpdateCache(f.epoch); err != nil {
			failed++
			objectLog.Warningf("updating %v: %s", obj, err)
		}
	}
	objectLog.Debugf("refreshed %d surrogates for epoch %d, %d new, %d failed", len(objs), f.epoch, len(objs)-f.previous, failed)
	f.previous = len(objs)
}

func (f *Factory) field(class, name string) (*vm.FieldActor, error) {
	c, err := f.registry.Lookup(class)
	if err != nil {
		return nil, err
	}
	return c.MustField(name)
}
