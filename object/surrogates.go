package object

import (
	"github.com/chazu/telescope/memory"
	"github.com/chazu/telescope/pkg/fault"
	"github.com/chazu/telescope/vm"
)

// ---------------------------------------------------------------------------
// Tuples
// ---------------------------------------------------------------------------

// TupleObject is an ordinary object with named fields.
type TupleObject struct {
	*teleObject
}

// StringObject is a java/lang/String. Its text is decoded once per epoch.
type StringObject struct {
	*teleObject
	text string
}

// Text returns the decoded text as of the last cache update.
func (s *StringObject) Text() string { return s.text }

func (s *StringObject) updateObjectCache(uint64) error {
	text, err := vm.StringOf(s.ref)
	if err != nil {
		return err
	}
	s.text = text
	return nil
}

// ClassActorObject is the target's metadata for one class.
type ClassActorObject struct {
	*teleObject
	name       string
	class      *vm.ClassActor
	statics    *StaticTupleObject
	dynamicHub *HubObject
}

// Name returns the class name the actor carries.
func (c *ClassActorObject) Name() string { return c.name }

// DescribedClass returns the local class with the actor's name, or nil when
// the registry does not know it.
func (c *ClassActorObject) DescribedClass() *vm.ClassActor { return c.class }

// StaticTuple returns the surrogate of the class's static tuple, or nil for
// classes without statics.
func (c *ClassActorObject) StaticTuple() *StaticTupleObject { return c.statics }

// DynamicHub returns the surrogate of the hub of the class's instances.
func (c *ClassActorObject) DynamicHub() *HubObject { return c.dynamicHub }

func (c *ClassActorObject) updateObjectCache(uint64) error {
	name, err := c.readRef(vm.ClassActorClassName, "name")
	if err != nil {
		return err
	}
	s, ok := name.(*StringObject)
	if !ok {
		return fault.Structuralf(fault.ErrInvalidOrigin, "name of %v is %v", c, name)
	}
	statics, err := c.readRef(vm.ClassActorClassName, "staticTuple")
	if err != nil {
		return err
	}
	hub, err := c.readRef(vm.ClassActorClassName, "dynamicHub")
	if err != nil {
		return err
	}

	c.name = s.text
	c.class, _ = c.factory.registry.Lookup(c.name)
	c.statics, _ = statics.(*StaticTupleObject)
	c.dynamicHub, _ = hub.(*HubObject)
	return nil
}

// StaticTupleObject holds the static fields of one class.
type StaticTupleObject struct {
	*teleObject
}

// FieldActors returns the static fields of the class.
func (s *StaticTupleObject) FieldActors() []*vm.FieldActor {
	return s.ClassActorForObjectType().StaticFields()
}

// ---------------------------------------------------------------------------
// Arrays
// ---------------------------------------------------------------------------

// ArrayObject is an array of primitives, words or references.
type ArrayObject struct {
	*teleObject
	length int
}

// Length returns the array length as of the last cache update.
func (a *ArrayObject) Length() int { return a.length }

// ElementKind returns the kind of the elements.
func (a *ArrayObject) ElementKind() vm.Kind {
	return a.ClassActorForObjectType().ElementKind
}

// ReadElement reads element i.
func (a *ArrayObject) ReadElement(i int) (vm.Value, error) {
	return a.ref.ReadElement(a.ElementKind(), i)
}

func (a *ArrayObject) updateObjectCache(uint64) error {
	n, err := a.ref.ArrayLength()
	if err != nil {
		return err
	}
	a.length = n
	return nil
}

// ---------------------------------------------------------------------------
// Hubs
// ---------------------------------------------------------------------------

// HubObject is a dynamic or static hub: a hybrid whose fields point at the
// class actor and whose array part holds dispatch words.
type HubObject struct {
	*teleObject
	static     bool
	classActor *ClassActorObject
	length     int
}

// IsStatic reports whether the hub describes static tuples.
func (h *HubObject) IsStatic() bool { return h.static }

// ClassActorObject returns the surrogate of the class actor the hub points at.
func (h *HubObject) ClassActorObject() *ClassActorObject { return h.classActor }

// Length returns the number of words in the array part.
func (h *HubObject) Length() int { return h.length }

// Word reads word i of the array part.
func (h *HubObject) Word(i int) (vm.Word, error) {
	v, err := h.ref.ReadElement(vm.KindWord, i)
	if err != nil {
		return 0, err
	}
	return v.AsWord(), nil
}

func (h *HubObject) updateObjectCache(uint64) error {
	actor, err := h.readRef(vm.HubClassName, "classActor")
	if err != nil {
		return err
	}
	n, err := h.ref.ArrayLength()
	if err != nil {
		return err
	}
	h.classActor, _ = actor.(*ClassActorObject)
	h.length = n
	return nil
}

// ---------------------------------------------------------------------------
// Forwarders
// ---------------------------------------------------------------------------

// ForwarderObject is the old copy of an object a moving collection in
// progress has evacuated. It lives only until the collection completes.
type ForwarderObject struct {
	*teleObject
}

// ForwardedTo returns the address of the new copy.
func (f *ForwarderObject) ForwardedTo() memory.Address {
	return f.ref.ForwardedTo()
}

// ForwardedTeleObject returns the surrogate of the new copy when its
// reference is known, or the forwarder itself.
func (f *ForwarderObject) ForwardedTeleObject() TeleObject {
	to := f.ref.ForwardedTo()
	if to.IsZero() {
		return f
	}
	ref := f.factory.heap.Lookup(to)
	if ref == nil {
		return f
	}
	obj, err := f.factory.Make(ref)
	if err != nil || obj == nil {
		return f
	}
	return obj
}

// ReadField refuses reads: the forwarding word replaced the header.
func (f *ForwarderObject) ReadField(fa *vm.FieldActor) (vm.Value, error) {
	return vm.Void, fault.Structuralf(fault.ErrNotLive, "%v is a forwarder", f)
}

var (
	_ TeleObject = (*TupleObject)(nil)
	_ TeleObject = (*StringObject)(nil)
	_ TeleObject = (*ClassActorObject)(nil)
	_ TeleObject = (*StaticTupleObject)(nil)
	_ TeleObject = (*ArrayObject)(nil)
	_ TeleObject = (*HubObject)(nil)
	_ TeleObject = (*ForwarderObject)(nil)
)
