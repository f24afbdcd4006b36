package tele

import (
	"github.com/chazu/telescope/heap"
	"github.com/chazu/telescope/object"
	"github.com/chazu/telescope/pkg/fault"
	"github.com/chazu/telescope/vm"
)

var _ vm.Remote = (*TeleVM)(nil)

// StaticValue implements vm.Remote. Statics are read from the static tuple
// the target's class actor points at.
func (t *TeleVM) StaticValue(class *vm.ClassActor, f *vm.FieldActor) (vm.Value, bool, error) {
	addr, ok, err := t.heap.ClassActorOrigin(class.Name)
	if err != nil || !ok {
		return vm.Void, false, err
	}
	obj, err := t.factory.MakeAt(addr)
	if err != nil {
		return vm.Void, false, err
	}
	ca, ok := obj.(*object.ClassActorObject)
	if !ok {
		return vm.Void, false, fault.Structuralf(fault.ErrInvalidOrigin, "class table entry for %s is %v", class.Name, obj)
	}
	st := ca.StaticTuple()
	if st == nil {
		return vm.Void, true, fault.Structuralf(fault.ErrNoSuchField, "%s has no static tuple in the target", class.Name)
	}
	v, err := st.ReadField(f)
	return v, true, err
}

// WordToReference implements vm.Remote.
func (t *TeleVM) WordToReference(w vm.Word) (vm.Reference, error) {
	return t.heap.WordToReference(w)
}

// ReferenceToWord implements vm.Remote. Only live target objects have an
// address.
func (t *TeleVM) ReferenceToWord(ref vm.Reference) (vm.Word, error) {
	if vm.IsNull(ref) {
		return 0, nil
	}
	r, ok := ref.(*heap.RemoteReference)
	if !ok {
		return 0, fault.Structuralf(fault.ErrInvalidOrigin, "%v is not in the target", ref)
	}
	if err := t.heap.Guard(); err != nil {
		return 0, err
	}
	if !r.Status().IsLive() {
		return 0, fault.Structuralf(fault.ErrNotLive, "%v is %s", r, r.Status())
	}
	return vm.Word(r.Origin()), nil
}

// ReadPointer implements vm.Remote.
func (t *TeleVM) ReadPointer(kind vm.Kind, base vm.Word, offset int64) (vm.Value, error) {
	return t.GetPointer(kind, base, offset, 0)
}

// GetPointer implements vm.Remote. References read from memory are
// resolved through the heap.
func (t *TeleVM) GetPointer(kind vm.Kind, base vm.Word, displacement int64, index int64) (vm.Value, error) {
	if base == 0 {
		return vm.Void, fault.Structuralf(fault.ErrInvalidOrigin, "pointer read through zero")
	}
	bits, err := t.acc.ReadIndexed(kind.Width(), base.AsAddress(), displacement, index)
	if err != nil {
		return vm.Void, err
	}
	if kind != vm.KindReference {
		return vm.ValueFromBits(kind, bits), nil
	}
	ref, err := t.heap.WordToReference(vm.Word(bits))
	if err != nil {
		return vm.Void, err
	}
	return vm.RefValue(ref), nil
}

// MakeLocal implements vm.Remote.
func (t *TeleVM) MakeLocal(v vm.Value) (vm.Value, error) {
	if v.Kind() != vm.KindReference || v.AsRef().IsLocal() {
		return v, nil
	}
	local, err := t.DeepCopy(v.AsRef())
	if err != nil {
		return vm.Void, err
	}
	return vm.RefValue(local), nil
}

// DeepCopy implements vm.Remote.
func (t *TeleVM) DeepCopy(ref vm.Reference) (vm.Reference, error) {
	if vm.IsNull(ref) || ref.IsLocal() {
		return ref, nil
	}
	r, ok := ref.(*heap.RemoteReference)
	if !ok {
		return nil, fault.Structuralf(fault.ErrInvalidOrigin, "%v is not in the target", ref)
	}
	obj, err := t.factory.Make(r)
	if err != nil {
		return nil, err
	}
	return t.factory.DeepCopy(obj)
}
