package object

import (
	"github.com/pkg/errors"

	"github.com/chazu/telescope/pkg/fault"
	"github.com/chazu/telescope/vm"
)

// copier tracks one deep copy: the local copy made for each surrogate and
// how deep the copy currently is.
type copier struct {
	f      *Factory
	level  int
	copies map[uint64]*vm.Object
}

// DeepCopy copies the object graph reachable from obj into local objects.
// The copy fails with a transient error when a collection started or
// completed while it ran, and gives up with a warning when the VM is busy.
func (f *Factory) DeepCopy(obj TeleObject) (vm.Reference, error) {
	if obj == nil {
		return vm.Null, nil
	}
	if err := f.heap.Guard(); err != nil {
		return nil, err
	}
	before := f.heap.Epoch()
	objectLog.Debugf("deep copying %v", obj)

	c := &copier{f: f, copies: make(map[uint64]*vm.Object)}
	local, err := c.copy(obj)
	if err != nil {
		if errors.Is(err, fault.ErrVMBusy) {
			objectLog.Warningf("deep copy failed (VM busy) for %v", obj)
		}
		return nil, err
	}

	if err := f.heap.Guard(); err != nil {
		return nil, err
	}
	if after := f.heap.Epoch(); after != before {
		return nil, fault.Transientf(fault.ErrGCInProgress, "deep copy of %v spanned %v to %v", obj, before, after)
	}
	objectLog.Debugf("deep copied %v [%d objects]", obj, len(c.copies))
	return local, nil
}

func (c *copier) copy(obj TeleObject) (*vm.Object, error) {
	obj = obj.ForwardedTeleObject()
	if local, ok := c.copies[obj.OID()]; ok {
		return local, nil
	}
	if !obj.IsLive() {
		return nil, fault.Structuralf(fault.ErrNotLive, "%v", obj)
	}
	c.level++
	defer func() { c.level-- }()

	class := obj.ClassActorForObjectType()
	switch o := obj.(type) {
	case *StaticTupleObject:
		return nil, fault.Structuralf(fault.ErrBadBytecode, "%v is copied with CopyStatics", o)
	case *ArrayObject:
		n, err := o.ref.ArrayLength()
		if err != nil {
			return nil, err
		}
		local := vm.NewArray(class, n)
		c.register(obj, local)
		for i := 0; i < n; i++ {
			v, err := o.ReadElement(i)
			if err != nil {
				return nil, err
			}
			if v, err = c.value(v); err != nil {
				return nil, err
			}
			if err := local.WriteElement(class.ElementKind, i, v); err != nil {
				return nil, err
			}
		}
		return local, nil
	}

	// Tuples, and the tuple part of hubs.
	local := vm.NewTuple(class)
	c.register(obj, local)
	for _, f := range class.InstanceFields() {
		v, err := obj.ReadField(f)
		if err != nil {
			return nil, err
		}
		if v, err = c.value(v); err != nil {
			return nil, err
		}
		if err := local.WriteField(f, v); err != nil {
			return nil, err
		}
	}
	return local, nil
}

func (c *copier) register(obj TeleObject, local *vm.Object) {
	c.copies[obj.OID()] = local
	objectLog.Debugf("%*scopy %v", 2*c.level, "", obj)
}

// value replaces a target reference by its local copy.
func (c *copier) value(v vm.Value) (vm.Value, error) {
	if v.Kind() != vm.KindReference {
		return v, nil
	}
	obj, err := c.f.MakeValue(v)
	if err != nil || obj == nil {
		return v, err
	}
	local, err := c.copy(obj)
	if err != nil {
		return vm.Void, err
	}
	return vm.RefValue(local), nil
}

// CopyStatics copies the static fields of a static tuple into the local
// class of the same name, deep copying referenced objects.
func (f *Factory) CopyStatics(s *StaticTupleObject) error {
	class := s.ClassActorForObjectType()
	if err := f.heap.Guard(); err != nil {
		return err
	}
	before := f.heap.Epoch()
	c := &copier{f: f, copies: make(map[uint64]*vm.Object)}
	values := make([]vm.Value, len(class.StaticFields()))
	for i, fa := range class.StaticFields() {
		v, err := s.ReadField(fa)
		if err != nil {
			return err
		}
		if values[i], err = c.value(v); err != nil {
			return err
		}
	}
	if err := f.heap.Guard(); err != nil {
		return err
	}
	if after := f.heap.Epoch(); after != before {
		return fault.Transientf(fault.ErrGCInProgress, "copying statics of %s spanned %v to %v", class.Name, before, after)
	}
	for i, fa := range class.StaticFields() {
		class.SetStaticValue(fa, values[i])
	}
	objectLog.Debugf("copied %d statics of %s [%d objects]", len(values), class.Name, len(c.copies))
	return nil
}
