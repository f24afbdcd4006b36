package object

import (
	"testing"

	"github.com/pkg/errors"

	"github.com/chazu/telescope/heap"
	"github.com/chazu/telescope/heap/heaptest"
	"github.com/chazu/telescope/pkg/fault"
	"github.com/chazu/telescope/vm"
)

const loopClass = "demo/Loop"

func TestReentrantConstructionRefused(t *testing.T) {
	reg := vm.NewClassRegistry()
	if _, err := reg.Define(&vm.ClassDefinition{Name: loopClass, Super: vm.ObjectClassName}); err != nil {
		t.Fatalf("Define: %v", err)
	}
	b := heaptest.New(t, reg, heap.SchemeMarkSweep)
	o := b.NewTuple(loopClass)
	f := NewFactory(b.Heap())

	var inner error
	calls := 0
	f.tuples[loopClass] = func(to *teleObject) TeleObject {
		calls++
		_, inner = f.Make(to.ref)
		to.role = "tuple"
		return &TupleObject{teleObject: to}
	}

	obj, err := f.MakeAt(o.Addr)
	if err != nil {
		t.Fatalf("MakeAt: %v", err)
	}
	if !errors.Is(inner, fault.ErrReentrantConstruction) || !fault.IsStructural(inner) {
		t.Errorf("inner Make = %v, want structural ErrReentrantConstruction", inner)
	}
	if calls != 1 {
		t.Errorf("constructor ran %d times, want 1", calls)
	}
	if again, err := f.MakeAt(o.Addr); err != nil || again != obj {
		t.Errorf("MakeAt again = %v, %v, want %v", again, err, obj)
	}
	if len(f.constructing) != 0 {
		t.Errorf("construction guard left %d entries", len(f.constructing))
	}
}
