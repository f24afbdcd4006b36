package heaptest

import (
	"github.com/chazu/telescope/heap"
	"github.com/chazu/telescope/memory"
	"github.com/chazu/telescope/vm"
)

// GC plays the collector of a fabricated heap. Every step commits the info
// block so a refresh sees it.
type GC struct {
	b *Builder
}

// GC returns the collector of the heap.
func (b *Builder) GC() *GC {
	return &GC{b: b}
}

// Start begins a collection. A semi-space heap flips its spaces and
// allocation moves to the new to-space.
func (g *GC) Start() {
	b := g.b
	b.info.Epoch.Started++
	b.info.Phase = heap.PhaseAnalyzing
	if b.info.Scheme == heap.SchemeSemiSpace {
		to, from := b.region(heap.RoleToSpace), b.region(heap.RoleFromSpace)
		to.Role, from.Role = heap.RoleFromSpace, heap.RoleToSpace
		from.Top = from.Start
		b.alloc = heap.RoleToSpace
	}
	b.Commit()
}

// Reclaim moves a marking collection on to its sweep.
func (g *GC) Reclaim() {
	g.b.info.Phase = heap.PhaseReclaiming
	g.b.Commit()
}

// Complete ends the collection. Marks are cleared and an evacuated nursery
// is emptied.
func (g *GC) Complete() {
	b := g.b
	if r := g.markedSpace(); r != nil {
		g.walk(*r, func(addr memory.Address, object bool) {
			if object {
				misc := b.read(addr, vm.MiscOffset)
				b.write(addr, vm.MiscOffset, misc&^heap.MarkBit)
			}
		})
	}
	if b.info.Scheme == heap.SchemeMarkSweepEvacuate {
		n := b.region(heap.RoleNursery)
		n.Top = n.Start
	}
	b.info.Epoch.Completed = b.info.Epoch.Started
	b.info.Phase = heap.PhaseMutating
	b.Commit()
}

func (g *GC) destination() heap.Role {
	if g.b.info.Scheme == heap.SchemeSemiSpace {
		return heap.RoleToSpace
	}
	return heap.RoleObjectSpace
}

func (g *GC) markedSpace() *heap.Region {
	switch g.b.info.Scheme {
	case heap.SchemeMarkSweep, heap.SchemeMarkSweepEvacuate:
		return g.b.region(heap.RoleObjectSpace)
	}
	return nil
}

// Evacuate copies o into the destination space and leaves a forwarding
// word behind. The new top of the destination is published at once, as a
// collector publishes its allocation pointer. Evacuating an object twice
// returns the first copy.
func (g *GC) Evacuate(o Object) Object {
	b := g.b
	b.t.Helper()
	hub := b.read(o.Addr, vm.HubOffset)
	if hub != vm.ZappedWord && hub&vm.ForwardBit != 0 {
		return b.At(memory.Address(hub &^ vm.ForwardBit))
	}
	size := b.sizeOf(o.Addr)
	to := b.allocate(g.destination(), size)
	buf := make([]byte, size)
	if err := b.Image.ReadBytes(o.Addr, buf); err != nil {
		b.t.Fatalf("evacuating %v: %v", o.Addr, err)
	}
	if err := b.Image.WriteBytes(to, buf); err != nil {
		b.t.Fatalf("evacuating %v: %v", o.Addr, err)
	}
	b.write(o.Addr, vm.HubOffset, uint64(to)|vm.ForwardBit)
	b.publish()
	return Object{b: b, Addr: to, Class: o.Class}
}

// Collect runs a whole copying collection. Everything reachable from roots
// and from the boot region is evacuated and pointers to it are updated.
// It returns the new copies of roots.
func (g *GC) Collect(roots ...Object) []Object {
	b := g.b
	g.Start()
	source := heap.RoleFromSpace
	if b.info.Scheme == heap.SchemeMarkSweepEvacuate {
		source = heap.RoleNursery
	}
	src := *b.region(source)
	forward := func(w uint64) uint64 {
		addr := memory.Address(w)
		if w == 0 || !src.ContainsAllocated(addr) {
			return w
		}
		return uint64(g.Evacuate(b.At(addr)).Addr)
	}
	moved := make([]Object, len(roots))
	for i, r := range roots {
		if src.ContainsAllocated(r.Addr) {
			moved[i] = g.Evacuate(r)
		} else {
			moved[i] = r
		}
	}
	g.scan(*b.region(heap.RoleBoot), forward)
	dest := b.region(g.destination())
	for from := dest.Start; from < dest.Top; {
		// Copies made while scanning extend the destination.
		r := *dest
		r.Start = from
		from = r.Top
		g.scan(r, forward)
	}
	g.Complete()
	return moved
}

// scan rewrites every reference slot of the objects in r through forward.
func (g *GC) scan(r heap.Region, forward func(uint64) uint64) {
	b := g.b
	g.walk(r, func(addr memory.Address, object bool) {
		if !object {
			return
		}
		for _, off := range b.referenceSlots(addr) {
			w := b.read(addr, off)
			if nw := forward(w); nw != w {
				b.write(addr, off, nw)
			}
		}
	})
}

// Mark sets the mark bit of each object.
func (g *GC) Mark(objs ...Object) {
	for _, o := range objs {
		misc := g.b.read(o.Addr, vm.MiscOffset)
		g.b.write(o.Addr, vm.MiscOffset, misc|heap.MarkBit)
	}
}

// Sweep turns every unmarked object of the object space into a free chunk,
// or fills it with zapped words when it is too small to hold one.
func (g *GC) Sweep() {
	b := g.b
	r := g.markedSpace()
	if r == nil {
		b.t.Fatalf("%s heaps are not swept", b.info.Scheme)
	}
	fc := b.Class(vm.HeapFreeChunkClassName)
	chunk := tupleSize(fc)
	g.walk(*r, func(addr memory.Address, object bool) {
		if !object || b.read(addr, vm.MiscOffset)&heap.MarkBit != 0 {
			return
		}
		size := b.sizeOf(addr)
		if size < chunk {
			g.zap(addr, size)
			return
		}
		b.writeHeader(addr, b.info.FreeChunkHub, -1)
		b.setField(addr, fc, "size", uint64(size))
		b.setField(addr, fc, "next", 0)
	})
	b.Commit()
}

// Zap fills the allocated part of the region with role with zapped words.
func (g *GC) Zap(role heap.Role) {
	r := g.b.region(role)
	g.zap(r.Start, int64(r.Top-r.Start))
	g.b.Commit()
}

func (g *GC) zap(addr memory.Address, size int64) {
	for off := int64(0); off < size; off += vm.WordSize {
		g.b.write(addr, off, vm.ZappedWord)
	}
}

// walk visits the allocated part of r object by object. object is false
// for free chunks and zapped words.
func (g *GC) walk(r heap.Region, visit func(addr memory.Address, object bool)) {
	b := g.b
	for addr := r.Start; addr < r.Top; {
		w := b.read(addr, vm.HubOffset)
		size := b.sizeOf(addr)
		visit(addr, w != vm.ZappedWord && memory.Address(w) != b.info.FreeChunkHub)
		addr = addr.Plus(size).AlignUp(vm.WordSize)
	}
}

// sizeOf returns the size of the object, free chunk or zapped word at addr.
func (b *Builder) sizeOf(addr memory.Address) int64 {
	b.t.Helper()
	w := b.read(addr, vm.HubOffset)
	if w == vm.ZappedWord {
		return vm.WordSize
	}
	if w&vm.ForwardBit != 0 {
		b.t.Fatalf("object at %v was forwarded", addr)
	}
	hub := memory.Address(w)
	if hub == b.info.FreeChunkHub {
		fc := b.Class(vm.HeapFreeChunkClassName)
		f, _ := fc.MustField("size")
		return int64(b.read(addr, f.Offset))
	}
	if c, ok := b.staticOf[hub]; ok {
		return staticTupleSize(c)
	}
	c, ok := b.hubClass[hub]
	if !ok {
		b.t.Fatalf("no object at %v", addr)
	}
	switch c.ObjectKind() {
	case vm.ObjectArray:
		return arraySize(c, int(b.read(addr, vm.ArrayLengthOffset)))
	case vm.ObjectHybrid:
		return hybridSize(c, int(b.read(addr, vm.ArrayLengthOffset)))
	}
	return tupleSize(c)
}

// referenceSlots returns the offsets of the reference fields and elements
// of the object at addr.
func (b *Builder) referenceSlots(addr memory.Address) []int64 {
	hub := memory.Address(b.read(addr, vm.HubOffset))
	var fields []*vm.FieldActor
	if c, ok := b.staticOf[hub]; ok {
		fields = c.StaticFields()
	} else {
		c := b.hubClass[hub]
		if c.IsArray() {
			if c.ElementKind != vm.KindReference {
				return nil
			}
			n := int(b.read(addr, vm.ArrayLengthOffset))
			slots := make([]int64, n)
			for i := range slots {
				slots[i] = vm.ArrayElementsOffset + int64(i)*vm.WordSize
			}
			return slots
		}
		fields = c.InstanceFields()
	}
	var slots []int64
	for _, f := range fields {
		if f.Kind == vm.KindReference {
			slots = append(slots, f.Offset)
		}
	}
	return slots
}
