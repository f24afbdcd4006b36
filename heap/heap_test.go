package heap_test

import (
	"testing"

	"github.com/pkg/errors"

	"github.com/chazu/telescope/heap"
	"github.com/chazu/telescope/heap/heaptest"
	"github.com/chazu/telescope/memory"
	"github.com/chazu/telescope/pkg/fault"
	"github.com/chazu/telescope/vm"
)

const pointClass = "demo/Point"

func newRegistry(t *testing.T) *vm.ClassRegistry {
	t.Helper()
	reg := vm.NewClassRegistry()
	_, err := reg.Define(&vm.ClassDefinition{
		Name:  pointClass,
		Super: vm.ObjectClassName,
		Fields: []vm.FieldDefinition{
			{Name: "x", Descriptor: "I"},
			{Name: "y", Descriptor: "J"},
			{Name: "next", Descriptor: "L" + pointClass + ";"},
			{Name: "count", Descriptor: "I", Flags: vm.AccStatic},
			{Name: "origin", Descriptor: "L" + pointClass + ";", Flags: vm.AccStatic},
		},
	})
	if err != nil {
		t.Fatalf("Define: %v", err)
	}
	return reg
}

func newBuilder(t *testing.T, scheme heap.Scheme) *heaptest.Builder {
	t.Helper()
	return heaptest.New(t, newRegistry(t), scheme)
}

func field(t *testing.T, h *heap.Heap, class, name string) *vm.FieldActor {
	t.Helper()
	c, err := h.Registry().Lookup(class)
	if err != nil {
		t.Fatalf("Lookup(%s): %v", class, err)
	}
	f, err := c.MustField(name)
	if err != nil {
		t.Fatalf("MustField(%s): %v", name, err)
	}
	return f
}

func mustRef(t *testing.T, h *heap.Heap, addr memory.Address) *heap.RemoteReference {
	t.Helper()
	ref, err := h.MakeReference(addr)
	if err != nil {
		t.Fatalf("MakeReference(%v): %v", addr, err)
	}
	return ref
}

func refresh(t *testing.T, h *heap.Heap) {
	t.Helper()
	if err := h.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
}

func wantStatus(t *testing.T, ref *heap.RemoteReference, want heap.ObjectStatus) {
	t.Helper()
	if got := ref.Status(); got != want {
		t.Errorf("%v status = %s, want %s", ref, got, want)
	}
}

// ---------------------------------------------------------------------------
// Epochs and the info block
// ---------------------------------------------------------------------------

func TestGate(t *testing.T) {
	var g heap.Gate
	if !g.Invalidated(heap.Epoch{}) {
		t.Error("fresh gate should be invalidated")
	}
	if err := g.Observe(heap.Epoch{Started: 1, Completed: 1}); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if g.Invalidated(heap.Epoch{Started: 1, Completed: 1}) {
		t.Error("gate invalidated by the epoch it observed")
	}
	if !g.Invalidated(heap.Epoch{Started: 2, Completed: 1}) {
		t.Error("gate not invalidated by a new collection")
	}

	err := g.Check(heap.Epoch{Started: 2, Completed: 1})
	if !fault.IsTransient(err) || !errors.Is(err, fault.ErrGCInProgress) {
		t.Errorf("Check(in GC) = %v, want transient ErrGCInProgress", err)
	}
	if err := g.Check(heap.Epoch{Started: 2, Completed: 2}); err != nil {
		t.Errorf("Check(consistent) = %v", err)
	}

	tests := []heap.Epoch{
		{Started: 0, Completed: 0},
		{Started: 1, Completed: 0},
		{Started: 3, Completed: 4},
	}
	for _, e := range tests {
		if err := g.Validate(e); !errors.Is(err, fault.ErrEpochRegression) {
			t.Errorf("Validate(%v) = %v, want ErrEpochRegression", e, err)
		}
	}
}

func TestReadInfoRejectsGarbage(t *testing.T) {
	img := memory.NewImage()
	if _, err := img.Map(heaptest.InfoAddr, 4096, "info"); err != nil {
		t.Fatalf("Map: %v", err)
	}
	acc := memory.NewAccessor(img)
	if _, err := heap.ReadInfo(acc, heaptest.InfoAddr); !errors.Is(err, fault.ErrInvalidOrigin) {
		t.Errorf("ReadInfo(zeroes) = %v, want ErrInvalidOrigin", err)
	}

	bad := &heap.Info{
		Scheme: heap.SchemeMarkSweep,
		Regions: []heap.Region{
			{Start: 0x200000, Size: 0x1000, Top: 0x300000, Role: heap.RoleObjectSpace},
		},
	}
	if err := img.WriteBytes(heaptest.InfoAddr, heap.EncodeInfo(bad)); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	if _, err := heap.ReadInfo(acc, heaptest.InfoAddr); err == nil {
		t.Error("ReadInfo accepted a top beyond its region")
	}
}

func TestEpochRegression(t *testing.T) {
	b := newBuilder(t, heap.SchemeMarkSweep)
	b.Info().Epoch = heap.Epoch{Started: 3, Completed: 3}
	h := b.Heap()

	b.Info().Epoch = heap.Epoch{Started: 2, Completed: 2}
	b.Commit()
	err := h.Refresh()
	if !fault.IsStructural(err) || !errors.Is(err, fault.ErrEpochRegression) {
		t.Errorf("Refresh = %v, want structural ErrEpochRegression", err)
	}
	if e := h.Epoch(); e != (heap.Epoch{Started: 3, Completed: 3}) {
		t.Errorf("Epoch = %v after regression, want gc 3/3", e)
	}
}

func TestSchemeChangeRejected(t *testing.T) {
	b := newBuilder(t, heap.SchemeMarkSweep)
	h := b.Heap()
	b.Info().Scheme = heap.SchemeUnknown
	b.Commit()
	if err := h.Refresh(); err == nil {
		t.Error("Refresh accepted a scheme change")
	}
}

// ---------------------------------------------------------------------------
// References and reads
// ---------------------------------------------------------------------------

func TestMakeReferenceCanonical(t *testing.T) {
	b := newBuilder(t, heap.SchemeSemiSpace)
	p := b.NewTuple(pointClass)
	q := b.NewTuple(pointClass)
	h := b.Heap()

	r1 := mustRef(t, h, p.Addr)
	r2 := mustRef(t, h, p.Addr)
	if r1 != r2 {
		t.Errorf("MakeReference returned %v and %v for one origin", r1, r2)
	}
	r3 := mustRef(t, h, q.Addr)
	if r3 == r1 || r3.ID() == r1.ID() {
		t.Errorf("distinct objects share reference %v", r3)
	}
	if r1.Origin() != p.Addr {
		t.Errorf("Origin = %v, want %v", r1.Origin(), p.Addr)
	}
	wantStatus(t, r1, heap.StatusLive)
	c, _ := r1.ClassActor()
	if c.Name != pointClass {
		t.Errorf("class = %s, want %s", c.Name, pointClass)
	}
	if h.Len() != 2 {
		t.Errorf("Len = %d, want 2", h.Len())
	}
}

func TestCorruptClassTable(t *testing.T) {
	for _, n := range []uint64{1 << 40, ^uint64(0), 1 << 20} {
		b := newBuilder(t, heap.SchemeMarkSweep)
		h := b.Heap()
		acc := memory.NewAccessor(b.Image)
		if err := acc.WriteWord(b.Info().ClassTable, vm.ArrayLengthOffset, n); err != nil {
			t.Fatalf("WriteWord: %v", err)
		}
		_, _, err := h.ClassActorOrigin(pointClass)
		if !errors.Is(err, fault.ErrInvalidOrigin) || !fault.IsStructural(err) {
			t.Errorf("length %#x: ClassActorOrigin = %v, want structural ErrInvalidOrigin", n, err)
		}
	}
}

func TestAllocationAfterOpen(t *testing.T) {
	schemes := []heap.Scheme{heap.SchemeSemiSpace, heap.SchemeMarkSweep, heap.SchemeMarkSweepEvacuate, heap.SchemeUnknown}
	for _, scheme := range schemes {
		b := newBuilder(t, scheme)
		p := b.NewTuple(pointClass)
		h := b.Heap()
		mustRef(t, h, p.Addr)
		before := h.Refreshes()

		fresh := b.NewTuple(pointClass).Set("x", vm.IntValue(9))
		if _, err := h.MakeReference(fresh.Addr); !errors.Is(err, fault.ErrInvalidOrigin) {
			t.Errorf("%s: MakeReference(unpublished) = %v, want ErrInvalidOrigin", scheme, err)
		}
		b.Commit()

		ref, err := h.MakeReference(fresh.Addr)
		if err != nil {
			t.Errorf("%s: MakeReference(published) = %v", scheme, err)
			continue
		}
		if x, err := ref.ReadField(field(t, h, pointClass, "x")); err != nil || x.AsInt() != 9 {
			t.Errorf("%s: x = %v, %v, want 9", scheme, x, err)
		}
		if got, err := h.WordToReference(vm.Word(fresh.Addr)); err != nil || got != ref {
			t.Errorf("%s: WordToReference = %v, %v, want %v", scheme, got, err, ref)
		}
		if got := h.MemoryStatus(fresh.Addr); got != heap.MemoryLive {
			t.Errorf("%s: MemoryStatus = %s, want live", scheme, got)
		}
		if h.Refreshes() != before {
			t.Errorf("%s: allocation without a collection refreshed the heap", scheme)
		}
	}
}

func TestCopyDuringCollectionIsVisible(t *testing.T) {
	for _, scheme := range []heap.Scheme{heap.SchemeSemiSpace, heap.SchemeMarkSweepEvacuate} {
		b := newBuilder(t, scheme)
		p := b.NewTuple(pointClass)
		h := b.Heap()

		gc := b.GC()
		gc.Start()
		refresh(t, h)
		moved := gc.Evacuate(p)

		fwd, err := h.MakeQuasiReference(p.Addr)
		if err != nil {
			t.Errorf("%s: MakeQuasiReference: %v", scheme, err)
			continue
		}
		if fwd.ForwardedTo() != moved.Addr {
			t.Errorf("%s: ForwardedTo = %v, want %v", scheme, fwd.ForwardedTo(), moved.Addr)
		}
		if c, err := h.ClassOf(moved.Addr); err != nil || c.Name != pointClass {
			t.Errorf("%s: ClassOf(copy) = %v, %v", scheme, c, err)
		}
		if got := h.MemoryStatus(moved.Addr); got != heap.MemoryLive {
			t.Errorf("%s: MemoryStatus(copy) = %s, want live", scheme, got)
		}
	}
}

func TestInvalidOrigins(t *testing.T) {
	b := newBuilder(t, heap.SchemeMarkSweep)
	p := b.NewTuple(pointClass).Set("x", vm.IntValue(42))
	s := b.NewString("not a hub")
	fake := b.NewTuple(pointClass)
	h := b.Heap()
	acc := memory.NewAccessor(b.Image)
	if err := acc.WriteWord(fake.Addr, vm.HubOffset, uint64(s.Addr)); err != nil {
		t.Fatalf("WriteWord: %v", err)
	}

	f := field(t, h, pointClass, "x")
	tests := []struct {
		name string
		addr memory.Address
	}{
		{"outside the heap", 0x9000000},
		{"misaligned", p.Addr + 3},
		{"interior word", p.Addr.Plus(f.Offset)},
		{"unallocated", heaptest.HeapStart + 0x100000},
		{"hub is a string", fake.Addr},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if h.Manager().IsObjectOrigin(tt.addr) {
				t.Errorf("IsObjectOrigin(%v) = true", tt.addr)
			}
			_, err := h.MakeReference(tt.addr)
			if !fault.IsStructural(err) || !errors.Is(err, fault.ErrInvalidOrigin) {
				t.Errorf("MakeReference(%v) = %v, want ErrInvalidOrigin", tt.addr, err)
			}
		})
	}
}

func TestReadFields(t *testing.T) {
	b := newBuilder(t, heap.SchemeMarkSweep)
	q := b.NewTuple(pointClass).Set("x", vm.IntValue(7))
	p := b.NewTuple(pointClass).
		Set("x", vm.IntValue(42)).
		Set("y", vm.LongValue(1<<40)).
		SetRef("next", q)
	h := b.Heap()
	ref := mustRef(t, h, p.Addr)

	x, err := ref.ReadField(field(t, h, pointClass, "x"))
	if err != nil || x.AsInt() != 42 {
		t.Errorf("x = %v, %v, want 42", x, err)
	}
	y, err := ref.ReadField(field(t, h, pointClass, "y"))
	if err != nil || y.AsLong() != 1<<40 {
		t.Errorf("y = %v, %v, want 1<<40", y, err)
	}
	next, err := ref.ReadField(field(t, h, pointClass, "next"))
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if want := mustRef(t, h, q.Addr); next.AsRef() != want {
		t.Errorf("next = %v, want %v", next.AsRef(), want)
	}

	qref := mustRef(t, h, q.Addr)
	nn, err := qref.ReadField(field(t, h, pointClass, "next"))
	if err != nil || !vm.IsNull(nn.AsRef()) {
		t.Errorf("q.next = %v, %v, want null", nn, err)
	}

	_, err = ref.ReadField(field(t, h, pointClass, "count"))
	if !errors.Is(err, fault.ErrNoSuchField) {
		t.Errorf("reading a static through an instance = %v, want ErrNoSuchField", err)
	}
	_, err = ref.ReadField(field(t, h, vm.StringClassName, "value"))
	if !errors.Is(err, fault.ErrNoSuchField) {
		t.Errorf("reading a foreign field = %v, want ErrNoSuchField", err)
	}
}

func TestWritesRefused(t *testing.T) {
	b := newBuilder(t, heap.SchemeMarkSweep)
	p := b.NewTuple(pointClass)
	a := b.NewArray("[I", 2)
	h := b.Heap()

	err := mustRef(t, h, p.Addr).WriteField(field(t, h, pointClass, "x"), vm.IntValue(1))
	if !errors.Is(err, fault.ErrRemoteWrite) {
		t.Errorf("WriteField = %v, want ErrRemoteWrite", err)
	}
	err = mustRef(t, h, a.Addr).WriteElement(vm.KindInt, 0, vm.IntValue(1))
	if !errors.Is(err, fault.ErrRemoteWrite) {
		t.Errorf("WriteElement = %v, want ErrRemoteWrite", err)
	}
	if got := p.Get("x"); got != 0 {
		t.Errorf("target x = %d after refused write", got)
	}
}

func TestReadArrays(t *testing.T) {
	b := newBuilder(t, heap.SchemeMarkSweep)
	ints := b.NewArray("[I", 3).
		SetElement(0, vm.IntValue(10)).
		SetElement(1, vm.IntValue(20)).
		SetElement(2, vm.IntValue(30))
	p := b.NewTuple(pointClass)
	refs := b.NewArray("[L"+pointClass+";", 2).SetRefElement(1, p)
	h := b.Heap()

	ir := mustRef(t, h, ints.Addr)
	if ir.Kind() != vm.ObjectArray {
		t.Errorf("Kind = %v, want array", ir.Kind())
	}
	n, err := ir.ArrayLength()
	if err != nil || n != 3 {
		t.Fatalf("ArrayLength = %d, %v, want 3", n, err)
	}
	for i, want := range []int32{10, 20, 30} {
		v, err := ir.ReadElement(vm.KindInt, i)
		if err != nil || v.AsInt() != want {
			t.Errorf("[%d] = %v, %v, want %d", i, v, err, want)
		}
	}
	_, err = ir.ReadElement(vm.KindInt, 3)
	var ie *vm.IndexError
	if !errors.As(err, &ie) || ie.Index != 3 || ie.Length != 3 {
		t.Errorf("ReadElement(3) = %v, want IndexError", err)
	}
	if _, err := ir.ReadElement(vm.KindLong, 0); !errors.Is(err, fault.ErrBadBytecode) {
		t.Errorf("long read of int elements = %v, want ErrBadBytecode", err)
	}

	rr := mustRef(t, h, refs.Addr)
	v0, err := rr.ReadElement(vm.KindReference, 0)
	if err != nil || !vm.IsNull(v0.AsRef()) {
		t.Errorf("[0] = %v, %v, want null", v0, err)
	}
	v1, err := rr.ReadElement(vm.KindReference, 1)
	if err != nil || v1.AsRef() != mustRef(t, h, p.Addr) {
		t.Errorf("[1] = %v, %v, want %v", v1, err, p.Addr)
	}

	if _, err := mustRef(t, h, p.Addr).ArrayLength(); !fault.IsStructural(err) {
		t.Errorf("ArrayLength of a tuple = %v, want structural", err)
	}
}

func TestReadString(t *testing.T) {
	b := newBuilder(t, heap.SchemeMarkSweep)
	s := b.NewString("héllo, wörld")
	h := b.Heap()
	got, err := vm.StringOf(mustRef(t, h, s.Addr))
	if err != nil || got != "héllo, wörld" {
		t.Errorf("StringOf = %q, %v", got, err)
	}
}

func TestHubsAreHybrids(t *testing.T) {
	b := newBuilder(t, heap.SchemeMarkSweep)
	hub := b.Hub(pointClass)
	h := b.Heap()
	ref := mustRef(t, h, hub)
	c, _ := ref.ClassActor()
	if c.Name != vm.DynamicHubClassName {
		t.Errorf("hub class = %s, want %s", c.Name, vm.DynamicHubClassName)
	}
	if ref.Kind() != vm.ObjectHybrid {
		t.Errorf("hub Kind = %v, want hybrid", ref.Kind())
	}
	if n, err := ref.ArrayLength(); err != nil || n != 0 {
		t.Errorf("hub ArrayLength = %d, %v, want 0", n, err)
	}
	actor, err := ref.ReadField(field(t, h, vm.HubClassName, "classActor"))
	if err != nil {
		t.Fatalf("classActor: %v", err)
	}
	if got := actor.AsRef().(*heap.RemoteReference).Origin(); got != b.ClassActor(pointClass) {
		t.Errorf("classActor = %v, want %v", got, b.ClassActor(pointClass))
	}
}

func TestStaticTuple(t *testing.T) {
	b := newBuilder(t, heap.SchemeMarkSweep)
	p := b.NewTuple(pointClass)
	b.SetStatic(pointClass, "count", vm.IntValue(5))
	b.SetStaticRef(pointClass, "origin", p)
	h := b.Heap()

	actor, ok, err := h.ClassActorOrigin(pointClass)
	if err != nil || !ok {
		t.Fatalf("ClassActorOrigin = %v, %v, %v", actor, ok, err)
	}
	if actor != b.ClassActor(pointClass) {
		t.Errorf("ClassActorOrigin = %v, want %v", actor, b.ClassActor(pointClass))
	}
	if _, ok, err := h.ClassActorOrigin("demo/Missing"); ok || err != nil {
		t.Errorf("ClassActorOrigin(missing) = %v, %v", ok, err)
	}

	ar := mustRef(t, h, actor)
	st, err := ar.ReadField(field(t, h, vm.ClassActorClassName, "staticTuple"))
	if err != nil {
		t.Fatalf("staticTuple: %v", err)
	}
	sr := st.AsRef().(*heap.RemoteReference)
	if !sr.IsStaticTuple() || sr.Origin() != b.StaticTuple(pointClass) {
		t.Errorf("static tuple = %v", sr)
	}
	if c, _ := sr.ClassActor(); c.Name != pointClass {
		t.Errorf("static tuple class = %s, want %s", c.Name, pointClass)
	}
	count, err := sr.ReadField(field(t, h, pointClass, "count"))
	if err != nil || count.AsInt() != 5 {
		t.Errorf("count = %v, %v, want 5", count, err)
	}
	origin, err := sr.ReadField(field(t, h, pointClass, "origin"))
	if err != nil || origin.AsRef() != mustRef(t, h, p.Addr) {
		t.Errorf("origin = %v, %v", origin, err)
	}
	if _, err := sr.ReadField(field(t, h, pointClass, "x")); !errors.Is(err, fault.ErrNoSuchField) {
		t.Errorf("instance field of a static tuple = %v, want ErrNoSuchField", err)
	}
}

// ---------------------------------------------------------------------------
// Semi-space collections
// ---------------------------------------------------------------------------

func TestSemiSpaceSurvivorKeepsIdentity(t *testing.T) {
	b := newBuilder(t, heap.SchemeSemiSpace)
	p := b.NewTuple(pointClass).Set("x", vm.IntValue(1))
	q := b.NewTuple(pointClass).Set("x", vm.IntValue(2))
	h := b.Heap()
	pr, qr := mustRef(t, h, p.Addr), mustRef(t, h, q.Addr)
	id := pr.ID()

	gc := b.GC()
	gc.Start()
	refresh(t, h)
	wantStatus(t, pr, heap.StatusLive)
	if _, err := h.MakeReference(q.Addr); !fault.IsTransient(err) || !errors.Is(err, fault.ErrGCInProgress) {
		t.Errorf("MakeReference during GC = %v, want transient ErrGCInProgress", err)
	}

	moved := gc.Evacuate(p)
	refresh(t, h)
	if pr.Origin() != moved.Addr {
		t.Errorf("Origin = %v after evacuation, want %v", pr.Origin(), moved.Addr)
	}
	if pr.ForwardedFrom() != p.Addr {
		t.Errorf("ForwardedFrom = %v, want %v", pr.ForwardedFrom(), p.Addr)
	}

	fwd, err := h.MakeQuasiReference(p.Addr)
	if err != nil {
		t.Fatalf("MakeQuasiReference: %v", err)
	}
	wantStatus(t, fwd, heap.StatusForwarder)
	if fwd.ForwardedTo() != moved.Addr {
		t.Errorf("ForwardedTo = %v, want %v", fwd.ForwardedTo(), moved.Addr)
	}
	if again, _ := h.MakeQuasiReference(p.Addr); again != fwd {
		t.Errorf("MakeQuasiReference not canonical: %v, %v", fwd, again)
	}
	if _, err := h.MakeQuasiReference(q.Addr); !errors.Is(err, fault.ErrInvalidOrigin) {
		t.Errorf("MakeQuasiReference(unforwarded) = %v, want ErrInvalidOrigin", err)
	}

	gc.Complete()
	refresh(t, h)
	wantStatus(t, pr, heap.StatusLive)
	wantStatus(t, qr, heap.StatusDead)
	wantStatus(t, fwd, heap.StatusDead)
	if qr.PriorStatus() != heap.StatusLive {
		t.Errorf("PriorStatus = %s, want live", qr.PriorStatus())
	}
	if pr.ID() != id || pr.ForwardedFrom() != 0 {
		t.Errorf("survivor = %v, ForwardedFrom %v", pr, pr.ForwardedFrom())
	}
	if got := mustRef(t, h, moved.Addr); got != pr {
		t.Errorf("MakeReference(new origin) = %v, want %v", got, pr)
	}

	x, err := pr.ReadField(field(t, h, pointClass, "x"))
	if err != nil || x.AsInt() != 1 {
		t.Errorf("x = %v, %v, want 1", x, err)
	}
	_, err = qr.ReadField(field(t, h, pointClass, "x"))
	if !fault.IsStructural(err) || !errors.Is(err, fault.ErrNotLive) {
		t.Errorf("reading a dead reference = %v, want ErrNotLive", err)
	}
	if c, _ := qr.ClassActor(); c.Name != pointClass || qr.Origin() != q.Addr {
		t.Errorf("dead reference lost its class or origin: %v", qr)
	}
	if got := h.MemoryStatus(q.Addr); got != heap.MemoryDead {
		t.Errorf("MemoryStatus(from-space) = %s, want dead", got)
	}
	if _, err := h.MakeQuasiReference(p.Addr); !errors.Is(err, fault.ErrInvalidOrigin) {
		t.Errorf("MakeQuasiReference after GC = %v, want ErrInvalidOrigin", err)
	}
}

func TestReadDuringCollectionIsTransient(t *testing.T) {
	b := newBuilder(t, heap.SchemeSemiSpace)
	p := b.NewTuple(pointClass)
	h := b.Heap()
	pr := mustRef(t, h, p.Addr)

	b.GC().Start()
	_, err := pr.ReadField(field(t, h, pointClass, "x"))
	if !fault.IsTransient(err) || !errors.Is(err, fault.ErrGCInProgress) {
		t.Errorf("ReadField during GC = %v, want transient ErrGCInProgress", err)
	}
	if h.Epoch() != (heap.Epoch{Started: 1, Completed: 0}) {
		t.Errorf("Epoch = %v, want gc 0/1", h.Epoch())
	}
}

func TestWholeCollectionBetweenRefreshes(t *testing.T) {
	b := newBuilder(t, heap.SchemeSemiSpace)
	q := b.NewTuple(pointClass).Set("x", vm.IntValue(9))
	p := b.NewTuple(pointClass).SetRef("next", q)
	garbage := b.NewTuple(pointClass)
	h := b.Heap()
	pr, qr, gr := mustRef(t, h, p.Addr), mustRef(t, h, q.Addr), mustRef(t, h, garbage.Addr)

	moved := b.GC().Collect(p)

	// The read guard notices the collection and catches up first.
	next, err := pr.ReadField(field(t, h, pointClass, "next"))
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if pr.Origin() != moved[0].Addr {
		t.Errorf("Origin = %v, want %v", pr.Origin(), moved[0].Addr)
	}
	if next.AsRef() != qr {
		t.Errorf("next = %v, want %v", next.AsRef(), qr)
	}
	wantStatus(t, qr, heap.StatusLive)
	wantStatus(t, gr, heap.StatusDead)
	x, err := qr.ReadField(field(t, h, pointClass, "x"))
	if err != nil || x.AsInt() != 9 {
		t.Errorf("q.x = %v, %v, want 9", x, err)
	}
}

func TestZappedFromSpace(t *testing.T) {
	b := newBuilder(t, heap.SchemeSemiSpace)
	p := b.NewTuple(pointClass)
	q := b.NewTuple(pointClass)
	h := b.Heap()
	pr, qr := mustRef(t, h, p.Addr), mustRef(t, h, q.Addr)

	gc := b.GC()
	gc.Start()
	refresh(t, h)
	moved := gc.Evacuate(p)
	refresh(t, h)
	gc.Zap(heap.RoleFromSpace)
	gc.Complete()
	refresh(t, h)

	wantStatus(t, pr, heap.StatusLive)
	wantStatus(t, qr, heap.StatusDead)
	if pr.Origin() != moved.Addr {
		t.Errorf("Origin = %v, want %v", pr.Origin(), moved.Addr)
	}
	if h.Manager().IsObjectOrigin(q.Addr) {
		t.Error("zapped memory taken for an object")
	}
}

// ---------------------------------------------------------------------------
// Mark-sweep collections
// ---------------------------------------------------------------------------

func TestMarkSweepReclaims(t *testing.T) {
	b := newBuilder(t, heap.SchemeMarkSweep)
	p := b.NewTuple(pointClass).Set("x", vm.IntValue(3))
	q := b.NewTuple(pointClass)
	h := b.Heap()
	pr, qr := mustRef(t, h, p.Addr), mustRef(t, h, q.Addr)

	gc := b.GC()
	gc.Start()
	refresh(t, h)
	wantStatus(t, pr, heap.StatusLive)
	wantStatus(t, qr, heap.StatusLive)

	gc.Mark(p)
	gc.Reclaim()
	refresh(t, h)
	wantStatus(t, pr, heap.StatusLive)
	wantStatus(t, qr, heap.StatusUnreachable)
	if !qr.Status().IsNotDead() {
		t.Error("unreachable reference reported dead")
	}

	gc.Sweep()
	refresh(t, h)
	wantStatus(t, qr, heap.StatusDead)
	if qr.PriorStatus() != heap.StatusUnreachable {
		t.Errorf("PriorStatus = %s, want unreachable", qr.PriorStatus())
	}

	gc.Complete()
	refresh(t, h)
	wantStatus(t, pr, heap.StatusLive)
	if pr.Origin() != p.Addr {
		t.Errorf("mark-sweep moved %v", pr)
	}
	if !h.Manager().IsFreeSpaceOrigin(q.Addr) {
		t.Error("swept object is not free space")
	}
	if got := h.MemoryStatus(q.Addr); got != heap.MemoryFree {
		t.Errorf("MemoryStatus(swept) = %s, want free", got)
	}
	if got := h.MemoryStatus(p.Addr); got != heap.MemoryLive {
		t.Errorf("MemoryStatus(survivor) = %s, want live", got)
	}
	x, err := pr.ReadField(field(t, h, pointClass, "x"))
	if err != nil || x.AsInt() != 3 {
		t.Errorf("x = %v, %v, want 3", x, err)
	}
}

func TestMarkSweepUnseen(t *testing.T) {
	b := newBuilder(t, heap.SchemeMarkSweep)
	p := b.NewTuple(pointClass)
	q := b.NewTuple(pointClass)
	h := b.Heap()
	pr, qr := mustRef(t, h, p.Addr), mustRef(t, h, q.Addr)

	gc := b.GC()
	gc.Start()
	gc.Mark(p)
	gc.Reclaim()
	gc.Sweep()
	gc.Complete()
	refresh(t, h)

	wantStatus(t, pr, heap.StatusLive)
	wantStatus(t, qr, heap.StatusDead)
}

func TestMarkSweepHasNoForwarders(t *testing.T) {
	b := newBuilder(t, heap.SchemeMarkSweep)
	p := b.NewTuple(pointClass)
	h := b.Heap()
	b.GC().Start()
	if _, err := h.MakeQuasiReference(p.Addr); !errors.Is(err, fault.ErrInvalidOrigin) {
		t.Errorf("MakeQuasiReference = %v, want ErrInvalidOrigin", err)
	}
}

// ---------------------------------------------------------------------------
// Evacuating nursery
// ---------------------------------------------------------------------------

func TestEvacuatingNursery(t *testing.T) {
	b := newBuilder(t, heap.SchemeMarkSweepEvacuate)
	young := b.NewTuple(pointClass).Set("x", vm.IntValue(11))
	dying := b.NewTuple(pointClass)
	b.AllocateIn(heap.RoleObjectSpace)
	old := b.NewTuple(pointClass).SetRef("next", young)
	h := b.Heap()
	yr, dr, or := mustRef(t, h, young.Addr), mustRef(t, h, dying.Addr), mustRef(t, h, old.Addr)

	b.GC().Collect()
	refresh(t, h)

	wantStatus(t, yr, heap.StatusLive)
	wantStatus(t, dr, heap.StatusDead)
	wantStatus(t, or, heap.StatusLive)
	if r, ok := regionOf(h, yr.Origin()); !ok || r.Role != heap.RoleObjectSpace {
		t.Errorf("survivor %v not in the object space", yr)
	}
	next, err := or.ReadField(field(t, h, pointClass, "next"))
	if err != nil || next.AsRef() != yr {
		t.Errorf("old.next = %v, %v, want %v", next, err, yr)
	}
	x, err := yr.ReadField(field(t, h, pointClass, "x"))
	if err != nil || x.AsInt() != 11 {
		t.Errorf("x = %v, %v, want 11", x, err)
	}
}

func regionOf(h *heap.Heap, addr memory.Address) (heap.Region, bool) {
	for _, r := range h.Regions() {
		if r.Contains(addr) {
			return r, true
		}
	}
	return heap.Region{}, false
}

// ---------------------------------------------------------------------------
// Unknown schemes
// ---------------------------------------------------------------------------

func TestUnknownScheme(t *testing.T) {
	b := newBuilder(t, heap.SchemeUnknown)
	p := b.NewTuple(pointClass).Set("x", vm.IntValue(4))
	h := b.Heap()
	if h.Scheme() != heap.SchemeUnknown {
		t.Fatalf("Scheme = %s", h.Scheme())
	}
	pr := mustRef(t, h, p.Addr)
	wantStatus(t, pr, heap.StatusUnknown)
	if pr.Status().IsLive() || !pr.Status().IsNotDead() {
		t.Errorf("unknown status predicates wrong for %s", pr.Status())
	}
	x, err := pr.ReadField(field(t, h, pointClass, "x"))
	if err != nil || x.AsInt() != 4 {
		t.Errorf("x = %v, %v, want 4", x, err)
	}

	gc := b.GC()
	gc.Start()
	refresh(t, h)
	wantStatus(t, pr, heap.StatusUnknown)
	gc.Zap(heap.RoleObjectSpace)
	gc.Complete()
	refresh(t, h)
	wantStatus(t, pr, heap.StatusDead)
}

// ---------------------------------------------------------------------------
// Memory status
// ---------------------------------------------------------------------------

func TestMemoryStatus(t *testing.T) {
	b := newBuilder(t, heap.SchemeMarkSweep)
	p := b.NewTuple(pointClass)
	h := b.Heap()

	tests := []struct {
		name string
		addr memory.Address
		want heap.MemoryStatus
	}{
		{"outside", 0x9000000, heap.MemoryNone},
		{"object", p.Addr, heap.MemoryLive},
		{"beyond top", heaptest.HeapStart + 0x100000, heap.MemoryFree},
		{"boot metadata", b.Hub(pointClass), heap.MemoryLive},
	}
	for _, tt := range tests {
		if got := h.MemoryStatus(tt.addr); got != tt.want {
			t.Errorf("%s: MemoryStatus(%v) = %s, want %s", tt.name, tt.addr, got, tt.want)
		}
	}

	b.GC().Start()
	refresh(t, h)
	if got := h.MemoryStatus(p.Addr); got != heap.MemoryLive {
		t.Errorf("MemoryStatus during GC = %s, want live", got)
	}
}
