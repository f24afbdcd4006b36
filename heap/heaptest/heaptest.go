// Package heaptest fabricates target heaps in a memory.Image for tests: the
// heap info block, the metadata objects every object's header leads to, and
// ordinary objects laid out the way the heap package reads them. GC drives
// the counters, phases and object moves a collector would produce.
package heaptest

import (
	"sort"
	"testing"
	"unicode/utf16"

	"github.com/chazu/telescope/heap"
	"github.com/chazu/telescope/memory"
	"github.com/chazu/telescope/vm"
)

// Fixed addresses of fabricated heaps.
const (
	InfoAddr  memory.Address = 0x10000
	BootStart memory.Address = 0x100000
	HeapStart memory.Address = 0x200000

	infoSize  = 4096
	bootSize  = 1 << 20
	spaceSize = 1 << 20
)

// Builder lays out a heap for one scheme. Metadata goes into the boot
// region; objects go into the allocation region of the scheme until
// AllocateIn says otherwise.
type Builder struct {
	t        testing.TB
	Image    *memory.Image
	Registry *vm.ClassRegistry

	acc   memory.Accessor
	info  heap.Info
	alloc heap.Role

	hubs     map[*vm.ClassActor]memory.Address
	actors   map[*vm.ClassActor]memory.Address
	statics  map[*vm.ClassActor]memory.Address
	names    map[string]memory.Address
	hubClass map[memory.Address]*vm.ClassActor
	staticOf map[memory.Address]*vm.ClassActor
}

// New creates a heap of the given scheme. A nil registry gets a fresh one
// holding only the bootstrap classes.
func New(t testing.TB, registry *vm.ClassRegistry, scheme heap.Scheme) *Builder {
	t.Helper()
	if registry == nil {
		registry = vm.NewClassRegistry()
	}
	b := &Builder{
		t:        t,
		Image:    memory.NewImage(),
		Registry: registry,
		hubs:     make(map[*vm.ClassActor]memory.Address),
		actors:   make(map[*vm.ClassActor]memory.Address),
		statics:  make(map[*vm.ClassActor]memory.Address),
		names:    make(map[string]memory.Address),
		hubClass: make(map[memory.Address]*vm.ClassActor),
		staticOf: make(map[memory.Address]*vm.ClassActor),
	}
	b.acc = memory.NewAccessor(b.Image)
	b.info.Scheme = scheme
	b.info.Phase = heap.PhaseMutating
	b.mapRegion("heap-info", InfoAddr, infoSize)

	b.addRegion(BootStart, bootSize, heap.RoleBoot)
	switch scheme {
	case heap.SchemeSemiSpace:
		b.addRegion(HeapStart, spaceSize, heap.RoleToSpace)
		b.addRegion(HeapStart+spaceSize, spaceSize, heap.RoleFromSpace)
		b.alloc = heap.RoleToSpace
	case heap.SchemeMarkSweepEvacuate:
		b.addRegion(HeapStart, spaceSize, heap.RoleNursery)
		b.addRegion(HeapStart+2*spaceSize, 2*spaceSize, heap.RoleObjectSpace)
		b.alloc = heap.RoleNursery
	default:
		b.addRegion(HeapStart, 2*spaceSize, heap.RoleObjectSpace)
		b.alloc = heap.RoleObjectSpace
	}

	b.hubFor(b.Class(vm.DynamicHubClassName))
	b.hubFor(b.Class(vm.StaticHubClassName))
	b.info.FreeChunkHub = b.hubFor(b.Class(vm.HeapFreeChunkClassName))
	b.Commit()
	return b
}

func (b *Builder) mapRegion(name string, start memory.Address, size int) {
	b.t.Helper()
	if _, err := b.Image.Map(start, size, name); err != nil {
		b.t.Fatalf("mapping %s: %v", name, err)
	}
}

func (b *Builder) addRegion(start memory.Address, size int, role heap.Role) {
	b.mapRegion(role.String(), start, size)
	b.info.Regions = append(b.info.Regions, heap.Region{Start: start, Size: uint64(size), Top: start, Role: role})
}

func (b *Builder) region(role heap.Role) *heap.Region {
	b.t.Helper()
	for i := range b.info.Regions {
		if b.info.Regions[i].Role == role {
			return &b.info.Regions[i]
		}
	}
	b.t.Fatalf("heap has no %s region", role)
	return nil
}

// Commit writes the class table and the info block.
func (b *Builder) Commit() {
	b.t.Helper()
	tableClass := b.Class("[L" + vm.ClassActorClassName + ";")
	b.hubFor(tableClass)
	actors := make([]memory.Address, 0, len(b.actors))
	for _, a := range b.actors {
		actors = append(actors, a)
	}
	sort.Slice(actors, func(i, j int) bool { return actors[i] < actors[j] })
	table := b.allocate(heap.RoleBoot, arraySize(tableClass, len(actors)))
	b.writeHeader(table, b.hubFor(tableClass), len(actors))
	for i, a := range actors {
		b.write(table, vm.ArrayElementsOffset+int64(i)*vm.WordSize, uint64(a))
	}
	b.info.ClassTable = table
	b.publish()
}

// publish writes the info block alone, leaving the class table as it is.
func (b *Builder) publish() {
	b.t.Helper()
	if err := b.Image.WriteBytes(InfoAddr, heap.EncodeInfo(&b.info)); err != nil {
		b.t.Fatalf("writing heap info: %v", err)
	}
}

// Heap commits and opens the heap.
func (b *Builder) Heap() *heap.Heap {
	b.t.Helper()
	b.Commit()
	h, err := heap.New(b.Image, InfoAddr, b.Registry)
	if err != nil {
		b.t.Fatalf("heap.New: %v", err)
	}
	return h
}

// Info returns the info block as it will be committed.
func (b *Builder) Info() *heap.Info {
	return &b.info
}

// AllocateIn directs later allocations to the region with role.
func (b *Builder) AllocateIn(role heap.Role) {
	b.region(role)
	b.alloc = role
}

// Class looks a class up in the registry.
func (b *Builder) Class(name string) *vm.ClassActor {
	b.t.Helper()
	c, err := b.Registry.Lookup(name)
	if err != nil {
		b.t.Fatalf("class %s: %v", name, err)
	}
	return c
}

// ---------------------------------------------------------------------------
// Raw memory
// ---------------------------------------------------------------------------

func (b *Builder) allocate(role heap.Role, size int64) memory.Address {
	b.t.Helper()
	r := b.region(role)
	addr := r.Top.AlignUp(vm.WordSize)
	if uint64(addr)+uint64(size) > uint64(r.End()) {
		b.t.Fatalf("%s region full", role)
	}
	r.Top = addr.Plus(size).AlignUp(vm.WordSize)
	return addr
}

func (b *Builder) write(addr memory.Address, offset int64, v uint64) {
	b.t.Helper()
	if err := b.acc.WriteWord(addr, offset, v); err != nil {
		b.t.Fatalf("writing %v+%d: %v", addr, offset, err)
	}
}

func (b *Builder) read(addr memory.Address, offset int64) uint64 {
	b.t.Helper()
	v, err := b.acc.ReadWord(addr, offset)
	if err != nil {
		b.t.Fatalf("reading %v+%d: %v", addr, offset, err)
	}
	return v
}

func (b *Builder) writeHeader(addr, hub memory.Address, length int) {
	b.write(addr, vm.HubOffset, uint64(hub))
	b.write(addr, vm.MiscOffset, 0)
	if length >= 0 {
		b.write(addr, vm.ArrayLengthOffset, uint64(length))
	}
}

func (b *Builder) setField(addr memory.Address, c *vm.ClassActor, name string, v uint64) {
	b.t.Helper()
	f, err := c.MustField(name)
	if err != nil {
		b.t.Fatalf("%v", err)
	}
	b.write(addr, f.Offset, v)
}

func tupleSize(c *vm.ClassActor) int64 {
	return vm.FieldOffset(vm.TupleFieldsOffset, len(c.InstanceFields()))
}

func arraySize(c *vm.ClassActor, n int) int64 {
	return vm.ArrayElementsOffset + int64(n)*int64(c.ElementKind.Width())
}

func hybridSize(c *vm.ClassActor, n int) int64 {
	return vm.HybridArrayOffset(len(c.InstanceFields())) + int64(n)*vm.WordSize
}

func staticTupleSize(c *vm.ClassActor) int64 {
	return vm.FieldOffset(vm.TupleFieldsOffset, len(c.StaticFields()))
}

// ---------------------------------------------------------------------------
// Metadata
// ---------------------------------------------------------------------------

func (b *Builder) hubFor(c *vm.ClassActor) memory.Address {
	if h, ok := b.hubs[c]; ok {
		return h
	}
	dh := b.Class(vm.DynamicHubClassName)
	addr := b.allocate(heap.RoleBoot, hybridSize(dh, 0))
	b.hubs[c] = addr
	b.hubClass[addr] = c
	b.writeHeader(addr, b.hubFor(dh), 0)
	b.setField(addr, dh, "classActor", uint64(b.actorFor(c)))
	return addr
}

func (b *Builder) actorFor(c *vm.ClassActor) memory.Address {
	if a, ok := b.actors[c]; ok {
		return a
	}
	ca := b.Class(vm.ClassActorClassName)
	addr := b.allocate(heap.RoleBoot, tupleSize(ca))
	b.actors[c] = addr
	b.writeHeader(addr, b.hubFor(ca), -1)
	b.setField(addr, ca, "name", uint64(b.name(c.Name)))
	b.setField(addr, ca, "dynamicHub", uint64(b.hubFor(c)))
	b.setField(addr, ca, "id", uint64(c.ID))
	if len(c.StaticFields()) > 0 {
		b.setField(addr, ca, "staticTuple", uint64(b.staticTupleFor(c)))
	}
	return addr
}

func (b *Builder) staticTupleFor(c *vm.ClassActor) memory.Address {
	if s, ok := b.statics[c]; ok {
		return s
	}
	sh := b.Class(vm.StaticHubClassName)
	hub := b.allocate(heap.RoleBoot, hybridSize(sh, 0))
	b.staticOf[hub] = c
	b.writeHeader(hub, b.hubFor(sh), 0)
	b.setField(hub, sh, "classActor", uint64(b.actorFor(c)))

	addr := b.allocate(heap.RoleBoot, staticTupleSize(c))
	b.statics[c] = addr
	b.writeHeader(addr, hub, -1)
	for _, f := range c.StaticFields() {
		if f.ConstantValue != nil && f.Kind != vm.KindReference {
			b.write(addr, f.Offset, f.ConstantValue.Bits())
		}
	}
	return addr
}

func (b *Builder) name(s string) memory.Address {
	if a, ok := b.names[s]; ok {
		return a
	}
	a := b.stringIn(heap.RoleBoot, s)
	b.names[s] = a
	return a
}

func (b *Builder) stringIn(role heap.Role, s string) memory.Address {
	sc := b.Class(vm.StringClassName)
	cc := b.Class("[C")
	units := utf16.Encode([]rune(s))
	chars := b.allocate(role, arraySize(cc, len(units)))
	b.writeHeader(chars, b.hubFor(cc), len(units))
	for i, u := range units {
		if err := b.acc.WriteIndexed(2, chars, vm.ArrayElementsOffset, int64(i), uint64(u)); err != nil {
			b.t.Fatalf("writing string %q: %v", s, err)
		}
	}
	addr := b.allocate(role, tupleSize(sc))
	b.writeHeader(addr, b.hubFor(sc), -1)
	b.setField(addr, sc, "value", uint64(chars))
	return addr
}

// ClassActor returns the address of the target's class actor for name.
func (b *Builder) ClassActor(name string) memory.Address {
	return b.actorFor(b.Class(name))
}

// Hub returns the address of the dynamic hub of the named class.
func (b *Builder) Hub(name string) memory.Address {
	return b.hubFor(b.Class(name))
}

// StaticTuple returns the address of the named class's static tuple.
func (b *Builder) StaticTuple(name string) memory.Address {
	c := b.Class(name)
	b.actorFor(c)
	return b.staticTupleFor(c)
}

// SetStatic stores a primitive or word static value in the target.
func (b *Builder) SetStatic(class, field string, v vm.Value) {
	b.t.Helper()
	c := b.Class(class)
	f, err := c.MustField(field)
	if err != nil || !f.IsStatic() {
		b.t.Fatalf("%s has no static field %s", class, field)
	}
	b.write(b.StaticTuple(class), f.Offset, v.Bits())
}

// SetStaticRef stores a reference static value in the target.
func (b *Builder) SetStaticRef(class, field string, o Object) {
	b.t.Helper()
	c := b.Class(class)
	f, err := c.MustField(field)
	if err != nil || !f.IsStatic() {
		b.t.Fatalf("%s has no static field %s", class, field)
	}
	b.write(b.StaticTuple(class), f.Offset, uint64(o.Addr))
}

// ---------------------------------------------------------------------------
// Objects
// ---------------------------------------------------------------------------

// Object is an object in the fabricated heap. The zero Object stands for null.
type Object struct {
	b     *Builder
	Addr  memory.Address
	Class *vm.ClassActor
}

// NewTuple allocates a zeroed instance of the named class.
func (b *Builder) NewTuple(class string) Object {
	c := b.Class(class)
	if c.IsArray() || c.IsHybrid() {
		b.t.Fatalf("%s is not a tuple class", class)
	}
	addr := b.allocate(b.alloc, tupleSize(c))
	b.writeHeader(addr, b.hubFor(c), -1)
	return Object{b: b, Addr: addr, Class: c}
}

// NewArray allocates a zeroed array of the named array class.
func (b *Builder) NewArray(class string, n int) Object {
	c := b.Class(class)
	if !c.IsArray() {
		b.t.Fatalf("%s is not an array class", class)
	}
	addr := b.allocate(b.alloc, arraySize(c, n))
	b.writeHeader(addr, b.hubFor(c), n)
	return Object{b: b, Addr: addr, Class: c}
}

// NewHybrid allocates a hybrid of the named class with n words in its
// array part.
func (b *Builder) NewHybrid(class string, n int) Object {
	c := b.Class(class)
	if !c.IsHybrid() {
		b.t.Fatalf("%s is not a hybrid class", class)
	}
	addr := b.allocate(b.alloc, hybridSize(c, n))
	b.writeHeader(addr, b.hubFor(c), n)
	return Object{b: b, Addr: addr, Class: c}
}

// NewString allocates a java/lang/String and its characters.
func (b *Builder) NewString(s string) Object {
	addr := b.stringIn(b.alloc, s)
	return Object{b: b, Addr: addr, Class: b.Class(vm.StringClassName)}
}

// At returns the object the builder allocated at addr.
func (b *Builder) At(addr memory.Address) Object {
	hub := memory.Address(b.read(addr, vm.HubOffset))
	return Object{b: b, Addr: addr, Class: b.hubClass[hub]}
}

// IsNull reports whether o is the zero Object.
func (o Object) IsNull() bool {
	return o.Addr.IsZero()
}

func (o Object) field(name string) *vm.FieldActor {
	o.b.t.Helper()
	f := o.Class.FindField(name)
	if f == nil || f.IsStatic() {
		o.b.t.Fatalf("%s has no instance field %s", o.Class.Name, name)
	}
	return f
}

// Set stores a primitive or word field.
func (o Object) Set(name string, v vm.Value) Object {
	o.b.write(o.Addr, o.field(name).Offset, v.Bits())
	return o
}

// SetRef stores a reference field.
func (o Object) SetRef(name string, target Object) Object {
	o.b.write(o.Addr, o.field(name).Offset, uint64(target.Addr))
	return o
}

// Get reads a field as raw bits.
func (o Object) Get(name string) uint64 {
	return o.b.read(o.Addr, o.field(name).Offset)
}

// SetElement stores a primitive array element, or a word of a hybrid.
func (o Object) SetElement(i int, v vm.Value) Object {
	o.b.t.Helper()
	width, disp := o.elementLayout()
	if err := o.b.acc.WriteIndexed(width, o.Addr, disp, int64(i), v.Bits()); err != nil {
		o.b.t.Fatalf("element %d of %v: %v", i, o.Addr, err)
	}
	return o
}

// SetRefElement stores a reference array element.
func (o Object) SetRefElement(i int, target Object) Object {
	o.b.write(o.Addr, vm.ArrayElementsOffset+int64(i)*vm.WordSize, uint64(target.Addr))
	return o
}

func (o Object) elementLayout() (int, int64) {
	if o.Class.IsHybrid() {
		return vm.WordSize, vm.HybridArrayOffset(len(o.Class.InstanceFields()))
	}
	return o.Class.ElementKind.Width(), vm.ArrayElementsOffset
}

// Length returns the length word of an array or hybrid.
func (o Object) Length() int {
	return int(o.b.read(o.Addr, vm.ArrayLengthOffset))
}
