package heap

import (
	"unicode/utf16"

	lru "github.com/hashicorp/golang-lru"
	"github.com/tliron/commonlog"

	"github.com/chazu/telescope/memory"
	"github.com/chazu/telescope/pkg/fault"
	"github.com/chazu/telescope/vm"
)

var heapLog = commonlog.GetLogger("telescope.heap")

// DefaultHubCacheSize is the number of decoded hubs kept between collections.
const DefaultHubCacheSize = 512

// maxNameLength bounds class names decoded from the target.
const maxNameLength = 4096

// layout holds the offsets of the metadata fields the heap reads raw.
type layout struct {
	hubClassActor    int64
	actorName        int64
	actorStaticTuple int64
	stringValue      int64
}

func newLayout(reg *vm.ClassRegistry) (layout, error) {
	offset := func(class, field string) (int64, error) {
		c, err := reg.Lookup(class)
		if err != nil {
			return 0, err
		}
		f, err := c.MustField(field)
		if err != nil {
			return 0, err
		}
		return f.Offset, nil
	}
	var l layout
	var err error
	if l.hubClassActor, err = offset(vm.HubClassName, "classActor"); err != nil {
		return l, err
	}
	if l.actorName, err = offset(vm.ClassActorClassName, "name"); err != nil {
		return l, err
	}
	if l.actorStaticTuple, err = offset(vm.ClassActorClassName, "staticTuple"); err != nil {
		return l, err
	}
	if l.stringValue, err = offset(vm.StringClassName, "value"); err != nil {
		return l, err
	}
	return l, nil
}

type hubInfo struct {
	class  *vm.ClassActor
	static bool
}

// Heap is the inspector's model of the target heap. It reads the heap info
// block, dispatches to the manager for the target's scheme and hands out
// canonical references. A Heap is not safe for concurrent use; callers
// serialise access the way they serialise access to the target.
type Heap struct {
	acc      memory.Accessor
	infoAddr memory.Address
	registry *vm.ClassRegistry
	layout   layout

	gate    Gate
	info    *Info
	manager Manager
	objects *refTable
	quasi   *refTable
	hubs    *lru.Cache
	actors  map[string]memory.Address
	nextID  uint64

	refreshes uint64
}

// New reads the info block at infoAddr and builds the heap model. Classes of
// target objects are looked up by name in registry.
func New(da memory.DataAccess, infoAddr memory.Address, registry *vm.ClassRegistry) (*Heap, error) {
	l, err := newLayout(registry)
	if err != nil {
		return nil, err
	}
	hubs, err := lru.New(DefaultHubCacheSize)
	if err != nil {
		return nil, err
	}
	h := &Heap{
		acc:      memory.NewAccessor(da),
		infoAddr: infoAddr,
		registry: registry,
		layout:   l,
		objects:  newRefTable("object"),
		quasi:    newRefTable("forwarder"),
		hubs:     hubs,
	}
	if err := h.Refresh(); err != nil {
		return nil, err
	}
	return h, nil
}

// Refresh rereads the info block and brings every reference up to date with
// what the collector did since the last refresh.
func (h *Heap) Refresh() error {
	in, err := ReadInfo(h.acc, h.infoAddr)
	if err != nil {
		return err
	}
	if err := h.gate.Validate(in.Epoch); err != nil {
		return err
	}
	if h.manager == nil {
		h.manager = newManager(h, in.Scheme)
		heapLog.Infof("heap at %v: %s scheme, %d regions, %v", h.infoAddr, in.Scheme, len(in.Regions), in.Epoch)
	} else if in.Scheme != h.manager.Scheme() {
		return fault.Structuralf(fault.ErrInvalidOrigin, "heap scheme changed from %s to %s", h.manager.Scheme(), in.Scheme)
	}

	c := cycleBetween(h.info, in)
	h.info = in
	if c.missed > 0 {
		heapLog.Warningf("missed %d collections before %v", c.missed, in.Epoch)
	}
	if c.begin || c.finish {
		heapLog.Infof("observed %v, %s", in.Epoch, in.Phase)
	}
	if c.finish || c.end {
		h.hubs.Purge()
		h.actors = nil
	}
	if err := h.manager.update(c); err != nil {
		return err
	}
	if err := h.gate.Observe(in.Epoch); err != nil {
		return err
	}
	if n := h.objects.sweep() + h.quasi.sweep(); n > 0 {
		heapLog.Debugf("swept %d collected references", n)
	}
	h.refreshes++
	return nil
}

// Guard must pass before a batch of reads. It refreshes the heap when the
// collector moved on since the last refresh and fails transiently while a
// collection is in progress.
func (h *Heap) Guard() error {
	e, err := h.sync()
	if err != nil {
		return err
	}
	return h.gate.Check(e)
}

// sync rereads the info block. A new epoch refreshes the heap. Within an
// epoch the region tops still move, as the mutator allocates and a moving
// collector copies, so they are taken over on every call.
func (h *Heap) sync() (Epoch, error) {
	in, err := ReadInfo(h.acc, h.infoAddr)
	if err != nil {
		return Epoch{}, fault.Wrap(err, "reading heap info")
	}
	if h.gate.Invalidated(in.Epoch) || !sameLayout(h.info.Regions, in.Regions) {
		if err := h.Refresh(); err != nil {
			return Epoch{}, err
		}
		return h.gate.Current(), nil
	}
	for i := range in.Regions {
		if top := in.Regions[i].Top; top != h.info.Regions[i].Top {
			heapLog.Debugf("%s top %v -> %v", in.Regions[i].Role, h.info.Regions[i].Top, top)
			h.info.Regions[i].Top = top
		}
	}
	return in.Epoch, nil
}

// sameLayout reports whether two region tables differ at most in their tops.
func sameLayout(a, b []Region) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Start != b[i].Start || a[i].Size != b[i].Size || a[i].Role != b[i].Role {
			return false
		}
	}
	return true
}

// Epoch returns the epoch observed at the last refresh.
func (h *Heap) Epoch() Epoch { return h.gate.Current() }

// Phase returns the phase observed at the last refresh.
func (h *Heap) Phase() Phase { return h.info.Phase }

// Scheme returns the target's heap scheme.
func (h *Heap) Scheme() Scheme { return h.manager.Scheme() }

// Manager returns the manager for the target's scheme.
func (h *Heap) Manager() Manager { return h.manager }

// Registry returns the registry classes are looked up in.
func (h *Heap) Registry() *vm.ClassRegistry { return h.registry }

// Refreshes returns how many times the heap has been refreshed.
func (h *Heap) Refreshes() uint64 { return h.refreshes }

// Regions returns the region table observed at the last refresh.
func (h *Heap) Regions() []Region {
	return append([]Region(nil), h.info.Regions...)
}

// Len returns the number of tracked references.
func (h *Heap) Len() int { return h.objects.len() }

func (h *Heap) newID() uint64 {
	h.nextID++
	return h.nextID
}

// MakeReference returns the canonical reference for the object at origin.
// References are only made while the heap is consistent; during a
// collection it fails transiently.
func (h *Heap) MakeReference(origin memory.Address) (*RemoteReference, error) {
	if err := h.Guard(); err != nil {
		return nil, err
	}
	if !h.info.Phase.IsConsistent() {
		return nil, fault.Transientf(fault.ErrGCInProgress, "heap is %s", h.info.Phase)
	}
	if _, ok := h.info.RegionAt(origin); !ok {
		return nil, fault.Structuralf(fault.ErrInvalidOrigin, "%v is outside the heap", origin)
	}
	return h.manager.MakeReference(origin)
}

// Lookup returns the reference already made for the object now at origin,
// or nil. It never creates one and works during collections.
func (h *Heap) Lookup(origin memory.Address) *RemoteReference {
	return h.objects.get(origin)
}

// MakeQuasiReference returns a reference to the forwarder at origin. It only
// succeeds while a moving collection is in progress.
func (h *Heap) MakeQuasiReference(origin memory.Address) (*RemoteReference, error) {
	if _, err := h.sync(); err != nil {
		return nil, err
	}
	return h.manager.MakeQuasiReference(origin)
}

// WordToReference resolves a reference word read from the target. Zero is
// the null reference.
func (h *Heap) WordToReference(w vm.Word) (vm.Reference, error) {
	if w == 0 {
		return vm.Null, nil
	}
	ref, err := h.MakeReference(w.AsAddress())
	if err != nil {
		return nil, err
	}
	return ref, nil
}

func (h *Heap) decode(k vm.Kind, bits uint64) (vm.Value, error) {
	if k != vm.KindReference {
		return vm.ValueFromBits(k, bits), nil
	}
	ref, err := h.WordToReference(vm.Word(bits))
	if err != nil {
		return vm.Void, err
	}
	return vm.RefValue(ref), nil
}

// ClassOf returns the class of the object at origin without making a
// reference to it.
func (h *Heap) ClassOf(origin memory.Address) (*vm.ClassActor, error) {
	if _, err := h.sync(); err != nil {
		return nil, err
	}
	hub, ok := h.objectHub(origin)
	if !ok {
		return nil, fault.Structuralf(fault.ErrInvalidOrigin, "%v does not hold an object", origin)
	}
	hi, err := h.decodeHub(hub)
	if err != nil {
		return nil, err
	}
	return hi.class, nil
}

// MemoryStatus classifies addr by the region it lies in and, for object
// origins, by the header found there. When the info block cannot be read
// the last observed regions are used.
func (h *Heap) MemoryStatus(addr memory.Address) MemoryStatus {
	if _, err := h.sync(); err != nil {
		heapLog.Debugf("memory status of %v from cached regions: %s", addr, err)
	}
	r, ok := h.info.RegionAt(addr)
	switch {
	case !ok:
		return MemoryNone
	case !r.ContainsAllocated(addr):
		return MemoryFree
	case h.info.Epoch.InGC():
		return MemoryLive
	case r.Role == RoleFromSpace:
		return MemoryDead
	}
	if hub, err := h.acc.ReadWord(addr, vm.HubOffset); err == nil {
		switch {
		case hub == vm.ZappedWord:
			return MemoryDead
		case memory.Address(hub) == h.info.FreeChunkHub:
			return MemoryFree
		}
	}
	return MemoryLive
}

// ---------------------------------------------------------------------------
// Header decoding
// ---------------------------------------------------------------------------

func (h *Heap) hubWord(addr memory.Address) (uint64, bool) {
	if addr.IsZero() || !addr.Aligned(vm.WordSize) {
		return 0, false
	}
	if _, ok := h.info.RegionAt(addr); !ok {
		return 0, false
	}
	w, err := h.acc.ReadWord(addr, vm.HubOffset)
	if err != nil {
		return 0, false
	}
	return w, true
}

// plainHub returns the hub word at addr when it is neither zapped nor a
// forwarding word.
func (h *Heap) plainHub(addr memory.Address) (memory.Address, bool) {
	w, ok := h.hubWord(addr)
	if !ok || w == vm.ZappedWord || w&vm.ForwardBit != 0 {
		return 0, false
	}
	return memory.Address(w), true
}

// isHub reports whether hub looks like a hub: its own hub must describe
// DynamicHub or StaticHub, and two steps on lies the hub of hubs, which is
// its own hub.
func (h *Heap) isHub(hub memory.Address) bool {
	if h.hubs.Contains(hub) {
		return true
	}
	meta, ok := h.plainHub(hub)
	if !ok {
		return false
	}
	root, ok := h.plainHub(meta)
	if !ok {
		return false
	}
	if w, ok := h.plainHub(root); !ok || w != root {
		return false
	}
	name, err := h.hubClassName(meta)
	return err == nil && (name == vm.DynamicHubClassName || name == vm.StaticHubClassName)
}

// objectHub returns the hub of the object at origin, or false if origin
// does not plausibly hold an object.
func (h *Heap) objectHub(origin memory.Address) (memory.Address, bool) {
	r, ok := h.info.RegionAt(origin)
	if !ok || !r.ContainsAllocated(origin) {
		return 0, false
	}
	hub, ok := h.plainHub(origin)
	if !ok || hub == h.info.FreeChunkHub || !h.isHub(hub) {
		return 0, false
	}
	return hub, true
}

func (h *Heap) isFreeSpace(origin memory.Address) bool {
	w, ok := h.hubWord(origin)
	if !ok {
		return false
	}
	return w == vm.ZappedWord || (memory.Address(w) == h.info.FreeChunkHub && !h.info.FreeChunkHub.IsZero())
}

// forwardedTo returns where the object once at origin was copied to.
func (h *Heap) forwardedTo(origin memory.Address) (memory.Address, bool) {
	w, ok := h.hubWord(origin)
	if !ok || w == vm.ZappedWord || w&vm.ForwardBit == 0 {
		return 0, false
	}
	to := memory.Address(w &^ vm.ForwardBit)
	if r, ok := h.info.RegionAt(to); !ok || r.Role == RoleFromSpace || r.Role == RoleNursery {
		heapLog.Warningf("forwarding word at %v points at %v, outside any destination space", origin, to)
		return 0, false
	}
	return to, true
}

func (h *Heap) isMarked(origin memory.Address) bool {
	misc, err := h.acc.ReadWord(origin, vm.MiscOffset)
	return err == nil && misc&MarkBit != 0
}

// decodeHub finds the class a hub describes and whether the hub is a
// static hub, reading the metadata raw.
func (h *Heap) decodeHub(hub memory.Address) (hubInfo, error) {
	if v, ok := h.hubs.Get(hub); ok {
		return v.(hubInfo), nil
	}
	name, err := h.hubClassName(hub)
	if err != nil {
		return hubInfo{}, err
	}
	meta, err := h.acc.ReadAddress(hub, vm.HubOffset)
	if err != nil {
		return hubInfo{}, err
	}
	metaName, err := h.hubClassName(meta)
	if err != nil {
		return hubInfo{}, err
	}
	class, err := h.registry.Lookup(name)
	if err != nil {
		return hubInfo{}, fault.Wrap(err, "class of hub %v", hub)
	}
	hi := hubInfo{class: class, static: metaName == vm.StaticHubClassName}
	h.hubs.Add(hub, hi)
	return hi, nil
}

func (h *Heap) hubClassName(hub memory.Address) (string, error) {
	actor, err := h.acc.ReadAddress(hub, h.layout.hubClassActor)
	if err != nil {
		return "", err
	}
	return h.actorName(actor)
}

func (h *Heap) actorName(actor memory.Address) (string, error) {
	if actor.IsZero() {
		return "", fault.Structuralf(fault.ErrInvalidOrigin, "null class actor")
	}
	name, err := h.acc.ReadAddress(actor, h.layout.actorName)
	if err != nil {
		return "", err
	}
	return h.rawString(name)
}

// rawString decodes a java/lang/String without making references.
func (h *Heap) rawString(s memory.Address) (string, error) {
	if s.IsZero() {
		return "", fault.Structuralf(fault.ErrInvalidOrigin, "null string")
	}
	chars, err := h.acc.ReadAddress(s, h.layout.stringValue)
	if err != nil {
		return "", err
	}
	if chars.IsZero() {
		return "", nil
	}
	n, err := h.acc.ReadLong(chars, vm.ArrayLengthOffset)
	if err != nil {
		return "", err
	}
	if n < 0 || n > maxNameLength {
		return "", fault.Structuralf(fault.ErrInvalidOrigin, "string at %v has implausible length %d", s, n)
	}
	buf := make([]byte, 2*n)
	if err := h.acc.ReadBytes(chars.Plus(vm.ArrayElementsOffset), buf); err != nil {
		return "", err
	}
	units := make([]uint16, n)
	for i := range units {
		units[i] = uint16(buf[2*i]) | uint16(buf[2*i+1])<<8
	}
	return string(utf16.Decode(units)), nil
}

// ---------------------------------------------------------------------------
// Class actors
// ---------------------------------------------------------------------------

// ClassActorOrigin finds the target's class actor for the named class in
// the class table. ok is false when the target has no such class.
func (h *Heap) ClassActorOrigin(name string) (memory.Address, bool, error) {
	if err := h.Guard(); err != nil {
		return 0, false, err
	}
	if h.actors == nil {
		actors, err := h.readClassTable()
		if err != nil {
			return 0, false, err
		}
		h.actors = actors
	}
	a, ok := h.actors[name]
	return a, ok, nil
}

func (h *Heap) readClassTable() (map[string]memory.Address, error) {
	table := h.info.ClassTable
	actors := make(map[string]memory.Address)
	if table.IsZero() {
		return actors, nil
	}
	n, err := h.acc.ReadLong(table, vm.ArrayLengthOffset)
	if err != nil {
		return nil, fault.Wrap(err, "reading class table at %v", table)
	}
	r, ok := h.info.RegionAt(table)
	if !ok {
		return nil, fault.Structuralf(fault.ErrInvalidOrigin, "class table at %v is outside the heap", table)
	}
	if n < 0 || n > maxArrayLength || table.Plus(vm.ArrayElementsOffset+n*vm.WordSize) > r.End() {
		return nil, fault.Structuralf(fault.ErrInvalidOrigin, "class table at %v has implausible length %d", table, n)
	}
	for i := int64(0); i < n; i++ {
		w, err := h.acc.ReadIndexed(vm.WordSize, table, vm.ArrayElementsOffset, i)
		if err != nil {
			return nil, fault.Wrap(err, "reading class table entry %d", i)
		}
		if w == 0 {
			continue
		}
		name, err := h.actorName(memory.Address(w))
		if err != nil {
			return nil, fault.Wrap(err, "class table entry %d", i)
		}
		actors[name] = memory.Address(w)
	}
	heapLog.Debugf("class table at %v lists %d classes", table, len(actors))
	return actors, nil
}

// StaticTupleOffset returns the offset of the static tuple field in a class
// actor.
func (h *Heap) StaticTupleOffset() int64 {
	return h.layout.actorStaticTuple
}
