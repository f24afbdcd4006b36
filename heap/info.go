package heap

import (
	"encoding/binary"
	"fmt"

	"github.com/chazu/telescope/memory"
	"github.com/chazu/telescope/pkg/fault"
)

// InfoMagic marks the start of the heap info block ("TELEHEAP").
const InfoMagic uint64 = 0x50414548454c4554

// MaxRegions bounds the region table of the info block.
const MaxRegions = 64

// Info block layout. The fixed header is followed by regionCount entries of
// four words each: start, size, allocation top and role.
const (
	infoMagicOffset        = 0
	infoStartedOffset      = 8
	infoCompletedOffset    = 16
	infoPhaseOffset        = 24
	infoSchemeOffset       = 32
	infoFreeChunkHubOffset = 40
	infoClassTableOffset   = 48
	infoRegionCountOffset  = 56
	infoRegionsOffset      = 64
	infoRegionEntrySize    = 32

	// InfoHeaderSize is the size of the info block without its regions.
	InfoHeaderSize = infoRegionsOffset
)

// MarkBit is set in the misc word of an object the collector has marked.
const MarkBit uint64 = 1

// Phase is what the target's memory manager is doing.
type Phase uint64

const (
	PhaseAllocating Phase = iota
	PhaseMutating
	PhaseAnalyzing
	PhaseReclaiming
)

func (p Phase) String() string {
	switch p {
	case PhaseAllocating:
		return "allocating"
	case PhaseMutating:
		return "mutating"
	case PhaseAnalyzing:
		return "analyzing"
	case PhaseReclaiming:
		return "reclaiming"
	}
	return fmt.Sprintf("Phase(%d)", uint64(p))
}

// IsConsistent reports whether the heap shape can be trusted in this phase.
func (p Phase) IsConsistent() bool {
	return p == PhaseAllocating || p == PhaseMutating
}

// IsCollecting reports whether a collection is under way.
func (p Phase) IsCollecting() bool {
	return p == PhaseAnalyzing || p == PhaseReclaiming
}

// Scheme is the heap management scheme of the target.
type Scheme uint64

const (
	SchemeUnknown Scheme = iota
	SchemeSemiSpace
	SchemeMarkSweep
	SchemeMarkSweepEvacuate
)

func (s Scheme) String() string {
	switch s {
	case SchemeSemiSpace:
		return "semi-space"
	case SchemeMarkSweep:
		return "mark-sweep"
	case SchemeMarkSweepEvacuate:
		return "mark-sweep-evacuate"
	}
	return "unknown"
}

// Role is what a heap region is used for.
type Role uint64

const (
	RoleBoot Role = iota
	RoleToSpace
	RoleFromSpace
	RoleObjectSpace
	RoleNursery
)

func (r Role) String() string {
	switch r {
	case RoleBoot:
		return "boot"
	case RoleToSpace:
		return "to-space"
	case RoleFromSpace:
		return "from-space"
	case RoleObjectSpace:
		return "object-space"
	case RoleNursery:
		return "nursery"
	}
	return fmt.Sprintf("Role(%d)", uint64(r))
}

// Region is one entry of the heap's region table. Objects are allocated
// between Start and Top.
type Region struct {
	Start memory.Address
	Size  uint64
	Top   memory.Address
	Role  Role
}

// End returns the first address past the region.
func (r Region) End() memory.Address {
	return r.Start.Plus(int64(r.Size))
}

// Contains reports whether addr lies in the region.
func (r Region) Contains(addr memory.Address) bool {
	return addr >= r.Start && addr < r.End()
}

// ContainsAllocated reports whether addr lies in the allocated part.
func (r Region) ContainsAllocated(addr memory.Address) bool {
	return addr >= r.Start && addr < r.Top
}

func (r Region) String() string {
	return fmt.Sprintf("%s [%v, %v) top %v", r.Role, r.Start, r.End(), r.Top)
}

// Info is the decoded heap info block.
type Info struct {
	Epoch        Epoch
	Phase        Phase
	Scheme       Scheme
	FreeChunkHub memory.Address
	ClassTable   memory.Address
	Regions      []Region
}

// RegionAt returns the region containing addr.
func (in *Info) RegionAt(addr memory.Address) (Region, bool) {
	for _, r := range in.Regions {
		if r.Contains(addr) {
			return r, true
		}
	}
	return Region{}, false
}

// EncodeInfo returns the bytes of an info block.
func EncodeInfo(in *Info) []byte {
	buf := make([]byte, infoRegionsOffset+len(in.Regions)*infoRegionEntrySize)
	put := func(off int, v uint64) { binary.LittleEndian.PutUint64(buf[off:], v) }
	put(infoMagicOffset, InfoMagic)
	put(infoStartedOffset, in.Epoch.Started)
	put(infoCompletedOffset, in.Epoch.Completed)
	put(infoPhaseOffset, uint64(in.Phase))
	put(infoSchemeOffset, uint64(in.Scheme))
	put(infoFreeChunkHubOffset, uint64(in.FreeChunkHub))
	put(infoClassTableOffset, uint64(in.ClassTable))
	put(infoRegionCountOffset, uint64(len(in.Regions)))
	for i, r := range in.Regions {
		off := infoRegionsOffset + i*infoRegionEntrySize
		put(off, uint64(r.Start))
		put(off+8, r.Size)
		put(off+16, uint64(r.Top))
		put(off+24, uint64(r.Role))
	}
	return buf
}

// ReadInfo decodes the info block at addr.
func ReadInfo(da memory.DataAccess, addr memory.Address) (*Info, error) {
	header := make([]byte, InfoHeaderSize)
	if err := da.ReadBytes(addr, header); err != nil {
		return nil, fault.Wrap(err, "reading heap info at %v", addr)
	}
	get := func(b []byte, off int) uint64 { return binary.LittleEndian.Uint64(b[off:]) }
	if get(header, infoMagicOffset) != InfoMagic {
		return nil, fault.Structuralf(fault.ErrInvalidOrigin, "no heap info block at %v", addr)
	}
	in := &Info{
		Epoch:        Epoch{Started: get(header, infoStartedOffset), Completed: get(header, infoCompletedOffset)},
		Phase:        Phase(get(header, infoPhaseOffset)),
		Scheme:       Scheme(get(header, infoSchemeOffset)),
		FreeChunkHub: memory.Address(get(header, infoFreeChunkHubOffset)),
		ClassTable:   memory.Address(get(header, infoClassTableOffset)),
	}
	n := get(header, infoRegionCountOffset)
	if n > MaxRegions {
		return nil, fault.Structuralf(fault.ErrInvalidOrigin, "heap info at %v lists %d regions", addr, n)
	}
	table := make([]byte, int(n)*infoRegionEntrySize)
	if err := da.ReadBytes(addr.Plus(infoRegionsOffset), table); err != nil {
		return nil, fault.Wrap(err, "reading heap region table at %v", addr)
	}
	for i := 0; i < int(n); i++ {
		off := i * infoRegionEntrySize
		r := Region{
			Start: memory.Address(get(table, off)),
			Size:  get(table, off+8),
			Top:   memory.Address(get(table, off+16)),
			Role:  Role(get(table, off+24)),
		}
		if r.Top < r.Start || r.Top > r.End() {
			return nil, fault.Structuralf(fault.ErrInvalidOrigin, "heap region %d has top %v outside [%v, %v)", i, r.Top, r.Start, r.End())
		}
		in.Regions = append(in.Regions, r)
	}
	return in, nil
}
