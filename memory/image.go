package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/chazu/telescope/pkg/fault"
)

// Region is a contiguous mapped range of an Image.
type Region struct {
	Start Address
	Name  string
	Data  []byte
}

// End returns the first address past the region.
func (r *Region) End() Address {
	return r.Start.Plus(int64(len(r.Data)))
}

// Contains reports whether [addr, addr+n) lies inside the region.
func (r *Region) Contains(addr Address, n int) bool {
	return addr >= r.Start && uint64(addr)+uint64(n) <= uint64(r.End())
}

// Image is a sparse in-memory address space. It backs snapshots and test
// heaps, and is safe for concurrent use.
type Image struct {
	mu         sync.RWMutex
	regions    []*Region // sorted by Start
	terminated bool
}

// NewImage creates an empty image.
func NewImage() *Image {
	return &Image{}
}

// Map adds a zero-filled region. Overlapping an existing region is an error.
func (m *Image) Map(start Address, size int, name string) (*Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := &Region{Start: start, Name: name, Data: make([]byte, size)}
	for _, other := range m.regions {
		if r.Start < other.End() && other.Start < r.End() {
			return nil, fmt.Errorf("region %s [%v, %v) overlaps %s", name, r.Start, r.End(), other.Name)
		}
	}
	m.regions = append(m.regions, r)
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].Start < m.regions[j].Start })
	return r, nil
}

// Regions returns the mapped regions in address order.
func (m *Image) Regions() []*Region {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Region, len(m.regions))
	copy(out, m.regions)
	return out
}

// Terminate makes every subsequent access fail with fault.ErrTerminated.
func (m *Image) Terminate() {
	m.mu.Lock()
	m.terminated = true
	m.mu.Unlock()
}

func (m *Image) find(addr Address, n int) (*Region, error) {
	if m.terminated {
		return nil, fault.ErrTerminated
	}
	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].End() > addr })
	if i < len(m.regions) && m.regions[i].Contains(addr, n) {
		return m.regions[i], nil
	}
	return nil, fault.Transientf(fault.ErrUnmapped, "%d bytes at %v", n, addr)
}

// ReadBytes implements DataAccess.
func (m *Image) ReadBytes(addr Address, dst []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, err := m.find(addr, len(dst))
	if err != nil {
		return err
	}
	copy(dst, r.Data[addr-r.Start:])
	return nil
}

// WriteBytes implements DataAccess.
func (m *Image) WriteBytes(addr Address, src []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.find(addr, len(src))
	if err != nil {
		return err
	}
	copy(r.Data[addr-r.Start:], src)
	return nil
}
