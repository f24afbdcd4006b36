package heap

import (
	"sort"
	"weak"

	"github.com/chazu/telescope/memory"
)

// refTable maps origins to references without keeping them alive. An entry
// whose reference was collected reads as absent and is removed by sweep.
type refTable struct {
	name    string
	entries map[memory.Address]weak.Pointer[RemoteReference]
}

func newRefTable(name string) *refTable {
	return &refTable{name: name, entries: make(map[memory.Address]weak.Pointer[RemoteReference])}
}

func (t *refTable) put(origin memory.Address, ref *RemoteReference) {
	if old := t.get(origin); old != nil && old != ref {
		heapLog.Warningf("%s table: %v replaces %v at %v", t.name, ref, old, origin)
	}
	t.entries[origin] = weak.Make(ref)
}

func (t *refTable) get(origin memory.Address) *RemoteReference {
	wp, ok := t.entries[origin]
	if !ok {
		return nil
	}
	ref := wp.Value()
	if ref == nil {
		delete(t.entries, origin)
	}
	return ref
}

func (t *refTable) remove(origin memory.Address) *RemoteReference {
	ref := t.get(origin)
	delete(t.entries, origin)
	return ref
}

// values returns the references still alive, in origin order.
func (t *refTable) values() []*RemoteReference {
	origins := make([]memory.Address, 0, len(t.entries))
	for a := range t.entries {
		origins = append(origins, a)
	}
	sort.Slice(origins, func(i, j int) bool { return origins[i] < origins[j] })
	refs := make([]*RemoteReference, 0, len(origins))
	for _, a := range origins {
		if ref := t.get(a); ref != nil {
			refs = append(refs, ref)
		}
	}
	return refs
}

func (t *refTable) len() int {
	return len(t.entries)
}

func (t *refTable) clear() {
	t.entries = make(map[memory.Address]weak.Pointer[RemoteReference])
}

// sweep drops entries whose references were collected and returns how many.
func (t *refTable) sweep() int {
	n := 0
	for a, wp := range t.entries {
		if wp.Value() == nil {
			delete(t.entries, a)
			n++
		}
	}
	return n
}
