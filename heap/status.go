package heap

// ObjectStatus is what is known about the object a reference denotes.
type ObjectStatus uint8

const (
	// StatusLive objects can be read.
	StatusLive ObjectStatus = iota
	// StatusUnknown objects are handled by a manager that cannot tell.
	StatusUnknown
	// StatusUnreachable objects were not marked and wait to be reclaimed.
	StatusUnreachable
	// StatusForwarder is the old copy of an object a collector moved.
	StatusForwarder
	// StatusDead objects have been collected.
	StatusDead
)

func (s ObjectStatus) String() string {
	switch s {
	case StatusLive:
		return "live"
	case StatusUnknown:
		return "unknown"
	case StatusUnreachable:
		return "unreachable"
	case StatusForwarder:
		return "forwarder"
	}
	return "dead"
}

// IsLive reports whether the object is known to be live.
func (s ObjectStatus) IsLive() bool { return s == StatusLive }

// IsNotDead reports whether the object has not been collected yet.
func (s ObjectStatus) IsNotDead() bool { return s != StatusDead }

// IsDead reports whether the object has been collected.
func (s ObjectStatus) IsDead() bool { return s == StatusDead }

// IsForwarder reports whether this is a forwarding quasi object.
func (s ObjectStatus) IsForwarder() bool { return s == StatusForwarder }

// MemoryStatus classifies an address in the target heap.
type MemoryStatus uint8

const (
	// MemoryNone is outside every heap region.
	MemoryNone MemoryStatus = iota
	MemoryLive
	MemoryDead
	MemoryFree
)

func (s MemoryStatus) String() string {
	switch s {
	case MemoryLive:
		return "live"
	case MemoryDead:
		return "dead"
	case MemoryFree:
		return "free"
	}
	return "none"
}
