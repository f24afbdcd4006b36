package vm

// Object layout shared by local objects and the target heap. Every object
// starts with a hub word and a misc word. Arrays and hybrids add a length
// word. Every field occupies one word; array elements use their kind's width.
const (
	WordSize = 8

	HubOffset         = 0
	MiscOffset        = 8
	ArrayLengthOffset = 16

	TupleFieldsOffset   = 16
	HybridFieldsOffset  = 24
	ArrayElementsOffset = 24

	FieldSlotSize = WordSize

	// ForwardBit is set in the hub word of an object that has been copied
	// elsewhere; the remaining bits are the new origin.
	ForwardBit = 1

	// ZappedWord fills memory that a collector has reclaimed.
	ZappedWord uint64 = 0xdeadbeefdeadbeef
)

// ObjectKind is the shape of an object in memory.
type ObjectKind uint8

const (
	ObjectTuple ObjectKind = iota
	ObjectArray
	ObjectHybrid
)

func (k ObjectKind) String() string {
	switch k {
	case ObjectArray:
		return "array"
	case ObjectHybrid:
		return "hybrid"
	}
	return "tuple"
}

// FieldOffset returns the byte offset of the field in slot index of an object
// whose fields start at base.
func FieldOffset(base int64, index int) int64 {
	return base + int64(index)*FieldSlotSize
}

// HybridArrayOffset returns where the array part of a hybrid with numFields
// fields starts.
func HybridArrayOffset(numFields int) int64 {
	return FieldOffset(HybridFieldsOffset, numFields)
}
