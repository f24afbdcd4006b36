package vm

// Remote is the interpreter's view of a target VM. A nil Remote means the
// interpreter runs hosted: every object is local and pointer instructions
// have nothing to read.
type Remote interface {
	// StaticValue reads a static field from the class's static tuple in the
	// target. ok is false when the target has no such class.
	StaticValue(class *ClassActor, f *FieldActor) (v Value, ok bool, err error)
	// WordToReference resolves a target address to a canonical reference.
	WordToReference(w Word) (Reference, error)
	// ReferenceToWord returns the current origin of a target reference.
	ReferenceToWord(ref Reference) (Word, error)
	// ReadPointer reads a value of kind at base+offset.
	ReadPointer(kind Kind, base Word, offset int64) (Value, error)
	// GetPointer reads element index of kind at base+displacement.
	GetPointer(kind Kind, base Word, displacement int64, index int64) (Value, error)
	// MakeLocal returns v with any target reference replaced by a local copy.
	MakeLocal(v Value) (Value, error)
	// DeepCopy copies a target object graph into local objects.
	DeepCopy(ref Reference) (Reference, error)
}
