package vm

import (
	"fmt"

	"github.com/chazu/telescope/pkg/fault"
)

// Reference is a handle to an object that lives either in this process
// (*Object) or in the target (the heap package's remote references).
// Algorithms never ask which; they go through this interface.
type Reference interface {
	// IsZero reports whether this is the null reference.
	IsZero() bool
	// IsLocal reports whether the object lives in this process.
	IsLocal() bool
	// ClassActor returns the class of the object.
	ClassActor() (*ClassActor, error)
	// ReadField reads an instance field.
	ReadField(f *FieldActor) (Value, error)
	// WriteField writes an instance field.
	WriteField(f *FieldActor, v Value) error
	// ArrayLength returns the number of elements of an array.
	ArrayLength() (int, error)
	// ReadElement reads an array element of the given kind.
	ReadElement(kind Kind, index int) (Value, error)
	// WriteElement writes an array element of the given kind.
	WriteElement(kind Kind, index int, v Value) error
	String() string
}

// IndexError reports an array access outside [0, Length).
type IndexError struct {
	Index  int
	Length int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("index %d out of bounds for length %d", e.Index, e.Length)
}

type nullReference struct{}

// Null is the null reference.
var Null Reference = nullReference{}

var errNull = fault.Structuralf(fault.ErrInvalidOrigin, "null reference")

func (nullReference) IsZero() bool                         { return true }
func (nullReference) IsLocal() bool                        { return true }
func (nullReference) ClassActor() (*ClassActor, error)     { return nil, errNull }
func (nullReference) ReadField(*FieldActor) (Value, error) { return Void, errNull }
func (nullReference) WriteField(*FieldActor, Value) error  { return errNull }
func (nullReference) ArrayLength() (int, error)            { return 0, errNull }
func (nullReference) ReadElement(Kind, int) (Value, error) { return Void, errNull }
func (nullReference) WriteElement(Kind, int, Value) error  { return errNull }
func (nullReference) String() string                       { return "null" }

// IsNull reports whether r is nil or the null reference.
func IsNull(r Reference) bool {
	return r == nil || r.IsZero()
}
