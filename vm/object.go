package vm

import (
	"fmt"
	"sync/atomic"
	"unicode/utf16"

	"github.com/chazu/telescope/pkg/fault"
)

var nextObjectID atomic.Uint64

// Object is an object in this process: a tuple, an array, a string (a tuple
// with a char[] value) or a java/lang/Class mirror.
type Object struct {
	id     uint64
	class  *ClassActor
	fields []Value
	elems  []Value
	mirror *ClassActor
}

// NewTuple allocates an instance of c with zeroed fields.
func NewTuple(c *ClassActor) *Object {
	o := &Object{id: nextObjectID.Add(1), class: c}
	o.fields = make([]Value, len(c.instanceFields))
	for i, f := range c.instanceFields {
		o.fields[i] = ZeroValue(f.Kind)
	}
	return o
}

// NewArray allocates an array of class c with n zeroed elements.
func NewArray(c *ClassActor, n int) *Object {
	o := &Object{id: nextObjectID.Add(1), class: c, elems: make([]Value, n)}
	zero := ZeroValue(c.ElementKind)
	for i := range o.elems {
		o.elems[i] = zero
	}
	return o
}

// ID returns the local identity of the object.
func (o *Object) ID() uint64 { return o.id }

// Class returns the object's class.
func (o *Object) Class() *ClassActor { return o.class }

// Mirror returns the class a java/lang/Class instance stands for.
func (o *Object) Mirror() *ClassActor { return o.mirror }

// Fields returns the instance field values in slot order.
func (o *Object) Fields() []Value { return o.fields }

// Elements returns the array elements.
func (o *Object) Elements() []Value { return o.elems }

// IsZero implements Reference.
func (o *Object) IsZero() bool { return o == nil }

// IsLocal implements Reference.
func (o *Object) IsLocal() bool { return true }

// ClassActor implements Reference.
func (o *Object) ClassActor() (*ClassActor, error) {
	return o.class, nil
}

// ReadField implements Reference.
func (o *Object) ReadField(f *FieldActor) (Value, error) {
	if f.IsStatic() || f.Index >= len(o.fields) {
		return Void, fault.Structuralf(fault.ErrNoSuchField, "%s has no instance field %s", o.class.Name, f)
	}
	return o.fields[f.Index], nil
}

// WriteField implements Reference.
func (o *Object) WriteField(f *FieldActor, v Value) error {
	if f.IsStatic() || f.Index >= len(o.fields) {
		return fault.Structuralf(fault.ErrNoSuchField, "%s has no instance field %s", o.class.Name, f)
	}
	o.fields[f.Index] = v.Convert(f.Kind)
	return nil
}

// ArrayLength implements Reference.
func (o *Object) ArrayLength() (int, error) {
	if !o.class.IsArray() {
		return 0, fault.Structuralf(fault.ErrBadBytecode, "%s is not an array", o.class.Name)
	}
	return len(o.elems), nil
}

// ReadElement implements Reference.
func (o *Object) ReadElement(kind Kind, index int) (Value, error) {
	if index < 0 || index >= len(o.elems) {
		return Void, &IndexError{Index: index, Length: len(o.elems)}
	}
	return o.elems[index], nil
}

// WriteElement implements Reference.
func (o *Object) WriteElement(kind Kind, index int, v Value) error {
	if index < 0 || index >= len(o.elems) {
		return &IndexError{Index: index, Length: len(o.elems)}
	}
	o.elems[index] = v.Convert(o.class.ElementKind)
	return nil
}

// Clone returns a shallow copy with a new identity.
func (o *Object) Clone() *Object {
	c := &Object{id: nextObjectID.Add(1), class: o.class, mirror: o.mirror}
	c.fields = append([]Value(nil), o.fields...)
	c.elems = append([]Value(nil), o.elems...)
	return c
}

func (o *Object) String() string {
	if o == nil {
		return "null"
	}
	if o.mirror != nil {
		return "class " + o.mirror.Name
	}
	return fmt.Sprintf("%s@local#%d", o.class.Name, o.id)
}

// ---------------------------------------------------------------------------
// Strings
// ---------------------------------------------------------------------------

// StringOf decodes a java/lang/String, local or remote, through its value field.
func StringOf(ref Reference) (string, error) {
	if IsNull(ref) {
		return "", errNull
	}
	class, err := ref.ClassActor()
	if err != nil {
		return "", err
	}
	f, err := class.MustField("value")
	if err != nil {
		return "", err
	}
	v, err := ref.ReadField(f)
	if err != nil {
		return "", err
	}
	return CharsOf(v.AsRef())
}

// CharsOf decodes a char[] into a string.
func CharsOf(chars Reference) (string, error) {
	if IsNull(chars) {
		return "", nil
	}
	n, err := chars.ArrayLength()
	if err != nil {
		return "", err
	}
	units := make([]uint16, n)
	for i := 0; i < n; i++ {
		c, err := chars.ReadElement(KindChar, i)
		if err != nil {
			return "", err
		}
		units[i] = uint16(c.AsInt())
	}
	return string(utf16.Decode(units)), nil
}
