package vm

import (
	"strings"

	"github.com/chazu/telescope/pkg/fault"
)

// AccessFlags are class, field and method modifiers.
type AccessFlags uint16

const (
	AccPublic       AccessFlags = 0x0001
	AccPrivate      AccessFlags = 0x0002
	AccProtected    AccessFlags = 0x0004
	AccStatic       AccessFlags = 0x0008
	AccFinal        AccessFlags = 0x0010
	AccSynchronized AccessFlags = 0x0020
	AccVolatile     AccessFlags = 0x0040
	AccTransient    AccessFlags = 0x0080
	AccNative       AccessFlags = 0x0100
	AccInterface    AccessFlags = 0x0200
	AccAbstract     AccessFlags = 0x0400
)

// ---------------------------------------------------------------------------
// Signatures
// ---------------------------------------------------------------------------

// SignatureDescriptor is a parsed method descriptor.
type SignatureDescriptor struct {
	Descriptor string
	Params     []Kind
	ParamTypes []string // field descriptors of the parameters
	Return     Kind
	ReturnType string
}

// ParseSignature parses a method descriptor such as "(IJ[Ljava/lang/String;)V".
func ParseSignature(desc string) (*SignatureDescriptor, error) {
	if len(desc) < 3 || desc[0] != '(' {
		return nil, fault.Structuralf(fault.ErrBadBytecode, "malformed method descriptor %q", desc)
	}
	sig := &SignatureDescriptor{Descriptor: desc}
	i := 1
	for i < len(desc) && desc[i] != ')' {
		t, n, err := nextFieldType(desc, i)
		if err != nil {
			return nil, err
		}
		sig.ParamTypes = append(sig.ParamTypes, t)
		sig.Params = append(sig.Params, KindOfDescriptor(t))
		i = n
	}
	if i >= len(desc) {
		return nil, fault.Structuralf(fault.ErrBadBytecode, "malformed method descriptor %q", desc)
	}
	i++
	if i < len(desc) && desc[i] == 'V' && i == len(desc)-1 {
		sig.ReturnType = "V"
		sig.Return = KindVoid
		return sig, nil
	}
	t, n, err := nextFieldType(desc, i)
	if err != nil || n != len(desc) {
		return nil, fault.Structuralf(fault.ErrBadBytecode, "malformed method descriptor %q", desc)
	}
	sig.ReturnType = t
	sig.Return = KindOfDescriptor(t)
	return sig, nil
}

func nextFieldType(desc string, i int) (string, int, error) {
	start := i
	for i < len(desc) && desc[i] == '[' {
		i++
	}
	if i >= len(desc) {
		return "", 0, fault.Structuralf(fault.ErrBadBytecode, "malformed descriptor %q", desc)
	}
	switch desc[i] {
	case 'Z', 'B', 'C', 'S', 'I', 'F', 'J', 'D':
		return desc[start : i+1], i + 1, nil
	case 'L':
		end := strings.IndexByte(desc[i:], ';')
		if end < 0 {
			return "", 0, fault.Structuralf(fault.ErrBadBytecode, "unterminated class in %q", desc)
		}
		return desc[start : i+end+1], i + end + 1, nil
	}
	return "", 0, fault.Structuralf(fault.ErrBadBytecode, "bad type %q in %q", desc[i], desc)
}

// ArgSlots returns the number of local slots the arguments occupy, including
// the receiver unless static.
func (s *SignatureDescriptor) ArgSlots(static bool) int {
	n := 0
	if !static {
		n = 1
	}
	for _, k := range s.Params {
		n++
		if k.IsCategory2() {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Code
// ---------------------------------------------------------------------------

// ExceptionHandler is one entry of a method's exception table. CatchType is
// a constant pool index, 0 meaning any throwable.
type ExceptionHandler struct {
	StartPC   int
	EndPC     int
	HandlerPC int
	CatchType uint16
}

// Covers reports whether pc lies in [StartPC, EndPC).
func (h ExceptionHandler) Covers(pc int) bool {
	return pc >= h.StartPC && pc < h.EndPC
}

// CodeAttribute is an interpretable method body.
type CodeAttribute struct {
	MaxStack  int
	MaxLocals int
	Code      []byte
	Handlers  []ExceptionHandler
}

// ---------------------------------------------------------------------------
// Fields and methods
// ---------------------------------------------------------------------------

// FieldActor describes a field.
type FieldActor struct {
	Name       string
	Descriptor string
	Kind       Kind
	Flags      AccessFlags
	Holder     *ClassActor

	// Index is the slot of the field: among all instance fields of the
	// holder's hierarchy, or among the holder's static fields.
	Index int
	// Offset is the byte offset of the field in a remote object or static tuple.
	Offset int64

	// ConstantValue is the initial value of a static constant, if any.
	ConstantValue *Value
}

// IsStatic reports whether the field is static.
func (f *FieldActor) IsStatic() bool {
	return f.Flags&AccStatic != 0
}

func (f *FieldActor) String() string {
	return f.Holder.Name + "." + f.Name + ":" + f.Descriptor
}

// MethodActor describes a method.
type MethodActor struct {
	Name       string
	Descriptor string
	Signature  *SignatureDescriptor
	Flags      AccessFlags
	Holder     *ClassActor
	Code       *CodeAttribute
}

// IsStatic reports whether the method is static.
func (m *MethodActor) IsStatic() bool { return m.Flags&AccStatic != 0 }

// IsNative reports whether the method is native.
func (m *MethodActor) IsNative() bool { return m.Flags&AccNative != 0 }

// IsAbstract reports whether the method is abstract.
func (m *MethodActor) IsAbstract() bool { return m.Flags&AccAbstract != 0 }

// IsInitializer reports whether the method is a constructor.
func (m *MethodActor) IsInitializer() bool { return m.Name == "<init>" }

// HasBody reports whether the method has interpretable bytecode.
func (m *MethodActor) HasBody() bool {
	return m.Code != nil && len(m.Code.Code) > 0
}

// Key returns "name+descriptor", the method's identity within a class.
func (m *MethodActor) Key() string {
	return m.Name + m.Descriptor
}

// QualifiedKey returns "holder.name+descriptor", the host bridge key.
func (m *MethodActor) QualifiedKey() string {
	return m.Holder.Name + "." + m.Name + m.Descriptor
}

func (m *MethodActor) String() string {
	return m.QualifiedKey()
}

// ---------------------------------------------------------------------------
// Classes
// ---------------------------------------------------------------------------

// ClassActor describes a loaded class.
type ClassActor struct {
	Name       string // internal form: "java/lang/String", "[I", "[Ljava/lang/Object;"
	ID         int
	Flags      AccessFlags
	Super      *ClassActor
	Interfaces []*ClassActor
	Pool       *ConstantPool
	Source     string

	Fields  []*FieldActor // declared
	Methods []*MethodActor

	// Arrays only. Primitive components are the primitive classes ("int", ...).
	Component   *ClassActor
	ElementKind Kind

	// Primitive classes only.
	Primitive Kind

	instanceFields []*FieldActor
	staticFields   []*FieldActor
	statics        []Value
	methodIndex    map[string]*MethodActor
	hybrid         bool
	mirror         *Object
}

// IsArray reports whether the class is an array class.
func (c *ClassActor) IsArray() bool { return c.Component != nil }

// IsInterface reports whether the class is an interface.
func (c *ClassActor) IsInterface() bool { return c.Flags&AccInterface != 0 }

// IsAbstract reports whether the class is abstract.
func (c *ClassActor) IsAbstract() bool { return c.Flags&AccAbstract != 0 }

// IsHybrid reports whether instances are hybrids (tuples with a trailing array).
func (c *ClassActor) IsHybrid() bool { return c.hybrid }

// IsWord reports whether values of this class are words.
func (c *ClassActor) IsWord() bool { return IsWordClass(c.Name) }

// ObjectKind returns the memory shape of instances.
func (c *ClassActor) ObjectKind() ObjectKind {
	switch {
	case c.IsArray():
		return ObjectArray
	case c.hybrid:
		return ObjectHybrid
	}
	return ObjectTuple
}

// FieldsOffset returns the byte offset of the first instance field.
func (c *ClassActor) FieldsOffset() int64 {
	if c.hybrid {
		return HybridFieldsOffset
	}
	return TupleFieldsOffset
}

// InstanceFields returns all instance fields, inherited ones first.
func (c *ClassActor) InstanceFields() []*FieldActor {
	return c.instanceFields
}

// StaticFields returns the declared static fields.
func (c *ClassActor) StaticFields() []*FieldActor {
	return c.staticFields
}

// Descriptor returns the field descriptor naming this class.
func (c *ClassActor) Descriptor() string {
	if c.IsArray() {
		return c.Name
	}
	return "L" + c.Name + ";"
}

// JavaName returns the dotted source name.
func (c *ClassActor) JavaName() string {
	return strings.ReplaceAll(c.Name, "/", ".")
}

func (c *ClassActor) String() string {
	return c.Name
}

// link computes field slots and offsets and indexes methods.
func (c *ClassActor) link() {
	if c.Super != nil {
		c.instanceFields = append([]*FieldActor(nil), c.Super.instanceFields...)
		c.hybrid = c.hybrid || c.Super.hybrid
	}
	base := c.FieldsOffset()
	for _, f := range c.Fields {
		f.Holder = c
		if f.IsStatic() {
			f.Index = len(c.staticFields)
			f.Offset = FieldOffset(TupleFieldsOffset, f.Index)
			c.staticFields = append(c.staticFields, f)
			continue
		}
		f.Index = len(c.instanceFields)
		f.Offset = FieldOffset(base, f.Index)
		c.instanceFields = append(c.instanceFields, f)
	}
	c.statics = make([]Value, len(c.staticFields))
	for i, f := range c.staticFields {
		if f.ConstantValue != nil {
			c.statics[i] = f.ConstantValue.Convert(f.Kind)
		} else {
			c.statics[i] = ZeroValue(f.Kind)
		}
	}
	c.methodIndex = make(map[string]*MethodActor, len(c.Methods))
	for _, m := range c.Methods {
		m.Holder = c
		c.methodIndex[m.Key()] = m
	}
}

// DeclaredMethod returns the method declared in this class with the given key.
func (c *ClassActor) DeclaredMethod(name, desc string) *MethodActor {
	return c.methodIndex[name+desc]
}

// FindMethod looks a method up in the class, its superclasses and then its
// interfaces.
func (c *ClassActor) FindMethod(name, desc string) *MethodActor {
	for k := c; k != nil; k = k.Super {
		if m := k.methodIndex[name+desc]; m != nil {
			return m
		}
	}
	var search func(*ClassActor) *MethodActor
	search = func(k *ClassActor) *MethodActor {
		for _, i := range k.Interfaces {
			if m := i.methodIndex[name+desc]; m != nil {
				return m
			}
			if m := search(i); m != nil {
				return m
			}
		}
		return nil
	}
	for k := c; k != nil; k = k.Super {
		if m := search(k); m != nil {
			return m
		}
	}
	return nil
}

// SelectVirtual returns the implementation of name+desc that an instance of
// c runs, preferring a concrete method over an abstract or interface one.
func (c *ClassActor) SelectVirtual(name, desc string) *MethodActor {
	for k := c; k != nil; k = k.Super {
		if m := k.methodIndex[name+desc]; m != nil && !m.IsAbstract() {
			return m
		}
	}
	return c.FindMethod(name, desc)
}

// FindField looks a field up in the class, its interfaces and superclasses.
func (c *ClassActor) FindField(name string) *FieldActor {
	for k := c; k != nil; k = k.Super {
		for _, f := range k.Fields {
			if f.Name == name {
				return f
			}
		}
		for _, i := range k.Interfaces {
			if f := i.FindField(name); f != nil {
				return f
			}
		}
	}
	return nil
}

// MustField returns the named field or an ErrNoSuchField fault.
func (c *ClassActor) MustField(name string) (*FieldActor, error) {
	if f := c.FindField(name); f != nil {
		return f, nil
	}
	return nil, fault.Structuralf(fault.ErrNoSuchField, "%s.%s", c.Name, name)
}

// IsSubclassOf reports whether c is other or a proper subclass of it.
func (c *ClassActor) IsSubclassOf(other *ClassActor) bool {
	for k := c; k != nil; k = k.Super {
		if k == other {
			return true
		}
	}
	return false
}

// Implements reports whether c or a superclass implements the interface.
func (c *ClassActor) Implements(iface *ClassActor) bool {
	var walk func(*ClassActor) bool
	walk = func(k *ClassActor) bool {
		if k == iface {
			return true
		}
		for _, i := range k.Interfaces {
			if walk(i) {
				return true
			}
		}
		return false
	}
	for k := c; k != nil; k = k.Super {
		if walk(k) {
			return true
		}
	}
	return false
}

// IsAssignableTo reports whether a value of class c can be stored in a
// variable of class target, following the checkcast rules.
func (c *ClassActor) IsAssignableTo(target *ClassActor) bool {
	if c == target {
		return true
	}
	if c.IsArray() {
		switch {
		case target.IsArray():
			if c.ElementKind != KindReference || target.ElementKind != KindReference {
				return c.Component == target.Component
			}
			return c.Component.IsAssignableTo(target.Component)
		case target.IsInterface():
			return target.Name == "java/lang/Cloneable" || target.Name == "java/io/Serializable"
		}
		return target.Name == "java/lang/Object"
	}
	if target.IsInterface() {
		return c.Implements(target)
	}
	return c.IsSubclassOf(target)
}

// StaticValue returns the local value of a static field.
func (c *ClassActor) StaticValue(f *FieldActor) Value {
	return f.Holder.statics[f.Index]
}

// SetStaticValue sets the local value of a static field.
func (c *ClassActor) SetStaticValue(f *FieldActor, v Value) {
	f.Holder.statics[f.Index] = v.Convert(f.Kind)
}
