package vm

import (
	"fmt"
	"math"

	"github.com/chazu/telescope/pkg/fault"
)

// Tag identifies a constant pool entry type.
type Tag uint8

const (
	TagUtf8               Tag = 1
	TagInteger            Tag = 3
	TagFloat              Tag = 4
	TagLong               Tag = 5
	TagDouble             Tag = 6
	TagClass              Tag = 7
	TagString             Tag = 8
	TagFieldref           Tag = 9
	TagMethodref          Tag = 10
	TagInterfaceMethodref Tag = 11
	TagNameAndType        Tag = 12
	TagMethodHandle       Tag = 15
	TagMethodType         Tag = 16
	TagInvokeDynamic      Tag = 18
)

func (t Tag) String() string {
	switch t {
	case TagUtf8:
		return "Utf8"
	case TagInteger:
		return "Integer"
	case TagFloat:
		return "Float"
	case TagLong:
		return "Long"
	case TagDouble:
		return "Double"
	case TagClass:
		return "Class"
	case TagString:
		return "String"
	case TagFieldref:
		return "Fieldref"
	case TagMethodref:
		return "Methodref"
	case TagInterfaceMethodref:
		return "InterfaceMethodref"
	case TagNameAndType:
		return "NameAndType"
	case TagMethodHandle:
		return "MethodHandle"
	case TagMethodType:
		return "MethodType"
	case TagInvokeDynamic:
		return "InvokeDynamic"
	}
	return fmt.Sprintf("Tag(%d)", uint8(t))
}

// PoolEntry is one constant pool slot. Index1 and Index2 hold the pool
// indices a structured entry refers to.
type PoolEntry struct {
	Tag    Tag
	Bits   uint64 // Integer, Float, Long, Double
	Utf8   string
	Index1 uint16
	Index2 uint16

	resolved interface{}
}

// ConstantPool is a class's constant pool. Index 0 is unused and long and
// double entries take two slots. Symbolic references resolve lazily and the
// result is cached in the entry.
type ConstantPool struct {
	entries []PoolEntry
	Holder  *ClassActor
}

// NewConstantPool creates an empty pool.
func NewConstantPool() *ConstantPool {
	return &ConstantPool{entries: make([]PoolEntry, 1)}
}

// Len returns the pool size including the unused slot 0.
func (p *ConstantPool) Len() int {
	return len(p.entries)
}

// Add appends an entry and returns its index.
func (p *ConstantPool) Add(e PoolEntry) uint16 {
	idx := uint16(len(p.entries))
	p.entries = append(p.entries, e)
	if e.Tag == TagLong || e.Tag == TagDouble {
		p.entries = append(p.entries, PoolEntry{})
	}
	return idx
}

func (p *ConstantPool) find(e PoolEntry) (uint16, bool) {
	for i := 1; i < len(p.entries); i++ {
		x := p.entries[i]
		if x.Tag == e.Tag && x.Bits == e.Bits && x.Utf8 == e.Utf8 && x.Index1 == e.Index1 && x.Index2 == e.Index2 {
			return uint16(i), true
		}
	}
	return 0, false
}

func (p *ConstantPool) intern(e PoolEntry) uint16 {
	if idx, ok := p.find(e); ok {
		return idx
	}
	return p.Add(e)
}

// AddUtf8 interns a Utf8 entry.
func (p *ConstantPool) AddUtf8(s string) uint16 {
	return p.intern(PoolEntry{Tag: TagUtf8, Utf8: s})
}

// AddInt interns an Integer entry.
func (p *ConstantPool) AddInt(v int32) uint16 {
	return p.intern(PoolEntry{Tag: TagInteger, Bits: uint64(uint32(v))})
}

// AddFloat interns a Float entry.
func (p *ConstantPool) AddFloat(v float32) uint16 {
	return p.intern(PoolEntry{Tag: TagFloat, Bits: uint64(math.Float32bits(v))})
}

// AddLong interns a Long entry.
func (p *ConstantPool) AddLong(v int64) uint16 {
	return p.intern(PoolEntry{Tag: TagLong, Bits: uint64(v)})
}

// AddDouble interns a Double entry.
func (p *ConstantPool) AddDouble(v float64) uint16 {
	return p.intern(PoolEntry{Tag: TagDouble, Bits: math.Float64bits(v)})
}

// AddString interns a String entry.
func (p *ConstantPool) AddString(s string) uint16 {
	return p.intern(PoolEntry{Tag: TagString, Index1: p.AddUtf8(s)})
}

// AddClass interns a Class entry.
func (p *ConstantPool) AddClass(name string) uint16 {
	return p.intern(PoolEntry{Tag: TagClass, Index1: p.AddUtf8(name)})
}

// AddNameAndType interns a NameAndType entry.
func (p *ConstantPool) AddNameAndType(name, desc string) uint16 {
	return p.intern(PoolEntry{Tag: TagNameAndType, Index1: p.AddUtf8(name), Index2: p.AddUtf8(desc)})
}

func (p *ConstantPool) addMember(tag Tag, class, name, desc string) uint16 {
	return p.intern(PoolEntry{Tag: tag, Index1: p.AddClass(class), Index2: p.AddNameAndType(name, desc)})
}

// AddFieldRef interns a Fieldref entry.
func (p *ConstantPool) AddFieldRef(class, name, desc string) uint16 {
	return p.addMember(TagFieldref, class, name, desc)
}

// AddMethodRef interns a Methodref entry.
func (p *ConstantPool) AddMethodRef(class, name, desc string) uint16 {
	return p.addMember(TagMethodref, class, name, desc)
}

// AddInterfaceMethodRef interns an InterfaceMethodref entry.
func (p *ConstantPool) AddInterfaceMethodRef(class, name, desc string) uint16 {
	return p.addMember(TagInterfaceMethodref, class, name, desc)
}

// Entry returns the entry at index.
func (p *ConstantPool) Entry(index int) (*PoolEntry, error) {
	if index <= 0 || index >= len(p.entries) || p.entries[index].Tag == 0 {
		return nil, fault.Structuralf(fault.ErrBadBytecode, "constant pool index %d out of range", index)
	}
	return &p.entries[index], nil
}

func (p *ConstantPool) expect(index int, tags ...Tag) (*PoolEntry, error) {
	e, err := p.Entry(index)
	if err != nil {
		return nil, err
	}
	for _, t := range tags {
		if e.Tag == t {
			return e, nil
		}
	}
	return nil, fault.Structuralf(fault.ErrBadBytecode, "constant pool index %d is %s, want %v", index, e.Tag, tags)
}

// Utf8At returns the string of a Utf8 entry.
func (p *ConstantPool) Utf8At(index int) (string, error) {
	e, err := p.expect(index, TagUtf8)
	if err != nil {
		return "", err
	}
	return e.Utf8, nil
}

// ClassNameAt returns the class name of a Class entry.
func (p *ConstantPool) ClassNameAt(index int) (string, error) {
	e, err := p.expect(index, TagClass)
	if err != nil {
		return "", err
	}
	return p.Utf8At(int(e.Index1))
}

// NameAndTypeAt returns the name and descriptor of a NameAndType entry.
func (p *ConstantPool) NameAndTypeAt(index int) (string, string, error) {
	e, err := p.expect(index, TagNameAndType)
	if err != nil {
		return "", "", err
	}
	name, err := p.Utf8At(int(e.Index1))
	if err != nil {
		return "", "", err
	}
	desc, err := p.Utf8At(int(e.Index2))
	return name, desc, err
}

// MemberRefAt returns the class, name and descriptor of a field or method reference.
func (p *ConstantPool) MemberRefAt(index int) (class, name, desc string, err error) {
	e, err := p.expect(index, TagFieldref, TagMethodref, TagInterfaceMethodref)
	if err != nil {
		return "", "", "", err
	}
	class, err = p.ClassNameAt(int(e.Index1))
	if err != nil {
		return "", "", "", err
	}
	name, desc, err = p.NameAndTypeAt(int(e.Index2))
	return class, name, desc, err
}

// Primitive returns the value of an Integer, Float, Long or Double entry.
func (p *ConstantPool) Primitive(index int) (Value, error) {
	e, err := p.expect(index, TagInteger, TagFloat, TagLong, TagDouble)
	if err != nil {
		return Void, err
	}
	switch e.Tag {
	case TagInteger:
		return IntValue(int32(uint32(e.Bits))), nil
	case TagFloat:
		return ValueFromBits(KindFloat, e.Bits), nil
	case TagLong:
		return LongValue(int64(e.Bits)), nil
	}
	return DoubleValue(math.Float64frombits(e.Bits)), nil
}

// Resolved returns the cached resolution of an entry, if any.
func (p *ConstantPool) Resolved(index int) (interface{}, bool) {
	if index <= 0 || index >= len(p.entries) {
		return nil, false
	}
	r := p.entries[index].resolved
	return r, r != nil
}

// SetResolved caches the resolution of an entry.
func (p *ConstantPool) SetResolved(index int, v interface{}) {
	if index > 0 && index < len(p.entries) {
		p.entries[index].resolved = v
	}
}
