// Package classfile reads JVM class files into unlinked class definitions.
package classfile

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"unicode/utf16"

	"github.com/chazu/telescope/pkg/fault"
	"github.com/chazu/telescope/vm"
)

// Magic is the first word of every class file.
const Magic = 0xCAFEBABE

// Pool tags that carry no resolvable meaning here but must still be skipped.
const (
	tagDynamic vm.Tag = 17
	tagModule  vm.Tag = 19
	tagPackage vm.Tag = 20
)

// ---------------------------------------------------------------------------
// Reader
// ---------------------------------------------------------------------------

type reader struct {
	data   []byte
	offset int
}

func (r *reader) need(n int) error {
	if n < 0 || r.offset+n > len(r.data) {
		return fault.Structuralf(fault.ErrBadBytecode, "class file truncated at offset %d", r.offset)
	}
	return nil
}

func (r *reader) u1() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.data[r.offset]
	r.offset++
	return v, nil
}

func (r *reader) u2() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.data[r.offset:])
	r.offset += 2
	return v, nil
}

func (r *reader) u4() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.data[r.offset:])
	r.offset += 4
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b, nil
}

// ---------------------------------------------------------------------------
// Parsing
// ---------------------------------------------------------------------------

// Version is the class file format version.
type Version struct {
	Major, Minor uint16
}

// Parse decodes a class file. Attributes other than Code, ConstantValue and
// SourceFile are skipped.
func Parse(data []byte) (*vm.ClassDefinition, error) {
	def, _, err := ParseVersion(data)
	return def, err
}

// ParseVersion is Parse that also reports the format version.
func ParseVersion(data []byte) (*vm.ClassDefinition, Version, error) {
	r := &reader{data: data}
	var ver Version

	magic, err := r.u4()
	if err != nil {
		return nil, ver, err
	}
	if magic != Magic {
		return nil, ver, fault.Structuralf(fault.ErrBadBytecode, "bad class file magic %#x", magic)
	}
	if ver.Minor, err = r.u2(); err != nil {
		return nil, ver, err
	}
	if ver.Major, err = r.u2(); err != nil {
		return nil, ver, err
	}

	pool, err := parsePool(r)
	if err != nil {
		return nil, ver, err
	}
	def := &vm.ClassDefinition{Pool: pool, Source: "classfile"}

	flags, err := r.u2()
	if err != nil {
		return nil, ver, err
	}
	def.Flags = vm.AccessFlags(flags)

	this, err := r.u2()
	if err != nil {
		return nil, ver, err
	}
	if def.Name, err = pool.ClassNameAt(int(this)); err != nil {
		return nil, ver, fault.Wrap(err, "this_class")
	}
	super, err := r.u2()
	if err != nil {
		return nil, ver, err
	}
	if super != 0 {
		if def.Super, err = pool.ClassNameAt(int(super)); err != nil {
			return nil, ver, fault.Wrap(err, "super_class")
		}
	}

	n, err := r.u2()
	if err != nil {
		return nil, ver, err
	}
	for i := 0; i < int(n); i++ {
		idx, err := r.u2()
		if err != nil {
			return nil, ver, err
		}
		name, err := pool.ClassNameAt(int(idx))
		if err != nil {
			return nil, ver, fault.Wrap(err, "interface %d", i)
		}
		def.Interfaces = append(def.Interfaces, name)
	}

	if def.Fields, err = parseFields(r, pool); err != nil {
		return nil, ver, fault.Wrap(err, "fields of %s", def.Name)
	}
	if def.Methods, err = parseMethods(r, pool); err != nil {
		return nil, ver, fault.Wrap(err, "methods of %s", def.Name)
	}

	err = parseAttributes(r, pool, func(name string, body *reader) error {
		if name != "SourceFile" {
			return nil
		}
		idx, err := body.u2()
		if err != nil {
			return err
		}
		def.Source, err = pool.Utf8At(int(idx))
		return err
	})
	if err != nil {
		return nil, ver, fault.Wrap(err, "attributes of %s", def.Name)
	}
	return def, ver, nil
}

func parsePool(r *reader) (*vm.ConstantPool, error) {
	count, err := r.u2()
	if err != nil {
		return nil, err
	}
	pool := vm.NewConstantPool()
	for pool.Len() < int(count) {
		tag, err := r.u1()
		if err != nil {
			return nil, err
		}
		e := vm.PoolEntry{Tag: vm.Tag(tag)}
		switch e.Tag {
		case vm.TagUtf8:
			n, err := r.u2()
			if err != nil {
				return nil, err
			}
			b, err := r.bytes(int(n))
			if err != nil {
				return nil, err
			}
			if e.Utf8, err = decodeModifiedUTF8(b); err != nil {
				return nil, fault.Wrap(err, "constant %d", pool.Len())
			}
		case vm.TagInteger, vm.TagFloat:
			v, err := r.u4()
			if err != nil {
				return nil, err
			}
			e.Bits = uint64(v)
		case vm.TagLong, vm.TagDouble:
			hi, err := r.u4()
			if err != nil {
				return nil, err
			}
			lo, err := r.u4()
			if err != nil {
				return nil, err
			}
			e.Bits = uint64(hi)<<32 | uint64(lo)
		case vm.TagClass, vm.TagString, vm.TagMethodType, tagModule, tagPackage:
			if e.Index1, err = r.u2(); err != nil {
				return nil, err
			}
		case vm.TagFieldref, vm.TagMethodref, vm.TagInterfaceMethodref, vm.TagNameAndType, vm.TagInvokeDynamic, tagDynamic:
			if e.Index1, err = r.u2(); err != nil {
				return nil, err
			}
			if e.Index2, err = r.u2(); err != nil {
				return nil, err
			}
		case vm.TagMethodHandle:
			kind, err := r.u1()
			if err != nil {
				return nil, err
			}
			e.Index1 = uint16(kind)
			if e.Index2, err = r.u2(); err != nil {
				return nil, err
			}
		default:
			return nil, fault.Structuralf(fault.ErrBadBytecode, "constant %d has unknown tag %d", pool.Len(), tag)
		}
		pool.Add(e)
	}
	if pool.Len() != int(count) {
		return nil, fault.Structuralf(fault.ErrBadBytecode, "constant pool overruns its count %d", count)
	}
	return pool, nil
}

func parseFields(r *reader, pool *vm.ConstantPool) ([]vm.FieldDefinition, error) {
	n, err := r.u2()
	if err != nil {
		return nil, err
	}
	fields := make([]vm.FieldDefinition, 0, n)
	for i := 0; i < int(n); i++ {
		var fd vm.FieldDefinition
		flags, name, desc, err := parseMember(r, pool)
		if err != nil {
			return nil, err
		}
		fd.Flags, fd.Name, fd.Descriptor = flags, name, desc
		err = parseAttributes(r, pool, func(attr string, body *reader) error {
			if attr != "ConstantValue" {
				return nil
			}
			idx, err := body.u2()
			fd.ConstantValue = idx
			return err
		})
		if err != nil {
			return nil, fault.Wrap(err, "field %s", fd.Name)
		}
		fields = append(fields, fd)
	}
	return fields, nil
}

func parseMethods(r *reader, pool *vm.ConstantPool) ([]vm.MethodDefinition, error) {
	n, err := r.u2()
	if err != nil {
		return nil, err
	}
	methods := make([]vm.MethodDefinition, 0, n)
	for i := 0; i < int(n); i++ {
		var md vm.MethodDefinition
		flags, name, desc, err := parseMember(r, pool)
		if err != nil {
			return nil, err
		}
		md.Flags, md.Name, md.Descriptor = flags, name, desc
		err = parseAttributes(r, pool, func(attr string, body *reader) error {
			if attr != "Code" {
				return nil
			}
			code, err := parseCode(body, pool)
			md.Code = code
			return err
		})
		if err != nil {
			return nil, fault.Wrap(err, "method %s%s", md.Name, md.Descriptor)
		}
		methods = append(methods, md)
	}
	return methods, nil
}

func parseMember(r *reader, pool *vm.ConstantPool) (vm.AccessFlags, string, string, error) {
	flags, err := r.u2()
	if err != nil {
		return 0, "", "", err
	}
	nameIdx, err := r.u2()
	if err != nil {
		return 0, "", "", err
	}
	descIdx, err := r.u2()
	if err != nil {
		return 0, "", "", err
	}
	name, err := pool.Utf8At(int(nameIdx))
	if err != nil {
		return 0, "", "", err
	}
	desc, err := pool.Utf8At(int(descIdx))
	if err != nil {
		return 0, "", "", err
	}
	return vm.AccessFlags(flags), name, desc, nil
}

func parseCode(r *reader, pool *vm.ConstantPool) (*vm.CodeAttribute, error) {
	maxStack, err := r.u2()
	if err != nil {
		return nil, err
	}
	maxLocals, err := r.u2()
	if err != nil {
		return nil, err
	}
	length, err := r.u4()
	if err != nil {
		return nil, err
	}
	code, err := r.bytes(int(length))
	if err != nil {
		return nil, err
	}
	c := &vm.CodeAttribute{MaxStack: int(maxStack), MaxLocals: int(maxLocals), Code: append([]byte(nil), code...)}

	n, err := r.u2()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(n); i++ {
		var raw [4]uint16
		for j := range raw {
			if raw[j], err = r.u2(); err != nil {
				return nil, err
			}
		}
		h := vm.ExceptionHandler{StartPC: int(raw[0]), EndPC: int(raw[1]), HandlerPC: int(raw[2]), CatchType: raw[3]}
		if h.StartPC >= h.EndPC || h.EndPC > len(c.Code) || h.HandlerPC >= len(c.Code) {
			return nil, fault.Structuralf(fault.ErrBadBytecode, "exception handler %d out of range", i)
		}
		c.Handlers = append(c.Handlers, h)
	}
	return c, parseAttributes(r, pool, func(string, *reader) error { return nil })
}

// parseAttributes walks an attribute table, handing each body to visit in
// its own bounded reader.
func parseAttributes(r *reader, pool *vm.ConstantPool, visit func(name string, body *reader) error) error {
	n, err := r.u2()
	if err != nil {
		return err
	}
	for i := 0; i < int(n); i++ {
		nameIdx, err := r.u2()
		if err != nil {
			return err
		}
		length, err := r.u4()
		if err != nil {
			return err
		}
		body, err := r.bytes(int(length))
		if err != nil {
			return err
		}
		name, err := pool.Utf8At(int(nameIdx))
		if err != nil {
			return err
		}
		if err := visit(name, &reader{data: body}); err != nil {
			return fault.Wrap(err, "attribute %s", name)
		}
	}
	return nil
}

// decodeModifiedUTF8 decodes the class file string encoding: NUL is two
// bytes and supplementary characters are encoded surrogate by surrogate.
func decodeModifiedUTF8(b []byte) (string, error) {
	units := make([]uint16, 0, len(b))
	for i := 0; i < len(b); {
		c := b[i]
		switch {
		case c&0x80 == 0:
			units = append(units, uint16(c))
			i++
		case c&0xE0 == 0xC0 && i+1 < len(b):
			units = append(units, uint16(c&0x1F)<<6|uint16(b[i+1]&0x3F))
			i += 2
		case c&0xF0 == 0xE0 && i+2 < len(b):
			units = append(units, uint16(c&0x0F)<<12|uint16(b[i+1]&0x3F)<<6|uint16(b[i+2]&0x3F))
			i += 3
		default:
			return "", fault.Structuralf(fault.ErrBadBytecode, "bad modified UTF-8 byte %#x at %d", c, i)
		}
	}
	return string(utf16.Decode(units)), nil
}

// ---------------------------------------------------------------------------
// Directory loader
// ---------------------------------------------------------------------------

// DirLoader loads classes from directory trees laid out by package, such as
// a compiler's output directory.
type DirLoader struct {
	Dirs []string
}

// LoadClass implements vm.ClassLoader.
func (l DirLoader) LoadClass(name string) (*vm.ClassDefinition, error) {
	for _, dir := range l.Dirs {
		path := filepath.Join(dir, filepath.FromSlash(name)+".class")
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fault.HostError(err, "reading %s", path)
		}
		def, err := Parse(data)
		if err != nil {
			return nil, fault.Wrap(err, "%s", path)
		}
		if def.Name != name {
			return nil, fault.Structuralf(fault.ErrClassNotFound, "%s declares %s, not %s", path, def.Name, name)
		}
		def.Source = path
		return def, nil
	}
	return nil, fault.Structuralf(fault.ErrClassNotFound, "%s", name)
}
