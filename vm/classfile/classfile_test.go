package classfile

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	"github.com/chazu/telescope/pkg/bytecode"
	"github.com/chazu/telescope/pkg/fault"
	"github.com/chazu/telescope/vm"
)

// ---------------------------------------------------------------------------
// Test class file builder
// ---------------------------------------------------------------------------

type testClassBuilder struct {
	pool  bytes.Buffer
	count uint16
	utf8  map[string]uint16
}

func newTestClassBuilder() *testClassBuilder {
	return &testClassBuilder{count: 1, utf8: make(map[string]uint16)}
}

func (b *testClassBuilder) entry(tag byte, payload ...byte) uint16 {
	idx := b.count
	b.pool.WriteByte(tag)
	b.pool.Write(payload)
	b.count++
	if tag == byte(vm.TagLong) || tag == byte(vm.TagDouble) {
		b.count++
	}
	return idx
}

func u2(v uint16) []byte { return binary.BigEndian.AppendUint16(nil, v) }
func u4(v uint32) []byte { return binary.BigEndian.AppendUint32(nil, v) }

func (b *testClassBuilder) utf8Raw(raw []byte) uint16 {
	return b.entry(byte(vm.TagUtf8), append(u2(uint16(len(raw))), raw...)...)
}

func (b *testClassBuilder) str(s string) uint16 {
	if idx, ok := b.utf8[s]; ok {
		return idx
	}
	idx := b.utf8Raw([]byte(s))
	b.utf8[s] = idx
	return idx
}

func (b *testClassBuilder) class(name string) uint16 {
	return b.entry(byte(vm.TagClass), u2(b.str(name))...)
}

func (b *testClassBuilder) attribute(name string, body []byte) []byte {
	out := append(u2(b.str(name)), u4(uint32(len(body)))...)
	return append(out, body...)
}

type testMember struct {
	flags      vm.AccessFlags
	name, desc string
	attrs      [][]byte
}

func (b *testClassBuilder) members(ms []testMember) []byte {
	out := u2(uint16(len(ms)))
	for _, m := range ms {
		out = append(out, u2(uint16(m.flags))...)
		out = append(out, u2(b.str(m.name))...)
		out = append(out, u2(b.str(m.desc))...)
		out = append(out, u2(uint16(len(m.attrs)))...)
		for _, a := range m.attrs {
			out = append(out, a...)
		}
	}
	return out
}

// build assembles the class file. The body is produced first so that every
// pool entry it needs exists before the pool is written.
func (b *testClassBuilder) build(this, super uint16, body []byte) []byte {
	var out bytes.Buffer
	out.Write(u4(Magic))
	out.Write(u2(0))
	out.Write(u2(52))
	out.Write(u2(b.count))
	out.Write(b.pool.Bytes())
	out.Write(u2(uint16(vm.AccPublic)))
	out.Write(u2(this))
	out.Write(u2(super))
	out.Write(body)
	return out.Bytes()
}

// adderClass encodes demo/Adder with a constant field and a static add method
// guarded by a catch-all handler.
func adderClass(t testing.TB) []byte {
	t.Helper()
	b := newTestClassBuilder()
	this := b.class("demo/Adder")
	super := b.class(vm.ObjectClassName)
	iface := b.class("java/io/Serializable")
	seven := b.entry(byte(vm.TagInteger), u4(7)...)
	b.entry(byte(vm.TagLong), u4(1)...)
	b.pool.Write(u4(2))

	a := bytecode.NewAssembler()
	a.Emit(bytecode.OpIload0).Emit(bytecode.OpIload1).Emit(bytecode.OpIadd).Emit(bytecode.OpIreturn).
		Emit(bytecode.OpPop).Emit(bytecode.OpIconstM1).Emit(bytecode.OpIreturn)
	code := a.MustCode()

	var codeAttr []byte
	codeAttr = append(codeAttr, u2(2)...)
	codeAttr = append(codeAttr, u2(2)...)
	codeAttr = append(codeAttr, u4(uint32(len(code)))...)
	codeAttr = append(codeAttr, code...)
	codeAttr = append(codeAttr, u2(1)...)
	for _, v := range []uint16{0, 4, 4, 0} {
		codeAttr = append(codeAttr, u2(v)...)
	}
	codeAttr = append(codeAttr, u2(1)...)
	codeAttr = append(codeAttr, b.attribute("LineNumberTable", []byte{0, 1, 0, 0, 0, 1})...)

	var body []byte
	body = append(body, u2(1)...)
	body = append(body, u2(iface)...)
	body = append(body, b.members([]testMember{
		{flags: vm.AccPublic | vm.AccStatic | vm.AccFinal, name: "K", desc: "I", attrs: [][]byte{b.attribute("ConstantValue", u2(seven))}},
		{flags: vm.AccPrivate, name: "label", desc: "Ljava/lang/String;", attrs: [][]byte{b.attribute("Signature", u2(b.str("x")))}},
	})...)
	body = append(body, b.members([]testMember{
		{flags: vm.AccPublic | vm.AccStatic, name: "add", desc: "(II)I", attrs: [][]byte{b.attribute("Code", codeAttr)}},
		{flags: vm.AccPublic | vm.AccNative, name: "id", desc: "()J"},
	})...)
	body = append(body, u2(1)...)
	body = append(body, b.attribute("SourceFile", u2(b.str("Adder.java")))...)
	return b.build(this, super, body)
}

// ---------------------------------------------------------------------------
// Parse
// ---------------------------------------------------------------------------

func TestParse(t *testing.T) {
	def, ver, err := ParseVersion(adderClass(t))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ver.Major != 52 || ver.Minor != 0 {
		t.Errorf("version = %+v, want 52.0", ver)
	}
	if def.Name != "demo/Adder" || def.Super != vm.ObjectClassName {
		t.Errorf("class = %s extends %s", def.Name, def.Super)
	}
	if len(def.Interfaces) != 1 || def.Interfaces[0] != "java/io/Serializable" {
		t.Errorf("interfaces = %v", def.Interfaces)
	}
	if def.Source != "Adder.java" {
		t.Errorf("source = %q", def.Source)
	}
	if len(def.Fields) != 2 {
		t.Fatalf("fields = %d, want 2", len(def.Fields))
	}
	if k := def.Fields[0]; k.Name != "K" || k.ConstantValue == 0 {
		t.Errorf("field K = %+v", k)
	}
	if len(def.Methods) != 2 {
		t.Fatalf("methods = %d, want 2", len(def.Methods))
	}
	add := def.Methods[0]
	if add.Code == nil || add.Code.MaxLocals != 2 || len(add.Code.Code) != 7 {
		t.Fatalf("add code = %+v", add.Code)
	}
	if len(add.Code.Handlers) != 1 || add.Code.Handlers[0].HandlerPC != 4 {
		t.Errorf("handlers = %+v", add.Code.Handlers)
	}
	if def.Methods[1].Code != nil {
		t.Error("native method should have no code")
	}

	v, err := def.Pool.Primitive(int(def.Fields[0].ConstantValue))
	if err != nil || v.AsInt() != 7 {
		t.Errorf("K = %v, %v", v, err)
	}
}

func TestParsedClassExecutes(t *testing.T) {
	def, err := Parse(adderClass(t))
	if err != nil {
		t.Fatal(err)
	}
	registry := vm.NewClassRegistry(vm.MapLoader{def.Name: def})
	in := vm.NewInterpreter(vm.DefaultConfig(), registry, nil, nil)
	out, err := in.ExecuteNamed("demo/Adder", "add", "(II)I", vm.IntValue(40), vm.IntValue(2))
	if err != nil {
		t.Fatal(err)
	}
	if out.Value.AsInt() != 42 {
		t.Errorf("add(40, 2) = %v, want 42", out.Value)
	}

	c := registry.MustLookup("demo/Adder")
	k := c.FindField("K")
	if got := c.StaticValue(k); got.AsInt() != 7 {
		t.Errorf("static K = %v, want 7", got)
	}
}

func TestParseRejectsBadMagic(t *testing.T) {
	data := adderClass(t)
	data[0] = 0
	if _, err := Parse(data); !errors.Is(err, fault.ErrBadBytecode) {
		t.Errorf("err = %v, want ErrBadBytecode", err)
	}
}

func TestParseTruncated(t *testing.T) {
	data := adderClass(t)
	for n := 0; n < len(data); n++ {
		if _, err := Parse(data[:n]); !fault.IsStructural(err) {
			t.Fatalf("Parse(%d of %d bytes) err = %v, want structural", n, len(data), err)
		}
	}
}

func TestModifiedUTF8(t *testing.T) {
	tests := []struct {
		in   []byte
		want string
	}{
		{[]byte("plain"), "plain"},
		{[]byte{0xC0, 0x80}, "\x00"},
		{[]byte{0xC3, 0xA9}, "é"},
		// U+1D11E as a surrogate pair
		{[]byte{0xED, 0xA0, 0xB4, 0xED, 0xB4, 0x9E}, "𝄞"},
	}
	for _, tt := range tests {
		got, err := decodeModifiedUTF8(tt.in)
		if err != nil {
			t.Errorf("decode(% x): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("decode(% x) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if _, err := decodeModifiedUTF8([]byte{0xF0, 0x90, 0x80, 0x80}); err == nil {
		t.Error("four-byte sequences are not modified UTF-8")
	}
}

// ---------------------------------------------------------------------------
// DirLoader
// ---------------------------------------------------------------------------

func TestDirLoader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "demo", "Adder.class")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, adderClass(t), 0o644); err != nil {
		t.Fatal(err)
	}

	l := DirLoader{Dirs: []string{t.TempDir(), dir}}
	def, err := l.LoadClass("demo/Adder")
	if err != nil {
		t.Fatalf("LoadClass: %v", err)
	}
	if def.Source != path {
		t.Errorf("Source = %q, want %q", def.Source, path)
	}

	if _, err := l.LoadClass("demo/Missing"); !errors.Is(err, fault.ErrClassNotFound) {
		t.Errorf("missing class err = %v, want ErrClassNotFound", err)
	}

	// A file whose contents name another class is not that class.
	wrong := filepath.Join(dir, "demo", "Other.class")
	if err := os.WriteFile(wrong, adderClass(t), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := l.LoadClass("demo/Other"); !errors.Is(err, fault.ErrClassNotFound) {
		t.Errorf("mismatched class err = %v, want ErrClassNotFound", err)
	}
}

func TestDirLoaderInRegistry(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "demo"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "demo", "Adder.class"), adderClass(t), 0o644); err != nil {
		t.Fatal(err)
	}
	registry := vm.NewClassRegistry(DirLoader{Dirs: []string{dir}})
	c, err := registry.Lookup("demo/Adder")
	if err != nil {
		t.Fatal(err)
	}
	if c.FindMethod("add", "(II)I") == nil {
		t.Error("add not found on loaded class")
	}
}

// ---------------------------------------------------------------------------
// Fuzzing: the parser must never panic on arbitrary input.
// ---------------------------------------------------------------------------

func FuzzParse(f *testing.F) {
	f.Add(adderClass(f))
	f.Add([]byte{0xCA, 0xFE, 0xBA, 0xBE})
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = Parse(data)
	})
}
