package bytecode

import (
	"encoding/binary"
	"fmt"
)

// Label marks a position in an Assembler's code that branches can target
// before the position is known.
type Label struct {
	id int
}

type fixup struct {
	label  int
	opPC   int // Offset of the instruction the displacement is relative to
	at     int // Offset of the displacement bytes
	width  int // 2 or 4
}

// Assembler builds a method body. Branch displacements are recorded against
// labels and patched when Code is called.
type Assembler struct {
	code   []byte
	labels []int // bound offset per label, -1 while unbound
	fixups []fixup
}

// NewAssembler creates an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{code: make([]byte, 0, 64)}
}

// Emit appends a single-byte opcode.
func (a *Assembler) Emit(op Opcode) *Assembler {
	a.code = append(a.code, byte(op))
	return a
}

// EmitU8 appends an opcode with a one-byte operand.
func (a *Assembler) EmitU8(op Opcode, v uint8) *Assembler {
	a.code = append(a.code, byte(op), v)
	return a
}

// EmitU16 appends an opcode with a big-endian two-byte operand.
func (a *Assembler) EmitU16(op Opcode, v uint16) *Assembler {
	a.code = append(a.code, byte(op), byte(v>>8), byte(v))
	return a
}

// EmitWithOperand appends an opcode with raw operand bytes.
func (a *Assembler) EmitWithOperand(op Opcode, operands ...byte) *Assembler {
	a.code = append(a.code, byte(op))
	a.code = append(a.code, operands...)
	return a
}

// Bipush pushes a sign-extended byte.
func (a *Assembler) Bipush(v int8) *Assembler {
	return a.EmitU8(OpBipush, uint8(v))
}

// Sipush pushes a sign-extended short.
func (a *Assembler) Sipush(v int16) *Assembler {
	return a.EmitU16(OpSipush, uint16(v))
}

// Iconst pushes an int using the shortest encoding.
func (a *Assembler) Iconst(v int32) *Assembler {
	switch {
	case v >= -1 && v <= 5:
		return a.Emit(OpIconst0 + Opcode(v))
	case v >= -128 && v <= 127:
		return a.Bipush(int8(v))
	case v >= -32768 && v <= 32767:
		return a.Sipush(int16(v))
	}
	panic(fmt.Sprintf("Iconst(%d): needs a constant pool entry", v))
}

// Local emits a local-variable load or store, choosing the short form for
// slots 0-3 and a wide prefix for slots above 255. op must be one of the
// indexed forms (iload, astore, wload, ...).
func (a *Assembler) Local(op Opcode, slot int) *Assembler {
	if slot <= 3 {
		if short, ok := shortLocalForm(op, slot); ok {
			return a.Emit(short)
		}
	}
	if slot > 0xFF {
		a.code = append(a.code, byte(OpWide), byte(op), byte(slot>>8), byte(slot))
		return a
	}
	return a.EmitU8(op, uint8(slot))
}

func shortLocalForm(op Opcode, slot int) (Opcode, bool) {
	switch op {
	case OpIload, OpLload, OpFload, OpDload, OpAload:
		return OpIload0 + Opcode(int(op-OpIload)*4+slot), true
	case OpIstore, OpLstore, OpFstore, OpDstore, OpAstore:
		return OpIstore0 + Opcode(int(op-OpIstore)*4+slot), true
	case OpWload:
		return OpWload0 + Opcode(slot), true
	case OpWstore:
		return OpWstore0 + Opcode(slot), true
	}
	return 0, false
}

// Iinc increments a local int, using the wide form when needed.
func (a *Assembler) Iinc(slot int, delta int) *Assembler {
	if slot > 0xFF || delta < -128 || delta > 127 {
		a.code = append(a.code, byte(OpWide), byte(OpIinc), byte(slot>>8), byte(slot), byte(delta>>8), byte(delta))
		return a
	}
	a.code = append(a.code, byte(OpIinc), byte(slot), byte(int8(delta)))
	return a
}

// Pointer emits one of the pointer access instructions.
func (a *Assembler) Pointer(op Opcode, kind PointerKind, intOffset bool) *Assembler {
	return a.EmitU16(op, uint16(MakePointerOp(kind, intOffset)))
}

// NewLabel allocates an unbound label.
func (a *Assembler) NewLabel() Label {
	a.labels = append(a.labels, -1)
	return Label{id: len(a.labels) - 1}
}

// Bind binds l to the current offset.
func (a *Assembler) Bind(l Label) *Assembler {
	a.labels[l.id] = len(a.code)
	return a
}

// Branch emits a branch instruction to l.
func (a *Assembler) Branch(op Opcode, l Label) *Assembler {
	pc := len(a.code)
	if op == OpGotoW || op == OpJsrW {
		a.code = append(a.code, byte(op), 0, 0, 0, 0)
		a.fixups = append(a.fixups, fixup{label: l.id, opPC: pc, at: pc + 1, width: 4})
		return a
	}
	a.code = append(a.code, byte(op), 0xFF, 0xFF) // Placeholder
	a.fixups = append(a.fixups, fixup{label: l.id, opPC: pc, at: pc + 1, width: 2})
	return a
}

func (a *Assembler) switchHeader(op Opcode) int {
	pc := len(a.code)
	a.code = append(a.code, byte(op))
	for i := 0; i < SwitchPadding(pc); i++ {
		a.code = append(a.code, 0)
	}
	return pc
}

func (a *Assembler) switchTarget(pc int, l Label) {
	at := len(a.code)
	a.code = append(a.code, 0, 0, 0, 0)
	a.fixups = append(a.fixups, fixup{label: l.id, opPC: pc, at: at, width: 4})
}

func (a *Assembler) putS32(v int32) {
	a.code = binary.BigEndian.AppendUint32(a.code, uint32(v))
}

// Tableswitch emits a tableswitch over [low, low+len(targets)).
func (a *Assembler) Tableswitch(low int32, dflt Label, targets ...Label) *Assembler {
	pc := a.switchHeader(OpTableswitch)
	a.switchTarget(pc, dflt)
	a.putS32(low)
	a.putS32(low + int32(len(targets)) - 1)
	for _, t := range targets {
		a.switchTarget(pc, t)
	}
	return a
}

// Lookupswitch emits a lookupswitch. keys must be sorted ascending.
func (a *Assembler) Lookupswitch(dflt Label, keys []int32, targets []Label) *Assembler {
	if len(keys) != len(targets) {
		panic("Lookupswitch: keys and targets differ in length")
	}
	pc := a.switchHeader(OpLookupswitch)
	a.switchTarget(pc, dflt)
	a.putS32(int32(len(keys)))
	for i, k := range keys {
		a.putS32(k)
		a.switchTarget(pc, targets[i])
	}
	return a
}

// CurrentOffset returns the current offset in the code.
func (a *Assembler) CurrentOffset() int {
	return len(a.code)
}

// Code patches all branches and returns the assembled bytes.
func (a *Assembler) Code() ([]byte, error) {
	for _, f := range a.fixups {
		target := a.labels[f.label]
		if target < 0 {
			return nil, fmt.Errorf("label %d referenced at %d is never bound", f.label, f.opPC)
		}
		delta := target - f.opPC
		if f.width == 2 {
			if delta < -32768 || delta > 32767 {
				return nil, fmt.Errorf("branch at %d: displacement %d exceeds 16 bits", f.opPC, delta)
			}
			binary.BigEndian.PutUint16(a.code[f.at:], uint16(int16(delta)))
			continue
		}
		binary.BigEndian.PutUint32(a.code[f.at:], uint32(int32(delta)))
	}
	out := make([]byte, len(a.code))
	copy(out, a.code)
	return out, nil
}

// MustCode is like Code but panics on error. Intended for tests and fixtures.
func (a *Assembler) MustCode() []byte {
	code, err := a.Code()
	if err != nil {
		panic(err)
	}
	return code
}
