package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// ErrTruncated is returned when an instruction's operands run past the end of the code.
var ErrTruncated = errors.New("truncated instruction")

// ErrUndefinedOpcode is returned when decoding meets a byte with no opcode entry.
var ErrUndefinedOpcode = errors.New("undefined opcode")

// Instruction is a decoded instruction.
type Instruction struct {
	PC       int    // Offset of the opcode (or of the wide prefix)
	Op       Opcode // Opcode, after any wide prefix
	Wide     bool   // Instruction carried a wide prefix
	Length   int    // Total encoded length in bytes
	Operands []int  // Decoded operand values

	// Switch payload for tableswitch and lookupswitch.
	Default int
	Keys    []int32
	Targets []int
}

// Next returns the offset of the following instruction.
func (in Instruction) Next() int {
	return in.PC + in.Length
}

// BranchTarget returns the absolute target of a branch instruction.
func (in Instruction) BranchTarget() int {
	if !in.Op.IsBranch() || len(in.Operands) == 0 {
		return -1
	}
	return in.PC + in.Operands[0]
}

func u16(code []byte, pc int) int {
	return int(binary.BigEndian.Uint16(code[pc:]))
}

func s16(code []byte, pc int) int {
	return int(int16(binary.BigEndian.Uint16(code[pc:])))
}

func s32(code []byte, pc int) int32 {
	return int32(binary.BigEndian.Uint32(code[pc:]))
}

// SwitchPadding returns the number of padding bytes that follow a switch opcode at pc.
func SwitchPadding(pc int) int {
	return (4 - (pc+1)%4) % 4
}

// Decode decodes the instruction at pc.
func Decode(code []byte, pc int) (Instruction, error) {
	if pc < 0 || pc >= len(code) {
		return Instruction{}, fmt.Errorf("pc %d: %w", pc, ErrTruncated)
	}
	op := Opcode(code[pc])
	if !IsDefined(op) {
		return Instruction{}, fmt.Errorf("pc %d: %w 0x%02X", pc, ErrUndefinedOpcode, byte(op))
	}
	in := Instruction{PC: pc, Op: op}
	need := func(n int) error {
		if pc+n > len(code) {
			return fmt.Errorf("pc %d (%s): %w", pc, op, ErrTruncated)
		}
		return nil
	}

	switch op {
	case OpWide:
		if err := need(2); err != nil {
			return in, err
		}
		inner := Opcode(code[pc+1])
		in.Op = inner
		in.Wide = true
		switch {
		case inner == OpIinc:
			if err := need(6); err != nil {
				return in, err
			}
			in.Operands = []int{u16(code, pc+2), s16(code, pc+4)}
			in.Length = 6
		case isLocalIndexOp(inner):
			if err := need(4); err != nil {
				return in, err
			}
			in.Operands = []int{u16(code, pc+2)}
			in.Length = 4
		default:
			return in, fmt.Errorf("pc %d: wide applied to %s: %w", pc, inner, ErrUndefinedOpcode)
		}
		return in, nil

	case OpTableswitch:
		base := pc + 1 + SwitchPadding(pc)
		if err := need(base - pc + 12); err != nil {
			return in, err
		}
		in.Default = pc + int(s32(code, base))
		low := s32(code, base+4)
		high := s32(code, base+8)
		if high < low {
			return in, fmt.Errorf("pc %d: tableswitch high %d < low %d", pc, high, low)
		}
		n := int(high-low) + 1
		if err := need(base - pc + 12 + 4*n); err != nil {
			return in, err
		}
		in.Keys = make([]int32, n)
		in.Targets = make([]int, n)
		for i := 0; i < n; i++ {
			in.Keys[i] = low + int32(i)
			in.Targets[i] = pc + int(s32(code, base+12+4*i))
		}
		in.Operands = []int{int(low), int(high)}
		in.Length = base - pc + 12 + 4*n
		return in, nil

	case OpLookupswitch:
		base := pc + 1 + SwitchPadding(pc)
		if err := need(base - pc + 8); err != nil {
			return in, err
		}
		in.Default = pc + int(s32(code, base))
		n := int(s32(code, base+4))
		if n < 0 {
			return in, fmt.Errorf("pc %d: lookupswitch npairs %d", pc, n)
		}
		if err := need(base - pc + 8 + 8*n); err != nil {
			return in, err
		}
		in.Keys = make([]int32, n)
		in.Targets = make([]int, n)
		for i := 0; i < n; i++ {
			in.Keys[i] = s32(code, base+8+8*i)
			in.Targets[i] = pc + int(s32(code, base+12+8*i))
		}
		in.Operands = []int{n}
		in.Length = base - pc + 8 + 8*n
		return in, nil
	}

	n := op.OperandLen()
	if err := need(1 + n); err != nil {
		return in, err
	}
	in.Length = 1 + n
	switch op {
	case OpBipush:
		in.Operands = []int{int(int8(code[pc+1]))}
	case OpSipush:
		in.Operands = []int{s16(code, pc+1)}
	case OpIinc:
		in.Operands = []int{int(code[pc+1]), int(int8(code[pc+2]))}
	case OpInvokeinterface:
		in.Operands = []int{u16(code, pc+1), int(code[pc+3])}
	case OpInvokedynamic:
		in.Operands = []int{u16(code, pc+1)}
	case OpMultianewarray:
		in.Operands = []int{u16(code, pc+1), int(code[pc+3])}
	case OpGotoW, OpJsrW:
		in.Operands = []int{int(s32(code, pc+1))}
	default:
		switch {
		case op.IsBranch():
			in.Operands = []int{s16(code, pc+1)}
		case n == 1:
			in.Operands = []int{int(code[pc+1])}
		case n == 2:
			in.Operands = []int{u16(code, pc+1)}
		}
	}
	return in, nil
}

func isLocalIndexOp(op Opcode) bool {
	switch {
	case op >= OpIload && op <= OpAload:
		return true
	case op >= OpIstore && op <= OpAstore:
		return true
	case op == OpRet || op == OpWload || op == OpWstore:
		return true
	}
	return false
}

// Format renders a decoded instruction as "pc: mnemonic operands".
func (in Instruction) Format() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d: ", in.PC))
	if in.Wide {
		sb.WriteString("wide ")
	}
	sb.WriteString(in.Op.String())
	switch in.Op {
	case OpTableswitch, OpLookupswitch:
		sb.WriteString(" {")
		for i, k := range in.Keys {
			if i > 0 {
				sb.WriteString(",")
			}
			sb.WriteString(fmt.Sprintf(" %d: %d", k, in.Targets[i]))
		}
		sb.WriteString(fmt.Sprintf(" default: %d }", in.Default))
		return sb.String()
	case OpPread, OpPwrite, OpPget, OpPset, OpPcmpswp:
		sb.WriteString(" " + PointerOp(in.Operands[0]).String())
		return sb.String()
	}
	if in.Op.IsBranch() {
		sb.WriteString(fmt.Sprintf(" %d", in.BranchTarget()))
		return sb.String()
	}
	for _, v := range in.Operands {
		sb.WriteString(fmt.Sprintf(" %d", v))
	}
	return sb.String()
}

// Disassemble returns a human-readable listing of code, one instruction per line.
// Decoding stops at the first malformed instruction, which is reported inline.
func Disassemble(code []byte) string {
	var sb strings.Builder
	pc := 0
	for pc < len(code) {
		in, err := Decode(code, pc)
		if err != nil {
			sb.WriteString(fmt.Sprintf("%d: <%v>\n", pc, err))
			break
		}
		sb.WriteString(in.Format())
		sb.WriteString("\n")
		pc = in.Next()
	}
	return sb.String()
}

// DecodeAll decodes every instruction in code.
func DecodeAll(code []byte) ([]Instruction, error) {
	var out []Instruction
	pc := 0
	for pc < len(code) {
		in, err := Decode(code, pc)
		if err != nil {
			return out, err
		}
		out = append(out, in)
		pc = in.Next()
	}
	return out, nil
}

// Preceding returns up to n instructions that precede pc, in program order,
// stopping early at an instruction that ends a basic block.
func Preceding(code []byte, pc, n int) []Instruction {
	all, _ := DecodeAll(code)
	idx := -1
	for i, in := range all {
		if in.PC == pc {
			idx = i
			break
		}
	}
	if idx <= 0 {
		return nil
	}
	start := idx
	for start > 0 && idx-start < n {
		if all[start-1].Op.EndsBlock() {
			break
		}
		start--
	}
	return all[start:idx]
}
