package vm

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"

	"github.com/chazu/telescope/pkg/bytecode"
	"github.com/chazu/telescope/pkg/fault"
)

// ---------------------------------------------------------------------------
// Operand fetch
// ---------------------------------------------------------------------------

// malformed is panicked by the frame helpers when the code or the operand
// stack does not hold what the instruction needs. step turns it into
// ErrBadBytecode.
type malformed string

func (f *Frame) operand(n int) []byte {
	if f.PC < 0 || f.PC+n > len(f.code) {
		panic(malformed(fmt.Sprintf("%d operand bytes at %d run past the code", n, f.PC)))
	}
	b := f.code[f.PC : f.PC+n]
	f.PC += n
	return b
}

func (f *Frame) u8() int {
	return int(f.operand(1)[0])
}

func (f *Frame) s8() int {
	return int(int8(f.operand(1)[0]))
}

func (f *Frame) u16() int {
	return int(binary.BigEndian.Uint16(f.operand(2)))
}

func (f *Frame) s16() int {
	return int(int16(binary.BigEndian.Uint16(f.operand(2))))
}

func (f *Frame) s32() int {
	return int(int32(binary.BigEndian.Uint32(f.operand(4))))
}

// index reads a local variable index, two bytes wide after a wide prefix.
func (f *Frame) index(wide bool) int {
	if wide {
		return f.u16()
	}
	return f.u8()
}

func (f *Frame) push(v Value) {
	f.Stack = append(f.Stack, v.Widen())
}

// top returns the value n entries below the top of the operand stack.
func (f *Frame) top(n int) Value {
	if n < 0 || n >= len(f.Stack) {
		panic(malformed(fmt.Sprintf("operand stack of depth %d has no entry %d", len(f.Stack), n)))
	}
	return f.Stack[len(f.Stack)-1-n]
}

func (f *Frame) pop() Value {
	v := f.top(0)
	f.Stack = f.Stack[:len(f.Stack)-1]
	return v
}

func (f *Frame) local(index int) Value {
	if index < 0 || index >= len(f.Locals) {
		panic(malformed(fmt.Sprintf("local %d of %d", index, len(f.Locals))))
	}
	return f.Locals[index]
}

func (f *Frame) store(index int, v Value) {
	if index < 0 || index >= len(f.Locals) {
		panic(malformed(fmt.Sprintf("local %d of %d", index, len(f.Locals))))
	}
	f.Locals[index] = v
	if v.IsCategory2() && index+1 < len(f.Locals) {
		f.Locals[index+1] = Void
	}
}

func (f *Frame) branch(offset int) {
	f.PC = f.OpcodePC + offset
}

// ---------------------------------------------------------------------------
// Returns
// ---------------------------------------------------------------------------

// doReturn pops the current frame and hands v to the caller, or finishes the
// running invocation when the frame was its outermost one.
func (m *Machine) doReturn(v Value) {
	f := m.PopFrame()
	ret := f.Method.Signature.Return
	if ret != KindVoid {
		v = v.Convert(ret)
	}
	if len(m.frames) == m.base {
		m.result = v
		m.finished = true
		return
	}
	if ret != KindVoid {
		m.Push(v)
	}
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

// step executes the instruction at the current frame's pc. Guest exceptions
// come back as *Throw errors; anything else is a fault of the interpreter
// or of the target. Code that runs past its end or underflows the operand
// stack is malformed; any other panic is a host fault.
func (m *Machine) step() (err error) {
	f := m.CurrentFrame()
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if msg, ok := r.(malformed); ok {
			err = fault.Structuralf(fault.ErrBadBytecode, "%s at %d: %s", f.Method, f.OpcodePC, string(msg))
			return
		}
		err = fault.HostPanic(r, "%s at %d", f.Method, f.OpcodePC)
	}()

	f.OpcodePC = f.PC
	m.tracer.instruction(f)
	m.executed++
	op := bytecode.Opcode(f.u8())
	wide := false
	if op == bytecode.OpWide {
		op = bytecode.Opcode(f.u8())
		wide = true
	}

	switch {
	case op >= bytecode.OpIload0 && op <= bytecode.OpAload3:
		f.push(f.local(int(op-bytecode.OpIload0) % 4))
		return nil
	case op >= bytecode.OpIstore0 && op <= bytecode.OpAstore3:
		f.store(int(op-bytecode.OpIstore0)%4, f.pop())
		return nil
	case op >= bytecode.OpWload0 && op <= bytecode.OpWload3:
		f.push(f.local(int(op - bytecode.OpWload0)))
		return nil
	case op >= bytecode.OpWstore0 && op <= bytecode.OpWstore3:
		f.store(int(op-bytecode.OpWstore0), f.pop())
		return nil
	case op >= bytecode.OpIfeq && op <= bytecode.OpIfle:
		offset := f.s16()
		if compareZero(op, f.pop().AsInt()) {
			f.branch(offset)
		}
		return nil
	case op >= bytecode.OpIfIcmpeq && op <= bytecode.OpIfIcmple:
		offset := f.s16()
		b := f.pop().AsInt()
		a := f.pop().AsInt()
		if compareZero(op-bytecode.OpIfIcmpeq+bytecode.OpIfeq, compareInts(a, b)) {
			f.branch(offset)
		}
		return nil
	case op >= bytecode.OpIaload && op <= bytecode.OpSaload:
		return m.arrayLoad(f, arrayKinds[op-bytecode.OpIaload])
	case op >= bytecode.OpIastore && op <= bytecode.OpSastore:
		return m.arrayStore(f, arrayKinds[op-bytecode.OpIastore])
	case op >= bytecode.OpIadd && op <= bytecode.OpLxor:
		return m.arithmetic(f, op)
	case op >= bytecode.OpI2l && op <= bytecode.OpI2s:
		f.push(convert(op, f.pop()))
		return nil
	}

	switch op {
	case bytecode.OpNop:
	case bytecode.OpAconstNull:
		f.push(NullValue)
	case bytecode.OpIconstM1, bytecode.OpIconst0, bytecode.OpIconst1, bytecode.OpIconst2,
		bytecode.OpIconst3, bytecode.OpIconst4, bytecode.OpIconst5:
		f.push(IntValue(int32(op) - int32(bytecode.OpIconst0)))
	case bytecode.OpLconst0, bytecode.OpLconst1:
		f.push(LongValue(int64(op - bytecode.OpLconst0)))
	case bytecode.OpFconst0, bytecode.OpFconst1, bytecode.OpFconst2:
		f.push(FloatValue(float32(op - bytecode.OpFconst0)))
	case bytecode.OpDconst0, bytecode.OpDconst1:
		f.push(DoubleValue(float64(op - bytecode.OpDconst0)))
	case bytecode.OpBipush:
		f.push(IntValue(int32(f.s8())))
	case bytecode.OpSipush:
		f.push(IntValue(int32(f.s16())))
	case bytecode.OpLdc:
		return m.ldc(f, f.u8())
	case bytecode.OpLdcW, bytecode.OpLdc2W:
		return m.ldc(f, f.u16())

	case bytecode.OpIload, bytecode.OpLload, bytecode.OpFload, bytecode.OpDload, bytecode.OpAload, bytecode.OpWload:
		f.push(f.local(f.index(wide)))
	case bytecode.OpIstore, bytecode.OpLstore, bytecode.OpFstore, bytecode.OpDstore, bytecode.OpAstore, bytecode.OpWstore:
		f.store(f.index(wide), f.pop())
	case bytecode.OpIinc:
		index := f.index(wide)
		var delta int
		if wide {
			delta = f.s16()
		} else {
			delta = f.s8()
		}
		f.store(index, IntValue(f.local(index).AsInt()+int32(delta)))

	case bytecode.OpPop:
		f.pop()
	case bytecode.OpPop2:
		if !f.pop().IsCategory2() {
			f.pop()
		}
	case bytecode.OpDup, bytecode.OpDupX1, bytecode.OpDupX2,
		bytecode.OpDup2, bytecode.OpDup2X1, bytecode.OpDup2X2, bytecode.OpSwap:
		stackOp(f, op)

	case bytecode.OpLcmp:
		b := f.pop().AsLong()
		a := f.pop().AsLong()
		f.push(IntValue(compareLongs(a, b)))
	case bytecode.OpFcmpl, bytecode.OpFcmpg:
		b := float64(f.pop().AsFloat())
		a := float64(f.pop().AsFloat())
		f.push(IntValue(compareFloats(a, b, op == bytecode.OpFcmpg)))
	case bytecode.OpDcmpl, bytecode.OpDcmpg:
		b := f.pop().AsDouble()
		a := f.pop().AsDouble()
		f.push(IntValue(compareFloats(a, b, op == bytecode.OpDcmpg)))

	case bytecode.OpIfAcmpeq, bytecode.OpIfAcmpne:
		offset := f.s16()
		b := f.pop().AsRef()
		a := f.pop().AsRef()
		if (a == b) == (op == bytecode.OpIfAcmpeq) {
			f.branch(offset)
		}
	case bytecode.OpIfnull, bytecode.OpIfnonnull:
		offset := f.s16()
		if IsNull(f.pop().AsRef()) == (op == bytecode.OpIfnull) {
			f.branch(offset)
		}
	case bytecode.OpGoto:
		f.branch(f.s16())
	case bytecode.OpGotoW:
		f.branch(f.s32())
	case bytecode.OpJsr:
		offset := f.s16()
		f.push(IntValue(int32(f.PC)))
		f.branch(offset)
	case bytecode.OpJsrW:
		offset := f.s32()
		f.push(IntValue(int32(f.PC)))
		f.branch(offset)
	case bytecode.OpRet:
		f.PC = int(f.local(f.index(wide)).AsInt())
	case bytecode.OpTableswitch, bytecode.OpLookupswitch:
		in, err := bytecode.Decode(f.code, f.OpcodePC)
		if err != nil {
			return fault.Structuralf(fault.ErrBadBytecode, "%v", err)
		}
		key := f.pop().AsInt()
		f.PC = in.Default
		for i, k := range in.Keys {
			if k == key {
				f.PC = in.Targets[i]
				break
			}
		}

	case bytecode.OpIreturn, bytecode.OpLreturn, bytecode.OpFreturn, bytecode.OpDreturn, bytecode.OpAreturn:
		m.doReturn(f.pop())
	case bytecode.OpReturn:
		m.doReturn(Void)

	case bytecode.OpGetstatic:
		field, err := m.ResolveField(f.Method.Holder.Pool, f.u16())
		if err != nil {
			return err
		}
		v, err := m.GetStatic(field)
		if err != nil {
			return err
		}
		f.push(v)
	case bytecode.OpPutstatic:
		field, err := m.ResolveField(f.Method.Holder.Pool, f.u16())
		if err != nil {
			return err
		}
		return m.PutStatic(field, f.pop().Convert(field.Kind))
	case bytecode.OpGetfield:
		field, err := m.ResolveField(f.Method.Holder.Pool, f.u16())
		if err != nil {
			return err
		}
		v, err := m.GetField(f.pop().AsRef(), field)
		if err != nil {
			return err
		}
		f.push(v)
	case bytecode.OpPutfield:
		field, err := m.ResolveField(f.Method.Holder.Pool, f.u16())
		if err != nil {
			return err
		}
		v := f.pop().Convert(field.Kind)
		return m.PutField(f.pop().AsRef(), field, v)

	case bytecode.OpInvokevirtual, bytecode.OpInvokespecial, bytecode.OpInvokestatic, bytecode.OpInvokeinterface:
		index := f.u16()
		if op == bytecode.OpInvokeinterface {
			f.PC += 2
		}
		return m.invoke(f, op, index)
	case bytecode.OpInvokedynamic:
		return fault.Structuralf(fault.ErrUnsupportedOpcode, "%s", op)

	case bytecode.OpNew:
		class, err := m.ResolveClassReference(f.Method.Holder.Pool, f.u16())
		if err != nil {
			return err
		}
		if class.IsInterface() || class.IsAbstract() {
			return m.Raise(InstantiationErrorName, class.JavaName())
		}
		f.push(RefValue(NewTuple(class)))
	case bytecode.OpNewarray:
		kind, ok := KindOfArrayType(f.u8())
		if !ok {
			return fault.Structuralf(fault.ErrBadBytecode, "newarray type %d", f.code[f.OpcodePC+1])
		}
		return m.newArray(f, m.registry.ArrayOf(m.registry.Primitive(kind)))
	case bytecode.OpAnewarray:
		class, err := m.ResolveClassReference(f.Method.Holder.Pool, f.u16())
		if err != nil {
			return err
		}
		return m.newArray(f, m.registry.ArrayOf(class))
	case bytecode.OpMultianewarray:
		class, err := m.ResolveClassReference(f.Method.Holder.Pool, f.u16())
		if err != nil {
			return err
		}
		dims := f.u8() & m.cfg.DimensionMask
		counts := make([]int32, dims)
		for i := dims - 1; i >= 0; i-- {
			counts[i] = f.pop().AsInt()
		}
		for _, n := range counts {
			if n < 0 {
				return m.Raise(NegativeArraySizeName, "")
			}
		}
		f.push(RefValue(m.multiArray(class, counts)))
	case bytecode.OpArraylength:
		ref := f.pop().AsRef()
		if IsNull(ref) {
			return m.Raise(NullPointerExceptionName, "arraylength")
		}
		n, err := ref.ArrayLength()
		if err != nil {
			return err
		}
		f.push(IntValue(int32(n)))
	case bytecode.OpAthrow:
		ref := f.pop().AsRef()
		if IsNull(ref) {
			return m.Raise(NullPointerExceptionName, "athrow")
		}
		return m.Throw(ref)
	case bytecode.OpCheckcast:
		target, err := m.ResolveClassReference(f.Method.Holder.Pool, f.u16())
		if err != nil {
			return err
		}
		ref := f.top(0).AsRef()
		if IsNull(ref) {
			return nil
		}
		class, err := ref.ClassActor()
		if err != nil {
			return err
		}
		if !class.IsAssignableTo(target) {
			return m.Raise(ClassCastExceptionName, class.JavaName()+" cannot be cast to "+target.JavaName())
		}
	case bytecode.OpInstanceof:
		target, err := m.ResolveClassReference(f.Method.Holder.Pool, f.u16())
		if err != nil {
			return err
		}
		ref := f.pop().AsRef()
		if IsNull(ref) {
			f.push(IntValue(0))
			return nil
		}
		class, err := ref.ClassActor()
		if err != nil {
			return err
		}
		f.push(BooleanValue(class.IsAssignableTo(target)))
	case bytecode.OpMonitorenter, bytecode.OpMonitorexit:
		if IsNull(f.pop().AsRef()) {
			return m.Raise(NullPointerExceptionName, op.String())
		}
	case bytecode.OpBreakpoint:
		return fault.Structuralf(fault.ErrUnsupportedOpcode, "%s", op)

	default:
		if op >= bytecode.OpWconst0 && bytecode.IsDefined(op) {
			return m.extended(f, op, f.u16())
		}
		return fault.Structuralf(fault.ErrUnsupportedOpcode, "opcode 0x%02X (%s) at %s@%d", byte(op), op, f.Method, f.OpcodePC)
	}
	return nil
}

var arrayKinds = [...]Kind{KindInt, KindLong, KindFloat, KindDouble, KindReference, KindByte, KindChar, KindShort}

func compareZero(op bytecode.Opcode, v int32) bool {
	switch op {
	case bytecode.OpIfeq:
		return v == 0
	case bytecode.OpIfne:
		return v != 0
	case bytecode.OpIflt:
		return v < 0
	case bytecode.OpIfge:
		return v >= 0
	case bytecode.OpIfgt:
		return v > 0
	}
	return v <= 0
}

func compareInts(a, b int32) int32 {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareLongs(a, b int64) int32 {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// compareFloats implements fcmp/dcmp. An unordered comparison yields 1 for
// the g variants and -1 for the l variants.
func compareFloats(a, b float64, nanIsGreater bool) int32 {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	case a == b:
		return 0
	case nanIsGreater:
		return 1
	}
	return -1
}

func stackOp(f *Frame, op bytecode.Opcode) {
	switch op {
	case bytecode.OpDup:
		f.Stack = append(f.Stack, f.top(0))
	case bytecode.OpDupX1:
		v1, v2 := f.pop(), f.pop()
		f.Stack = append(f.Stack, v1, v2, v1)
	case bytecode.OpDupX2:
		v1, v2 := f.pop(), f.pop()
		if v2.IsCategory2() {
			f.Stack = append(f.Stack, v1, v2, v1)
			return
		}
		v3 := f.pop()
		f.Stack = append(f.Stack, v1, v3, v2, v1)
	case bytecode.OpDup2:
		v1 := f.pop()
		if v1.IsCategory2() {
			f.Stack = append(f.Stack, v1, v1)
			return
		}
		v2 := f.pop()
		f.Stack = append(f.Stack, v2, v1, v2, v1)
	case bytecode.OpDup2X1:
		v1, v2 := f.pop(), f.pop()
		if v1.IsCategory2() {
			f.Stack = append(f.Stack, v1, v2, v1)
			return
		}
		v3 := f.pop()
		f.Stack = append(f.Stack, v2, v1, v3, v2, v1)
	case bytecode.OpDup2X2:
		v1, v2 := f.pop(), f.pop()
		switch {
		case v1.IsCategory2() && v2.IsCategory2():
			f.Stack = append(f.Stack, v1, v2, v1)
		case v1.IsCategory2():
			v3 := f.pop()
			f.Stack = append(f.Stack, v1, v3, v2, v1)
		default:
			v3 := f.pop()
			if v3.IsCategory2() {
				f.Stack = append(f.Stack, v2, v1, v3, v2, v1)
				return
			}
			v4 := f.pop()
			f.Stack = append(f.Stack, v2, v1, v4, v3, v2, v1)
		}
	case bytecode.OpSwap:
		v1, v2 := f.pop(), f.pop()
		f.Stack = append(f.Stack, v1, v2)
	}
}

// ---------------------------------------------------------------------------
// Arithmetic
// ---------------------------------------------------------------------------

func (m *Machine) arithmetic(f *Frame, op bytecode.Opcode) error {
	switch op {
	case bytecode.OpIneg:
		f.push(IntValue(-f.pop().AsInt()))
		return nil
	case bytecode.OpLneg:
		f.push(LongValue(-f.pop().AsLong()))
		return nil
	case bytecode.OpFneg:
		f.push(FloatValue(-f.pop().AsFloat()))
		return nil
	case bytecode.OpDneg:
		f.push(DoubleValue(-f.pop().AsDouble()))
		return nil
	}

	b, a := f.pop(), f.pop()
	switch op {
	case bytecode.OpIadd:
		f.push(IntValue(a.AsInt() + b.AsInt()))
	case bytecode.OpIsub:
		f.push(IntValue(a.AsInt() - b.AsInt()))
	case bytecode.OpImul:
		f.push(IntValue(a.AsInt() * b.AsInt()))
	case bytecode.OpIdiv, bytecode.OpIrem:
		if b.AsInt() == 0 {
			return m.Raise(ArithmeticExceptionName, "/ by zero")
		}
		if op == bytecode.OpIdiv {
			f.push(IntValue(a.AsInt() / b.AsInt()))
		} else {
			f.push(IntValue(a.AsInt() % b.AsInt()))
		}
	case bytecode.OpIshl:
		f.push(IntValue(a.AsInt() << (b.AsInt() & 0x1f)))
	case bytecode.OpIshr:
		f.push(IntValue(a.AsInt() >> (b.AsInt() & 0x1f)))
	case bytecode.OpIushr:
		f.push(IntValue(int32(uint32(a.AsInt()) >> (b.AsInt() & 0x1f))))
	case bytecode.OpIand:
		f.push(IntValue(a.AsInt() & b.AsInt()))
	case bytecode.OpIor:
		f.push(IntValue(a.AsInt() | b.AsInt()))
	case bytecode.OpIxor:
		f.push(IntValue(a.AsInt() ^ b.AsInt()))

	case bytecode.OpLadd:
		f.push(LongValue(a.AsLong() + b.AsLong()))
	case bytecode.OpLsub:
		f.push(LongValue(a.AsLong() - b.AsLong()))
	case bytecode.OpLmul:
		f.push(LongValue(a.AsLong() * b.AsLong()))
	case bytecode.OpLdiv, bytecode.OpLrem:
		if b.AsLong() == 0 {
			return m.Raise(ArithmeticExceptionName, "/ by zero")
		}
		if op == bytecode.OpLdiv {
			f.push(LongValue(a.AsLong() / b.AsLong()))
		} else {
			f.push(LongValue(a.AsLong() % b.AsLong()))
		}
	case bytecode.OpLshl:
		f.push(LongValue(a.AsLong() << (b.AsInt() & 0x3f)))
	case bytecode.OpLshr:
		f.push(LongValue(a.AsLong() >> (b.AsInt() & 0x3f)))
	case bytecode.OpLushr:
		f.push(LongValue(int64(uint64(a.AsLong()) >> (b.AsInt() & 0x3f))))
	case bytecode.OpLand:
		f.push(LongValue(a.AsLong() & b.AsLong()))
	case bytecode.OpLor:
		f.push(LongValue(a.AsLong() | b.AsLong()))
	case bytecode.OpLxor:
		f.push(LongValue(a.AsLong() ^ b.AsLong()))

	case bytecode.OpFadd:
		f.push(FloatValue(a.AsFloat() + b.AsFloat()))
	case bytecode.OpFsub:
		f.push(FloatValue(a.AsFloat() - b.AsFloat()))
	case bytecode.OpFmul:
		f.push(FloatValue(a.AsFloat() * b.AsFloat()))
	case bytecode.OpFdiv:
		f.push(FloatValue(a.AsFloat() / b.AsFloat()))
	case bytecode.OpFrem:
		f.push(FloatValue(float32(math.Mod(float64(a.AsFloat()), float64(b.AsFloat())))))

	case bytecode.OpDadd:
		f.push(DoubleValue(a.AsDouble() + b.AsDouble()))
	case bytecode.OpDsub:
		f.push(DoubleValue(a.AsDouble() - b.AsDouble()))
	case bytecode.OpDmul:
		f.push(DoubleValue(a.AsDouble() * b.AsDouble()))
	case bytecode.OpDdiv:
		f.push(DoubleValue(a.AsDouble() / b.AsDouble()))
	case bytecode.OpDrem:
		f.push(DoubleValue(math.Mod(a.AsDouble(), b.AsDouble())))
	}
	return nil
}

// toInt32 converts with saturation; NaN becomes zero.
func toInt32(d float64) int32 {
	switch {
	case math.IsNaN(d):
		return 0
	case d >= math.MaxInt32:
		return math.MaxInt32
	case d <= math.MinInt32:
		return math.MinInt32
	}
	return int32(d)
}

// toInt64 converts with saturation; NaN becomes zero.
func toInt64(d float64) int64 {
	switch {
	case math.IsNaN(d):
		return 0
	case d >= float64(math.MaxInt64):
		return math.MaxInt64
	case d <= float64(math.MinInt64):
		return math.MinInt64
	}
	return int64(d)
}

func convert(op bytecode.Opcode, v Value) Value {
	switch op {
	case bytecode.OpI2l:
		return LongValue(int64(v.AsInt()))
	case bytecode.OpI2f:
		return FloatValue(float32(v.AsInt()))
	case bytecode.OpI2d:
		return DoubleValue(float64(v.AsInt()))
	case bytecode.OpL2i:
		return IntValue(int32(v.AsLong()))
	case bytecode.OpL2f:
		return FloatValue(float32(v.AsLong()))
	case bytecode.OpL2d:
		return DoubleValue(float64(v.AsLong()))
	case bytecode.OpF2i:
		return IntValue(toInt32(float64(v.AsFloat())))
	case bytecode.OpF2l:
		return LongValue(toInt64(float64(v.AsFloat())))
	case bytecode.OpF2d:
		return DoubleValue(float64(v.AsFloat()))
	case bytecode.OpD2i:
		return IntValue(toInt32(v.AsDouble()))
	case bytecode.OpD2l:
		return LongValue(toInt64(v.AsDouble()))
	case bytecode.OpD2f:
		return FloatValue(float32(v.AsDouble()))
	case bytecode.OpI2b:
		return IntValue(int32(int8(v.AsInt())))
	case bytecode.OpI2c:
		return IntValue(int32(uint16(v.AsInt())))
	}
	return IntValue(int32(int16(v.AsInt())))
}

// ---------------------------------------------------------------------------
// Constants, arrays and invocation
// ---------------------------------------------------------------------------

func (m *Machine) ldc(f *Frame, index int) error {
	v, err := m.ResolveConstantReference(f.Method.Holder.Pool, index)
	if err != nil {
		return err
	}
	f.push(v)
	return nil
}

func (m *Machine) arrayLoad(f *Frame, kind Kind) error {
	index := f.pop().AsInt()
	array := f.pop().AsRef()
	if IsNull(array) {
		return m.Raise(NullPointerExceptionName, "array load")
	}
	v, err := array.ReadElement(kind, int(index))
	if err != nil {
		return err
	}
	f.push(v)
	return nil
}

func (m *Machine) arrayStore(f *Frame, kind Kind) error {
	v := f.pop()
	index := f.pop().AsInt()
	array := f.pop().AsRef()
	if IsNull(array) {
		return m.Raise(NullPointerExceptionName, "array store")
	}
	if kind == KindReference && !IsNull(v.AsRef()) {
		arrayClass, err := array.ClassActor()
		if err != nil {
			return err
		}
		valueClass, err := v.AsRef().ClassActor()
		if err != nil {
			return err
		}
		if arrayClass.Component != nil && !valueClass.IsAssignableTo(arrayClass.Component) {
			return m.Raise(ArrayStoreExceptionName, valueClass.JavaName())
		}
	}
	return array.WriteElement(kind, int(index), v)
}

func (m *Machine) newArray(f *Frame, class *ClassActor) error {
	n := f.pop().AsInt()
	if n < 0 {
		return m.Raise(NegativeArraySizeName, "")
	}
	f.push(RefValue(NewArray(class, int(n))))
	return nil
}

// multiArray allocates nested arrays for the given dimension counts. class
// is the outermost array class.
func (m *Machine) multiArray(class *ClassActor, counts []int32) *Object {
	a := NewArray(class, int(counts[0]))
	if len(counts) > 1 && class.Component != nil && class.Component.IsArray() {
		for i := range a.elems {
			a.elems[i] = RefValue(m.multiArray(class.Component, counts[1:]))
		}
	}
	return a
}

func (m *Machine) invoke(f *Frame, op bytecode.Opcode, index int) error {
	method, err := m.ResolveMethod(f.Method.Holder.Pool, index)
	if err != nil {
		return err
	}
	static := op == bytecode.OpInvokestatic
	if static != method.IsStatic() {
		return m.Raise(IncompatibleClassChangeName, method.String())
	}
	args := m.popArgs(method.Signature, static)
	if static || method.Holder.IsWord() {
		return m.InvokeMethod(method, args)
	}
	receiver := args[0].AsRef()
	if IsNull(receiver) {
		return m.Raise(NullPointerExceptionName, "invoking "+method.Name)
	}
	if op == bytecode.OpInvokespecial {
		return m.InvokeMethod(method, args)
	}
	impl, err := m.selectVirtual(receiver, method)
	if err != nil {
		return err
	}
	return m.InvokeMethod(impl, args)
}

// ---------------------------------------------------------------------------
// Word and pointer instructions
// ---------------------------------------------------------------------------

func pointerKind(k bytecode.PointerKind) (Kind, error) {
	switch k {
	case bytecode.PointerByte:
		return KindByte, nil
	case bytecode.PointerChar:
		return KindChar, nil
	case bytecode.PointerShort:
		return KindShort, nil
	case bytecode.PointerInt:
		return KindInt, nil
	case bytecode.PointerFloat:
		return KindFloat, nil
	case bytecode.PointerLong:
		return KindLong, nil
	case bytecode.PointerDouble:
		return KindDouble, nil
	case bytecode.PointerWord:
		return KindWord, nil
	case bytecode.PointerReference:
		return KindReference, nil
	}
	return KindVoid, fault.Structuralf(fault.ErrBadBytecode, "pointer kind %d", uint8(k))
}

func (m *Machine) target() (Remote, error) {
	if m.remote == nil {
		return nil, fault.Structuralf(fault.ErrNoTarget, "pointer access without a target")
	}
	return m.remote, nil
}

func (m *Machine) extended(f *Frame, op bytecode.Opcode, operand int) error {
	switch op {
	case bytecode.OpWconst0:
		f.push(WordValue(0))
	case bytecode.OpWdiv, bytecode.OpWrem, bytecode.OpWdivi, bytecode.OpWremi:
		var divisor Word
		if op == bytecode.OpWdivi || op == bytecode.OpWremi {
			divisor = Word(uint32(f.pop().AsInt()))
		} else {
			divisor = f.pop().AsWord()
		}
		dividend := f.pop().AsWord()
		if divisor == 0 {
			return m.Raise(ArithmeticExceptionName, "/ by zero")
		}
		if op == bytecode.OpWdiv || op == bytecode.OpWdivi {
			f.push(WordValue(dividend / divisor))
		} else {
			f.push(WordValue(dividend % divisor))
		}
	case bytecode.OpUnsafeCast:
		v, err := m.unsafeCast(f.pop(), bytecode.PointerKind(operand))
		if err != nil {
			return err
		}
		f.push(v)

	case bytecode.OpPread, bytecode.OpPget:
		pop := bytecode.PointerOp(operand)
		kind, err := pointerKind(pop.Kind())
		if err != nil {
			return err
		}
		remote, err := m.target()
		if err != nil {
			return err
		}
		var v Value
		if op == bytecode.OpPread {
			offset := f.pop()
			base := f.pop().AsWord()
			v, err = remote.ReadPointer(kind, base, offsetOf(offset, pop.IntOffset()))
		} else {
			index := f.pop().AsInt()
			displacement := f.pop().AsInt()
			base := f.pop().AsWord()
			v, err = remote.GetPointer(kind, base, int64(displacement), int64(index))
		}
		if err != nil {
			return err
		}
		f.push(v)
	case bytecode.OpPwrite, bytecode.OpPset, bytecode.OpPcmpswp:
		return fault.Structuralf(fault.ErrRemoteWrite, "%s %s", op, bytecode.PointerOp(operand))

	case bytecode.OpMembar, bytecode.OpSafepoint, bytecode.OpPause, bytecode.OpFlushw:
	case bytecode.OpMovI2F:
		f.push(FloatValue(math.Float32frombits(uint32(f.pop().AsInt()))))
	case bytecode.OpMovF2I:
		f.push(IntValue(int32(math.Float32bits(f.pop().AsFloat()))))
	case bytecode.OpMovL2D:
		f.push(DoubleValue(math.Float64frombits(uint64(f.pop().AsLong()))))
	case bytecode.OpMovD2L:
		f.push(LongValue(int64(math.Float64bits(f.pop().AsDouble()))))
	case bytecode.OpLsb:
		w := uint64(f.pop().AsWord())
		if w == 0 {
			f.push(IntValue(-1))
		} else {
			f.push(IntValue(int32(bits.TrailingZeros64(w))))
		}
	case bytecode.OpMsb:
		w := uint64(f.pop().AsWord())
		if w == 0 {
			f.push(IntValue(-1))
		} else {
			f.push(IntValue(int32(63 - bits.LeadingZeros64(w))))
		}
	case bytecode.OpUwcmp:
		b := f.pop().AsWord()
		a := f.pop().AsWord()
		r, err := unsignedCompare(uint64(a), uint64(b), uint16(operand))
		if err != nil {
			return err
		}
		f.push(BooleanValue(r))
	case bytecode.OpUcmp:
		b := uint32(f.pop().AsInt())
		a := uint32(f.pop().AsInt())
		r, err := unsignedCompare(uint64(a), uint64(b), uint16(operand))
		if err != nil {
			return err
		}
		f.push(BooleanValue(r))
	default:
		return fault.Structuralf(fault.ErrUnsupportedOpcode, "%s", op)
	}
	return nil
}

func offsetOf(v Value, intOffset bool) int64 {
	if intOffset {
		return int64(v.AsInt())
	}
	return v.AsWord().Signed()
}

func unsignedCompare(a, b uint64, cond uint16) (bool, error) {
	switch cond {
	case bytecode.AboveEqual:
		return a >= b, nil
	case bytecode.AboveThan:
		return a > b, nil
	case bytecode.BelowEqual:
		return a <= b, nil
	case bytecode.BelowThan:
		return a < b, nil
	}
	return false, fault.Structuralf(fault.ErrBadBytecode, "unsigned comparison %d", cond)
}

// unsafeCast reinterprets v as the given kind. Words and references convert
// through the target's reference table.
func (m *Machine) unsafeCast(v Value, to bytecode.PointerKind) (Value, error) {
	kind, err := pointerKind(to)
	if err != nil {
		return Void, err
	}
	switch kind {
	case KindReference:
		if v.Kind() == KindReference {
			return v, nil
		}
		w := v.AsWord()
		if w == 0 {
			return NullValue, nil
		}
		remote, err := m.target()
		if err != nil {
			return Void, err
		}
		ref, err := remote.WordToReference(w)
		if err != nil {
			return Void, err
		}
		return RefValue(ref), nil
	case KindWord:
		if v.Kind() != KindReference {
			return WordValue(v.AsWord()), nil
		}
		if IsNull(v.AsRef()) {
			return WordValue(0), nil
		}
		remote, err := m.target()
		if err != nil {
			return Void, err
		}
		w, err := remote.ReferenceToWord(v.AsRef())
		if err != nil {
			return Void, err
		}
		return WordValue(w), nil
	case KindLong:
		return LongValue(int64(v.AsWord())), nil
	case KindInt, KindShort, KindChar, KindByte:
		return IntValue(int32(v.AsWord())).Convert(kind).Widen(), nil
	case KindFloat:
		return FloatValue(math.Float32frombits(uint32(v.Bits()))), nil
	case KindDouble:
		return DoubleValue(math.Float64frombits(v.Bits())), nil
	}
	return v, nil
}
