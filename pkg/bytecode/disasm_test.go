package bytecode

import (
	"errors"
	"strings"
	"testing"
)

func TestDisassembleSimple(t *testing.T) {
	code := NewAssembler().
		Emit(OpIconst1).
		Emit(OpIconst2).
		Emit(OpIadd).
		Emit(OpIreturn).
		MustCode()

	output := Disassemble(code)
	want := "0: iconst_1\n1: iconst_2\n2: iadd\n3: ireturn\n"
	if output != want {
		t.Errorf("Disassemble() =\n%s\nwant\n%s", output, want)
	}
}

func TestDisassembleBranchShowsTarget(t *testing.T) {
	a := NewAssembler()
	end := a.NewLabel()
	a.Emit(OpIconst0).Branch(OpIfeq, end).Emit(OpNop).Bind(end).Emit(OpReturn)
	output := Disassemble(a.MustCode())
	if !strings.Contains(output, "1: ifeq 5") {
		t.Errorf("Missing branch target, got:\n%s", output)
	}
}

func TestDecodeWide(t *testing.T) {
	code := NewAssembler().Local(OpIload, 300).Iinc(300, 1000).MustCode()
	in, err := Decode(code, 0)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if !in.Wide || in.Op != OpIload || in.Operands[0] != 300 || in.Length != 4 {
		t.Errorf("wide iload decoded as %+v", in)
	}
	in, err = Decode(code, in.Next())
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if !in.Wide || in.Op != OpIinc || in.Operands[0] != 300 || in.Operands[1] != 1000 {
		t.Errorf("wide iinc decoded as %+v", in)
	}
}

func TestDecodeTableswitch(t *testing.T) {
	a := NewAssembler()
	d, l0, l1 := a.NewLabel(), a.NewLabel(), a.NewLabel()
	a.Emit(OpIload0).Tableswitch(10, d, l0, l1)
	a.Bind(l0).Emit(OpIconst0).Emit(OpIreturn)
	a.Bind(l1).Emit(OpIconst1).Emit(OpIreturn)
	a.Bind(d).Emit(OpIconstM1).Emit(OpIreturn)
	code := a.MustCode()

	in, err := Decode(code, 1)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	// opcode at 1, padding to 4, then 3 header words and 2 targets
	if in.Length != 3+12+8 {
		t.Errorf("Length = %d, want 23", in.Length)
	}
	if len(in.Keys) != 2 || in.Keys[0] != 10 || in.Keys[1] != 11 {
		t.Errorf("Keys = %v", in.Keys)
	}
	if in.Targets[0] != 24 || in.Targets[1] != 26 || in.Default != 28 {
		t.Errorf("Targets = %v default %d", in.Targets, in.Default)
	}
}

func TestDecodeLookupswitch(t *testing.T) {
	a := NewAssembler()
	d, l := a.NewLabel(), a.NewLabel()
	a.Lookupswitch(d, []int32{-5}, []Label{l})
	a.Bind(l).Emit(OpReturn)
	a.Bind(d).Emit(OpReturn)
	in, err := Decode(a.MustCode(), 0)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if in.Keys[0] != -5 || in.Targets[0] != in.Length || in.Default != in.Length+1 {
		t.Errorf("lookupswitch decoded as %+v", in)
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := Decode([]byte{byte(OpSipush), 0}, 0); !errors.Is(err, ErrTruncated) {
		t.Errorf("truncated sipush: got %v", err)
	}
	if _, err := Decode([]byte{0xFE}, 0); !errors.Is(err, ErrUndefinedOpcode) {
		t.Errorf("undefined opcode: got %v", err)
	}
	if _, err := Decode([]byte{byte(OpWide), byte(OpIadd)}, 0); err == nil {
		t.Error("wide iadd should fail")
	}
}

func TestPreceding(t *testing.T) {
	a := NewAssembler()
	l := a.NewLabel()
	a.Branch(OpGoto, l).Bind(l).Emit(OpIconst1).Emit(OpIconst0).Emit(OpIdiv)
	code := a.MustCode()
	prev := Preceding(code, 5, 4)
	// The goto ends a block, so only the two constants are returned.
	if len(prev) != 2 || prev[0].Op != OpIconst1 || prev[1].Op != OpIconst0 {
		t.Errorf("Preceding = %+v", prev)
	}
}

func TestAssemblerShortForms(t *testing.T) {
	code := NewAssembler().
		Iconst(-1).Iconst(100).Iconst(1000).
		Local(OpAload, 0).Local(OpLstore, 3).Local(OpWload, 1).Local(OpIstore, 7).
		MustCode()
	want := []byte{
		byte(OpIconstM1),
		byte(OpBipush), 100,
		byte(OpSipush), 0x03, 0xE8,
		byte(OpAload0), byte(OpLstore3), byte(OpWload1),
		byte(OpIstore), 7,
	}
	if string(code) != string(want) {
		t.Errorf("code = % X, want % X", code, want)
	}
}

func TestAssemblerUnboundLabel(t *testing.T) {
	a := NewAssembler()
	a.Branch(OpGoto, a.NewLabel())
	if _, err := a.Code(); err == nil {
		t.Error("expected error for unbound label")
	}
}
