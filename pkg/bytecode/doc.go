// Package bytecode describes the instruction set executed by the telescope
// interpreter: the standard JVM instructions plus the word and pointer
// extensions the target runtime compiles its low-level code to.
//
// # Encoding
//
// Instructions are one opcode byte followed by big-endian operands. Branch
// displacements are signed and relative to the branch opcode. The switch
// instructions pad to a four-byte boundary measured from the start of the
// method's code.
//
// The extensions use a fixed two-byte operand:
//
//   - pread, pwrite, pget, pset and pcmpswp carry a PointerOp naming the
//     accessed kind and whether the offset operand is an int (the "_i" forms)
//   - uwcmp and ucmp carry one of AboveEqual, AboveThan, BelowEqual, BelowThan
//   - wload and wstore take a one-byte local index and accept a wide prefix
//
// # Components
//
//   - Opcodes: the opcode table with mnemonics and operand lengths
//
//   - Decode / Disassemble: turn code into Instructions or a text listing
//     ("12: iadd"), used by the interpreter's fault context and tscope disasm
//
//   - Assembler: builds method bodies with labels, shortest-form locals,
//     wide prefixes and switch padding. Tests and the classfile-less bootstrap
//     library use it to produce code.
package bytecode
