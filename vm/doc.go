// Package vm implements the bytecode machine used to evaluate methods
// against a target virtual machine.
//
// This package contains:
//   - Kinds, Values and machine Words
//   - The Reference interface and the local object variant
//   - Class, field and method actors, constant pools and the class registry
//   - The host bridge for native and bodiless methods
//   - The Machine (frames, resolution, invocation, exception dispatch)
//   - The Interpreter dispatch loop, including the word and pointer opcodes
package vm
