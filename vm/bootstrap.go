package vm

import (
	"github.com/chazu/telescope/pkg/bytecode"
)

// Class names the interpreter refers to directly.
const (
	ObjectClassName              = "java/lang/Object"
	StringClassName              = "java/lang/String"
	ClassClassName               = "java/lang/Class"
	ThrowableClassName           = "java/lang/Throwable"
	ArithmeticExceptionName      = "java/lang/ArithmeticException"
	NullPointerExceptionName     = "java/lang/NullPointerException"
	ArrayIndexOutOfBoundsName    = "java/lang/ArrayIndexOutOfBoundsException"
	ClassCastExceptionName       = "java/lang/ClassCastException"
	NegativeArraySizeName        = "java/lang/NegativeArraySizeException"
	ArrayStoreExceptionName      = "java/lang/ArrayStoreException"
	AbstractMethodErrorName      = "java/lang/AbstractMethodError"
	IncompatibleClassChangeName  = "java/lang/IncompatibleClassChangeError"
	UnsatisfiedLinkErrorName     = "java/lang/UnsatisfiedLinkError"
	StackOverflowErrorName       = "java/lang/StackOverflowError"
	InstantiationErrorName       = "java/lang/InstantiationError"
	CloneNotSupportedName        = "java/lang/CloneNotSupportedException"
	ExceptionDispatcherClassName = "vm/runtime/ExceptionDispatcher"
	HubClassName                 = "vm/heap/Hub"
	DynamicHubClassName          = "vm/heap/DynamicHub"
	StaticHubClassName           = "vm/heap/StaticHub"
	HeapFreeChunkClassName       = "vm/heap/HeapFreeChunk"
	ClassActorClassName          = "vm/actor/ClassActor"
)

type classBuilder struct {
	def *ClassDefinition
}

func newClass(name, super string, flags AccessFlags, interfaces ...string) *classBuilder {
	return &classBuilder{def: &ClassDefinition{
		Name:       name,
		Super:      super,
		Interfaces: interfaces,
		Flags:      flags | AccPublic,
		Pool:       NewConstantPool(),
		Source:     "bootstrap",
	}}
}

func (b *classBuilder) field(name, desc string, flags AccessFlags) *classBuilder {
	b.def.Fields = append(b.def.Fields, FieldDefinition{Name: name, Descriptor: desc, Flags: flags | AccPublic})
	return b
}

func (b *classBuilder) native(name, desc string, flags AccessFlags) *classBuilder {
	b.def.Methods = append(b.def.Methods, MethodDefinition{Name: name, Descriptor: desc, Flags: flags | AccPublic | AccNative})
	return b
}

func (b *classBuilder) statics(desc map[string]string) *classBuilder {
	for name, d := range desc {
		b.native(name, d, AccStatic)
	}
	return b
}

func (b *classBuilder) method(name, desc string, maxStack, maxLocals int, asm func(p *ConstantPool, a *bytecode.Assembler)) *classBuilder {
	a := bytecode.NewAssembler()
	asm(b.def.Pool, a)
	b.def.Methods = append(b.def.Methods, MethodDefinition{
		Name:       name,
		Descriptor: desc,
		Flags:      AccPublic,
		Code:       &CodeAttribute{MaxStack: maxStack, MaxLocals: maxLocals, Code: a.MustCode()},
	})
	return b
}

func (b *classBuilder) hybrid() *classBuilder {
	b.def.Hybrid = true
	return b
}

// throwableConstructors gives an exception class the (), (String) and
// (String, Throwable) constructors, chaining to its superclass.
func (b *classBuilder) throwableConstructors() *classBuilder {
	super := b.def.Super
	b.method("<init>", "()V", 1, 1, func(p *ConstantPool, a *bytecode.Assembler) {
		a.Emit(bytecode.OpAload0).
			EmitU16(bytecode.OpInvokespecial, p.AddMethodRef(super, "<init>", "()V")).
			Emit(bytecode.OpReturn)
	})
	if b.def.Name == ThrowableClassName {
		b.method("<init>", "(Ljava/lang/String;)V", 2, 2, func(p *ConstantPool, a *bytecode.Assembler) {
			a.Emit(bytecode.OpAload0).
				EmitU16(bytecode.OpInvokespecial, p.AddMethodRef(super, "<init>", "()V")).
				Emit(bytecode.OpAload0).Emit(bytecode.OpAload1).
				EmitU16(bytecode.OpPutfield, p.AddFieldRef(ThrowableClassName, "detailMessage", "Ljava/lang/String;")).
				Emit(bytecode.OpReturn)
		})
		b.method("<init>", "(Ljava/lang/String;Ljava/lang/Throwable;)V", 2, 3, func(p *ConstantPool, a *bytecode.Assembler) {
			a.Emit(bytecode.OpAload0).Emit(bytecode.OpAload1).
				EmitU16(bytecode.OpInvokespecial, p.AddMethodRef(ThrowableClassName, "<init>", "(Ljava/lang/String;)V")).
				Emit(bytecode.OpAload0).Emit(bytecode.OpAload2).
				EmitU16(bytecode.OpPutfield, p.AddFieldRef(ThrowableClassName, "cause", "Ljava/lang/Throwable;")).
				Emit(bytecode.OpReturn)
		})
		return b
	}
	b.method("<init>", "(Ljava/lang/String;)V", 2, 2, func(p *ConstantPool, a *bytecode.Assembler) {
		a.Emit(bytecode.OpAload0).Emit(bytecode.OpAload1).
			EmitU16(bytecode.OpInvokespecial, p.AddMethodRef(super, "<init>", "(Ljava/lang/String;)V")).
			Emit(bytecode.OpReturn)
	})
	return b
}

func getter(class, field, desc string) func(p *ConstantPool, a *bytecode.Assembler) {
	return func(p *ConstantPool, a *bytecode.Assembler) {
		a.Emit(bytecode.OpAload0).
			EmitU16(bytecode.OpGetfield, p.AddFieldRef(class, field, desc)).
			Emit(bytecode.OpAreturn)
	}
}

// throwableHierarchy lists bootstrap throwables as name, superclass pairs in
// definition order.
var throwableHierarchy = [][2]string{
	{"java/lang/Exception", ThrowableClassName},
	{"java/lang/Error", ThrowableClassName},
	{"java/lang/RuntimeException", "java/lang/Exception"},
	{ArithmeticExceptionName, "java/lang/RuntimeException"},
	{NullPointerExceptionName, "java/lang/RuntimeException"},
	{"java/lang/IndexOutOfBoundsException", "java/lang/RuntimeException"},
	{ArrayIndexOutOfBoundsName, "java/lang/IndexOutOfBoundsException"},
	{"java/lang/StringIndexOutOfBoundsException", "java/lang/IndexOutOfBoundsException"},
	{ClassCastExceptionName, "java/lang/RuntimeException"},
	{NegativeArraySizeName, "java/lang/RuntimeException"},
	{ArrayStoreExceptionName, "java/lang/RuntimeException"},
	{"java/lang/IllegalArgumentException", "java/lang/RuntimeException"},
	{"java/lang/IllegalStateException", "java/lang/RuntimeException"},
	{"java/lang/UnsupportedOperationException", "java/lang/RuntimeException"},
	{CloneNotSupportedName, "java/lang/Exception"},
	{"java/lang/LinkageError", "java/lang/Error"},
	{IncompatibleClassChangeName, "java/lang/LinkageError"},
	{AbstractMethodErrorName, IncompatibleClassChangeName},
	{"java/lang/IllegalAccessError", IncompatibleClassChangeName},
	{"java/lang/NoSuchFieldError", IncompatibleClassChangeName},
	{"java/lang/NoSuchMethodError", IncompatibleClassChangeName},
	{"java/lang/InstantiationError", IncompatibleClassChangeName},
	{"java/lang/ClassFormatError", "java/lang/LinkageError"},
	{UnsatisfiedLinkErrorName, "java/lang/LinkageError"},
	{"java/lang/VirtualMachineError", "java/lang/Error"},
	{StackOverflowErrorName, "java/lang/VirtualMachineError"},
}

func bootstrapDefinitions() []*ClassDefinition {
	var defs []*ClassDefinition
	add := func(b *classBuilder) { defs = append(defs, b.def) }

	add(newClass(ObjectClassName, "", 0).
		method("<init>", "()V", 0, 1, func(p *ConstantPool, a *bytecode.Assembler) { a.Emit(bytecode.OpReturn) }).
		native("hashCode", "()I", 0).
		native("equals", "(Ljava/lang/Object;)Z", 0).
		native("getClass", "()Ljava/lang/Class;", AccFinal).
		native("toString", "()Ljava/lang/String;", 0).
		native("clone", "()Ljava/lang/Object;", AccProtected))
	add(newClass("java/lang/Cloneable", "java/lang/Object", AccInterface|AccAbstract))
	add(newClass("java/io/Serializable", "java/lang/Object", AccInterface|AccAbstract))
	add(newClass("java/lang/CharSequence", "java/lang/Object", AccInterface|AccAbstract))

	add(newClass(StringClassName, ObjectClassName, AccFinal, "java/io/Serializable", "java/lang/CharSequence").
		field("value", "[C", AccPrivate|AccFinal).
		field("hash", "I", AccPrivate).
		native("length", "()I", 0).
		native("charAt", "(I)C", 0).
		native("isEmpty", "()Z", 0).
		native("equals", "(Ljava/lang/Object;)Z", 0).
		native("hashCode", "()I", 0).
		native("concat", "(Ljava/lang/String;)Ljava/lang/String;", 0).
		native("toString", "()Ljava/lang/String;", 0).
		native("intern", "()Ljava/lang/String;", 0).
		statics(map[string]string{
			"valueOf": "(I)Ljava/lang/String;",
		}))
	add(newClass(ClassClassName, ObjectClassName, AccFinal).
		native("getName", "()Ljava/lang/String;", 0).
		native("isArray", "()Z", 0))
	add(newClass("java/lang/System", ObjectClassName, AccFinal).
		native("arraycopy", "(Ljava/lang/Object;ILjava/lang/Object;II)V", AccStatic).
		native("identityHashCode", "(Ljava/lang/Object;)I", AccStatic).
		native("nanoTime", "()J", AccStatic))
	math := newClass("java/lang/Math", ObjectClassName, AccFinal)
	for _, m := range [][2]string{
		{"abs", "(I)I"}, {"abs", "(J)J"}, {"abs", "(D)D"},
		{"max", "(II)I"}, {"min", "(II)I"}, {"max", "(JJ)J"}, {"min", "(JJ)J"},
		{"max", "(DD)D"}, {"min", "(DD)D"},
		{"sqrt", "(D)D"}, {"pow", "(DD)D"}, {"floor", "(D)D"}, {"ceil", "(D)D"},
	} {
		math.native(m[0], m[1], AccStatic)
	}
	add(math)
	add(newClass("java/lang/Float", ObjectClassName, AccFinal).
		native("floatToRawIntBits", "(F)I", AccStatic).
		native("intBitsToFloat", "(I)F", AccStatic).
		native("isNaN", "(F)Z", AccStatic))
	add(newClass("java/lang/Double", ObjectClassName, AccFinal).
		native("doubleToRawLongBits", "(D)J", AccStatic).
		native("longBitsToDouble", "(J)D", AccStatic).
		native("isNaN", "(D)Z", AccStatic))

	add(newClass(ThrowableClassName, ObjectClassName, 0, "java/io/Serializable").
		field("detailMessage", "Ljava/lang/String;", AccPrivate).
		field("cause", "Ljava/lang/Throwable;", AccPrivate).
		throwableConstructors().
		method("getMessage", "()Ljava/lang/String;", 1, 1, getter(ThrowableClassName, "detailMessage", "Ljava/lang/String;")).
		method("getCause", "()Ljava/lang/Throwable;", 1, 1, getter(ThrowableClassName, "cause", "Ljava/lang/Throwable;")).
		native("fillInStackTrace", "()Ljava/lang/Throwable;", 0).
		native("toString", "()Ljava/lang/String;", 0))
	for _, pair := range throwableHierarchy {
		add(newClass(pair[0], pair[1], 0).throwableConstructors())
	}

	// Word classes. Their methods have no bytecode and run in the host bridge.
	add(newClass(WordClassName, ObjectClassName, AccAbstract).
		native("toLong", "()J", 0).
		native("isZero", "()Z", 0).
		native("asAddress", "()Lvm/unsafe/Address;", 0).
		native("asPointer", "()Lvm/unsafe/Pointer;", 0).
		native("asOffset", "()Lvm/unsafe/Offset;", 0).
		native("equals", "(Lvm/unsafe/Word;)Z", 0).
		native("zero", "()Lvm/unsafe/Word;", AccStatic))
	add(newClass("vm/unsafe/Address", WordClassName, AccAbstract).
		native("fromLong", "(J)Lvm/unsafe/Address;", AccStatic).
		native("plus", "(I)Lvm/unsafe/Address;", 0).
		native("plus", "(J)Lvm/unsafe/Address;", 0).
		native("minus", "(J)Lvm/unsafe/Address;", 0).
		native("greaterEqual", "(Lvm/unsafe/Address;)Z", 0).
		native("lessThan", "(Lvm/unsafe/Address;)Z", 0))
	pointer := newClass("vm/unsafe/Pointer", "vm/unsafe/Address", AccAbstract).
		native("plus", "(I)Lvm/unsafe/Pointer;", 0).
		native("readWord", "(I)Lvm/unsafe/Word;", 0).
		native("readReference", "(I)Ljava/lang/Object;", 0).
		native("getInt", "(II)I", 0).
		native("getWord", "(II)Lvm/unsafe/Word;", 0).
		native("writeInt", "(II)V", 0).
		native("writeWord", "(ILvm/unsafe/Word;)V", 0)
	for _, m := range [][2]string{
		{"readByte", "(I)B"}, {"readChar", "(I)C"}, {"readShort", "(I)S"}, {"readInt", "(I)I"},
		{"readFloat", "(I)F"}, {"readLong", "(I)J"}, {"readDouble", "(I)D"},
	} {
		pointer.native(m[0], m[1], 0)
	}
	add(pointer)
	add(newClass("vm/unsafe/Offset", WordClassName, AccAbstract).
		native("fromInt", "(I)Lvm/unsafe/Offset;", AccStatic).
		native("toInt", "()I", 0))
	add(newClass("vm/unsafe/Size", "vm/unsafe/Address", AccAbstract).
		native("fromInt", "(I)Lvm/unsafe/Size;", AccStatic).
		native("toInt", "()I", 0))

	// Runtime metadata classes mirrored from the target heap.
	add(newClass(ClassActorClassName, ObjectClassName, 0).
		field("name", "Ljava/lang/String;", AccFinal).
		field("staticTuple", "Ljava/lang/Object;", AccFinal).
		field("dynamicHub", "Lvm/heap/DynamicHub;", AccFinal).
		field("id", "I", AccFinal))
	add(newClass(HubClassName, ObjectClassName, AccAbstract).hybrid().
		field("classActor", "Lvm/actor/ClassActor;", AccFinal))
	add(newClass(DynamicHubClassName, HubClassName, AccFinal))
	add(newClass(StaticHubClassName, HubClassName, AccFinal))
	add(newClass(HeapFreeChunkClassName, ObjectClassName, AccFinal).
		field("size", "Lvm/unsafe/Size;", 0).
		field("next", "Lvm/heap/HeapFreeChunk;", 0))
	add(newClass(ExceptionDispatcherClassName, ObjectClassName, AccFinal).
		native("safepointAndLoadExceptionObject", "()Ljava/lang/Throwable;", AccStatic))

	return defs
}
