package vm

import "fmt"

// Kind is the machine-level type of a value, field or array element.
type Kind uint8

const (
	KindVoid Kind = iota
	KindBoolean
	KindByte
	KindChar
	KindShort
	KindInt
	KindFloat
	KindLong
	KindDouble
	KindWord
	KindReference
)

var kindNames = [...]string{
	KindVoid:      "void",
	KindBoolean:   "boolean",
	KindByte:      "byte",
	KindChar:      "char",
	KindShort:     "short",
	KindInt:       "int",
	KindFloat:     "float",
	KindLong:      "long",
	KindDouble:    "double",
	KindWord:      "word",
	KindReference: "reference",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// StackKind returns the kind a value of k has on the operand stack.
// Sub-int kinds widen to int.
func (k Kind) StackKind() Kind {
	switch k {
	case KindBoolean, KindByte, KindChar, KindShort:
		return KindInt
	}
	return k
}

// IsCategory2 reports whether values of k occupy two local slots.
func (k Kind) IsCategory2() bool {
	return k == KindLong || k == KindDouble
}

// IsPrimitive reports whether k is a non-reference, non-void kind.
func (k Kind) IsPrimitive() bool {
	return k != KindVoid && k != KindReference
}

// Width returns the size in bytes of an array element of kind k.
func (k Kind) Width() int {
	switch k {
	case KindBoolean, KindByte:
		return 1
	case KindChar, KindShort:
		return 2
	case KindInt, KindFloat:
		return 4
	case KindVoid:
		return 0
	}
	return 8
}

// Descriptor returns the field descriptor character for a primitive kind.
func (k Kind) Descriptor() string {
	switch k {
	case KindVoid:
		return "V"
	case KindBoolean:
		return "Z"
	case KindByte:
		return "B"
	case KindChar:
		return "C"
	case KindShort:
		return "S"
	case KindInt:
		return "I"
	case KindFloat:
		return "F"
	case KindLong:
		return "J"
	case KindDouble:
		return "D"
	case KindWord:
		return "L" + WordClassName + ";"
	}
	return "Ljava/lang/Object;"
}

// WordClassName is the root of the word classes.
const WordClassName = "vm/unsafe/Word"

// wordClasses are the classes whose values are machine words rather than references.
var wordClasses = map[string]bool{
	"vm/unsafe/Word":    true,
	"vm/unsafe/Address": true,
	"vm/unsafe/Pointer": true,
	"vm/unsafe/Offset":  true,
	"vm/unsafe/Size":    true,
}

// IsWordClass reports whether values of the named class are words.
func IsWordClass(name string) bool {
	return wordClasses[name]
}

// KindOfDescriptor returns the kind denoted by a field descriptor.
func KindOfDescriptor(desc string) Kind {
	if desc == "" {
		return KindVoid
	}
	switch desc[0] {
	case 'V':
		return KindVoid
	case 'Z':
		return KindBoolean
	case 'B':
		return KindByte
	case 'C':
		return KindChar
	case 'S':
		return KindShort
	case 'I':
		return KindInt
	case 'F':
		return KindFloat
	case 'J':
		return KindLong
	case 'D':
		return KindDouble
	case 'L':
		if IsWordClass(desc[1 : len(desc)-1]) {
			return KindWord
		}
	}
	return KindReference
}

// KindOfArrayType maps a newarray type code to its element kind.
func KindOfArrayType(atype int) (Kind, bool) {
	switch atype {
	case 4:
		return KindBoolean, true
	case 5:
		return KindChar, true
	case 6:
		return KindFloat, true
	case 7:
		return KindDouble, true
	case 8:
		return KindByte, true
	case 9:
		return KindShort, true
	case 10:
		return KindInt, true
	case 11:
		return KindLong, true
	}
	return KindVoid, false
}
