package vm

import (
	"fmt"
	"math"
	"strconv"
	"time"
	"unicode/utf16"

	"github.com/chazu/telescope/pkg/fault"
)

// identified is implemented by references with a stable identity number.
type identified interface {
	ID() uint64
}

// IdentityHash returns the identity hash code of a reference.
func IdentityHash(ref Reference) int32 {
	if IsNull(ref) {
		return 0
	}
	if id, ok := ref.(identified); ok {
		v := id.ID()
		return int32(v ^ v>>32)
	}
	return 0
}

// stringHash computes the String.hashCode of s over its UTF-16 units.
func stringHash(chars Reference) (int32, error) {
	if IsNull(chars) {
		return 0, nil
	}
	n, err := chars.ArrayLength()
	if err != nil {
		return 0, err
	}
	var h int32
	for i := 0; i < n; i++ {
		c, err := chars.ReadElement(KindChar, i)
		if err != nil {
			return 0, err
		}
		h = 31*h + c.AsInt()
	}
	return h, nil
}

func receiverString(args []Value) (string, error) {
	return StringOf(args[0].AsRef())
}

func (m *Machine) newStringValue(s string) (Value, error) {
	o, err := m.registry.NewString(s)
	if err != nil {
		return Void, err
	}
	return RefValue(o), nil
}

func classOf(ref Reference) (*ClassActor, error) {
	if IsNull(ref) {
		return nil, nil
	}
	return ref.ClassActor()
}

func registerNatives(b *HostBridge) {
	for key, fn := range objectNatives {
		b.Register(key, fn)
	}
	for key, fn := range stringNatives {
		b.Register(key, fn)
	}
	for key, fn := range systemNatives {
		b.Register(key, fn)
	}
	for key, fn := range mathNatives {
		b.Register(key, fn)
	}
	for key, fn := range wordNatives {
		b.Register(key, fn)
	}
	for key, fn := range pointerNatives() {
		b.Register(key, fn)
	}
}

var objectNatives = map[string]HostFunc{
	"java/lang/Object.hashCode()I": func(m *Machine, args []Value) (Value, error) {
		return IntValue(IdentityHash(args[0].AsRef())), nil
	},
	"java/lang/Object.equals(Ljava/lang/Object;)Z": func(m *Machine, args []Value) (Value, error) {
		return BooleanValue(args[0].AsRef() == args[1].AsRef()), nil
	},
	"java/lang/Object.getClass()Ljava/lang/Class;": func(m *Machine, args []Value) (Value, error) {
		c, err := args[0].AsRef().ClassActor()
		if err != nil {
			return Void, err
		}
		return RefValue(m.registry.Mirror(c)), nil
	},
	"java/lang/Object.toString()Ljava/lang/String;": func(m *Machine, args []Value) (Value, error) {
		c, err := args[0].AsRef().ClassActor()
		if err != nil {
			return Void, err
		}
		return m.newStringValue(fmt.Sprintf("%s@%x", c.JavaName(), uint32(IdentityHash(args[0].AsRef()))))
	},
	"java/lang/Object.clone()Ljava/lang/Object;": func(m *Machine, args []Value) (Value, error) {
		ref := args[0].AsRef()
		c, err := ref.ClassActor()
		if err != nil {
			return Void, err
		}
		if !c.IsArray() && !c.Implements(m.registry.MustLookup("java/lang/Cloneable")) {
			return Void, m.Raise(CloneNotSupportedName, c.JavaName())
		}
		if !ref.IsLocal() {
			if m.remote == nil {
				return Void, fault.Structuralf(fault.ErrNoTarget, "cloning %s", ref)
			}
			local, err := m.remote.MakeLocal(args[0])
			if err != nil {
				return Void, err
			}
			ref = local.AsRef()
		}
		return RefValue(ref.(*Object).Clone()), nil
	},
	"java/lang/Class.getName()Ljava/lang/String;": func(m *Machine, args []Value) (Value, error) {
		o, ok := args[0].AsRef().(*Object)
		if !ok || o.Mirror() == nil {
			return Void, fault.Structuralf(fault.ErrInvalidOrigin, "%s is not a class mirror", args[0])
		}
		return m.newStringValue(o.Mirror().JavaName())
	},
	"java/lang/Class.isArray()Z": func(m *Machine, args []Value) (Value, error) {
		o, ok := args[0].AsRef().(*Object)
		return BooleanValue(ok && o.Mirror() != nil && o.Mirror().IsArray()), nil
	},
	"java/lang/Throwable.fillInStackTrace()Ljava/lang/Throwable;": func(m *Machine, args []Value) (Value, error) {
		return args[0], nil
	},
	"java/lang/Throwable.toString()Ljava/lang/String;": func(m *Machine, args []Value) (Value, error) {
		ref := args[0].AsRef()
		c, err := ref.ClassActor()
		if err != nil {
			return Void, err
		}
		s := c.JavaName()
		if f := c.FindField("detailMessage"); f != nil {
			v, err := ref.ReadField(f)
			if err != nil {
				return Void, err
			}
			if !v.IsZero() {
				msg, err := StringOf(v.AsRef())
				if err != nil {
					return Void, err
				}
				s += ": " + msg
			}
		}
		return m.newStringValue(s)
	},
}

var stringNatives = map[string]HostFunc{
	"java/lang/String.length()I": func(m *Machine, args []Value) (Value, error) {
		s, err := receiverString(args)
		if err != nil {
			return Void, err
		}
		return IntValue(int32(len(utf16.Encode([]rune(s))))), nil
	},
	"java/lang/String.charAt(I)C": func(m *Machine, args []Value) (Value, error) {
		s, err := receiverString(args)
		if err != nil {
			return Void, err
		}
		units := utf16.Encode([]rune(s))
		i := int(args[1].AsInt())
		if i < 0 || i >= len(units) {
			return Void, m.Raise("java/lang/StringIndexOutOfBoundsException", strconv.Itoa(i))
		}
		return CharValue(units[i]), nil
	},
	"java/lang/String.isEmpty()Z": func(m *Machine, args []Value) (Value, error) {
		s, err := receiverString(args)
		if err != nil {
			return Void, err
		}
		return BooleanValue(s == ""), nil
	},
	"java/lang/String.equals(Ljava/lang/Object;)Z": func(m *Machine, args []Value) (Value, error) {
		other := args[1].AsRef()
		if args[0].AsRef() == other {
			return BooleanValue(true), nil
		}
		c, err := classOf(other)
		if err != nil {
			return Void, err
		}
		if c == nil || c.Name != StringClassName {
			return BooleanValue(false), nil
		}
		a, err := receiverString(args)
		if err != nil {
			return Void, err
		}
		b, err := StringOf(other)
		if err != nil {
			return Void, err
		}
		return BooleanValue(a == b), nil
	},
	"java/lang/String.hashCode()I": func(m *Machine, args []Value) (Value, error) {
		ref := args[0].AsRef()
		c, err := ref.ClassActor()
		if err != nil {
			return Void, err
		}
		v, err := ref.ReadField(c.FindField("value"))
		if err != nil {
			return Void, err
		}
		h, err := stringHash(v.AsRef())
		if err != nil {
			return Void, err
		}
		return IntValue(h), nil
	},
	"java/lang/String.concat(Ljava/lang/String;)Ljava/lang/String;": func(m *Machine, args []Value) (Value, error) {
		if IsNull(args[1].AsRef()) {
			return Void, m.Raise(NullPointerExceptionName, "concat")
		}
		a, err := receiverString(args)
		if err != nil {
			return Void, err
		}
		b, err := StringOf(args[1].AsRef())
		if err != nil {
			return Void, err
		}
		return m.newStringValue(a + b)
	},
	"java/lang/String.toString()Ljava/lang/String;": func(m *Machine, args []Value) (Value, error) {
		return args[0], nil
	},
	"java/lang/String.intern()Ljava/lang/String;": func(m *Machine, args []Value) (Value, error) {
		s, err := receiverString(args)
		if err != nil {
			return Void, err
		}
		o, err := m.registry.InternString(s)
		if err != nil {
			return Void, err
		}
		return RefValue(o), nil
	},
	"java/lang/String.valueOf(I)Ljava/lang/String;": func(m *Machine, args []Value) (Value, error) {
		return m.newStringValue(strconv.Itoa(int(args[0].AsInt())))
	},
}

var systemNatives = map[string]HostFunc{
	"java/lang/System.arraycopy(Ljava/lang/Object;ILjava/lang/Object;II)V": arraycopy,
	"java/lang/System.identityHashCode(Ljava/lang/Object;)I": func(m *Machine, args []Value) (Value, error) {
		return IntValue(IdentityHash(args[0].AsRef())), nil
	},
	"java/lang/System.nanoTime()J": func(m *Machine, args []Value) (Value, error) {
		return LongValue(time.Now().UnixNano()), nil
	},
	"java/lang/Float.floatToRawIntBits(F)I": func(m *Machine, args []Value) (Value, error) {
		return IntValue(int32(math.Float32bits(args[0].AsFloat()))), nil
	},
	"java/lang/Float.intBitsToFloat(I)F": func(m *Machine, args []Value) (Value, error) {
		return FloatValue(math.Float32frombits(uint32(args[0].AsInt()))), nil
	},
	"java/lang/Float.isNaN(F)Z": func(m *Machine, args []Value) (Value, error) {
		return BooleanValue(math.IsNaN(float64(args[0].AsFloat()))), nil
	},
	"java/lang/Double.doubleToRawLongBits(D)J": func(m *Machine, args []Value) (Value, error) {
		return LongValue(int64(math.Float64bits(args[0].AsDouble()))), nil
	},
	"java/lang/Double.longBitsToDouble(J)D": func(m *Machine, args []Value) (Value, error) {
		return DoubleValue(math.Float64frombits(uint64(args[0].AsLong()))), nil
	},
	"java/lang/Double.isNaN(D)Z": func(m *Machine, args []Value) (Value, error) {
		return BooleanValue(math.IsNaN(args[0].AsDouble())), nil
	},
}

func arraycopy(m *Machine, args []Value) (Value, error) {
	src, dst := args[0].AsRef(), args[2].AsRef()
	srcPos, dstPos, n := int(args[1].AsInt()), int(args[3].AsInt()), int(args[4].AsInt())
	if IsNull(src) || IsNull(dst) {
		return Void, m.Raise(NullPointerExceptionName, "arraycopy")
	}
	srcClass, err := src.ClassActor()
	if err != nil {
		return Void, err
	}
	dstClass, err := dst.ClassActor()
	if err != nil {
		return Void, err
	}
	if !srcClass.IsArray() || !dstClass.IsArray() || srcClass.ElementKind != dstClass.ElementKind {
		return Void, m.Raise(ArrayStoreExceptionName, "arraycopy: type mismatch")
	}
	srcLen, err := src.ArrayLength()
	if err != nil {
		return Void, err
	}
	dstLen, err := dst.ArrayLength()
	if err != nil {
		return Void, err
	}
	if srcPos < 0 || dstPos < 0 || n < 0 || srcPos+n > srcLen || dstPos+n > dstLen {
		return Void, m.Raise(ArrayIndexOutOfBoundsName, "arraycopy: last source index "+strconv.Itoa(srcPos+n)+" out of bounds")
	}
	kind := srcClass.ElementKind
	buf := make([]Value, n)
	for i := range buf {
		if buf[i], err = src.ReadElement(kind, srcPos+i); err != nil {
			return Void, err
		}
	}
	for i, v := range buf {
		if kind == KindReference && !IsNull(v.AsRef()) {
			c, err := v.AsRef().ClassActor()
			if err != nil {
				return Void, err
			}
			if !c.IsAssignableTo(dstClass.Component) {
				return Void, m.Raise(ArrayStoreExceptionName, c.JavaName())
			}
		}
		if err := dst.WriteElement(kind, dstPos+i, v); err != nil {
			return Void, err
		}
	}
	return Void, nil
}

var mathNatives = map[string]HostFunc{
	"java/lang/Math.abs(I)I": func(m *Machine, args []Value) (Value, error) {
		v := args[0].AsInt()
		if v < 0 {
			v = -v
		}
		return IntValue(v), nil
	},
	"java/lang/Math.abs(J)J": func(m *Machine, args []Value) (Value, error) {
		v := args[0].AsLong()
		if v < 0 {
			v = -v
		}
		return LongValue(v), nil
	},
	"java/lang/Math.abs(D)D": func(m *Machine, args []Value) (Value, error) {
		return DoubleValue(math.Abs(args[0].AsDouble())), nil
	},
	"java/lang/Math.max(II)I": func(m *Machine, args []Value) (Value, error) {
		return IntValue(max(args[0].AsInt(), args[1].AsInt())), nil
	},
	"java/lang/Math.min(II)I": func(m *Machine, args []Value) (Value, error) {
		return IntValue(min(args[0].AsInt(), args[1].AsInt())), nil
	},
	"java/lang/Math.max(JJ)J": func(m *Machine, args []Value) (Value, error) {
		return LongValue(max(args[0].AsLong(), args[1].AsLong())), nil
	},
	"java/lang/Math.min(JJ)J": func(m *Machine, args []Value) (Value, error) {
		return LongValue(min(args[0].AsLong(), args[1].AsLong())), nil
	},
	"java/lang/Math.max(DD)D": func(m *Machine, args []Value) (Value, error) {
		return DoubleValue(math.Max(args[0].AsDouble(), args[1].AsDouble())), nil
	},
	"java/lang/Math.min(DD)D": func(m *Machine, args []Value) (Value, error) {
		return DoubleValue(math.Min(args[0].AsDouble(), args[1].AsDouble())), nil
	},
	"java/lang/Math.sqrt(D)D": func(m *Machine, args []Value) (Value, error) {
		return DoubleValue(math.Sqrt(args[0].AsDouble())), nil
	},
	"java/lang/Math.pow(DD)D": func(m *Machine, args []Value) (Value, error) {
		return DoubleValue(math.Pow(args[0].AsDouble(), args[1].AsDouble())), nil
	},
	"java/lang/Math.floor(D)D": func(m *Machine, args []Value) (Value, error) {
		return DoubleValue(math.Floor(args[0].AsDouble())), nil
	},
	"java/lang/Math.ceil(D)D": func(m *Machine, args []Value) (Value, error) {
		return DoubleValue(math.Ceil(args[0].AsDouble())), nil
	},
}

// ---------------------------------------------------------------------------
// Word classes
// ---------------------------------------------------------------------------

func wordResult(w Word) (Value, error) { return WordValue(w), nil }

var wordNatives = map[string]HostFunc{
	"vm/unsafe/Word.toLong()J": func(m *Machine, args []Value) (Value, error) {
		return LongValue(int64(args[0].AsWord())), nil
	},
	"vm/unsafe/Word.isZero()Z": func(m *Machine, args []Value) (Value, error) {
		return BooleanValue(args[0].AsWord() == 0), nil
	},
	"vm/unsafe/Word.asAddress()Lvm/unsafe/Address;": func(m *Machine, args []Value) (Value, error) {
		return wordResult(args[0].AsWord())
	},
	"vm/unsafe/Word.asPointer()Lvm/unsafe/Pointer;": func(m *Machine, args []Value) (Value, error) {
		return wordResult(args[0].AsWord())
	},
	"vm/unsafe/Word.asOffset()Lvm/unsafe/Offset;": func(m *Machine, args []Value) (Value, error) {
		return wordResult(args[0].AsWord())
	},
	"vm/unsafe/Word.equals(Lvm/unsafe/Word;)Z": func(m *Machine, args []Value) (Value, error) {
		return BooleanValue(args[0].AsWord() == args[1].AsWord()), nil
	},
	"vm/unsafe/Word.zero()Lvm/unsafe/Word;": func(m *Machine, args []Value) (Value, error) {
		return wordResult(0)
	},
	"vm/unsafe/Address.fromLong(J)Lvm/unsafe/Address;": func(m *Machine, args []Value) (Value, error) {
		return wordResult(Word(args[0].AsLong()))
	},
	"vm/unsafe/Address.plus(I)Lvm/unsafe/Address;": func(m *Machine, args []Value) (Value, error) {
		return wordResult(args[0].AsWord() + Word(int64(args[1].AsInt())))
	},
	"vm/unsafe/Address.plus(J)Lvm/unsafe/Address;": func(m *Machine, args []Value) (Value, error) {
		return wordResult(args[0].AsWord() + Word(args[1].AsLong()))
	},
	"vm/unsafe/Address.minus(J)Lvm/unsafe/Address;": func(m *Machine, args []Value) (Value, error) {
		return wordResult(args[0].AsWord() - Word(args[1].AsLong()))
	},
	"vm/unsafe/Address.greaterEqual(Lvm/unsafe/Address;)Z": func(m *Machine, args []Value) (Value, error) {
		return BooleanValue(args[0].AsWord().AboveEqual(args[1].AsWord())), nil
	},
	"vm/unsafe/Address.lessThan(Lvm/unsafe/Address;)Z": func(m *Machine, args []Value) (Value, error) {
		return BooleanValue(args[0].AsWord().BelowThan(args[1].AsWord())), nil
	},
	"vm/unsafe/Pointer.plus(I)Lvm/unsafe/Pointer;": func(m *Machine, args []Value) (Value, error) {
		return wordResult(args[0].AsWord() + Word(int64(args[1].AsInt())))
	},
	"vm/unsafe/Offset.fromInt(I)Lvm/unsafe/Offset;": func(m *Machine, args []Value) (Value, error) {
		return wordResult(Word(int64(args[0].AsInt())))
	},
	"vm/unsafe/Offset.toInt()I": func(m *Machine, args []Value) (Value, error) {
		return IntValue(int32(args[0].AsWord())), nil
	},
	"vm/unsafe/Size.fromInt(I)Lvm/unsafe/Size;": func(m *Machine, args []Value) (Value, error) {
		return wordResult(Word(int64(args[0].AsInt())))
	},
	"vm/unsafe/Size.toInt()I": func(m *Machine, args []Value) (Value, error) {
		return IntValue(int32(args[0].AsWord())), nil
	},
}

// pointerNatives builds the Pointer read and write methods. Reads go to the
// target; writes are refused.
func pointerNatives() map[string]HostFunc {
	natives := make(map[string]HostFunc)
	read := func(kind Kind) HostFunc {
		return func(m *Machine, args []Value) (Value, error) {
			remote, err := m.target()
			if err != nil {
				return Void, err
			}
			return remote.ReadPointer(kind, args[0].AsWord(), int64(args[1].AsInt()))
		}
	}
	get := func(kind Kind) HostFunc {
		return func(m *Machine, args []Value) (Value, error) {
			remote, err := m.target()
			if err != nil {
				return Void, err
			}
			return remote.GetPointer(kind, args[0].AsWord(), int64(args[1].AsInt()), int64(args[2].AsInt()))
		}
	}
	refuse := func(m *Machine, args []Value) (Value, error) {
		return Void, fault.Structuralf(fault.ErrRemoteWrite, "pointer write at %s", args[0].AsWord())
	}
	for _, r := range []struct {
		name string
		kind Kind
	}{
		{"readByte(I)B", KindByte},
		{"readChar(I)C", KindChar},
		{"readShort(I)S", KindShort},
		{"readInt(I)I", KindInt},
		{"readFloat(I)F", KindFloat},
		{"readLong(I)J", KindLong},
		{"readDouble(I)D", KindDouble},
		{"readWord(I)Lvm/unsafe/Word;", KindWord},
		{"readReference(I)Ljava/lang/Object;", KindReference},
	} {
		natives["vm/unsafe/Pointer."+r.name] = read(r.kind)
	}
	natives["vm/unsafe/Pointer.getInt(II)I"] = get(KindInt)
	natives["vm/unsafe/Pointer.getWord(II)Lvm/unsafe/Word;"] = get(KindWord)
	natives["vm/unsafe/Pointer.writeInt(II)V"] = refuse
	natives["vm/unsafe/Pointer.writeWord(ILvm/unsafe/Word;)V"] = refuse
	return natives
}
