package tele

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/chazu/telescope/memory"
	"github.com/chazu/telescope/pkg/fault"
	"github.com/chazu/telescope/vm"
)

// ParseArgs converts textual arguments into values for method. An instance
// method takes its receiver first.
//
// References are written as "null", "#OID" for a surrogate already known to
// the session, a hex address such as "0x2a000" for a target object, or a
// double-quoted literal for a String parameter.
func (t *TeleVM) ParseArgs(method *vm.MethodActor, args []string) ([]vm.Value, error) {
	sig := method.Signature
	types := sig.ParamTypes
	if !method.IsStatic() {
		types = append([]string{"L" + method.Holder.Name + ";"}, types...)
	}
	if len(args) != len(types) {
		return nil, fault.Structuralf(fault.ErrBadArgument, "%s takes %d arguments, got %d", method, len(types), len(args))
	}
	values := make([]vm.Value, len(args))
	for i, s := range args {
		v, err := t.ParseValue(types[i], s)
		if err != nil {
			return nil, fault.Wrap(err, "argument %d", i)
		}
		values[i] = v
	}
	return values, nil
}

// ParseValue converts s into a value of the field type desc.
func (t *TeleVM) ParseValue(desc, s string) (vm.Value, error) {
	kind := vm.KindOfDescriptor(desc)
	switch kind {
	case vm.KindBoolean:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return vm.Void, badArg(desc, s)
		}
		return vm.BooleanValue(b), nil
	case vm.KindByte, vm.KindShort, vm.KindInt:
		n, err := strconv.ParseInt(s, 0, kind.Width()*8)
		if err != nil {
			return vm.Void, badArg(desc, s)
		}
		switch kind {
		case vm.KindByte:
			return vm.ByteValue(int8(n)), nil
		case vm.KindShort:
			return vm.ShortValue(int16(n)), nil
		}
		return vm.IntValue(int32(n)), nil
	case vm.KindChar:
		r, size := utf8.DecodeRuneInString(s)
		if size == 0 || size != len(s) || r > 0xFFFF {
			return vm.Void, badArg(desc, s)
		}
		return vm.CharValue(uint16(r)), nil
	case vm.KindLong:
		n, err := strconv.ParseInt(strings.TrimSuffix(s, "L"), 0, 64)
		if err != nil {
			return vm.Void, badArg(desc, s)
		}
		return vm.LongValue(n), nil
	case vm.KindFloat:
		f, err := strconv.ParseFloat(strings.TrimSuffix(s, "F"), 32)
		if err != nil {
			return vm.Void, badArg(desc, s)
		}
		return vm.FloatValue(float32(f)), nil
	case vm.KindDouble:
		f, err := strconv.ParseFloat(strings.TrimSuffix(s, "D"), 64)
		if err != nil {
			return vm.Void, badArg(desc, s)
		}
		return vm.DoubleValue(f), nil
	case vm.KindWord:
		n, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return vm.Void, badArg(desc, s)
		}
		return vm.WordValue(vm.Word(n)), nil
	}
	return t.parseReference(desc, s)
}

func (t *TeleVM) parseReference(desc, s string) (vm.Value, error) {
	switch {
	case s == "null":
		return vm.RefValue(nil), nil
	case strings.HasPrefix(s, "#"):
		oid, err := strconv.ParseUint(s[1:], 10, 64)
		if err != nil {
			return vm.Void, badArg(desc, s)
		}
		obj := t.Lookup(oid)
		if obj == nil {
			return vm.Void, fault.Structuralf(fault.ErrInvalidOrigin, "no object #%d in this session", oid)
		}
		return vm.RefValue(obj.Reference()), nil
	case strings.HasPrefix(s, "\""):
		if desc != "Ljava/lang/String;" && desc != "Ljava/lang/Object;" {
			return vm.Void, badArg(desc, s)
		}
		text, err := strconv.Unquote(s)
		if err != nil {
			return vm.Void, badArg(desc, s)
		}
		str, err := t.registry.NewString(text)
		if err != nil {
			return vm.Void, err
		}
		return vm.RefValue(str), nil
	}
	addr, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return vm.Void, badArg(desc, s)
	}
	obj, err := t.Resolve(memory.Address(addr))
	if err != nil {
		return vm.Void, err
	}
	return vm.RefValue(obj.Reference()), nil
}

func badArg(desc, s string) error {
	return fault.Structuralf(fault.ErrBadArgument, "cannot read %q as %s", s, desc)
}
