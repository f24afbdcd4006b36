package server

import (
	"encoding/json"
	"strconv"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/telescope/object"
	"github.com/chazu/telescope/tele"
	"github.com/chazu/telescope/vm"
)

// stringField returns a string member of msg, or "".
func stringField(msg *structpb.Struct, name string) string {
	return msg.GetFields()[name].GetStringValue()
}

// intField returns a numeric member of msg, or def when it is absent.
func intField(msg *structpb.Struct, name string, def int) int {
	v, ok := msg.GetFields()[name]
	if !ok {
		return def
	}
	if _, isNum := v.GetKind().(*structpb.Value_NumberValue); !isNum {
		return def
	}
	return int(v.GetNumberValue())
}

// argsField returns a list member of msg as argument text. Numbers and
// booleans are accepted as written.
func argsField(msg *structpb.Struct, name string) ([]string, error) {
	list := msg.GetFields()[name].GetListValue()
	var args []string
	for i, v := range list.GetValues() {
		switch k := v.GetKind().(type) {
		case *structpb.Value_StringValue:
			args = append(args, k.StringValue)
		case *structpb.Value_NumberValue:
			args = append(args, strconv.FormatFloat(k.NumberValue, 'f', -1, 64))
		case *structpb.Value_BoolValue:
			args = append(args, strconv.FormatBool(k.BoolValue))
		case *structpb.Value_NullValue:
			args = append(args, "null")
		default:
			return nil, invalidArgument("%s[%d] must be a string, number or boolean", name, i)
		}
	}
	return args, nil
}

// inspectionStruct converts an inspection result into a Struct through its
// JSON form.
func inspectionStruct(r *object.InspectionResult) (*structpb.Struct, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	st := &structpb.Struct{}
	if err := protojson.Unmarshal(data, st); err != nil {
		return nil, err
	}
	return st, nil
}

// describeValue renders v for a response and registers a handle when v is
// a non-null reference.
func describeValue(t *tele.TeleVM, handles *HandleStore, v vm.Value, sessionID string) (map[string]interface{}, error) {
	out := map[string]interface{}{
		"kind":    v.Kind().String(),
		"display": v.String(),
	}
	if v.Kind() != vm.KindReference {
		out["value"] = v.Interface()
		return out, nil
	}
	if vm.IsNull(v.AsRef()) {
		out["value"] = nil
		return out, nil
	}
	obj, err := t.Factory().MakeValue(v)
	if err != nil {
		return nil, err
	}
	className := ""
	if obj != nil {
		className = obj.ClassActorForObjectType().Name
		out["oid"] = obj.OID()
		out["address"] = obj.Origin().String()
		out["status"] = obj.Status().String()
		out["local"] = false
	} else {
		if c, err := v.AsRef().ClassActor(); err == nil {
			className = c.Name
		}
		out["local"] = true
	}
	if className == "java/lang/String" {
		if s, err := vm.StringOf(v.AsRef()); err == nil {
			out["value"] = s
		}
	}
	out["class"] = className
	out["handle"] = handles.Create(v, obj, className, v.String(), sessionID)
	return out, nil
}
