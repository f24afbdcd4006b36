package object

import (
	"fmt"
	"strings"

	"github.com/chazu/telescope/vm"
)

// Inspector renders values and surrogates as nested InspectionResults,
// following references up to a depth limit.
type Inspector struct {
	factory *Factory
	// Preview bounds the number of array elements shown.
	Preview int
}

// InspectionResult is the structured view of one value.
type InspectionResult struct {
	Type      string              `json:"type"`  // kind name, "null", "object", "array", "string", "hub" ...
	Value     string              `json:"value"` // one-line summary
	ClassName string              `json:"class,omitempty"`
	OID       uint64              `json:"oid,omitempty"`
	Address   string              `json:"address,omitempty"`
	Status    string              `json:"status,omitempty"`
	Fields    []FieldInfo         `json:"fields,omitempty"`
	Size      int                 `json:"size,omitempty"`
	Elements  []*InspectionResult `json:"elements,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// FieldInfo is one field of an inspected object.
type FieldInfo struct {
	Name  string            `json:"name"`
	Value *InspectionResult `json:"value"`
}

// MaxElementPreview is the default number of array elements shown.
const MaxElementPreview = 10

// DefaultMaxDepth is the default depth of nested objects shown in full.
const DefaultMaxDepth = 3

// NewInspector creates an inspector over the surrogates of f.
func NewInspector(f *Factory) *Inspector {
	return &Inspector{factory: f, Preview: MaxElementPreview}
}

// Inspect inspects obj with the default depth.
func (i *Inspector) Inspect(obj TeleObject) *InspectionResult {
	return i.InspectObject(obj, DefaultMaxDepth)
}

// InspectValue inspects a value. Remote references are followed through
// their surrogates; local ones are summarised.
func (i *Inspector) InspectValue(v vm.Value, depth int) *InspectionResult {
	if v.Kind() != vm.KindReference {
		return &InspectionResult{Type: v.Kind().String(), Value: v.String()}
	}
	if vm.IsNull(v.AsRef()) {
		return &InspectionResult{Type: "null", Value: "null"}
	}
	obj, err := i.factory.MakeValue(v)
	if err != nil {
		return &InspectionResult{Type: "object", Value: v.AsRef().String(), Error: err.Error()}
	}
	if obj == nil {
		return i.inspectLocal(v.AsRef())
	}
	return i.InspectObject(obj, depth)
}

// InspectObject inspects a surrogate. At depth zero only the summary is
// filled in.
func (i *Inspector) InspectObject(obj TeleObject, depth int) *InspectionResult {
	if obj == nil {
		return &InspectionResult{Type: "null", Value: "null"}
	}
	r := &InspectionResult{
		Type:    "object",
		OID:     obj.OID(),
		Address: obj.Origin().String(),
		Status:  obj.Status().String(),
	}
	if c := obj.ClassActorForObjectType(); c != nil {
		r.ClassName = c.Name
	}
	r.Value = fmt.Sprintf("a %s", r.ClassName)

	switch o := obj.(type) {
	case *StringObject:
		r.Type = "string"
		r.Value = fmt.Sprintf("%q", o.Text())
	case *ArrayObject:
		r.Type = "array"
		r.Size = o.Length()
		r.Value = fmt.Sprintf("%s[%d]", strings.TrimPrefix(r.ClassName, "["), o.Length())
	case *HubObject:
		r.Type = "hub"
		if ca := o.ClassActorObject(); ca != nil {
			r.Value = fmt.Sprintf("hub of %s", ca.Name())
		}
	case *ClassActorObject:
		r.Type = "class actor"
		r.Value = fmt.Sprintf("class actor %s", o.Name())
	case *StaticTupleObject:
		r.Type = "statics"
		r.Value = fmt.Sprintf("statics of %s", r.ClassName)
	case *ForwarderObject:
		r.Type = "forwarder"
		r.Value = fmt.Sprintf("forwarder to %v", o.ForwardedTo())
		return r
	}

	if depth <= 0 || !obj.IsLive() {
		return r
	}
	for _, f := range obj.FieldActors() {
		fi := FieldInfo{Name: f.Name}
		v, err := obj.ReadField(f)
		if err != nil {
			fi.Value = &InspectionResult{Type: f.Kind.String(), Error: err.Error()}
		} else {
			fi.Value = i.InspectValue(v, depth-1)
		}
		r.Fields = append(r.Fields, fi)
	}
	if a, ok := obj.(*ArrayObject); ok {
		n := min(a.Length(), i.Preview)
		for idx := 0; idx < n; idx++ {
			v, err := a.ReadElement(idx)
			if err != nil {
				r.Elements = append(r.Elements, &InspectionResult{Type: a.ElementKind().String(), Error: err.Error()})
				continue
			}
			r.Elements = append(r.Elements, i.InspectValue(v, depth-1))
		}
	}
	return r
}

func (i *Inspector) inspectLocal(ref vm.Reference) *InspectionResult {
	r := &InspectionResult{Type: "local", Value: ref.String()}
	if c, err := ref.ClassActor(); err == nil {
		r.ClassName = c.Name
	}
	if s, err := vm.StringOf(ref); err == nil && r.ClassName == vm.StringClassName {
		r.Type = "string"
		r.Value = fmt.Sprintf("%q", s)
	}
	return r
}

// String renders the result one level deep.
func (r *InspectionResult) String() string {
	var sb strings.Builder
	r.write(&sb, 0, false)
	return sb.String()
}

// PrettyPrint renders the result with every nested level.
func (r *InspectionResult) PrettyPrint() string {
	var sb strings.Builder
	r.write(&sb, 0, true)
	return sb.String()
}

func (r *InspectionResult) write(sb *strings.Builder, indent int, nested bool) {
	prefix := strings.Repeat("  ", indent)
	fmt.Fprintf(sb, "%s%s: %s", prefix, r.Type, r.Value)
	if r.OID != 0 {
		fmt.Fprintf(sb, " <%d> at %s (%s)", r.OID, r.Address, r.Status)
	}
	if r.Error != "" {
		fmt.Fprintf(sb, " error: %s", r.Error)
	}
	sb.WriteString("\n")

	line := func(label string, v *InspectionResult) {
		if nested && v != nil && (len(v.Fields) > 0 || len(v.Elements) > 0) {
			fmt.Fprintf(sb, "%s    %s:\n", prefix, label)
			v.write(sb, indent+3, true)
			return
		}
		summary := "<nil>"
		if v != nil {
			summary = v.Value
			if v.Error != "" {
				summary = "<" + v.Error + ">"
			}
		}
		fmt.Fprintf(sb, "%s    %s: %s\n", prefix, label, summary)
	}
	if len(r.Fields) > 0 {
		fmt.Fprintf(sb, "%s  fields:\n", prefix)
		for _, f := range r.Fields {
			line(f.Name, f.Value)
		}
	}
	if len(r.Elements) > 0 {
		fmt.Fprintf(sb, "%s  elements (showing %d of %d):\n", prefix, len(r.Elements), r.Size)
		for idx, e := range r.Elements {
			line(fmt.Sprintf("[%d]", idx), e)
		}
	}
}
