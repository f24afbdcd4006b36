package server

import (
	"testing"

	"connectrpc.com/connect"

	"github.com/chazu/telescope/heap"
	"github.com/chazu/telescope/heap/heaptest"
	"github.com/chazu/telescope/vm"
)

// ---------------------------------------------------------------------------
// Execute: happy paths
// ---------------------------------------------------------------------------

func TestExecute_Hosted(t *testing.T) {
	env := newTestEnv(t, heap.SchemeMarkSweep, nil)

	resp := env.mustCall(t, ExecuteProcedure, map[string]interface{}{
		"class":      pointClass,
		"method":     "add",
		"descriptor": "(II)I",
		"args":       []interface{}{40, "2"},
	})
	result := resp["result"].(map[string]interface{})
	if result["value"] != float64(42) {
		t.Errorf("value = %v, want 42", result["value"])
	}
	if result["kind"] != "int" {
		t.Errorf("kind = %v, want int", result["kind"])
	}
	if n, _ := resp["instructions"].(float64); n == 0 {
		t.Errorf("instructions = %v, want a count", resp["instructions"])
	}
	if _, ok := resp["thrown"]; ok {
		t.Errorf("thrown = %v, want none", resp["thrown"])
	}
}

func TestExecute_ReadsTargetObject(t *testing.T) {
	var p heaptest.Object
	env := newTestEnv(t, heap.SchemeMarkSweep, func(b *heaptest.Builder) {
		p = b.NewTuple(pointClass).Set("x", vm.IntValue(7))
	})

	resp := env.mustCall(t, ExecuteProcedure, map[string]interface{}{
		"class":      pointClass,
		"method":     "xOf",
		"descriptor": "(" + pointDesc + ")I",
		"args":       []interface{}{p.Addr.String()},
	})
	result := resp["result"].(map[string]interface{})
	if result["value"] != float64(7) {
		t.Errorf("xOf = %v, want 7", result["value"])
	}
}

func TestExecute_ReferenceResultGetsHandle(t *testing.T) {
	var p, q heaptest.Object
	env := newTestEnv(t, heap.SchemeMarkSweep, func(b *heaptest.Builder) {
		q = b.NewTuple(pointClass).Set("x", vm.IntValue(3))
		p = b.NewTuple(pointClass).SetRef("next", q)
	})

	resp := env.mustCall(t, ExecuteProcedure, map[string]interface{}{
		"class":      pointClass,
		"method":     "nextOf",
		"descriptor": "(" + pointDesc + ")" + pointDesc,
		"args":       []interface{}{p.Addr.String()},
	})
	result := resp["result"].(map[string]interface{})
	if result["class"] != pointClass {
		t.Errorf("class = %v, want %s", result["class"], pointClass)
	}
	if result["address"] != q.Addr.String() {
		t.Errorf("address = %v, want %v", result["address"], q.Addr)
	}
	if result["local"] != false {
		t.Errorf("local = %v, want false", result["local"])
	}
	id, _ := result["handle"].(string)
	if id == "" {
		t.Fatalf("no handle in %v", result)
	}

	insp := env.mustCall(t, InspectProcedure, map[string]interface{}{"handle": id})
	if insp["class"] != pointClass {
		t.Errorf("inspected class = %v", insp["class"])
	}
	fields, _ := insp["fields"].([]interface{})
	if len(fields) != 2 {
		t.Fatalf("fields = %v, want 2", insp["fields"])
	}
	x := fields[0].(map[string]interface{})
	if x["name"] != "x" || x["value"].(map[string]interface{})["value"] != "3" {
		t.Errorf("field x = %v", x)
	}
}

func TestExecute_GuestExceptionIsAResult(t *testing.T) {
	env := newTestEnv(t, heap.SchemeMarkSweep, nil)

	resp := env.mustCall(t, ExecuteProcedure, map[string]interface{}{
		"class":      pointClass,
		"method":     "xOf",
		"descriptor": "(" + pointDesc + ")I",
		"args":       []interface{}{nil},
	})
	thrown, ok := resp["thrown"].(map[string]interface{})
	if !ok {
		t.Fatalf("thrown missing from %v", resp)
	}
	if thrown["class"] != vm.NullPointerExceptionName {
		t.Errorf("thrown class = %v, want %s", thrown["class"], vm.NullPointerExceptionName)
	}
	if _, ok := thrown["trace"].([]interface{}); !ok {
		t.Errorf("trace = %v, want a list", thrown["trace"])
	}
	if _, ok := resp["result"]; ok {
		t.Errorf("result = %v, want none", resp["result"])
	}
}

// ---------------------------------------------------------------------------
// Execute: errors
// ---------------------------------------------------------------------------

func TestExecute_Errors(t *testing.T) {
	env := newTestEnv(t, heap.SchemeMarkSweep, nil)

	tests := []struct {
		name string
		msg  map[string]interface{}
		want connect.Code
	}{
		{"missing descriptor", map[string]interface{}{"class": pointClass, "method": "add"}, connect.CodeInvalidArgument},
		{"unknown class", map[string]interface{}{"class": "demo/Missing", "method": "add", "descriptor": "(II)I"}, connect.CodeNotFound},
		{"unknown method", map[string]interface{}{"class": pointClass, "method": "sub", "descriptor": "(II)I"}, connect.CodeNotFound},
		{"argument count", map[string]interface{}{"class": pointClass, "method": "add", "descriptor": "(II)I", "args": []interface{}{1}}, connect.CodeInvalidArgument},
		{"bad argument", map[string]interface{}{"class": pointClass, "method": "add", "descriptor": "(II)I", "args": []interface{}{1, "two"}}, connect.CodeInvalidArgument},
		{"unknown session", map[string]interface{}{"class": pointClass, "method": "add", "descriptor": "(II)I", "session": "nope"}, connect.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.call(ExecuteProcedure, tt.msg)
			if connect.CodeOf(err) != tt.want {
				t.Errorf("error = %v, want code %v", err, tt.want)
			}
		})
	}
}

func TestExecute_DuringCollectionIsUnavailable(t *testing.T) {
	var p heaptest.Object
	env := newTestEnv(t, heap.SchemeSemiSpace, func(b *heaptest.Builder) {
		p = b.NewTuple(pointClass).Set("x", vm.IntValue(1))
	})
	msg := map[string]interface{}{
		"class":      pointClass,
		"method":     "xOf",
		"descriptor": "(" + pointDesc + ")I",
		"args":       []interface{}{p.Addr.String()},
	}

	gc := env.Builder.GC()
	gc.Start()
	_, err := env.call(ExecuteProcedure, msg)
	if connect.CodeOf(err) != connect.CodeUnavailable {
		t.Errorf("Execute during GC = %v, want Unavailable", err)
	}
	moved := gc.Evacuate(p)
	gc.Complete()

	msg["args"] = []interface{}{moved.Addr.String()}
	resp := env.mustCall(t, ExecuteProcedure, msg)
	if v := resp["result"].(map[string]interface{})["value"]; v != float64(1) {
		t.Errorf("xOf after GC = %v, want 1", v)
	}
}
