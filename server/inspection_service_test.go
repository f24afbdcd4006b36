package server

import (
	"testing"

	"connectrpc.com/connect"

	"github.com/chazu/telescope/heap"
	"github.com/chazu/telescope/heap/heaptest"
	"github.com/chazu/telescope/vm"
)

func chain(p, q *heaptest.Object) func(b *heaptest.Builder) {
	return func(b *heaptest.Builder) {
		*q = b.NewTuple(pointClass).Set("x", vm.IntValue(2))
		*p = b.NewTuple(pointClass).Set("x", vm.IntValue(1)).SetRef("next", *q)
	}
}

// ---------------------------------------------------------------------------
// Resolve
// ---------------------------------------------------------------------------

func TestResolve_ReturnsHandle(t *testing.T) {
	var p, q heaptest.Object
	env := newTestEnv(t, heap.SchemeMarkSweep, chain(&p, &q))

	resp := env.mustCall(t, ResolveProcedure, map[string]interface{}{"address": p.Addr.String()})
	if resp["class"] != pointClass {
		t.Errorf("class = %v, want %s", resp["class"], pointClass)
	}
	if resp["memory"] != "live" || resp["status"] != "live" {
		t.Errorf("memory = %v, status = %v, want live", resp["memory"], resp["status"])
	}
	if resp["kind"] != "tuple" {
		t.Errorf("kind = %v, want tuple", resp["kind"])
	}
	if _, ok := resp["handle"].(string); !ok {
		t.Errorf("handle missing from %v", resp)
	}
	if env.Server.Handles().Len() != 1 {
		t.Errorf("handles = %d, want 1", env.Server.Handles().Len())
	}
}

func TestResolve_Errors(t *testing.T) {
	env := newTestEnv(t, heap.SchemeMarkSweep, nil)

	tests := []struct {
		name string
		msg  map[string]interface{}
		want connect.Code
	}{
		{"missing", map[string]interface{}{}, connect.CodeInvalidArgument},
		{"not a number", map[string]interface{}{"address": "here"}, connect.CodeInvalidArgument},
		{"zero", map[string]interface{}{"address": "0"}, connect.CodeInvalidArgument},
		{"outside the heap", map[string]interface{}{"address": "0x7000000000"}, connect.CodeInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.call(ResolveProcedure, tt.msg)
			if connect.CodeOf(err) != tt.want {
				t.Errorf("error = %v, want code %v", err, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Inspect
// ---------------------------------------------------------------------------

func TestInspect_ByAddressFollowsReferences(t *testing.T) {
	var p, q heaptest.Object
	env := newTestEnv(t, heap.SchemeMarkSweep, chain(&p, &q))

	resp := env.mustCall(t, InspectProcedure, map[string]interface{}{"address": p.Addr.String()})
	fields := resp["fields"].([]interface{})
	next := fields[1].(map[string]interface{})["value"].(map[string]interface{})
	if next["address"] != q.Addr.String() {
		t.Errorf("next = %v, want object at %v", next, q.Addr)
	}
	if _, ok := next["fields"]; !ok {
		t.Errorf("next should be expanded at the default depth: %v", next)
	}

	resp = env.mustCall(t, InspectProcedure, map[string]interface{}{"address": p.Addr.String(), "depth": 0})
	if _, ok := resp["fields"]; ok {
		t.Errorf("depth 0 should only summarise: %v", resp)
	}
}

func TestInspect_ByOID(t *testing.T) {
	var p, q heaptest.Object
	env := newTestEnv(t, heap.SchemeMarkSweep, chain(&p, &q))

	resolved := env.mustCall(t, ResolveProcedure, map[string]interface{}{"address": p.Addr.String()})
	resp := env.mustCall(t, InspectProcedure, map[string]interface{}{"oid": resolved["oid"]})
	if resp["address"] != p.Addr.String() {
		t.Errorf("address = %v, want %v", resp["address"], p.Addr)
	}

	_, err := env.call(InspectProcedure, map[string]interface{}{"oid": 999999})
	if connect.CodeOf(err) != connect.CodeInvalidArgument {
		t.Errorf("unknown oid = %v, want InvalidArgument", err)
	}
}

func TestInspect_Errors(t *testing.T) {
	env := newTestEnv(t, heap.SchemeMarkSweep, nil)

	if _, err := env.call(InspectProcedure, map[string]interface{}{}); connect.CodeOf(err) != connect.CodeInvalidArgument {
		t.Errorf("empty request = %v, want InvalidArgument", err)
	}
	if _, err := env.call(InspectProcedure, map[string]interface{}{"handle": "h-404"}); connect.CodeOf(err) != connect.CodeNotFound {
		t.Errorf("unknown handle = %v, want NotFound", err)
	}
	if _, err := env.call(InspectProcedure, map[string]interface{}{"handle": "h-1", "depth": -1}); connect.CodeOf(err) != connect.CodeInvalidArgument {
		t.Errorf("negative depth = %v, want InvalidArgument", err)
	}
}

// ---------------------------------------------------------------------------
// Refresh and Release
// ---------------------------------------------------------------------------

func TestRefresh_AdvancesEpoch(t *testing.T) {
	var p, q heaptest.Object
	env := newTestEnv(t, heap.SchemeSemiSpace, chain(&p, &q))
	env.mustCall(t, ResolveProcedure, map[string]interface{}{"address": p.Addr.String()})
	epoch := env.TeleVM.Epoch()

	env.Builder.GC().Collect(p)
	resp := env.mustCall(t, RefreshProcedure, map[string]interface{}{})
	if resp["epoch"] != float64(epoch+1) {
		t.Errorf("epoch = %v, want %d", resp["epoch"], epoch+1)
	}
	if resp["phase"] != heap.PhaseMutating.String() {
		t.Errorf("phase = %v", resp["phase"])
	}
	if resp["scheme"] != heap.SchemeSemiSpace.String() {
		t.Errorf("scheme = %v", resp["scheme"])
	}
}

func TestRefresh_DuringCollection(t *testing.T) {
	var p, q heaptest.Object
	env := newTestEnv(t, heap.SchemeSemiSpace, chain(&p, &q))
	gc := env.Builder.GC()
	gc.Start()

	resp := env.mustCall(t, RefreshProcedure, map[string]interface{}{})
	if resp["phase"] != heap.PhaseAnalyzing.String() {
		t.Errorf("phase = %v, want %s", resp["phase"], heap.PhaseAnalyzing)
	}
	if _, err := env.call(ResolveProcedure, map[string]interface{}{"address": p.Addr.String()}); connect.CodeOf(err) != connect.CodeUnavailable {
		t.Errorf("Resolve during GC = %v, want Unavailable", err)
	}
	gc.Complete()
}

func TestRelease(t *testing.T) {
	var p, q heaptest.Object
	env := newTestEnv(t, heap.SchemeMarkSweep, chain(&p, &q))
	resolved := env.mustCall(t, ResolveProcedure, map[string]interface{}{"address": p.Addr.String()})
	id := resolved["handle"].(string)

	env.mustCall(t, ReleaseProcedure, map[string]interface{}{"handle": id})
	if _, err := env.call(InspectProcedure, map[string]interface{}{"handle": id}); connect.CodeOf(err) != connect.CodeNotFound {
		t.Errorf("released handle = %v, want NotFound", err)
	}
	if _, err := env.call(ReleaseProcedure, map[string]interface{}{"handle": id}); connect.CodeOf(err) != connect.CodeNotFound {
		t.Errorf("double release = %v, want NotFound", err)
	}
}
