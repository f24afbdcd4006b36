package server

import (
	"context"
	"net/http/httptest"
	"testing"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/telescope/heap"
	"github.com/chazu/telescope/heap/heaptest"
	"github.com/chazu/telescope/pkg/bytecode"
	"github.com/chazu/telescope/tele"
	"github.com/chazu/telescope/vm"
)

// ---------------------------------------------------------------------------
// Shared test infrastructure for server package tests.
//
// Every test builds its own fabricated target heap, so tests that run a
// collection do not disturb each other.
// ---------------------------------------------------------------------------

const (
	pointClass = "demo/Point"
	pointDesc  = "L" + pointClass + ";"
)

func code(maxLocals int, build func(a *bytecode.Assembler)) *vm.CodeAttribute {
	a := bytecode.NewAssembler()
	build(a)
	return &vm.CodeAttribute{MaxStack: 8, MaxLocals: maxLocals, Code: a.MustCode()}
}

func pointDefinition() *vm.ClassDefinition {
	p := vm.NewConstantPool()
	x := p.AddFieldRef(pointClass, "x", "I")
	next := p.AddFieldRef(pointClass, "next", pointDesc)
	return &vm.ClassDefinition{
		Name:  pointClass,
		Super: vm.ObjectClassName,
		Pool:  p,
		Fields: []vm.FieldDefinition{
			{Name: "x", Descriptor: "I"},
			{Name: "next", Descriptor: pointDesc},
		},
		Methods: []vm.MethodDefinition{
			{Name: "add", Descriptor: "(II)I", Flags: vm.AccStatic, Code: code(2, func(a *bytecode.Assembler) {
				a.Emit(bytecode.OpIload0).Emit(bytecode.OpIload1).Emit(bytecode.OpIadd).Emit(bytecode.OpIreturn)
			})},
			{Name: "xOf", Descriptor: "(" + pointDesc + ")I", Flags: vm.AccStatic, Code: code(1, func(a *bytecode.Assembler) {
				a.Emit(bytecode.OpAload0).EmitU16(bytecode.OpGetfield, x).Emit(bytecode.OpIreturn)
			})},
			{Name: "nextOf", Descriptor: "(" + pointDesc + ")" + pointDesc, Flags: vm.AccStatic, Code: code(1, func(a *bytecode.Assembler) {
				a.Emit(bytecode.OpAload0).EmitU16(bytecode.OpGetfield, next).Emit(bytecode.OpAreturn)
			})},
		},
	}
}

// testEnv bundles a fabricated target, a session on it and a server.
type testEnv struct {
	Builder *heaptest.Builder
	TeleVM  *tele.TeleVM
	Server  *TelescopeServer
	HTTP    *httptest.Server
}

// newTestEnv creates a target with the objects populate allocates and a
// running server on it.
func newTestEnv(t *testing.T, scheme heap.Scheme, populate func(b *heaptest.Builder)) *testEnv {
	t.Helper()
	reg := vm.NewClassRegistry()
	if _, err := reg.Define(pointDefinition()); err != nil {
		t.Fatalf("Define: %v", err)
	}
	b := heaptest.New(t, reg, scheme)
	if populate != nil {
		populate(b)
	}
	b.Commit()

	cfg := tele.DefaultConfig()
	cfg.HeapInfo = heaptest.InfoAddr
	cfg.LockTrials = 2
	cfg.LockBackoff = 0
	tvm, err := tele.Open(cfg, b.Image, b.Registry)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	srv := New(tvm)
	hs := httptest.NewServer(srv.Handler())
	env := &testEnv{Builder: b, TeleVM: tvm, Server: srv, HTTP: hs}
	t.Cleanup(env.Stop)
	return env
}

func (e *testEnv) Stop() {
	e.HTTP.Close()
	e.Server.Stop()
}

// call invokes procedure over HTTP with the Connect protocol.
func (e *testEnv) call(procedure string, msg map[string]interface{}) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(msg)
	if err != nil {
		return nil, err
	}
	client := connect.NewClient[structpb.Struct, structpb.Struct](e.HTTP.Client(), e.HTTP.URL+procedure)
	resp, err := client.CallUnary(bg(), connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

// mustCall is call that fails the test on error.
func (e *testEnv) mustCall(t *testing.T, procedure string, msg map[string]interface{}) map[string]interface{} {
	t.Helper()
	resp, err := e.call(procedure, msg)
	if err != nil {
		t.Fatalf("%s: %v", procedure, err)
	}
	return resp.AsMap()
}

func connectReq(msg map[string]interface{}) *connect.Request[structpb.Struct] {
	st, err := structpb.NewStruct(msg)
	if err != nil {
		panic(err)
	}
	return connect.NewRequest(st)
}

func bg() context.Context {
	return context.Background()
}
