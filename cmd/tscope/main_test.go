package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/telescope/heap"
	"github.com/chazu/telescope/heap/heaptest"
	"github.com/chazu/telescope/memory"
)

// run executes the CLI with args and returns its output.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--dir", t.TempDir()))
	err := root.Execute()
	return out.String(), err
}

// snapshotWithString saves a heap holding one string and returns the file
// and the string's address.
func snapshotWithString(t *testing.T, s string) (string, memory.Address) {
	t.Helper()
	b := heaptest.New(t, nil, heap.SchemeMarkSweep)
	str := b.NewString(s)
	b.Commit()
	path := filepath.Join(t.TempDir(), "heap.snap")
	snap := memory.Capture(b.Image, heaptest.InfoAddr, map[string]string{"source": "test"})
	if err := memory.SaveSnapshot(path, snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	return path, str.Addr
}

func TestSplitMethod(t *testing.T) {
	tests := []struct {
		in, class, method string
		ok                bool
	}{
		{"demo/Point.add", "demo/Point", "add", true},
		{"demo.Point.add", "demo/Point", "add", true},
		{"add", "", "", false},
		{"demo/Point.", "", "", false},
	}
	for _, tt := range tests {
		class, method, err := splitMethod(tt.in)
		if (err == nil) != tt.ok || class != tt.class || method != tt.method {
			t.Errorf("splitMethod(%q) = %q, %q, %v", tt.in, class, method, err)
		}
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "version")
	if err != nil || !strings.Contains(out, version) {
		t.Errorf("version = %q, %v", out, err)
	}
}

func TestSnapshotInfoCmd(t *testing.T) {
	path, _ := snapshotWithString(t, "hello")
	out, err := run(t, "snapshot", "info", path)
	if err != nil {
		t.Fatalf("snapshot info: %v\n%s", err, out)
	}
	for _, want := range []string{"source=test", "mark-sweep", "object-space", "boot"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestInspectCmd(t *testing.T) {
	path, addr := snapshotWithString(t, "hello")
	out, err := run(t, "inspect", addr.String(), "--snapshot", path)
	if err != nil {
		t.Fatalf("inspect: %v\n%s", err, out)
	}
	if !strings.Contains(out, `"hello"`) || !strings.Contains(out, "live") {
		t.Errorf("inspect output:\n%s", out)
	}

	if _, err := run(t, "inspect", "#1", "--snapshot", path); err == nil {
		t.Errorf("inspect #1 without --remote should fail")
	}
}

func TestExecCmd(t *testing.T) {
	path, addr := snapshotWithString(t, "hello")
	out, err := run(t, "exec", "java/lang/String.length", "()I", addr.String(), "--snapshot", path)
	if err != nil {
		t.Fatalf("exec: %v\n%s", err, out)
	}
	if !strings.Contains(out, "int: 5") {
		t.Errorf("exec output:\n%s", out)
	}

	if _, err := run(t, "exec", "java/lang/String.length", "()I", "--snapshot", path); err == nil {
		t.Errorf("exec without a receiver should fail")
	}
	if _, err := run(t, "exec", "java/lang/String.nope", "()I", addr.String(), "--snapshot", path); err == nil {
		t.Errorf("exec of a missing method should fail")
	}
}

func TestNoTarget(t *testing.T) {
	if _, err := run(t, "inspect", "0x1000"); err == nil {
		t.Errorf("inspect without a target should fail")
	}
}
