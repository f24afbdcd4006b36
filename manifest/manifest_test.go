package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chazu/telescope/memory"
)

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	tomlContent := `
[target]
snapshot = "heap.snap"
heap-info = 0x20000

[interpreter]
max-frames = 64
multianewarray-dimension-mask = 0x3F
fault-lookback = 8
trace-cache = 16

[lock]
trials = 3
backoff = "5ms"

[classpath]
dirs = ["classes", "/opt/rt"]

[server]
address = "127.0.0.1:9000"
handle-ttl = "1h"
`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.SnapshotPath() != filepath.Join(m.Dir, "heap.snap") {
		t.Errorf("snapshot path = %q", m.SnapshotPath())
	}
	cfg := m.TeleConfig()
	if cfg.HeapInfo != memory.Address(0x20000) {
		t.Errorf("heap info = %v, want 0x20000", cfg.HeapInfo)
	}
	if cfg.Interpreter.MaxFrames != 64 || cfg.Interpreter.DimensionMask != 0x3F {
		t.Errorf("interpreter = %+v", cfg.Interpreter)
	}
	if cfg.Interpreter.FaultLookback != 8 || cfg.Interpreter.TraceCache != 16 {
		t.Errorf("interpreter = %+v", cfg.Interpreter)
	}
	if cfg.LockTrials != 3 || cfg.LockBackoff != 5*time.Millisecond {
		t.Errorf("lock = %d, %v", cfg.LockTrials, cfg.LockBackoff)
	}
	paths := m.ClassDirPaths()
	if len(paths) != 2 || paths[0] != filepath.Join(m.Dir, "classes") || paths[1] != "/opt/rt" {
		t.Errorf("class dirs = %v", paths)
	}
	if m.Server.Address != "127.0.0.1:9000" {
		t.Errorf("server address = %q", m.Server.Address)
	}
	if m.HandleTTL() != time.Hour {
		t.Errorf("handle ttl = %v, want 1h", m.HandleTTL())
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("[target]\npid = 42\n"), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m.Target.Pid != 42 {
		t.Errorf("pid = %d, want 42", m.Target.Pid)
	}
	if m.Target.HeapInfo != 0x10000 {
		t.Errorf("default heap info = %#x, want 0x10000", m.Target.HeapInfo)
	}
	cfg := m.TeleConfig()
	if cfg.Interpreter.MaxFrames != 1024 || cfg.Interpreter.DimensionMask != 0x7F || cfg.Interpreter.FaultLookback != 4 {
		t.Errorf("default interpreter = %+v", cfg.Interpreter)
	}
	if cfg.LockTrials != 10 || cfg.LockBackoff != 2*time.Millisecond {
		t.Errorf("default lock = %d, %v", cfg.LockTrials, cfg.LockBackoff)
	}
	if len(m.Classpath.Dirs) != 1 || m.Classpath.Dirs[0] != "classes" {
		t.Errorf("default class dirs = %v, want [classes]", m.Classpath.Dirs)
	}
	if m.HandleTTL() != 30*time.Minute {
		t.Errorf("default handle ttl = %v", m.HandleTTL())
	}
	if m.SnapshotPath() != "" {
		t.Errorf("snapshot path = %q, want empty", m.SnapshotPath())
	}
}

func TestSnapshotLeavesHeapInfoToSnapshot(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("[target]\nsnapshot = \"a.snap\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m.Target.HeapInfo != 0 {
		t.Errorf("heap info = %#x, want 0 so the snapshot's is used", m.Target.HeapInfo)
	}
}

func TestBadDuration(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("[lock]\nbackoff = \"soon\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(dir)
	if err == nil || !strings.Contains(err.Error(), FileName) {
		t.Errorf("Load = %v, want an error naming %s", err, FileName)
	}
}

func TestFindAndLoad(t *testing.T) {
	dir := t.TempDir()
	subDir := filepath.Join(dir, "a", "b", "c")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("[target]\npid = 7\n"), 0644); err != nil {
		t.Fatal(err)
	}

	// Should find manifest when starting from a deep subdirectory
	m, err := FindAndLoad(subDir)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if m.Target.Pid != 7 {
		t.Errorf("pid = %d, want 7", m.Target.Pid)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	dir := t.TempDir()
	m, err := FindAndLoad(dir)
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if m != nil {
		t.Error("expected nil manifest when no telescope.toml exists")
	}
}

func TestDefault(t *testing.T) {
	m := Default()
	if m.Server.Address != "localhost:4567" || m.HandleTTL() != 30*time.Minute {
		t.Errorf("Default = %+v", m.Server)
	}
}
