package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/chazu/telescope/manifest"
	"github.com/chazu/telescope/memory"
	"github.com/chazu/telescope/pkg/fault"
	"github.com/chazu/telescope/tele"
	"github.com/chazu/telescope/vm"
	"github.com/chazu/telescope/vm/classfile"
)

// targetFlags override the [target] and [classpath] sections of
// telescope.toml.
type targetFlags struct {
	dir      string
	snapshot string
	pid      int
	heapInfo uint64
	classes  []string
}

func (f *targetFlags) register(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVarP(&f.dir, "dir", "C", ".", "directory to search for "+manifest.FileName)
	pf.StringVar(&f.snapshot, "snapshot", "", "captured snapshot to inspect")
	pf.IntVar(&f.pid, "pid", 0, "live process to inspect")
	pf.Uint64Var(&f.heapInfo, "heap-info", 0, "address of the heap info block")
	pf.StringSliceVar(&f.classes, "classpath", nil, "class directories")
}

// manifest loads telescope.toml and applies the flag overrides.
func (f *targetFlags) manifest() (*manifest.Manifest, error) {
	m, err := manifest.FindAndLoad(f.dir)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = manifest.Default()
		if m.Dir, err = filepath.Abs(f.dir); err != nil {
			return nil, err
		}
	}
	if f.snapshot != "" {
		abs, err := filepath.Abs(f.snapshot)
		if err != nil {
			return nil, err
		}
		// The snapshot records its own heap info address.
		m.Target.Snapshot, m.Target.Pid, m.Target.HeapInfo = abs, 0, 0
	}
	if f.pid != 0 {
		m.Target.Pid, m.Target.Snapshot = f.pid, ""
		if m.Target.HeapInfo == 0 {
			m.Target.HeapInfo = uint64(tele.DefaultConfig().HeapInfo)
		}
	}
	if f.heapInfo != 0 {
		m.Target.HeapInfo = f.heapInfo
	}
	if len(f.classes) > 0 {
		m.Classpath.Dirs = nil
		for _, d := range f.classes {
			abs, err := filepath.Abs(d)
			if err != nil {
				return nil, err
			}
			m.Classpath.Dirs = append(m.Classpath.Dirs, abs)
		}
	}
	return m, nil
}

// open starts a session on the configured target.
func (f *targetFlags) open() (*tele.TeleVM, *manifest.Manifest, error) {
	m, err := f.manifest()
	if err != nil {
		return nil, nil, err
	}
	registry := vm.NewClassRegistry(classfile.DirLoader{Dirs: m.ClassDirPaths()})
	cfg := m.TeleConfig()

	var tvm *tele.TeleVM
	switch {
	case m.Target.Snapshot != "":
		snap, err := memory.LoadSnapshot(m.SnapshotPath())
		if err != nil {
			return nil, nil, err
		}
		tvm, err = tele.OpenSnapshot(cfg, snap, registry)
		if err != nil {
			return nil, nil, err
		}
	case m.Target.Pid != 0:
		tvm, err = tele.Attach(cfg, m.Target.Pid, registry)
		if err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, fault.Structuralf(fault.ErrNoTarget, "set --snapshot or --pid, or [target] in %s", manifest.FileName)
	}
	return tvm, m, nil
}
