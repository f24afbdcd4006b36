// Package manifest handles telescope.toml session configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/chazu/telescope/memory"
	"github.com/chazu/telescope/tele"
	"github.com/chazu/telescope/vm"
)

// FileName is the name of the configuration file.
const FileName = "telescope.toml"

// Manifest represents a telescope.toml configuration.
type Manifest struct {
	Target      Target      `toml:"target"`
	Interpreter Interpreter `toml:"interpreter"`
	Lock        Lock        `toml:"lock"`
	Classpath   Classpath   `toml:"classpath"`
	Server      Server      `toml:"server"`

	// Dir is the directory containing the telescope.toml file (set at load time).
	Dir string `toml:"-"`
}

// Target names the VM to inspect: a captured snapshot or a live process.
type Target struct {
	Snapshot string `toml:"snapshot"`
	Pid      int    `toml:"pid"`
	HeapInfo uint64 `toml:"heap-info"`
}

// Interpreter holds the interpreter tunables.
type Interpreter struct {
	MaxFrames     int `toml:"max-frames"`
	DimensionMask int `toml:"multianewarray-dimension-mask"`
	FaultLookback int `toml:"fault-lookback"`
	TraceCache    int `toml:"trace-cache"`
}

// Lock configures the target access lock.
type Lock struct {
	Trials  int    `toml:"trials"`
	Backoff string `toml:"backoff"`

	backoff time.Duration
}

// Classpath lists directories of class files.
type Classpath struct {
	Dirs []string `toml:"dirs"`
}

// Server configures the Connect server.
type Server struct {
	Address   string `toml:"address"`
	HandleTTL string `toml:"handle-ttl"`

	handleTTL time.Duration
}

// Default returns the configuration used without a telescope.toml.
func Default() *Manifest {
	m := &Manifest{}
	if err := m.applyDefaults(); err != nil {
		panic(err)
	}
	return m
}

// Load parses a telescope.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	if err := m.applyDefaults(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}

// FindAndLoad walks up from startDir to find a telescope.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

func (m *Manifest) applyDefaults() error {
	d := tele.DefaultConfig()
	if m.Target.HeapInfo == 0 && m.Target.Snapshot == "" {
		m.Target.HeapInfo = uint64(d.HeapInfo)
	}
	if m.Interpreter.MaxFrames == 0 {
		m.Interpreter.MaxFrames = d.Interpreter.MaxFrames
	}
	if m.Interpreter.DimensionMask == 0 {
		m.Interpreter.DimensionMask = d.Interpreter.DimensionMask
	}
	if m.Interpreter.FaultLookback == 0 {
		m.Interpreter.FaultLookback = d.Interpreter.FaultLookback
	}
	if m.Interpreter.TraceCache == 0 {
		m.Interpreter.TraceCache = d.Interpreter.TraceCache
	}
	if m.Lock.Trials == 0 {
		m.Lock.Trials = d.LockTrials
	}
	if m.Lock.Backoff == "" {
		m.Lock.Backoff = d.LockBackoff.String()
	}
	if len(m.Classpath.Dirs) == 0 {
		m.Classpath.Dirs = []string{"classes"}
	}
	if m.Server.Address == "" {
		m.Server.Address = "localhost:4567"
	}
	if m.Server.HandleTTL == "" {
		m.Server.HandleTTL = "30m"
	}

	var err error
	if m.Lock.backoff, err = time.ParseDuration(m.Lock.Backoff); err != nil {
		return fmt.Errorf("lock backoff: %w", err)
	}
	if m.Server.handleTTL, err = time.ParseDuration(m.Server.HandleTTL); err != nil {
		return fmt.Errorf("server handle-ttl: %w", err)
	}
	return nil
}

// HandleTTL returns how long an unused server handle lives.
func (m *Manifest) HandleTTL() time.Duration {
	return m.Server.handleTTL
}

// TeleConfig returns the session configuration.
func (m *Manifest) TeleConfig() tele.Config {
	return tele.Config{
		HeapInfo:    memory.Address(m.Target.HeapInfo),
		LockTrials:  m.Lock.Trials,
		LockBackoff: m.Lock.backoff,
		Interpreter: vm.Config{
			MaxFrames:     m.Interpreter.MaxFrames,
			DimensionMask: m.Interpreter.DimensionMask,
			FaultLookback: m.Interpreter.FaultLookback,
			TraceCache:    m.Interpreter.TraceCache,
		},
	}
}

// ClassDirPaths returns absolute paths for the configured class directories.
func (m *Manifest) ClassDirPaths() []string {
	var paths []string
	for _, d := range m.Classpath.Dirs {
		paths = append(paths, m.path(d))
	}
	return paths
}

// SnapshotPath returns the absolute path of the target snapshot, or "".
func (m *Manifest) SnapshotPath() string {
	if m.Target.Snapshot == "" {
		return ""
	}
	return m.path(m.Target.Snapshot)
}

func (m *Manifest) path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Dir, p)
}
