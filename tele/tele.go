// Package tele connects the interpreter to a target VM. A TeleVM owns the
// access lock, the heap model, the surrogate factory and the interpreter,
// and serves the interpreter's reads of the target.
//
// A TeleVM is not safe for concurrent use. The server serialises commands
// through a single worker.
package tele

import (
	"context"
	"io"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/telescope/heap"
	"github.com/chazu/telescope/memory"
	"github.com/chazu/telescope/object"
	"github.com/chazu/telescope/pkg/fault"
	"github.com/chazu/telescope/vm"
)

var teleLog = commonlog.GetLogger("telescope.tele")

// Config describes how to reach a target and how to interpret in it.
type Config struct {
	// HeapInfo is the address of the heap info block.
	HeapInfo memory.Address
	// LockTrials and LockBackoff bound how long a read waits for the
	// access lock before reporting the VM busy.
	LockTrials  int
	LockBackoff time.Duration
	// Interpreter holds the interpreter tunables.
	Interpreter vm.Config
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		HeapInfo:    0x10000,
		LockTrials:  10,
		LockBackoff: 2 * time.Millisecond,
		Interpreter: vm.DefaultConfig(),
	}
}

// TeleVM is an inspection session on one target.
type TeleVM struct {
	cfg      Config
	target   memory.DataAccess
	lock     *memory.Lock
	acc      memory.Accessor
	registry *vm.ClassRegistry
	heap     *heap.Heap
	factory  *object.Factory
	interp   *vm.Interpreter

	// epoch counts the refreshes of the session. Surrogates are brought up
	// to date once per epoch.
	epoch uint64
}

// Open starts a session on the target behind da. Every primitive access
// to da holds the session's lock.
func Open(cfg Config, da memory.DataAccess, registry *vm.ClassRegistry) (*TeleVM, error) {
	if registry == nil {
		registry = vm.NewClassRegistry()
	}
	lock := memory.NewLock(cfg.LockTrials, cfg.LockBackoff)
	locked := lock.Locked(da)
	h, err := heap.New(locked, cfg.HeapInfo, registry)
	if err != nil {
		return nil, fault.Wrap(err, "opening heap at %v", cfg.HeapInfo)
	}
	t := &TeleVM{
		cfg:      cfg,
		target:   da,
		lock:     lock,
		acc:      memory.NewAccessor(locked),
		registry: registry,
		heap:     h,
		factory:  object.NewFactory(h),
		epoch:    1,
	}
	t.interp = vm.NewInterpreter(cfg.Interpreter, registry, nil, t)
	teleLog.Infof("session on heap at %v: %s scheme, %v", cfg.HeapInfo, h.Scheme(), h.Epoch())
	return t, nil
}

// OpenSnapshot starts a session on a captured address space. The
// snapshot's heap info address is used unless cfg names one.
func OpenSnapshot(cfg Config, snap *memory.Snapshot, registry *vm.ClassRegistry) (*TeleVM, error) {
	img, err := snap.Image()
	if err != nil {
		return nil, err
	}
	if cfg.HeapInfo.IsZero() {
		cfg.HeapInfo = memory.Address(snap.InfoAddr)
	}
	return Open(cfg, img, registry)
}

// Attach starts a session on the live process pid.
func Attach(cfg Config, pid int, registry *vm.ClassRegistry) (*TeleVM, error) {
	p, err := memory.Attach(pid)
	if err != nil {
		return nil, err
	}
	return Open(cfg, p, registry)
}

// Close releases the target when it holds resources.
func (t *TeleVM) Close() error {
	if c, ok := t.target.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Heap returns the heap model.
func (t *TeleVM) Heap() *heap.Heap { return t.heap }

// Factory returns the surrogate factory.
func (t *TeleVM) Factory() *object.Factory { return t.factory }

// Registry returns the class registry.
func (t *TeleVM) Registry() *vm.ClassRegistry { return t.registry }

// Interpreter returns the interpreter bound to the target.
func (t *TeleVM) Interpreter() *vm.Interpreter { return t.interp }

// Lock returns the access lock.
func (t *TeleVM) Lock() *memory.Lock { return t.lock }

// Epoch returns the session epoch.
func (t *TeleVM) Epoch() uint64 { return t.epoch }

// Refresh rereads the heap state and brings every surrogate up to date.
func (t *TeleVM) Refresh() error {
	if err := t.heap.Refresh(); err != nil {
		return err
	}
	t.advance()
	return nil
}

func (t *TeleVM) advance() {
	t.epoch++
	t.factory.Refresh(t.epoch)
	teleLog.Infof("epoch %d: heap %v, %s, %d references, %d surrogates",
		t.epoch, t.heap.Epoch(), t.heap.Phase(), t.heap.Len(), t.factory.Len())
}

// catchUp refreshes the session when the collector moved on since the last
// refresh, and fails transiently while a collection is in progress.
func (t *TeleVM) catchUp() error {
	before := t.heap.Refreshes()
	if err := t.heap.Guard(); err != nil {
		return err
	}
	if t.heap.Refreshes() != before {
		t.advance()
	}
	return nil
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// Execute runs method with args in the target.
func (t *TeleVM) Execute(method *vm.MethodActor, args ...vm.Value) (vm.Outcome, error) {
	return t.ExecuteContext(context.Background(), method, args...)
}

// ExecuteContext is Execute with cancellation between instructions.
func (t *TeleVM) ExecuteContext(ctx context.Context, method *vm.MethodActor, args ...vm.Value) (vm.Outcome, error) {
	if err := t.catchUp(); err != nil {
		return vm.Outcome{}, err
	}
	before := t.interp.InstructionsExecuted()
	out, err := t.interp.ExecuteContext(ctx, method, args...)
	teleLog.Debugf("executed %s: %d instructions", method, t.interp.InstructionsExecuted()-before)
	return out, err
}

// ExecuteNamed looks a method up by class, name and descriptor and runs it.
func (t *TeleVM) ExecuteNamed(className, name, desc string, args ...vm.Value) (vm.Outcome, error) {
	class, err := t.registry.Lookup(className)
	if err != nil {
		return vm.Outcome{}, err
	}
	method := class.FindMethod(name, desc)
	if method == nil {
		return vm.Outcome{}, fault.Structuralf(fault.ErrNoSuchMethod, "%s.%s%s", className, name, desc)
	}
	return t.Execute(method, args...)
}

// Resolve returns the surrogate of the object at addr.
func (t *TeleVM) Resolve(addr memory.Address) (object.TeleObject, error) {
	if err := t.catchUp(); err != nil {
		return nil, err
	}
	return t.factory.MakeAt(addr)
}

// ResolveForwarder returns the surrogate of the forwarder at addr. It only
// succeeds while a moving collection is in progress.
func (t *TeleVM) ResolveForwarder(addr memory.Address) (*object.ForwarderObject, error) {
	return t.factory.MakeForwarder(addr)
}

// Lookup returns the surrogate with the given OID, or nil.
func (t *TeleVM) Lookup(oid uint64) object.TeleObject {
	return t.factory.Lookup(oid)
}

// ClassActorObject returns the surrogate of the target's class actor for
// the named class.
func (t *TeleVM) ClassActorObject(name string) (*object.ClassActorObject, error) {
	addr, ok, err := t.heap.ClassActorOrigin(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fault.Structuralf(fault.ErrClassNotFound, "%s is not loaded in the target", name)
	}
	obj, err := t.factory.MakeAt(addr)
	if err != nil {
		return nil, err
	}
	ca, ok := obj.(*object.ClassActorObject)
	if !ok {
		return nil, fault.Structuralf(fault.ErrInvalidOrigin, "class table entry for %s is %v", name, obj)
	}
	return ca, nil
}

// MemoryStatus classifies addr.
func (t *TeleVM) MemoryStatus(addr memory.Address) heap.MemoryStatus {
	return t.heap.MemoryStatus(addr)
}

// Inspector returns an inspector over the session's surrogates.
func (t *TeleVM) Inspector() *object.Inspector {
	return object.NewInspector(t.factory)
}
