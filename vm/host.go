package vm

import (
	"sync"

	"github.com/chazu/telescope/pkg/fault"
)

// HostFunc implements a method in Go. args holds the receiver first for
// instance methods. A guest exception is returned as the error from
// m.Raise or m.Throw.
type HostFunc func(m *Machine, args []Value) (Value, error)

// HostBridge maps methods without interpretable bytecode to Go functions,
// keyed by holder name, method name and descriptor.
type HostBridge struct {
	mu    sync.RWMutex
	funcs map[string]HostFunc
}

// NewHostBridge creates a bridge populated with the bootstrap natives.
func NewHostBridge() *HostBridge {
	b := &HostBridge{funcs: make(map[string]HostFunc)}
	registerNatives(b)
	return b
}

// Register binds fn to "holder.name+descriptor".
func (b *HostBridge) Register(key string, fn HostFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.funcs[key] = fn
}

// Lookup returns the function bound to method.
func (b *HostBridge) Lookup(method *MethodActor) (HostFunc, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	fn, ok := b.funcs[method.QualifiedKey()]
	return fn, ok
}

// Len returns the number of bound functions.
func (b *HostBridge) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.funcs)
}

// Call runs fn, converting a panic into a host fault.
func (b *HostBridge) Call(m *Machine, method *MethodActor, fn HostFunc, args []Value) (result Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fault.HostPanic(r, "%s", method)
		}
	}()
	result, err = fn(m, args)
	if err != nil {
		if _, ok := isThrow(err); ok {
			return Void, err
		}
		return Void, fault.HostError(err, "%s", method)
	}
	return result, nil
}
