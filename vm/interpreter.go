package vm

import (
	"context"

	"github.com/pkg/errors"

	"github.com/chazu/telescope/pkg/bytecode"
	"github.com/chazu/telescope/pkg/fault"
)

// cancelCheckInterval is how many instructions run between context checks.
const cancelCheckInterval = 1024

// Interpreter executes methods on a Machine. It is not safe for concurrent
// use; callers serialise access the way the server's worker does.
type Interpreter struct {
	machine *Machine
}

// NewInterpreter creates an interpreter. remote may be nil for hosted execution.
func NewInterpreter(cfg Config, registry *ClassRegistry, bridge *HostBridge, remote Remote) *Interpreter {
	if bridge == nil {
		bridge = NewHostBridge()
	}
	return &Interpreter{machine: NewMachine(cfg, registry, bridge, remote)}
}

// Machine returns the underlying machine.
func (in *Interpreter) Machine() *Machine {
	return in.machine
}

// InstructionsExecuted returns the number of instructions dispatched so far.
func (in *Interpreter) InstructionsExecuted() uint64 {
	return in.machine.executed
}

// Execute runs method with args (receiver first for instance methods).
// A guest exception that no frame handles is reported in Outcome.Thrown;
// the error is reserved for faults of the interpreter or the target.
func (in *Interpreter) Execute(method *MethodActor, args ...Value) (Outcome, error) {
	return in.ExecuteContext(context.Background(), method, args...)
}

// ExecuteNamed looks up a method by class, name and descriptor and runs it.
func (in *Interpreter) ExecuteNamed(className, name, desc string, args ...Value) (Outcome, error) {
	class, err := in.machine.registry.Lookup(className)
	if err != nil {
		return Outcome{}, err
	}
	method := class.FindMethod(name, desc)
	if method == nil {
		return Outcome{}, fault.Structuralf(fault.ErrNoSuchMethod, "%s.%s%s", className, name, desc)
	}
	return in.Execute(method, args...)
}

// ExecuteContext is Execute with cancellation, checked between instructions.
func (in *Interpreter) ExecuteContext(ctx context.Context, method *MethodActor, args ...Value) (Outcome, error) {
	m := in.machine
	want := len(method.Signature.Params)
	if !method.IsStatic() {
		want++
	}
	if len(args) != want {
		return Outcome{}, fault.Structuralf(fault.ErrBadBytecode, "%s takes %d arguments, got %d", method, want, len(args))
	}

	saved := m.base
	m.base = len(m.frames)
	m.finished = false
	defer func() {
		m.unwind()
		m.base = saved
		m.finished = false
	}()

	fn, err := m.hostFunc(method)
	if err == nil {
		if fn != nil {
			var v Value
			v, err = m.bridge.Call(m, method, fn, args)
			if err == nil {
				return Outcome{Value: v.Convert(method.Signature.Return)}, nil
			}
		} else {
			err = m.PushFrame(method, args)
		}
	}
	if err != nil {
		if t, ok := isThrow(err); ok {
			return Outcome{Thrown: m.describe(t.Exception)}, nil
		}
		return Outcome{}, err
	}
	return in.run(ctx)
}

func (in *Interpreter) run(ctx context.Context) (Outcome, error) {
	m := in.machine
	var counter int
	for !m.finished {
		counter++
		if counter%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return Outcome{}, err
			}
		}

		err := m.step()
		if err == nil {
			continue
		}
		err = m.guestFault(err)
		t, ok := isThrow(err)
		if !ok {
			return Outcome{}, m.executionError(err)
		}
		handled, herr := m.HandleException(t.Exception)
		if herr != nil {
			return Outcome{}, m.executionError(herr)
		}
		if !handled {
			thrown := m.describe(t.Exception)
			machineLog.Debugf("uncaught %s", thrown)
			return Outcome{Thrown: thrown}, nil
		}
	}
	return Outcome{Value: m.result}, nil
}

// guestFault converts errors that the bytecode semantics define as guest
// exceptions into a *Throw.
func (m *Machine) guestFault(err error) error {
	var ie *IndexError
	if errors.As(err, &ie) {
		return m.Raise(ArrayIndexOutOfBoundsName, ie.Error())
	}
	return err
}

func (m *Machine) executionError(err error) error {
	f := m.CurrentFrame()
	if f == nil {
		return err
	}
	return &ExecutionError{
		Method:  f.Method.String(),
		BCI:     f.OpcodePC,
		Context: bytecode.Preceding(f.code, f.OpcodePC, m.cfg.FaultLookback),
		Err:     err,
	}
}

// unwind pops every frame of the running invocation.
func (m *Machine) unwind() {
	for len(m.frames) > m.base {
		m.PopFrame()
	}
}
