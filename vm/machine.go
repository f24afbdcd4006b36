package vm

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/tliron/commonlog"

	"github.com/chazu/telescope/pkg/bytecode"
	"github.com/chazu/telescope/pkg/fault"
)

var machineLog = commonlog.GetLogger("telescope.interpreter")

// Config holds the interpreter's tunables.
type Config struct {
	// MaxFrames bounds the frame stack; deeper calls raise StackOverflowError.
	MaxFrames int
	// DimensionMask is applied to the dimension operand of multianewarray.
	DimensionMask int
	// FaultLookback is how many preceding instructions a structural fault reports.
	FaultLookback int
	// TraceCache is the number of method disassemblies kept for tracing.
	TraceCache int
}

// DefaultConfig returns the default interpreter configuration.
func DefaultConfig() Config {
	return Config{
		MaxFrames:     1024,
		DimensionMask: 0x7F,
		FaultLookback: 4,
		TraceCache:    64,
	}
}

// ---------------------------------------------------------------------------
// Frames
// ---------------------------------------------------------------------------

// Frame is the activation of an interpreted method.
type Frame struct {
	Method   *MethodActor
	Locals   []Value
	Stack    []Value
	PC       int // next byte to fetch
	OpcodePC int // start of the executing instruction
	Depth    int

	code []byte
}

func newFrame(method *MethodActor, depth int) *Frame {
	code := method.Code
	return &Frame{
		Method: method,
		Locals: make([]Value, code.MaxLocals),
		Stack:  make([]Value, 0, code.MaxStack),
		Depth:  depth,
		code:   code.Code,
	}
}

// Code returns the frame's bytecode.
func (f *Frame) Code() []byte {
	return f.code
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s@%d", f.Method, f.OpcodePC)
}

// ---------------------------------------------------------------------------
// Throwables
// ---------------------------------------------------------------------------

// Throw carries a guest exception through the dispatch loop until a handler
// claims it.
type Throw struct {
	Exception Reference
}

func (t *Throw) Error() string {
	return "guest exception " + t.Exception.String()
}

// StackElement is one frame of a guest stack trace.
type StackElement struct {
	Method string
	BCI    int
}

func (e StackElement) String() string {
	return fmt.Sprintf("%s@%d", e.Method, e.BCI)
}

// Throwable describes an exception that escaped the interpreted call.
type Throwable struct {
	Exception Reference
	Class     string
	Message   string
	Trace     []StackElement
}

func (t *Throwable) String() string {
	name := strings.ReplaceAll(t.Class, "/", ".")
	if t.Message == "" {
		return name
	}
	return name + ": " + t.Message
}

// Outcome is the result of an interpreted call: a value, or the exception
// that escaped every frame.
type Outcome struct {
	Value  Value
	Thrown *Throwable
}

// ExecutionError wraps a structural or host fault with the location it
// happened at and the instructions leading up to it.
type ExecutionError struct {
	Method  string
	BCI     int
	Context []bytecode.Instruction
	Err     error
}

func (e *ExecutionError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s at %s@%d", e.Err, e.Method, e.BCI))
	for _, in := range e.Context {
		sb.WriteString("\n    ")
		sb.WriteString(in.Format())
	}
	return sb.String()
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ---------------------------------------------------------------------------
// Machine
// ---------------------------------------------------------------------------

// Machine holds the state of one interpreted invocation: the frame stack and
// the collaborators it reads through. A Machine is used by one goroutine.
type Machine struct {
	cfg        Config
	registry   *ClassRegistry
	bridge     *HostBridge
	remote     Remote
	intercepts map[string]HostFunc
	tracer     *tracer

	frames   []*Frame
	base     int       // depth below which the running invocation may not unwind
	pending  Reference // most recently raised exception
	executed uint64
	result   Value
	finished bool
}

// NewMachine creates a machine. remote may be nil for hosted execution.
func NewMachine(cfg Config, registry *ClassRegistry, bridge *HostBridge, remote Remote) *Machine {
	m := &Machine{
		cfg:        cfg,
		registry:   registry,
		bridge:     bridge,
		remote:     remote,
		intercepts: make(map[string]HostFunc),
		tracer:     newTracer(cfg.TraceCache),
		pending:    Null,
	}
	m.Intercept(ExceptionDispatcherClassName+".safepointAndLoadExceptionObject()Ljava/lang/Throwable;",
		func(m *Machine, args []Value) (Value, error) {
			return RefValue(m.pending), nil
		})
	return m
}

// Registry returns the class registry.
func (m *Machine) Registry() *ClassRegistry { return m.registry }

// Remote returns the target, or nil when hosted.
func (m *Machine) Remote() Remote { return m.remote }

// Intercept replaces the method with the given qualified key by fn.
func (m *Machine) Intercept(key string, fn HostFunc) {
	m.intercepts[key] = fn
}

// Depth returns the number of frames.
func (m *Machine) Depth() int {
	return len(m.frames)
}

// CurrentFrame returns the top frame, or nil.
func (m *Machine) CurrentFrame() *Frame {
	if len(m.frames) == 0 {
		return nil
	}
	return m.frames[len(m.frames)-1]
}

// CurrentMethod returns the method of the top frame, or nil.
func (m *Machine) CurrentMethod() *MethodActor {
	if f := m.CurrentFrame(); f != nil {
		return f.Method
	}
	return nil
}

// InstructionsExecuted returns the number of instructions dispatched.
func (m *Machine) InstructionsExecuted() uint64 {
	return m.executed
}

// PushFrame activates an interpreted method with the given arguments, the
// receiver first. Exceeding MaxFrames raises StackOverflowError.
func (m *Machine) PushFrame(method *MethodActor, args []Value) error {
	if !method.HasBody() {
		return fault.Structuralf(fault.ErrBadBytecode, "%s has no code", method)
	}
	if len(m.frames) >= m.cfg.MaxFrames {
		return m.Raise(StackOverflowErrorName, "")
	}
	f := newFrame(method, len(m.frames))
	slot := 0
	for _, a := range args {
		if slot >= len(f.Locals) {
			return fault.Structuralf(fault.ErrBadBytecode, "%s: %d argument slots exceed max locals %d", method, slot+1, len(f.Locals))
		}
		f.Locals[slot] = a.Widen()
		slot++
		if a.IsCategory2() {
			slot++
		}
	}
	m.frames = append(m.frames, f)
	m.tracer.enter(f)
	return nil
}

// PopFrame removes the top frame.
func (m *Machine) PopFrame() *Frame {
	f := m.frames[len(m.frames)-1]
	m.frames[len(m.frames)-1] = nil
	m.frames = m.frames[:len(m.frames)-1]
	m.tracer.exit(f)
	return f
}

// Push pushes a value on the top frame's operand stack.
func (m *Machine) Push(v Value) {
	f := m.CurrentFrame()
	f.Stack = append(f.Stack, v.Widen())
}

// Pop pops a value from the top frame's operand stack.
func (m *Machine) Pop() Value {
	return m.CurrentFrame().pop()
}

// Peek returns the value n entries below the top of the stack.
func (m *Machine) Peek(n int) Value {
	return m.CurrentFrame().top(n)
}

// GetLocal reads a local slot of the top frame.
func (m *Machine) GetLocal(index int) Value {
	return m.CurrentFrame().local(index)
}

// SetLocal writes a local slot. Category-2 values also claim the next slot.
func (m *Machine) SetLocal(index int, v Value) {
	locals := m.CurrentFrame().Locals
	locals[index] = v
	if v.IsCategory2() && index+1 < len(locals) {
		locals[index+1] = Void
	}
}

func (m *Machine) popArgs(sig *SignatureDescriptor, static bool) []Value {
	n := len(sig.Params)
	if !static {
		n++
	}
	args := make([]Value, n)
	for i := n - 1; i >= 0; i-- {
		args[i] = m.Pop()
	}
	return args
}

// ---------------------------------------------------------------------------
// Guest exceptions
// ---------------------------------------------------------------------------

// NewThrowable allocates a local exception of the named class with a message.
func (m *Machine) NewThrowable(className, message string) (Reference, error) {
	class, err := m.registry.Lookup(className)
	if err != nil {
		return nil, err
	}
	obj := NewTuple(class)
	if message != "" {
		msgField, err := class.MustField("detailMessage")
		if err != nil {
			return nil, err
		}
		s, err := m.registry.NewString(message)
		if err != nil {
			return nil, err
		}
		if err := obj.WriteField(msgField, RefValue(s)); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

// Raise returns a *Throw carrying a new exception of the named class. The
// returned error is meant to be propagated from an instruction or host
// function so the dispatch loop can offer it to the handlers.
func (m *Machine) Raise(className, message string) error {
	ex, err := m.NewThrowable(className, message)
	if err != nil {
		return fault.Wrap(err, "raising %s", className)
	}
	m.pending = ex
	return &Throw{Exception: ex}
}

// Throw returns a *Throw for an existing exception object.
func (m *Machine) Throw(ex Reference) error {
	m.pending = ex
	return &Throw{Exception: ex}
}

// HandleException searches the frames, innermost first, for a handler
// covering the current instruction whose catch type matches the exception.
// On success the frames above the handler are popped, its operand stack is
// reset to hold just the exception and its pc moves to the handler. On
// failure the machine is left untouched.
func (m *Machine) HandleException(ex Reference) (bool, error) {
	class, err := ex.ClassActor()
	if err != nil {
		return false, err
	}
	for i := len(m.frames) - 1; i >= m.base; i-- {
		f := m.frames[i]
		for _, h := range f.Method.Code.Handlers {
			if !h.Covers(f.OpcodePC) {
				continue
			}
			if h.CatchType != 0 {
				catchClass, err := m.ResolveClassReference(f.Method.Holder.Pool, int(h.CatchType))
				if err != nil {
					return false, err
				}
				if !class.IsSubclassOf(catchClass) {
					continue
				}
			}
			for len(m.frames)-1 > i {
				m.PopFrame()
			}
			f.Stack = append(f.Stack[:0], RefValue(ex))
			f.PC = h.HandlerPC
			machineLog.Debugf("%s caught by %s at %d", class.Name, f.Method, h.HandlerPC)
			return true, nil
		}
	}
	return false, nil
}

// describe builds the Throwable reported for an exception that escaped,
// copying a target exception to local memory when possible.
func (m *Machine) describe(ex Reference) *Throwable {
	t := &Throwable{Exception: ex}
	for i := len(m.frames) - 1; i >= m.base; i-- {
		f := m.frames[i]
		t.Trace = append(t.Trace, StackElement{Method: f.Method.String(), BCI: f.OpcodePC})
	}
	if !ex.IsLocal() && m.remote != nil {
		if local, err := m.remote.DeepCopy(ex); err == nil {
			t.Exception = local
		} else {
			machineLog.Warningf("cannot copy exception %s: %v", ex, err)
		}
	}
	class, err := t.Exception.ClassActor()
	if err != nil {
		t.Class = "?"
		return t
	}
	t.Class = class.Name
	if f := class.FindField("detailMessage"); f != nil {
		if v, err := t.Exception.ReadField(f); err == nil && !v.IsZero() {
			t.Message, _ = StringOf(v.AsRef())
		}
	}
	return t
}

// ---------------------------------------------------------------------------
// Resolution
// ---------------------------------------------------------------------------

// ResolveClassReference resolves a Class constant, loading the class if needed.
func (m *Machine) ResolveClassReference(pool *ConstantPool, index int) (*ClassActor, error) {
	if r, ok := pool.Resolved(index); ok {
		return r.(*ClassActor), nil
	}
	name, err := pool.ClassNameAt(index)
	if err != nil {
		return nil, err
	}
	c, err := m.registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	pool.SetResolved(index, c)
	return c, nil
}

// ResolveField resolves a Fieldref constant.
func (m *Machine) ResolveField(pool *ConstantPool, index int) (*FieldActor, error) {
	if r, ok := pool.Resolved(index); ok {
		return r.(*FieldActor), nil
	}
	className, name, _, err := pool.MemberRefAt(index)
	if err != nil {
		return nil, err
	}
	c, err := m.registry.Lookup(className)
	if err != nil {
		return nil, err
	}
	f, err := c.MustField(name)
	if err != nil {
		return nil, err
	}
	pool.SetResolved(index, f)
	return f, nil
}

// ResolveMethod resolves a Methodref or InterfaceMethodref constant.
func (m *Machine) ResolveMethod(pool *ConstantPool, index int) (*MethodActor, error) {
	if r, ok := pool.Resolved(index); ok {
		return r.(*MethodActor), nil
	}
	className, name, desc, err := pool.MemberRefAt(index)
	if err != nil {
		return nil, err
	}
	c, err := m.registry.Lookup(className)
	if err != nil {
		return nil, err
	}
	method := c.FindMethod(name, desc)
	if method == nil {
		return nil, fault.Structuralf(fault.ErrNoSuchMethod, "%s.%s%s", className, name, desc)
	}
	pool.SetResolved(index, method)
	return method, nil
}

// ResolveConstantReference resolves an ldc operand: a primitive, a string
// or a class mirror.
func (m *Machine) ResolveConstantReference(pool *ConstantPool, index int) (Value, error) {
	e, err := pool.Entry(index)
	if err != nil {
		return Void, err
	}
	switch e.Tag {
	case TagString:
		if r, ok := pool.Resolved(index); ok {
			return RefValue(r.(*Object)), nil
		}
		s, err := pool.Utf8At(int(e.Index1))
		if err != nil {
			return Void, err
		}
		o, err := m.registry.InternString(s)
		if err != nil {
			return Void, err
		}
		pool.SetResolved(index, o)
		return RefValue(o), nil
	case TagClass:
		c, err := m.ResolveClassReference(pool, index)
		if err != nil {
			return Void, err
		}
		return RefValue(m.registry.Mirror(c)), nil
	case TagInteger, TagFloat, TagLong, TagDouble:
		return pool.Primitive(index)
	}
	return Void, fault.Structuralf(fault.ErrUnsupportedOpcode, "ldc of %s constant", e.Tag)
}

// ---------------------------------------------------------------------------
// Field access
// ---------------------------------------------------------------------------

// GetField reads an instance field, raising NullPointerException on null.
func (m *Machine) GetField(ref Reference, f *FieldActor) (Value, error) {
	if IsNull(ref) {
		return Void, m.Raise(NullPointerExceptionName, "getfield "+f.Name)
	}
	return ref.ReadField(f)
}

// PutField writes an instance field, raising NullPointerException on null.
// Target objects refuse writes.
func (m *Machine) PutField(ref Reference, f *FieldActor, v Value) error {
	if IsNull(ref) {
		return m.Raise(NullPointerExceptionName, "putfield "+f.Name)
	}
	return ref.WriteField(f, v)
}

// GetStatic reads a static field, from the target's static tuple when the
// target has the class and from the local class otherwise.
func (m *Machine) GetStatic(f *FieldActor) (Value, error) {
	if m.remote != nil {
		v, ok, err := m.remote.StaticValue(f.Holder, f)
		if err != nil {
			return Void, err
		}
		if ok {
			return v, nil
		}
	}
	return f.Holder.StaticValue(f), nil
}

// PutStatic writes a static field. Statics of classes that exist in the
// target are read-only.
func (m *Machine) PutStatic(f *FieldActor, v Value) error {
	if m.remote != nil {
		if _, ok, err := m.remote.StaticValue(f.Holder, f); err != nil {
			return err
		} else if ok {
			return fault.Structuralf(fault.ErrRemoteWrite, "putstatic %s", f)
		}
	}
	f.Holder.SetStaticValue(f, v)
	return nil
}

// ---------------------------------------------------------------------------
// Invocation
// ---------------------------------------------------------------------------

// InvokeMethod calls method with args (receiver first). Intercepted,
// native and bodiless methods run in the host and their result is pushed
// on the caller's stack; interpreted methods get a new frame.
func (m *Machine) InvokeMethod(method *MethodActor, args []Value) error {
	fn, err := m.hostFunc(method)
	if err != nil {
		return err
	}
	if fn == nil {
		return m.PushFrame(method, args)
	}
	result, err := m.bridge.Call(m, method, fn, args)
	if err != nil {
		return err
	}
	if method.Signature.Return != KindVoid {
		m.Push(result)
	}
	return nil
}

// hostFunc returns the Go implementation of method, or nil when the method
// is interpreted.
func (m *Machine) hostFunc(method *MethodActor) (HostFunc, error) {
	if fn, ok := m.intercepts[method.QualifiedKey()]; ok {
		return fn, nil
	}
	if method.IsAbstract() {
		return nil, m.Raise(AbstractMethodErrorName, method.String())
	}
	if method.IsNative() || !method.HasBody() {
		fn, ok := m.bridge.Lookup(method)
		if !ok {
			return nil, m.Raise(UnsatisfiedLinkErrorName, method.String())
		}
		return fn, nil
	}
	return nil, nil
}

// selectVirtual finds the implementation of method for the receiver's class.
func (m *Machine) selectVirtual(receiver Reference, method *MethodActor) (*MethodActor, error) {
	class, err := receiver.ClassActor()
	if err != nil {
		return nil, err
	}
	impl := class.SelectVirtual(method.Name, method.Descriptor)
	if impl == nil {
		return nil, m.Raise(AbstractMethodErrorName, class.Name+"."+method.Key())
	}
	return impl, nil
}

// isThrow reports whether err carries a guest exception.
func isThrow(err error) (*Throw, bool) {
	var t *Throw
	if errors.As(err, &t) {
		return t, true
	}
	return nil, false
}
