package vm

import (
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/tliron/commonlog"

	"github.com/chazu/telescope/pkg/bytecode"
)

var traceLog = commonlog.GetLogger("telescope.interpreter.trace")

// tracer logs frame transitions and executed instructions at debug level.
// Decoded method bodies are cached so tracing a loop does not decode the
// same code repeatedly.
type tracer struct {
	decoded *lru.Cache
}

func newTracer(size int) *tracer {
	if size <= 0 {
		size = 1
	}
	cache, err := lru.New(size)
	if err != nil {
		panic(err)
	}
	return &tracer{decoded: cache}
}

func (t *tracer) enabled() bool {
	return traceLog.AllowLevel(commonlog.Debug)
}

func (t *tracer) enter(f *Frame) {
	if t.enabled() {
		traceLog.Debugf("%sENTERING: %s", indent(f.Depth), f.Method)
	}
}

func (t *tracer) exit(f *Frame) {
	if t.enabled() {
		traceLog.Debugf("%sEXITING: %s", indent(f.Depth), f.Method)
	}
}

// instruction logs the instruction about to execute in f.
func (t *tracer) instruction(f *Frame) {
	if !t.enabled() {
		return
	}
	byPC := t.instructions(f.Method, f.code)
	if in, ok := byPC[f.OpcodePC]; ok {
		traceLog.Debugf("%s  %s", indent(f.Depth), in.Format())
	}
}

func (t *tracer) instructions(method *MethodActor, code []byte) map[int]bytecode.Instruction {
	if v, ok := t.decoded.Get(method); ok {
		return v.(map[int]bytecode.Instruction)
	}
	all, _ := bytecode.DecodeAll(code)
	byPC := make(map[int]bytecode.Instruction, len(all))
	for _, in := range all {
		byPC[in.PC] = in
	}
	t.decoded.Add(method, byPC)
	return byPC
}

func indent(depth int) string {
	return strings.Repeat("  ", depth)
}
