package server

import (
	"context"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/telescope/pkg/fault"
	"github.com/chazu/telescope/tele"
	"github.com/chazu/telescope/vm"
)

// ExecutionService runs interpreted methods against the target.
type ExecutionService struct {
	worker   *VMWorker
	handles  *HandleStore
	sessions *SessionStore
}

// NewExecutionService creates an ExecutionService.
func NewExecutionService(worker *VMWorker, handles *HandleStore, sessions *SessionStore) *ExecutionService {
	return &ExecutionService{
		worker:   worker,
		handles:  handles,
		sessions: sessions,
	}
}

// Execute interprets one method.
//
// Request: {"class", "method", "descriptor", "args": [...], "session"}.
// Response: {"result": value} when the method returns, or {"thrown":
// {"class", "message", "trace", "exception"}} when it throws, plus the
// number of instructions executed.
func (s *ExecutionService) Execute(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	className := stringField(req.Msg, "class")
	name := stringField(req.Msg, "method")
	desc := stringField(req.Msg, "descriptor")
	if className == "" || name == "" || desc == "" {
		return nil, invalidArgument("class, method and descriptor are required")
	}
	args, err := argsField(req.Msg, "args")
	if err != nil {
		return nil, err
	}
	sessionID := stringField(req.Msg, "session")
	if sessionID != "" {
		if _, ok := s.sessions.Get(sessionID); !ok {
			return nil, notFound("session %q not found", sessionID)
		}
	}

	result, err := s.worker.Do(ctx, func(t *tele.TeleVM) (interface{}, error) {
		class, err := t.Registry().Lookup(className)
		if err != nil {
			return nil, err
		}
		method := class.FindMethod(name, desc)
		if method == nil {
			return nil, fault.Structuralf(fault.ErrNoSuchMethod, "%s.%s%s", className, name, desc)
		}
		values, err := t.ParseArgs(method, args)
		if err != nil {
			return nil, err
		}
		before := t.Interpreter().InstructionsExecuted()
		out, err := t.ExecuteContext(ctx, method, values...)
		if err != nil {
			return nil, err
		}
		return s.describeOutcome(t, out, t.Interpreter().InstructionsExecuted()-before, sessionID)
	})
	if err != nil {
		return nil, connectError(err)
	}
	return connect.NewResponse(result.(*structpb.Struct)), nil
}

func (s *ExecutionService) describeOutcome(t *tele.TeleVM, out vm.Outcome, instructions uint64, sessionID string) (*structpb.Struct, error) {
	resp := map[string]interface{}{
		"instructions": instructions,
		"epoch":        t.Epoch(),
	}
	if out.Thrown != nil {
		thrown := map[string]interface{}{
			"class":   out.Thrown.Class,
			"message": out.Thrown.Message,
			"display": out.Thrown.String(),
		}
		var trace []interface{}
		for _, e := range out.Thrown.Trace {
			trace = append(trace, e.String())
		}
		thrown["trace"] = trace
		if !vm.IsNull(out.Thrown.Exception) {
			exc, err := describeValue(t, s.handles, vm.RefValue(out.Thrown.Exception), sessionID)
			if err != nil {
				return nil, err
			}
			thrown["exception"] = exc
		}
		resp["thrown"] = thrown
		return structpb.NewStruct(resp)
	}
	result, err := describeValue(t, s.handles, out.Value, sessionID)
	if err != nil {
		return nil, err
	}
	resp["result"] = result
	return structpb.NewStruct(resp)
}
