package server

import (
	"context"
	"strconv"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/telescope/memory"
	"github.com/chazu/telescope/object"
	"github.com/chazu/telescope/pkg/fault"
	"github.com/chazu/telescope/tele"
	"github.com/chazu/telescope/vm"
)

// InspectionService exposes the target's object graph.
type InspectionService struct {
	worker   *VMWorker
	handles  *HandleStore
	sessions *SessionStore
}

// NewInspectionService creates an InspectionService.
func NewInspectionService(worker *VMWorker, handles *HandleStore, sessions *SessionStore) *InspectionService {
	return &InspectionService{
		worker:   worker,
		handles:  handles,
		sessions: sessions,
	}
}

// Inspect returns the structured view of a value named by "handle", "oid"
// or "address", following references down to "depth" levels.
func (s *InspectionService) Inspect(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	depth := intField(req.Msg, "depth", object.DefaultMaxDepth)
	if depth < 0 {
		return nil, invalidArgument("depth must not be negative")
	}

	var (
		value  vm.Value
		obj    object.TeleObject
		byAddr memory.Address
		byOID  uint64
	)
	switch {
	case stringField(req.Msg, "handle") != "":
		id := stringField(req.Msg, "handle")
		var ok bool
		if value, obj, ok = s.handles.Lookup(id); !ok {
			return nil, notFound("handle %q not found", id)
		}
	case stringField(req.Msg, "address") != "":
		addr, err := parseAddress(stringField(req.Msg, "address"))
		if err != nil {
			return nil, err
		}
		byAddr = addr
	case intField(req.Msg, "oid", 0) > 0:
		byOID = uint64(intField(req.Msg, "oid", 0))
	default:
		return nil, invalidArgument("one of handle, address or oid is required")
	}

	result, err := s.worker.Do(ctx, func(t *tele.TeleVM) (interface{}, error) {
		insp := t.Inspector()
		switch {
		case obj != nil:
			return insp.InspectObject(obj, depth), nil
		case byOID != 0:
			found := t.Lookup(byOID)
			if found == nil {
				return nil, fault.Structuralf(fault.ErrInvalidOrigin, "no object #%d in this session", byOID)
			}
			return insp.InspectObject(found, depth), nil
		case !byAddr.IsZero():
			found, err := t.Resolve(byAddr)
			if err != nil {
				return nil, err
			}
			return insp.InspectObject(found, depth), nil
		}
		return insp.InspectValue(value, depth), nil
	})
	if err != nil {
		return nil, connectError(err)
	}
	st, err := inspectionStruct(result.(*object.InspectionResult))
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(st), nil
}

// Resolve makes the surrogate of the object at "address" and returns a
// handle on it together with its memory status.
func (s *InspectionService) Resolve(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	text := stringField(req.Msg, "address")
	if text == "" {
		return nil, invalidArgument("address is required")
	}
	addr, err := parseAddress(text)
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
		memStatus := t.MemoryStatus(addr).String()
		obj, err := t.Resolve(addr)
		if err != nil {
			return nil, err
		}
		out, err := describeValue(t, s.handles, vm.RefValue(obj.Reference()), sessionID)
		if err != nil {
			return nil, err
		}
		out["memory"] = memStatus
		out["kind"] = obj.Kind().String()
		return structpb.NewStruct(out)
	})
	if err != nil {
		return nil, connectError(err)
	}
	return connect.NewResponse(result.(*structpb.Struct)), nil
}

// Refresh rereads the heap state and brings every surrogate up to date.
func (s *InspectionService) Refresh(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	result, err := s.worker.Do(ctx, func(t *tele.TeleVM) (interface{}, error) {
		if err := t.Refresh(); err != nil {
			return nil, err
		}
		h := t.Heap()
		return structpb.NewStruct(map[string]interface{}{
			"epoch":      t.Epoch(),
			"gc":         h.Epoch().String(),
			"phase":      h.Phase().String(),
			"scheme":     h.Scheme().String(),
			"references": h.Len(),
			"surrogates": t.Factory().Len(),
		})
	})
	if err != nil {
		return nil, connectError(err)
	}
	return connect.NewResponse(result.(*structpb.Struct)), nil
}

// Release drops a handle.
func (s *InspectionService) Release(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	id := stringField(req.Msg, "handle")
	if id == "" {
		return nil, invalidArgument("handle is required")
	}
	if _, _, ok := s.handles.Lookup(id); !ok {
		return nil, notFound("handle %q not found", id)
	}
	s.handles.Release(id)
	st, err := structpb.NewStruct(map[string]interface{}{"released": id})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(st), nil
}

func parseAddress(s string) (memory.Address, error) {
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, invalidArgument("bad address %q", s)
	}
	if n == 0 {
		return 0, invalidArgument("address must not be zero")
	}
	return memory.Address(n), nil
}
