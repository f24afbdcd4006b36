package server

import (
	"context"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"
)

// SessionService manages client sessions.
type SessionService struct {
	sessions *SessionStore
}

// NewSessionService creates a SessionService.
func NewSessionService(sessions *SessionStore) *SessionService {
	return &SessionService{sessions: sessions}
}

// CreateSession starts a session. Handles created with its ID are released
// when the session is destroyed.
func (s *SessionService) CreateSession(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	session := s.sessions.Create(stringField(req.Msg, "name"))
	st, err := structpb.NewStruct(map[string]interface{}{
		"session": session.ID,
		"name":    session.Name,
		"created": session.Created.Format(time.RFC3339),
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(st), nil
}

// DestroySession ends a session and releases its handles.
func (s *SessionService) DestroySession(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	id := stringField(req.Msg, "session")
	if id == "" {
		return nil, invalidArgument("session is required")
	}
	if !s.sessions.Destroy(id) {
		return nil, notFound("session %q not found", id)
	}
	st, err := structpb.NewStruct(map[string]interface{}{"destroyed": id})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(st), nil
}
