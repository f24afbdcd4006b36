// Package server exposes a telescope session over Connect. Every procedure
// is a unary call whose request and response are google.protobuf.Struct
// messages, so the services need no generated code and speak both the
// Connect JSON protocol and gRPC.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/telescope/tele"
)

var serverLog = commonlog.GetLogger("telescope.server")

// Procedure names served by a TelescopeServer.
const (
	ExecuteProcedure        = "/telescope.v1.ExecutionService/Execute"
	InspectProcedure        = "/telescope.v1.InspectionService/Inspect"
	ResolveProcedure        = "/telescope.v1.InspectionService/Resolve"
	RefreshProcedure        = "/telescope.v1.InspectionService/Refresh"
	ReleaseProcedure        = "/telescope.v1.InspectionService/Release"
	CreateSessionProcedure  = "/telescope.v1.SessionService/CreateSession"
	DestroySessionProcedure = "/telescope.v1.SessionService/DestroySession"
)

// TelescopeServer serves one TeleVM.
type TelescopeServer struct {
	worker   *VMWorker
	handles  *HandleStore
	sessions *SessionStore
	mux      *http.ServeMux

	stopSweeper func()
}

// ServerOption configures a TelescopeServer.
type ServerOption func(*serverConfig)

type serverConfig struct {
	handleTTL     time.Duration
	sweepInterval time.Duration
}

// WithHandleTTL sets how long an unused handle lives.
func WithHandleTTL(ttl time.Duration) ServerOption {
	return func(c *serverConfig) { c.handleTTL = ttl }
}

// WithSweepInterval sets how often idle handles are swept.
func WithSweepInterval(interval time.Duration) ServerOption {
	return func(c *serverConfig) { c.sweepInterval = interval }
}

// New creates a TelescopeServer on the given session.
func New(tvm *tele.TeleVM, opts ...ServerOption) *TelescopeServer {
	cfg := &serverConfig{
		handleTTL:     30 * time.Minute,
		sweepInterval: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	worker := NewVMWorker(tvm)
	handles := NewHandleStore()
	sessions := NewSessionStore(handles)

	s := &TelescopeServer{
		worker:   worker,
		handles:  handles,
		sessions: sessions,
		mux:      http.NewServeMux(),
	}

	execSvc := NewExecutionService(worker, handles, sessions)
	inspectSvc := NewInspectionService(worker, handles, sessions)
	sessionSvc := NewSessionService(sessions)

	s.handle(ExecuteProcedure, execSvc.Execute)
	s.handle(InspectProcedure, inspectSvc.Inspect)
	s.handle(ResolveProcedure, inspectSvc.Resolve)
	s.handle(RefreshProcedure, inspectSvc.Refresh)
	s.handle(ReleaseProcedure, inspectSvc.Release)
	s.handle(CreateSessionProcedure, sessionSvc.CreateSession)
	s.handle(DestroySessionProcedure, sessionSvc.DestroySession)

	s.stopSweeper = handles.StartSweeper(cfg.sweepInterval, cfg.handleTTL)

	return s
}

// unaryFunc is the shape of every procedure.
type unaryFunc func(context.Context, *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error)

func (s *TelescopeServer) handle(procedure string, fn unaryFunc) {
	s.mux.Handle(procedure, connect.NewUnaryHandler(procedure, logged(procedure, fn)))
}

// logged reports failed calls.
func logged(procedure string, fn unaryFunc) unaryFunc {
	return func(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
		resp, err := fn(ctx, req)
		if err != nil {
			code := connect.CodeOf(err)
			if code == connect.CodeInternal || code == connect.CodeUnknown {
				serverLog.Errorf("%s: %v", procedure, err)
			} else {
				serverLog.Infof("%s: %s: %v", procedure, code, err)
			}
		}
		return resp, err
	}
}

// Handler returns the HTTP handler serving every procedure.
func (s *TelescopeServer) Handler() http.Handler {
	return s.mux
}

// Handles returns the handle store.
func (s *TelescopeServer) Handles() *HandleStore {
	return s.handles
}

// Sessions returns the session store.
func (s *TelescopeServer) Sessions() *SessionStore {
	return s.sessions
}

// ListenAndServe starts the HTTP server on the given address and serves
// until ctx ends.
func (s *TelescopeServer) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.mux}
	fmt.Printf("telescope server listening on %s\n", addr)
	fmt.Printf("  Connect (HTTP/JSON): http://%s%s\n", addr, ExecuteProcedure)
	fmt.Printf("  gRPC (binary):       grpc://%s\n", addr)

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Stop shuts down the sweeper and the worker.
func (s *TelescopeServer) Stop() {
	if s.stopSweeper != nil {
		s.stopSweeper()
	}
	s.worker.Stop()
}
