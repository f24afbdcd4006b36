package server

import (
	"context"

	"connectrpc.com/connect"
	"github.com/pkg/errors"

	"github.com/chazu/telescope/pkg/fault"
)

// connectError maps a session error onto a Connect code. Transient faults
// tell the client to retry; structural faults reject the request.
func connectError(err error) error {
	if err == nil {
		return nil
	}
	var ce *connect.Error
	if errors.As(err, &ce) {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	}
	switch fault.KindOf(err) {
	case fault.Transient:
		return connect.NewError(connect.CodeUnavailable, err)
	case fault.Structural:
		if errors.Is(err, fault.ErrClassNotFound) || errors.Is(err, fault.ErrNoSuchMethod) ||
			errors.Is(err, fault.ErrNoSuchField) {
			return connect.NewError(connect.CodeNotFound, err)
		}
		if errors.Is(err, fault.ErrNoTarget) {
			return connect.NewError(connect.CodeFailedPrecondition, err)
		}
		return connect.NewError(connect.CodeInvalidArgument, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}

func invalidArgument(format string, args ...interface{}) error {
	return connect.NewError(connect.CodeInvalidArgument, errors.Errorf(format, args...))
}

func notFound(format string, args ...interface{}) error {
	return connect.NewError(connect.CodeNotFound, errors.Errorf(format, args...))
}
