//go:build !linux

package memory

import (
	"github.com/pkg/errors"

	"github.com/chazu/telescope/pkg/fault"
)

// Process is unavailable on this platform.
type Process struct {
	pid int
}

// Attach always fails on this platform.
func Attach(pid int) (*Process, error) {
	return nil, fault.HostError(errors.New("live process access requires linux"), "attach %d", pid)
}

// Pid returns the process id.
func (p *Process) Pid() int {
	return p.pid
}

// ReadBytes implements DataAccess.
func (p *Process) ReadBytes(addr Address, dst []byte) error {
	return fault.ErrTerminated
}

// WriteBytes implements DataAccess.
func (p *Process) WriteBytes(addr Address, src []byte) error {
	return fault.ErrRemoteWrite
}
