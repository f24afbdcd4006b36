//go:build linux

package memory

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/chazu/telescope/pkg/fault"
)

// Process reads the address space of a live process with process_vm_readv.
// Writes are refused.
type Process struct {
	pid int
}

// Attach opens the process with the given pid. The process must exist.
func Attach(pid int) (*Process, error) {
	if err := unix.Kill(pid, 0); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil, fault.Transientf(fault.ErrTerminated, "attach %d", pid)
		}
		return nil, fault.HostError(err, "attach %d", pid)
	}
	return &Process{pid: pid}, nil
}

// Pid returns the process id.
func (p *Process) Pid() int {
	return p.pid
}

// ReadBytes implements DataAccess.
func (p *Process) ReadBytes(addr Address, dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	local := []unix.Iovec{{Base: (*byte)(unsafe.Pointer(&dst[0]))}}
	local[0].SetLen(len(dst))
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(dst)}}

	n, err := unix.ProcessVMReadv(p.pid, local, remote, 0)
	switch {
	case errors.Is(err, unix.EFAULT):
		return fault.Transientf(fault.ErrUnmapped, "%d bytes at %v", len(dst), addr)
	case errors.Is(err, unix.ESRCH):
		return fault.Transientf(fault.ErrTerminated, "pid %d", p.pid)
	case err != nil:
		return fault.Transientf(fault.ErrIO, "process_vm_readv pid %d: %v", p.pid, err)
	case n != len(dst):
		return fault.Transientf(fault.ErrUnmapped, "short read of %d/%d bytes at %v", n, len(dst), addr)
	}
	return nil
}

// WriteBytes implements DataAccess.
func (p *Process) WriteBytes(addr Address, src []byte) error {
	return fault.Structuralf(fault.ErrRemoteWrite, "%d bytes at %v", len(src), addr)
}
