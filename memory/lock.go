package memory

import (
	"sync"
	"time"

	"github.com/chazu/telescope/pkg/fault"
)

// Lock serializes access to a target. Readers try to acquire it a bounded
// number of times before reporting the target busy.
type Lock struct {
	mu      sync.Mutex
	trials  int
	backoff time.Duration
}

// NewLock creates a lock that makes trials attempts, sleeping backoff
// (doubling each time) between them.
func NewLock(trials int, backoff time.Duration) *Lock {
	if trials < 1 {
		trials = 1
	}
	return &Lock{trials: trials, backoff: backoff}
}

// TryLock attempts to acquire the lock, returning fault.ErrVMBusy when every
// trial fails.
func (l *Lock) TryLock() error {
	delay := l.backoff
	for i := 0; i < l.trials; i++ {
		if l.mu.TryLock() {
			return nil
		}
		if i+1 < l.trials && delay > 0 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return fault.Transientf(fault.ErrVMBusy, "lock not acquired after %d trials", l.trials)
}

// Unlock releases the lock.
func (l *Lock) Unlock() {
	l.mu.Unlock()
}

// Do runs fn while holding the lock.
func (l *Lock) Do(fn func() error) error {
	if err := l.TryLock(); err != nil {
		return err
	}
	defer l.Unlock()
	return fn()
}

// Locked returns a DataAccess that holds l for each primitive access to da.
func (l *Lock) Locked(da DataAccess) DataAccess {
	return &lockedAccess{lock: l, da: da}
}

type lockedAccess struct {
	lock *Lock
	da   DataAccess
}

func (a *lockedAccess) ReadBytes(addr Address, dst []byte) error {
	return a.lock.Do(func() error { return a.da.ReadBytes(addr, dst) })
}

func (a *lockedAccess) WriteBytes(addr Address, src []byte) error {
	return a.lock.Do(func() error { return a.da.WriteBytes(addr, src) })
}
