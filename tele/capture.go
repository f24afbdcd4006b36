package tele

import (
	"github.com/chazu/telescope/heap"
	"github.com/chazu/telescope/memory"
	"github.com/chazu/telescope/pkg/fault"
)

// Capture copies the heap info block and every heap region of the target
// into a snapshot. It fails transiently when a collection starts or ends
// while the copy is made.
func (t *TeleVM) Capture(meta map[string]string) (*memory.Snapshot, error) {
	if err := t.catchUp(); err != nil {
		return nil, err
	}
	before := t.heap.Epoch()
	locked := t.lock.Locked(t.target)
	info, err := heap.ReadInfo(locked, t.cfg.HeapInfo)
	if err != nil {
		return nil, err
	}
	ranges := []memory.SnapshotRegion{{
		Start: uint64(t.cfg.HeapInfo),
		Name:  "heap-info",
		Data:  make([]byte, len(heap.EncodeInfo(info))),
	}}
	for _, r := range info.Regions {
		ranges = append(ranges, memory.SnapshotRegion{
			Start: uint64(r.Start),
			Name:  r.Role.String(),
			Data:  make([]byte, r.Size),
		})
	}
	snap, err := memory.CaptureFrom(locked, t.cfg.HeapInfo, ranges, meta)
	if err != nil {
		return nil, err
	}
	if err := t.catchUp(); err != nil {
		return nil, err
	}
	if t.heap.Epoch() != before {
		return nil, fault.Transientf(fault.ErrGCInProgress, "collection during capture (%v, now %v)", before, t.heap.Epoch())
	}
	teleLog.Infof("captured %d regions, %d bytes", len(snap.Regions), snap.Size())
	return snap, nil
}
