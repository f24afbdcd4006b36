package server

import (
	"context"

	"github.com/chazu/telescope/pkg/fault"
	"github.com/chazu/telescope/tele"
)

// vmRequest is a unit of work to be run on the worker goroutine.
type vmRequest struct {
	fn   func(*tele.TeleVM) (interface{}, error)
	done chan vmResult
}

// vmResult holds the return value of a request.
type vmResult struct {
	value interface{}
	err   error
}

// VMWorker serializes all access to a TeleVM through a single goroutine.
// The session's heap model and surrogate cache are not safe for concurrent
// use, so every handler goes through the worker.
type VMWorker struct {
	tvm      *tele.TeleVM
	requests chan vmRequest
	quit     chan struct{}
}

// NewVMWorker creates a VMWorker and starts its goroutine.
func NewVMWorker(tvm *tele.TeleVM) *VMWorker {
	w := &VMWorker{
		tvm:      tvm,
		requests: make(chan vmRequest, 64),
		quit:     make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *VMWorker) loop() {
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case <-w.quit:
			return
		}
	}
}

// execute runs fn, turning a panic into a host fault.
func (w *VMWorker) execute(fn func(*tele.TeleVM) (interface{}, error)) (result vmResult) {
	defer func() {
		if r := recover(); r != nil {
			result = vmResult{err: fault.HostPanic(r, "worker request")}
		}
	}()
	result.value, result.err = fn(w.tvm)
	return result
}

// Do runs fn on the worker goroutine and waits for it. Do stops waiting
// when ctx ends, but a submitted request still runs.
func (w *VMWorker) Do(ctx context.Context, fn func(*tele.TeleVM) (interface{}, error)) (interface{}, error) {
	req := vmRequest{
		fn:   fn,
		done: make(chan vmResult, 1),
	}
	select {
	case w.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.quit:
		return nil, fault.Structuralf(fault.ErrNoTarget, "worker stopped")
	}
	select {
	case result := <-req.done:
		return result.value, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop shuts down the worker goroutine.
func (w *VMWorker) Stop() {
	close(w.quit)
}

// TeleVM returns the session served by the worker.
func (w *VMWorker) TeleVM() *tele.TeleVM {
	return w.tvm
}
