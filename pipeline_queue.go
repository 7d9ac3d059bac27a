package deltasync

import (
	"context"
	"sync"
)

// pipelineQueue is a paused-by-default FIFO worker queue: a single
// goroutine dequeues one item at a time, awaits a handler for it, then
// proceeds. It underlies all four of the manager's pipelines
// (inboundPending, inbound, inboundSignal, outbound) per spec §5.
//
// Ordering, pause/resume/clear, and the error-sink callback are grounded
// on the channel/context idiom in the teacher's connect/transport.go
// (a reader goroutine selecting on a cancelable context and a data
// channel) and connect/transfer_control.go (a notify channel racing
// against context-done to decide whether stale work should stand down).
type pipelineQueue[T any] struct {
	mutex  sync.Mutex
	cond   *sync.Cond
	items  []T
	paused bool
	closed bool

	ctx    context.Context
	cancel context.CancelFunc

	handle  func(context.Context, T) error
	onError func(error)
}

// newPipelineQueue starts the queue paused. handle is invoked once per
// dequeued item on the worker goroutine, wrapped in HandleError so a
// panic inside handle is recovered rather than silently killing the
// worker. Whether handle returns an error or panics, the queue stops
// processing and reports the failure via onError, mirroring "the error
// event on each queue ... bubbles to the manager" (spec §5).
func newPipelineQueue[T any](
	ctx context.Context,
	handle func(context.Context, T) error,
	onError func(error),
) *pipelineQueue[T] {
	cancelCtx, cancel := context.WithCancel(ctx)
	q := &pipelineQueue[T]{
		items:   []T{},
		paused:  true,
		ctx:     cancelCtx,
		cancel:  cancel,
		handle:  handle,
		onError: onError,
	}
	q.cond = sync.NewCond(&q.mutex)
	go q.run()
	return q
}

func (self *pipelineQueue[T]) run() {
	go func() {
		<-self.ctx.Done()
		self.mutex.Lock()
		self.closed = true
		self.cond.Broadcast()
		self.mutex.Unlock()
	}()

	for {
		self.mutex.Lock()
		for !self.closed && (self.paused || len(self.items) == 0) {
			self.cond.Wait()
		}
		if self.closed {
			self.mutex.Unlock()
			return
		}
		item := self.items[0]
		self.items = self.items[1:]
		self.mutex.Unlock()

		var err error
		var handlers []any
		if self.onError != nil {
			handlers = append(handlers, self.onError)
		}
		if r := HandleError(func() {
			err = self.handle(self.ctx, item)
		}, handlers...); r != nil {
			// a panic inside handle was recovered and already reported to
			// self.onError above; stop the worker exactly as a returned
			// error would.
			return
		}
		if err != nil {
			if self.onError != nil {
				self.onError(err)
			}
			return
		}
	}
}

func (self *pipelineQueue[T]) Push(item T) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.closed {
		return
	}
	self.items = append(self.items, item)
	self.cond.Broadcast()
}

func (self *pipelineQueue[T]) PushAll(items []T) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.closed {
		return
	}
	self.items = append(self.items, items...)
	self.cond.Broadcast()
}

func (self *pipelineQueue[T]) Pause() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.paused = true
}

func (self *pipelineQueue[T]) Resume() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.paused = false
	self.cond.Broadcast()
}

func (self *pipelineQueue[T]) Clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.items = []T{}
}

func (self *pipelineQueue[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.items)
}

func (self *pipelineQueue[T]) Paused() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.paused
}

// QueueHandle is the read-only view of a pipelineQueue exposed on
// DeltaManager's public contract (spec §4.1: "plus four read-only
// queue handles").
type QueueHandle interface {
	Len() int
	Paused() bool
}

// Close is idempotent: it stops the worker goroutine and causes future
// Push calls to be dropped silently, matching the manager's terminal
// close() semantics (spec §5).
func (self *pipelineQueue[T]) Close() {
	self.cancel()
}
