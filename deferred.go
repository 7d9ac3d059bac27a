package deltasync

import (
	"context"
	"sync"
)

// Deferred is a single-shot completion primitive: exactly one producer
// resolves or rejects it, and any number of consumers can await it via
// Done()/Result()/Await(). It stands in for the source's `Deferred<T>`.
type Deferred[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error

	preAwait func()
}

func NewDeferred[T any]() *Deferred[T] {
	return &Deferred[T]{
		done: make(chan struct{}),
	}
}

// SetPreAwaitCallback registers a hook that runs on every Done() call,
// and so on every Result() and Await(); IsDone() does not run it. Reserved: nothing in this package's wiring
// calls it today (see spec Open Questions on DeferralWithCallback), but
// the hook is preserved for forward compatibility per that note.
func (self *Deferred[T]) SetPreAwaitCallback(f func()) {
	self.preAwait = f
}

func (self *Deferred[T]) Resolve(value T) {
	self.once.Do(func() {
		self.value = value
		close(self.done)
	})
}

func (self *Deferred[T]) Reject(err error) {
	self.once.Do(func() {
		self.err = err
		close(self.done)
	})
}

func (self *Deferred[T]) Done() <-chan struct{} {
	if self.preAwait != nil {
		self.preAwait()
	}
	return self.done
}

// IsDone reports whether the deferred has already been resolved or
// rejected, without blocking. Used by the redemption latch to decide
// whether a joinSession 404 needs to wait at all (spec §4.2 S7).
func (self *Deferred[T]) IsDone() bool {
	select {
	case <-self.done:
		return true
	default:
		return false
	}
}

// Result blocks until resolution and returns the value and error. It is
// safe to call from multiple goroutines.
func (self *Deferred[T]) Result() (T, error) {
	<-self.Done()
	return self.value, self.err
}

// Await blocks until resolution or ctx cancellation, whichever comes
// first.
func (self *Deferred[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-self.Done():
		return self.value, self.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
