package deltasync

import (
	"context"
	"sync"
)

// DefaultContentBufferSize bounds the content cache (spec §6 constants).
const DefaultContentBufferSize = 10

type contentKey struct {
	clientId             Id
	clientSequenceNumber uint64
}

// ContentCache is the bounded side-channel buffer correlating
// (clientId, clientSequenceNumber) -> payload (spec §3, §4.1). It is a
// fixed-size ring with a key index, the same shape as the teacher's
// `RttWindow` (connect/transfer_rtt.go: a ring buffer coalesced by
// eviction rather than by time, plus a secondary index) adapted from a
// time-windowed sample set to a capacity-windowed key/value cache.
//
// It is mutated only by the inbound worker and the content-event
// emitter (spec §5 "shared resources").
type ContentCache struct {
	mutex sync.Mutex

	capacity int
	ring     []*ContentMessage
	headIndex int

	index map[contentKey]*ContentMessage

	// one-shot waiters for a key not yet present, woken by Put.
	waiters map[contentKey][]chan struct{}
}

func NewContentCache(capacity int) *ContentCache {
	if capacity <= 0 {
		capacity = DefaultContentBufferSize
	}
	return &ContentCache{
		capacity: capacity,
		ring:     make([]*ContentMessage, capacity),
		index:    map[contentKey]*ContentMessage{},
		waiters:  map[contentKey][]chan struct{}{},
	}
}

// Put stores a content message, evicting the oldest entry FIFO if the
// cache is at capacity, and wakes any waiters blocked on this key.
func (self *ContentCache) Put(msg *ContentMessage) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	key := contentKey{msg.ClientId, msg.ClientSequenceNumber}

	if evict := self.ring[self.headIndex]; evict != nil {
		delete(self.index, contentKey{evict.ClientId, evict.ClientSequenceNumber})
	}
	self.ring[self.headIndex] = msg
	self.headIndex = (self.headIndex + 1) % self.capacity
	self.index[key] = msg

	for _, w := range self.waiters[key] {
		close(w)
	}
	delete(self.waiters, key)
}

// Peek returns the cached content for (clientId, clientSequenceNumber)
// without blocking.
func (self *ContentCache) Peek(clientId Id, clientSequenceNumber uint64) (*ContentMessage, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	msg, ok := self.index[contentKey{clientId, clientSequenceNumber}]
	return msg, ok
}

// Await blocks until content for the given key arrives or ctx is done,
// matching the PendingContent stage's "wait on
// a one-shot content event" fallback (spec §4.1).
func (self *ContentCache) Await(ctx context.Context, clientId Id, clientSequenceNumber uint64) (*ContentMessage, bool) {
	key := contentKey{clientId, clientSequenceNumber}

	self.mutex.Lock()
	if msg, ok := self.index[key]; ok {
		self.mutex.Unlock()
		return msg, true
	}
	w := make(chan struct{})
	self.waiters[key] = append(self.waiters[key], w)
	self.mutex.Unlock()

	select {
	case <-w:
		return self.Peek(clientId, clientSequenceNumber)
	case <-ctx.Done():
		return nil, false
	}
}
