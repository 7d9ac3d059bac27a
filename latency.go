package deltasync

import (
	"container/heap"
	"sync"
	"time"
)

// latencyWindow tracks recent pong round-trip times over a rolling time
// window, coalescing (dropping) samples older than windowTimeout. It is
// the same ring + min-heap shape as the teacher's
// `connect/transfer_rtt.go` RttWindow, ported rather than imported since
// that type is itself internal arithmetic tied to the teacher's
// `protocol.Tag` wire type, which this module does not use (see
// SPEC_FULL.md's decision to frame messages as JSON, not protobuf).
type latencyWindow struct {
	windowTimeout time.Duration

	mutex     sync.Mutex
	samples   []time.Duration
	heap      *latencyHeap
	tailIndex int
	headIndex int
	times     []time.Time
}

func newLatencyWindow(size int, windowTimeout time.Duration) *latencyWindow {
	return &latencyWindow{
		windowTimeout: windowTimeout,
		samples:       make([]time.Duration, size),
		times:         make([]time.Time, size),
		heap:          newLatencyHeap(),
	}
}

func (self *latencyWindow) coalesce(now time.Time) {
	cutoff := now.Add(-self.windowTimeout)
	for self.tailIndex != self.headIndex {
		t := self.times[self.tailIndex]
		if t.IsZero() || !t.Before(cutoff) {
			break
		}
		self.heap.Remove(self.tailIndex)
		self.tailIndex = (self.tailIndex + 1) % len(self.samples)
	}
}

// Observe records a single pong latency sample (the manager's `pong`
// event per spec §4.1).
func (self *latencyWindow) Observe(latency time.Duration) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	now := time.Now()
	self.coalesce(now)

	// The ring slot being written may still hold a live heap entry if
	// capacity wrapped before the time-based coalesce above evicted it;
	// drop it first so the heap never accumulates two entries for the
	// same slot.
	self.heap.Remove(self.headIndex)
	self.samples[self.headIndex] = latency
	self.times[self.headIndex] = now
	self.heap.Add(self.headIndex, latency)
	self.headIndex = (self.headIndex + 1) % len(self.samples)
	if self.tailIndex == self.headIndex {
		self.tailIndex = (self.tailIndex + 1) % len(self.samples)
	}
}

// Mean returns the mean of all samples currently inside the window.
func (self *latencyWindow) Mean() time.Duration {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.coalesce(time.Now())
	return self.heap.Mean()
}

type latencyHeapItem struct {
	slot    int
	latency time.Duration
}

// latencyHeap is a plain min-heap over the current window's samples,
// keyed by ring slot so Remove can evict a specific coalesced entry.
type latencyHeap struct {
	items []latencyHeapItem
	net   time.Duration
}

func newLatencyHeap() *latencyHeap {
	h := &latencyHeap{}
	heap.Init(h)
	return h
}

func (self *latencyHeap) Add(slot int, latency time.Duration) {
	heap.Push(self, latencyHeapItem{slot: slot, latency: latency})
	self.net += latency
}

func (self *latencyHeap) Remove(slot int) {
	for i, item := range self.items {
		if item.slot == slot {
			heap.Remove(self, i)
			self.net -= item.latency
			return
		}
	}
}

func (self *latencyHeap) Mean() time.Duration {
	n := len(self.items)
	if n == 0 {
		return 0
	}
	return self.net / time.Duration(n)
}

func (self *latencyHeap) Len() int { return len(self.items) }
func (self *latencyHeap) Less(i, j int) bool {
	return self.items[i].latency < self.items[j].latency
}
func (self *latencyHeap) Swap(i, j int) {
	self.items[i], self.items[j] = self.items[j], self.items[i]
}
func (self *latencyHeap) Push(x any) {
	self.items = append(self.items, x.(latencyHeapItem))
}
func (self *latencyHeap) Pop() any {
	n := len(self.items)
	item := self.items[n-1]
	self.items = self.items[:n-1]
	return item
}
