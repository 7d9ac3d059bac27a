package deltasync

import (
	"fmt"
	"sort"
	"sync"
)

// MsnTelemetryFloor / MsnTelemetryGranularity govern when the tracker
// reports MSN-window-growth telemetry (spec §4.1, §6 constants): the
// window between the newest sequence number and the minimum sequence
// number is reported in 20-unit increments once it first reaches 30.
const MsnTelemetryFloor = 30
const MsnTelemetryGranularity = 20

// Ordering classifies an incoming SequencedMessage relative to the
// tracker's current lastQueuedSeq, per spec §4.1's ordering algorithm.
type Ordering int

const (
	OrderingInOrder Ordering = iota
	OrderingDuplicate
	OrderingOutOfOrder
)

// SequenceTracker owns baseSeq, minSeq, lastQueuedSeq and the pending
// out-of-order list, and enforces the invariants in spec §4.1's
// "Sequence tracking invariants".
type SequenceTracker struct {
	mutex sync.Mutex

	baseSeq       uint64
	minSeq        uint64
	lastQueuedSeq uint64

	pending []*SequencedMessage

	duplicateCount uint64

	clientSequenceCounter     uint64
	lastObservedOwnClientSeq uint64

	msnMilestone uint64
}

// NewSequenceTracker seeds the tracker at initSeq: the next in-order
// message must carry sequenceNumber == initSeq+1.
func NewSequenceTracker(initSeq uint64) *SequenceTracker {
	return &SequenceTracker{
		baseSeq:       initSeq,
		minSeq:        initSeq,
		lastQueuedSeq: initSeq,
	}
}

// Seed re-anchors the tracker to the minSeq/seq a handler attaches at
// (spec §4.1's attachOpHandler(minSeq, seq, ...)). It must only be
// called before any message has been classified, i.e. as part of the
// initial handshake.
func (self *SequenceTracker) Seed(minSeq uint64, seq uint64) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.baseSeq = seq
	self.minSeq = minSeq
	self.lastQueuedSeq = seq
}

// Classify determines whether msg is in-order, a duplicate, or
// out-of-order, and for in-order/duplicate messages updates
// lastQueuedSeq/duplicateCount accordingly. Out-of-order messages are
// appended to the pending list by the caller via AddPending once a
// gap-fill fetch has been scheduled.
func (self *SequenceTracker) Classify(msg *SequencedMessage) Ordering {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	switch {
	case msg.SequenceNumber == self.lastQueuedSeq+1:
		self.lastQueuedSeq = msg.SequenceNumber
		return OrderingInOrder
	case msg.SequenceNumber <= self.lastQueuedSeq:
		self.duplicateCount += 1
		return OrderingDuplicate
	default:
		return OrderingOutOfOrder
	}
}

func (self *SequenceTracker) AddPending(msg *SequencedMessage) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.pending = append(self.pending, msg)
}

// TakePending drains and sorts the pending list by sequence number,
// implementing catchUp's "enqueues msgs then sorts and re-enqueues the
// prior pending list" (spec §4.1).
func (self *SequenceTracker) TakePending() []*SequencedMessage {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	pending := self.pending
	self.pending = nil
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].SequenceNumber < pending[j].SequenceNumber
	})
	return pending
}

func (self *SequenceTracker) HasPending() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.pending) > 0
}

// AdvanceBase asserts `baseSeq == prev+1` on every message handed to the
// handler (spec §4.1's "baseSeq := prev + 1 asserted on each processed
// message") and returns an invariant-violation error otherwise, per the
// error taxonomy in spec §7.
func (self *SequenceTracker) AdvanceBase(seq uint64) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if seq != self.baseSeq+1 {
		return NewFatalError(fmt.Sprintf("sequence gap in processed stream: baseSeq=%d seq=%d", self.baseSeq, seq))
	}
	self.baseSeq = seq
	return nil
}

// ObserveMinSeq enforces MSN monotonicity (spec §4.1, §8 property 3) and
// reports whether the MSN window (the gap between seq and minSeq) just
// crossed a new milestone (30, 50, 70, ...: the floor of 30, then every
// 20 units above it).
func (self *SequenceTracker) ObserveMinSeq(seq uint64, minSeq uint64) (milestone uint64, crossed bool, err error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if minSeq < self.minSeq {
		return 0, false, NewFatalError(fmt.Sprintf("minimum sequence number decreased: %d < %d", minSeq, self.minSeq))
	}
	self.minSeq = minSeq

	if seq < minSeq {
		return 0, false, nil
	}
	window := seq - minSeq
	if window < MsnTelemetryFloor {
		return 0, false, nil
	}
	newMilestone := MsnTelemetryFloor + MsnTelemetryGranularity*((window-MsnTelemetryFloor)/MsnTelemetryGranularity)
	if newMilestone > self.msnMilestone {
		self.msnMilestone = newMilestone
		return newMilestone, true, nil
	}
	return 0, false, nil
}

func (self *SequenceTracker) BaseSeq() uint64 {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.baseSeq
}

func (self *SequenceTracker) MinSeq() uint64 {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.minSeq
}

func (self *SequenceTracker) LastQueuedSeq() uint64 {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.lastQueuedSeq
}

func (self *SequenceTracker) DuplicateCount() uint64 {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.duplicateCount
}

// NextClientSequenceNumber assigns the next outbound clientSequenceNumber
// (spec §3's OutboundMessage invariant: "strictly increasing per
// connection").
func (self *SequenceTracker) NextClientSequenceNumber() uint64 {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.clientSequenceCounter += 1
	return self.clientSequenceCounter
}

// ResetClientSequence is called on (re)connect (spec §4.1's connection
// state machine: "reset clientSeq counters").
func (self *SequenceTracker) ResetClientSequence() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.clientSequenceCounter = 0
	self.lastObservedOwnClientSeq = 0
}

// ObserveOwnClientSeq enforces spec §4.1's own-message invariant
// ("clientSeqObserved <= observed clientSeq <= clientSeq counter for
// own messages"): acks of a connection's own submits must arrive with
// non-decreasing clientSequenceNumber and never ahead of what was
// actually assigned.
func (self *SequenceTracker) ObserveOwnClientSeq(seq uint64) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if seq < self.lastObservedOwnClientSeq {
		return NewFatalError(fmt.Sprintf("own clientSequenceNumber went backwards: %d < %d", seq, self.lastObservedOwnClientSeq))
	}
	if seq > self.clientSequenceCounter {
		return NewFatalError(fmt.Sprintf("own clientSequenceNumber %d observed ahead of assigned counter %d", seq, self.clientSequenceCounter))
	}
	self.lastObservedOwnClientSeq = seq
	return nil
}
