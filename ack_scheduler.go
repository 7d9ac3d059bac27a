package deltasync

import (
	"encoding/json"
	"sync"
	"time"
)

// AckTimerDelay is the window a client waits before forcing a no-op ack
// to bound MSN lag (spec §4.1, §6 constants).
const AckTimerDelay = 100 * time.Millisecond

// ackImmediateSentinel is the non-null marker payload spec §4.1 requires
// on an immediate ack ("submit a NoOp immediately with sentinel non-null
// payload"), distinguishing it from a scheduled ack's null payload.
var ackImmediateSentinel = json.RawMessage(`"immediate-ack"`)

// AckScheduler implements the acknowledgement discipline in spec §4.1:
// at most one pending 100ms ack timer is ever armed, no ack is submitted
// once the client stops being active, and any outbound submit cancels a
// pending timer. The single-outstanding-retry shape (keep the timer
// already armed, don't stack a second) mirrors `connect/transfer_control.go`'s `ControlSync`, which
// uses a generation counter under a lock so a superseded retry becomes a
// no-op; here a bare `*time.Timer` reference under the same lock plays
// that role since there is only ever one kind of retry (the ack) rather
// than an arbitrary resend.
type AckScheduler struct {
	mutex sync.Mutex
	timer *time.Timer

	isActive   func() bool
	submitNoOp func(payload json.RawMessage)
}

func NewAckScheduler(isActive func() bool, submitNoOp func(json.RawMessage)) *AckScheduler {
	return &AckScheduler{
		isActive:   isActive,
		submitNoOp: submitNoOp,
	}
}

// OnMessageProcessed must be called once per message handed to the
// OpHandler, in order, after the handler returns.
func (self *AckScheduler) OnMessageProcessed(msgType MessageType, immediateNoOp bool) {
	if !self.isActive() {
		return
	}

	if immediateNoOp {
		self.mutex.Lock()
		self.cancelLocked()
		self.mutex.Unlock()
		self.submitNoOp(ackImmediateSentinel)
		return
	}

	if msgType == MessageTypeNoOp {
		return
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.timer != nil {
		// already scheduled
		return
	}
	self.timer = time.AfterFunc(AckTimerDelay, func() {
		self.mutex.Lock()
		self.timer = nil
		self.mutex.Unlock()

		if self.isActive() {
			self.submitNoOp(nil)
		}
	})
}

// CancelOnSubmit must be called whenever the manager's submit() runs,
// implementing "ack timer is canceled whenever submit() runs" (spec §8
// property 4).
func (self *AckScheduler) CancelOnSubmit() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.cancelLocked()
}

func (self *AckScheduler) cancelLocked() {
	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
}

// HasPendingTimer is exposed for tests verifying invariant 4 (at most
// one pending ack timer).
func (self *AckScheduler) HasPendingTimer() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.timer != nil
}
