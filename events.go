package deltasync

import (
	"sync"
	"time"
)

// callbackList is a mutex-guarded subscriber list, snapshotted into a
// slice on every emit, keyed by an opaque
// token so unsubscribe works without requiring the callback type to be
// comparable (function values are not, so the source's naive `Index`
// approach can't work once genericized).
type callbackList[T any] struct {
	mutex     sync.Mutex
	nextToken uint64
	callbacks map[uint64]T
}

func (self *callbackList[T]) get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	out := make([]T, 0, len(self.callbacks))
	for _, f := range self.callbacks {
		out = append(out, f)
	}
	return out
}

func (self *callbackList[T]) add(callback T) (token uint64) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.callbacks == nil {
		self.callbacks = map[uint64]T{}
	}
	self.nextToken += 1
	token = self.nextToken
	self.callbacks[token] = callback
	return
}

func (self *callbackList[T]) remove(token uint64) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.callbacks, token)
}

// DisconnectReason describes why the manager transitioned to Disconnected.
type DisconnectReason struct {
	Message string
	Err     error
}

// ConnectionDelayEvent reports the delay that was waited before a
// reconnect attempt; it is emitted just before that attempt starts.
type ConnectionDelayEvent struct {
	Delay   time.Duration
	Attempt int
}

// Events is the explicit-channel replacement for the source's inherited
// event emitter (Design Notes §9): one typed callback list per event
// name the spec enumerates. Each Subscribe* method returns an
// unsubscribe function.
type Events struct {
	onConnect         callbackList[func(*ConnectionDetails)]
	onDisconnect      callbackList[func(DisconnectReason)]
	onError           callbackList[func(error)]
	onPong            callbackList[func(time.Duration)]
	onProcessTime     callbackList[func(time.Duration)]
	onAllSentOpsAckd  callbackList[func()]
	onCaughtUp        callbackList[func()]
	onPrepareSend     callbackList[func(int)]
	onSubmitOp        callbackList[func(clientSequenceNumber uint64)]
	onConnectionDelay callbackList[func(ConnectionDelayEvent)]
}

func NewEvents() *Events {
	return &Events{}
}

func (self *Events) SubscribeConnect(f func(*ConnectionDetails)) (unsubscribe func()) {
	token := self.onConnect.add(f)
	return func() { self.onConnect.remove(token) }
}

func (self *Events) emitConnect(details *ConnectionDetails) {
	for _, f := range self.onConnect.get() {
		f(details)
	}
}

func (self *Events) SubscribeDisconnect(f func(DisconnectReason)) (unsubscribe func()) {
	token := self.onDisconnect.add(f)
	return func() { self.onDisconnect.remove(token) }
}

func (self *Events) emitDisconnect(reason DisconnectReason) {
	for _, f := range self.onDisconnect.get() {
		f(reason)
	}
}

func (self *Events) SubscribeError(f func(error)) (unsubscribe func()) {
	token := self.onError.add(f)
	return func() { self.onError.remove(token) }
}

func (self *Events) emitError(err error) {
	for _, f := range self.onError.get() {
		f(err)
	}
}

func (self *Events) SubscribePong(f func(time.Duration)) (unsubscribe func()) {
	token := self.onPong.add(f)
	return func() { self.onPong.remove(token) }
}

func (self *Events) emitPong(latency time.Duration) {
	for _, f := range self.onPong.get() {
		f(latency)
	}
}

func (self *Events) SubscribeProcessTime(f func(time.Duration)) (unsubscribe func()) {
	token := self.onProcessTime.add(f)
	return func() { self.onProcessTime.remove(token) }
}

func (self *Events) emitProcessTime(d time.Duration) {
	for _, f := range self.onProcessTime.get() {
		f(d)
	}
}

func (self *Events) SubscribeAllSentOpsAckd(f func()) (unsubscribe func()) {
	token := self.onAllSentOpsAckd.add(f)
	return func() { self.onAllSentOpsAckd.remove(token) }
}

func (self *Events) emitAllSentOpsAckd() {
	for _, f := range self.onAllSentOpsAckd.get() {
		f()
	}
}

func (self *Events) SubscribeCaughtUp(f func()) (unsubscribe func()) {
	token := self.onCaughtUp.add(f)
	return func() { self.onCaughtUp.remove(token) }
}

func (self *Events) emitCaughtUp() {
	for _, f := range self.onCaughtUp.get() {
		f()
	}
}

func (self *Events) SubscribePrepareSend(f func(int)) (unsubscribe func()) {
	token := self.onPrepareSend.add(f)
	return func() { self.onPrepareSend.remove(token) }
}

func (self *Events) emitPrepareSend(batchSize int) {
	for _, f := range self.onPrepareSend.get() {
		f(batchSize)
	}
}

func (self *Events) SubscribeSubmitOp(f func(uint64)) (unsubscribe func()) {
	token := self.onSubmitOp.add(f)
	return func() { self.onSubmitOp.remove(token) }
}

func (self *Events) emitSubmitOp(clientSequenceNumber uint64) {
	for _, f := range self.onSubmitOp.get() {
		f(clientSequenceNumber)
	}
}

func (self *Events) SubscribeConnectionDelay(f func(ConnectionDelayEvent)) (unsubscribe func()) {
	token := self.onConnectionDelay.add(f)
	return func() { self.onConnectionDelay.remove(token) }
}

func (self *Events) emitConnectionDelay(event ConnectionDelayEvent) {
	for _, f := range self.onConnectionDelay.get() {
		f(event)
	}
}
