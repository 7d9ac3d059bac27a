package deltasync

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
)

// ackImmediateSentinel's non-queue counterpart: Submit() assigns every
// outbound message a clientSequenceNumber, so the ack scheduler's
// immediate/deferred no-op both flow through the same Submit path.

// DeltaManager is the public contract of spec §4.1: connection
// lifecycle, in-order delivery, outbound batching/ack, and content
// reassembly, wired from the package's smaller pieces
// (connectionController, SequenceTracker, ContentCache, AckScheduler,
// deltaStorageFetcher, the four pipelineQueues).
type DeltaManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *DeltaManagerSettings
	service  DocumentService
	clientId Id
	events   *Events

	connCtrl     *connectionController
	seqTracker   *SequenceTracker
	contentCache *ContentCache
	ackScheduler *AckScheduler
	fetcher      *deltaStorageFetcher
	latency      *latencyWindow

	inboundPending *pipelineQueue[*SequencedMessage]
	inbound        *pipelineQueue[*SequencedMessage]
	inboundSignal  *pipelineQueue[*SignalMessage]
	outbound       *pipelineQueue[[]*OutboundMessage]

	mutex         sync.Mutex
	handler       OpHandler
	messageBuffer []*OutboundMessage
	closed        bool
	inQuorum      bool
	pendingAcks   int
}

// NewDeltaManager wires every collaborator in spec §2's data flow
// diagram around a single consumed DocumentService. The manager starts
// with all four queues paused (spec §5's "Initial state: all paused").
func NewDeltaManager(ctx context.Context, service DocumentService, clientId Id, settings *DeltaManagerSettings) *DeltaManager {
	if settings == nil {
		settings = DefaultDeltaManagerSettings()
	}
	cancelCtx, cancel := context.WithCancel(ctx)

	events := NewEvents()
	seqTracker := NewSequenceTracker(0)
	contentCache := NewContentCache(settings.DefaultContentBufferSize)
	latency := newLatencyWindow(64, 30*time.Second)

	m := &DeltaManager{
		ctx:          cancelCtx,
		cancel:       cancel,
		settings:     settings,
		service:      service,
		clientId:     clientId,
		events:       events,
		seqTracker:   seqTracker,
		contentCache: contentCache,
		latency:      latency,
		inQuorum:     true,
	}

	m.connCtrl = newConnectionController(cancelCtx, service, clientId, events, m.onConnected, m.onDisconnected)
	m.ackScheduler = NewAckScheduler(m.isActive, m.submitNoOp)
	m.inboundPending = newPipelineQueue(cancelCtx, m.handleInboundPending, m.onQueueError)
	m.inbound = newPipelineQueue(cancelCtx, m.handleInbound, m.onQueueError)
	m.inboundSignal = newPipelineQueue(cancelCtx, m.handleInboundSignal, m.onQueueError)
	m.outbound = newPipelineQueue(cancelCtx, m.handleOutbound, m.onQueueError)

	return m
}

func (self *DeltaManager) Events() *Events {
	return self.events
}

// Connect opens (or joins) the realtime stream (spec §4.1's
// connect(reason) contract). reason is carried only for logging; the
// manager always attempts write mode first, falling back to whatever
// mode the service grants (spec §4.1's "Connecting -> Connected: ...
// set connectionMode := details.mode ?? write").
func (self *DeltaManager) Connect(reason string) (*ConnectionDetails, error) {
	glog.Infof("[dm]connect(%s) for %s", reason, self.clientId)
	storage, err := self.service.ConnectToDeltaStorage(self.ctx)
	if err != nil {
		return nil, AsDeltaError(err)
	}
	self.fetcher = newDeltaStorageFetcher(storage, self.connCtrl.EverConnected)
	return self.connCtrl.Connect(ConnectionModeWrite)
}

// AttachOpHandler seeds the sequence tracker at (minSeq, seq), installs
// handler as the sole consumer of processed messages/signals, and, if
// resume is set, resumes the inbound pipelines and triggers catch-up
// (spec §4.1 "Catch-up").
func (self *DeltaManager) AttachOpHandler(minSeq uint64, seq uint64, handler OpHandler, resume bool) {
	self.mutex.Lock()
	self.handler = handler
	self.mutex.Unlock()

	self.seqTracker.Seed(minSeq, seq)

	if !resume {
		return
	}

	self.inboundPending.Resume()
	self.inbound.Resume()
	self.inboundSignal.Resume()

	if self.seqTracker.HasPending() {
		go self.catchUp("DocumentOpen", nil)
	} else {
		go self.fetchMissingDeltas("DocumentOpen", seq)
	}
}

// Submit assigns the next clientSequenceNumber, stamps
// referenceSequenceNumber at baseSeq, and appends the message to the
// in-process batch buffer. Unbatched submits sandwich the append with
// two Flush() calls (spec §4.1 "Outbound").
func (self *DeltaManager) Submit(msgType MessageType, contents json.RawMessage, batched bool) uint64 {
	self.ackScheduler.CancelOnSubmit()

	if !batched {
		self.Flush()
	}

	clientSeq := self.seqTracker.NextClientSequenceNumber()
	out := &OutboundMessage{
		ClientSequenceNumber:    clientSeq,
		ReferenceSequenceNumber: self.seqTracker.BaseSeq(),
		Type:                    msgType,
		Contents:                contents,
	}
	if msgType.IsSystemType() {
		out.Data = contents
		out.Contents = nil
	}

	self.mutex.Lock()
	self.messageBuffer = append(self.messageBuffer, out)
	self.pendingAcks += 1
	self.mutex.Unlock()

	self.events.emitSubmitOp(clientSeq)

	if !batched {
		self.Flush()
	}
	return clientSeq
}

// submitNoOp is the ack scheduler's submit hook (spec §4.1's
// acknowledgement scheduler): an immediate no-op carries a non-null
// sentinel payload, a deferred one carries null.
func (self *DeltaManager) submitNoOp(payload json.RawMessage) {
	self.Submit(MessageTypeNoOp, payload, false)
}

// SubmitSignal sends one out-of-band signal over the live connection
// (spec §4.1 "Signals").
func (self *DeltaManager) SubmitSignal(content json.RawMessage) error {
	conn := self.connCtrl.Connection()
	if conn == nil {
		return NewTransientError("submitSignal: no live connection")
	}
	return conn.SubmitSignal(self.ctx, content)
}

// Flush moves the current message buffer onto the Outbound queue as a
// single batch, emitting prepareSend first (spec §4.1 "flush() emits
// prepareSend, moves the buffer ... onto the Outbound queue").
func (self *DeltaManager) Flush() {
	self.mutex.Lock()
	batch := self.messageBuffer
	self.messageBuffer = nil
	self.mutex.Unlock()

	if len(batch) == 0 {
		return
	}
	self.events.emitPrepareSend(len(batch))
	self.outbound.Push(batch)
}

// GetDeltas exposes the Delta Storage Fetcher directly (spec §4.1's
// getDeltas(from, to?) contract).
func (self *DeltaManager) GetDeltas(from uint64, to *uint64) ([]*SequencedMessage, error) {
	if self.fetcher == nil {
		return nil, NewFatalError("getDeltas called before connect")
	}
	return self.fetcher.GetDeltas(self.ctx, from, to)
}

// SetInQuorum models the external quorum/membership tracking the ack
// scheduler gates on (spec glossary: "only in-quorum write clients
// participate in MSN updates"). Quorum membership itself is out of
// scope (§1 Non-goals); callers update this from whatever membership
// signal they have.
func (self *DeltaManager) SetInQuorum(inQuorum bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.inQuorum = inQuorum
}

func (self *DeltaManager) isActive() bool {
	self.mutex.Lock()
	inQuorum := self.inQuorum
	self.mutex.Unlock()
	return inQuorum && self.connCtrl.Mode() == ConnectionModeWrite
}

// InboundPendingQueue, InboundQueue, InboundSignalQueue, OutboundQueue
// are the four read-only queue handles spec §4.1 names.
func (self *DeltaManager) InboundPendingQueue() QueueHandle { return self.inboundPending }
func (self *DeltaManager) InboundQueue() QueueHandle        { return self.inbound }
func (self *DeltaManager) InboundSignalQueue() QueueHandle  { return self.inboundSignal }
func (self *DeltaManager) OutboundQueue() QueueHandle       { return self.outbound }

func (self *DeltaManager) LatencyMs() time.Duration {
	return self.latency.Mean()
}

// Close is the sole cancellation primitive (spec §5): idempotent,
// pauses/clears every queue, closes the live connection, and rejects
// any in-flight connect().
func (self *DeltaManager) Close() {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	self.closed = true
	self.mutex.Unlock()

	self.inboundPending.Pause()
	self.inboundPending.Clear()
	self.inbound.Pause()
	self.inbound.Clear()
	self.inboundSignal.Pause()
	self.inboundSignal.Clear()
	self.outbound.Pause()
	self.outbound.Clear()

	self.inboundPending.Close()
	self.inbound.Close()
	self.inboundSignal.Close()
	self.outbound.Close()

	self.connCtrl.Close()
	self.cancel()
}

// --- connection wiring ---

// onConnected is invoked by the connectionController once a realtime
// connection is established: resumes Outbound, resets the per-connection
// clientSeq counter, starts the frame reader, and flushes the
// connection's initial op/content/signal backlog (spec §4.1's
// "Connecting -> Connected" transition).
func (self *DeltaManager) onConnected(details *ConnectionDetails, conn DeltaConnection) {
	self.seqTracker.ResetClientSequence()
	self.outbound.Resume()

	go self.readLoop(conn)

	for i := range details.InitialContents {
		msg := details.InitialContents[i]
		self.contentCache.Put(&msg)
	}
	for i := range details.InitialSignals {
		sig := details.InitialSignals[i]
		self.inboundSignal.Push(&sig)
	}
	for i := range details.InitialMessages {
		msg := details.InitialMessages[i]
		self.onOp(&msg)
	}
}

// onDisconnected pauses and clears Outbound the moment the live
// connection is torn down (spec §4.1: "Connected -> Disconnected ...
// pause & clear Outbound").
func (self *DeltaManager) onDisconnected() {
	self.outbound.Pause()
	self.outbound.Clear()
}

// readLoop fans a single connection's typed channels into the
// manager's ordering algorithm / content cache / signal queue / latency
// window until the connection ends, then tells the controller to
// reconnect.
func (self *DeltaManager) readLoop(conn DeltaConnection) {
	ops := conn.Ops()
	opContent := conn.OpContent()
	signals := conn.Signals()
	nacks := conn.Nack()
	disconnect := conn.Disconnect()
	errs := conn.Errors()
	pongs := conn.Pong()

	for {
		select {
		case <-self.ctx.Done():
			return

		case msg, ok := <-ops:
			if !ok {
				// stop selecting on the closed channel; the connection's
				// disconnect/error report still arrives below.
				ops = nil
				continue
			}
			self.onOp(msg)

		case content, ok := <-opContent:
			if !ok {
				continue
			}
			self.contentCache.Put(content)

		case sig, ok := <-signals:
			if !ok {
				continue
			}
			self.inboundSignal.Push(sig)

		case _, ok := <-nacks:
			if !ok {
				continue
			}
			self.connCtrl.HandleNack()
			return

		case reason, ok := <-disconnect:
			if !ok {
				return
			}
			self.connCtrl.HandleDisconnect(reason, nil, true)
			return

		case err, ok := <-errs:
			if !ok {
				return
			}
			de := AsDeltaError(err)
			self.events.emitError(de)
			self.connCtrl.HandleDisconnect("error", de, true)
			if !de.CanRetry() {
				self.Close()
			}
			return

		case latency, ok := <-pongs:
			if !ok {
				continue
			}
			self.latency.Observe(latency)
			self.events.emitPong(latency)
		}
	}
}

// onQueueError bubbles a queue worker's error to the manager's own
// error event, then closes the manager (spec §7: "queue-handler errors
// are reported via the queue's error event, which the manager forwards
// as its own error event and then closes").
func (self *DeltaManager) onQueueError(err error) {
	self.events.emitError(AsDeltaError(err))
	self.Close()
}

// --- ordering algorithm (spec §4.1) ---

func (self *DeltaManager) onOp(msg *SequencedMessage) {
	if msg.ClientId == self.clientId {
		if err := self.seqTracker.ObserveOwnClientSeq(msg.ClientSequenceNumber); err != nil {
			self.onQueueError(err)
			return
		}
		self.mutex.Lock()
		if self.pendingAcks > 0 {
			self.pendingAcks -= 1
		}
		allAckd := self.pendingAcks == 0
		self.mutex.Unlock()
		if allAckd {
			self.events.emitAllSentOpsAckd()
		}
	}

	switch self.seqTracker.Classify(msg) {
	case OrderingInOrder:
		self.inboundPending.Push(msg)
	case OrderingDuplicate:
		// discarded; duplicate counter already incremented by Classify
	case OrderingOutOfOrder:
		self.seqTracker.AddPending(msg)
		go self.fetchMissingDeltas("gap", msg.SequenceNumber)
	}
}

// fetchMissingDeltas requests [lastQueuedSeq+1 .. to-1] from storage and
// feeds the result (plus the buffered pending list) back through
// catchUp (spec §4.1 "Gap fill").
func (self *DeltaManager) fetchMissingDeltas(reason string, to uint64) {
	from := self.seqTracker.LastQueuedSeq()
	msgs, err := self.fetcher.GetDeltas(self.ctx, from, &to)
	if err != nil {
		de := AsDeltaError(err)
		self.events.emitError(de)
		if !de.CanRetry() {
			self.Close()
		}
		return
	}
	self.catchUp(reason, msgs)
}

// catchUp enqueues msgs then sorts and re-enqueues the prior pending
// list (spec §4.1 "catchUp(msgs) enqueues msgs then sorts and
// re-enqueues the prior pending list").
func (self *DeltaManager) catchUp(reason string, msgs []*SequencedMessage) {
	_ = reason
	pending := self.seqTracker.TakePending()
	combined := make([]*SequencedMessage, 0, len(msgs)+len(pending))
	combined = append(combined, msgs...)
	combined = append(combined, pending...)
	sort.Slice(combined, func(i, j int) bool {
		return combined[i].SequenceNumber < combined[j].SequenceNumber
	})

	for _, msg := range combined {
		switch self.seqTracker.Classify(msg) {
		case OrderingInOrder:
			self.inboundPending.Push(msg)
		case OrderingDuplicate:
		case OrderingOutOfOrder:
			// a further gap remains; re-buffer and let the next
			// fetchMissingDeltas round close it.
			self.seqTracker.AddPending(msg)
		}
	}
}

// --- inbound pipeline stages (spec §4.1, §5) ---

// handleInboundPending resolves a message's out-of-band contents before
// handing it to the Inbound queue (spec §4.1 "Content side-channel").
func (self *DeltaManager) handleInboundPending(ctx context.Context, msg *SequencedMessage) error {
	if len(msg.Contents) == 0 {
		if cached, ok := self.contentCache.Peek(msg.ClientId, msg.ClientSequenceNumber); ok {
			msg.Contents = cached.Contents
		} else {
			waitCtx, cancel := context.WithTimeout(ctx, self.settings.ContentWaitTimeout)
			cached, ok := self.contentCache.Await(waitCtx, msg.ClientId, msg.ClientSequenceNumber)
			cancel()
			if ok {
				msg.Contents = cached.Contents
			} else {
				seq := msg.SequenceNumber
				from := seq - 1
				to := seq + 1
				fetched, err := self.fetcher.GetDeltas(ctx, from, &to)
				if err != nil {
					return err
				}
				if len(fetched) > 0 {
					msg.Contents = fetched[0].Contents
				}
			}
		}
	}
	self.inbound.Push(msg)
	return nil
}

// handleInbound is the Inbound queue's worker: asserts sequence
// invariants, hands the message to the consumed handler in strict
// order, then runs the ack scheduler (spec §4.1 "Acknowledgement
// scheduler").
func (self *DeltaManager) handleInbound(ctx context.Context, msg *SequencedMessage) error {
	start := time.Now()

	if err := self.seqTracker.AdvanceBase(msg.SequenceNumber); err != nil {
		return err
	}
	if _, crossed, err := self.seqTracker.ObserveMinSeq(msg.SequenceNumber, msg.MinimumSequenceNumber); err != nil {
		return err
	} else if crossed {
		glog.V(2).Infof("[dm]msn window milestone for %s at seq %d", self.clientId, msg.SequenceNumber)
	}

	self.mutex.Lock()
	handler := self.handler
	self.mutex.Unlock()
	if handler == nil {
		return NewFatalError("message processed before attachOpHandler")
	}

	result := handler.Process(ctx, msg)
	self.events.emitProcessTime(time.Since(start))
	if result.Error != nil {
		return result.Error
	}

	self.ackScheduler.OnMessageProcessed(msg.Type, result.ImmediateNoOp)

	if !self.seqTracker.HasPending() {
		self.events.emitCaughtUp()
	}
	return nil
}

// handleInboundSignal is the Signal queue's worker (spec §4.1
// "Signals": "processor parses content as JSON and invokes
// handler.processSignal").
func (self *DeltaManager) handleInboundSignal(ctx context.Context, sig *SignalMessage) error {
	self.mutex.Lock()
	handler := self.handler
	self.mutex.Unlock()
	if handler == nil {
		return nil
	}
	handler.ProcessSignal(ctx, sig)
	return nil
}

// handleOutbound is the Outbound queue's worker: submits one batch via
// the live connection. Submit failures are not fatal to the pipeline —
// a dropped connection is handled by onDisconnected's pause+clear, not
// by tearing down the manager over a single failed send.
func (self *DeltaManager) handleOutbound(ctx context.Context, batch []*OutboundMessage) error {
	conn := self.connCtrl.Connection()
	if conn == nil {
		glog.Infof("[dm]dropping outbound batch of %d: no live connection", len(batch))
		return nil
	}
	if err := conn.Submit(ctx, batch); err != nil {
		glog.Infof("[dm]outbound submit error: %s", err)
	}
	return nil
}
