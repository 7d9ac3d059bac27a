package deltasync

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// ConnectionState is the delta manager's connection lifecycle (spec
// §4.1's connection state machine).
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// connectionController opens/reopens the realtime stream, runs the
// reconnect ladder, and owns the single live DeltaConnection (spec §2,
// §4.1). It is the client-facing analogue of
// `connect/transport.go`'s `PlatformTransport.run`: a loop that dials,
// performs a one-time handshake, and waits on a cancelable context,
// retrying with backoff on failure. Unlike PlatformTransport it does not
// own the socket itself — dialing is delegated to the consumed
// `DocumentService` (spec §6) — it owns only the retry/backoff/state
// discipline around that call.
type connectionController struct {
	ctx    context.Context
	cancel context.CancelFunc

	service  DocumentService
	clientId Id
	events   *Events

	mutex         sync.Mutex
	state         ConnectionState
	mode          ConnectionMode
	conn          DeltaConnection
	everConnected bool

	systemMode ConnectionMode

	connectDeferred *Deferred[*ConnectionDetails]

	onConnected    func(*ConnectionDetails, DeltaConnection)
	onDisconnected func()
}

func newConnectionController(
	ctx context.Context,
	service DocumentService,
	clientId Id,
	events *Events,
	onConnected func(*ConnectionDetails, DeltaConnection),
	onDisconnected func(),
) *connectionController {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &connectionController{
		ctx:            cancelCtx,
		cancel:         cancel,
		service:        service,
		clientId:       clientId,
		events:         events,
		state:          StateDisconnected,
		systemMode:     ConnectionModeWrite,
		onConnected:    onConnected,
		onDisconnected: onDisconnected,
	}
}

// Connect starts (or joins) a connection attempt and blocks until the
// resulting ConnectionDetails are available or the attempt is rejected.
func (self *connectionController) Connect(mode ConnectionMode) (*ConnectionDetails, error) {
	self.mutex.Lock()
	if self.state == StateClosed {
		self.mutex.Unlock()
		return nil, NewFatalError("connection manager is closed")
	}
	if self.state == StateConnecting || self.state == StateConnected {
		deferred := self.connectDeferred
		self.mutex.Unlock()
		if deferred != nil {
			return deferred.Result()
		}
		return nil, NewFatalError("connect called in an inconsistent state")
	}

	self.state = StateConnecting
	self.mode = mode
	deferred := NewDeferred[*ConnectionDetails]()
	self.connectDeferred = deferred
	self.mutex.Unlock()

	go self.run(mode)

	return deferred.Result()
}

func (self *connectionController) run(mode ConnectionMode) {
	ladder := newReconnectLadder()

	for {
		conn, err := self.service.ConnectToDeltaStream(self.ctx, self.clientId, mode)
		if err == nil {
			details := conn.Details()

			self.mutex.Lock()
			self.state = StateConnected
			self.everConnected = true
			self.conn = conn
			self.mode = details.Mode
			if self.mode == "" {
				self.mode = ConnectionModeWrite
			}
			deferred := self.connectDeferred
			self.connectDeferred = nil
			self.mutex.Unlock()

			if deferred != nil {
				deferred.Resolve(details)
			}
			self.events.emitConnect(details)
			if self.onConnected != nil {
				self.onConnected(details, conn)
			}
			return
		}

		de := AsDeltaError(err)
		glog.Infof("[connection]connect error for %s: %s", self.clientId, de)

		if !de.CanRetry() {
			self.fail(de)
			return
		}

		var override *time.Duration
		if de.HasRetryAfter {
			override = &de.RetryAfter
		}
		delay := ladder.delay
		if override != nil {
			delay = *override
		}

		select {
		case <-self.ctx.Done():
			return
		case <-ladder.Next(override):
			self.events.emitConnectionDelay(ConnectionDelayEvent{Delay: delay, Attempt: ladder.Attempt()})
			continue
		}
	}
}

func (self *connectionController) fail(err *DeltaError) {
	self.mutex.Lock()
	self.state = StateDisconnected
	deferred := self.connectDeferred
	self.connectDeferred = nil
	self.mutex.Unlock()

	if deferred != nil {
		deferred.Reject(err)
	}
	self.events.emitError(err)
}

// HandleDisconnect transitions Connected -> Disconnected (spec §4.1) and,
// if reconnection is warranted, restarts the connect loop at
// self.systemMode.
func (self *connectionController) HandleDisconnect(reason string, err error, reconnect bool) {
	self.mutex.Lock()
	if self.state == StateClosed {
		self.mutex.Unlock()
		return
	}
	self.state = StateDisconnected
	self.mode = ConnectionModeRead
	self.conn = nil
	self.mutex.Unlock()

	self.events.emitDisconnect(DisconnectReason{Message: reason, Err: err})
	if self.onDisconnected != nil {
		self.onDisconnected()
	}

	de := AsDeltaError(err)
	if reconnect && de.CanRetry() {
		self.mutex.Lock()
		self.state = StateConnecting
		self.mutex.Unlock()
		go self.run(self.systemMode)
	}
}

// HandleNack reconnects in write mode (spec §4.1: "On nack(target):
// reconnect with mode = write"). A nack tears down the live connection
// exactly like any other disconnect (disconnect event, outbound
// pause+clear via onDisconnected) before the reconnect attempt starts,
// per S4's expectation of "disconnect then connect emitted".
func (self *connectionController) HandleNack() {
	self.mutex.Lock()
	if self.state == StateClosed {
		self.mutex.Unlock()
		return
	}
	self.state = StateConnecting
	self.mode = ConnectionModeRead
	self.conn = nil
	self.mutex.Unlock()

	self.events.emitDisconnect(DisconnectReason{Message: "nack"})
	if self.onDisconnected != nil {
		self.onDisconnected()
	}

	go self.run(ConnectionModeWrite)
}

// EverConnected reports whether a realtime connection has ever been
// established, governing the gap-fill fetcher's retryable/fatal split
// (spec §4.1: "retryable if: connection never established OR ...").
func (self *connectionController) EverConnected() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.everConnected
}

func (self *connectionController) Mode() ConnectionMode {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.mode
}

func (self *connectionController) State() ConnectionState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

func (self *connectionController) Connection() DeltaConnection {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.conn
}

// Close is the sole cancellation primitive (spec §5): idempotent,
// rejects any pending connect, and closes the live connection.
func (self *connectionController) Close() {
	self.mutex.Lock()
	if self.state == StateClosed {
		self.mutex.Unlock()
		return
	}
	self.state = StateClosed
	conn := self.conn
	self.conn = nil
	deferred := self.connectDeferred
	self.connectDeferred = nil
	self.mutex.Unlock()

	self.cancel()

	if deferred != nil {
		deferred.Reject(NewFatalError("closed"))
	}
	if conn != nil {
		conn.Close()
	}
}
