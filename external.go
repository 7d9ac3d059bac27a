package deltasync

import (
	"context"
	"time"
)

// ProcessResult is returned by OpHandler.Process for a single message.
type ProcessResult struct {
	// Error, if non-nil, is fatal for the inbound queue: the manager
	// closes.
	Error error
	// ImmediateNoOp requests the ack scheduler submit a no-op
	// immediately rather than arming the 100ms timer.
	ImmediateNoOp bool
}

// OpHandler is the consumed handler (§6) invoked once per processed
// message, in strict sequence order, plus once per signal.
type OpHandler interface {
	Process(ctx context.Context, msg *SequencedMessage) ProcessResult
	ProcessSignal(ctx context.Context, signal *SignalMessage)
}

// DeltaConnection is the consumed realtime connection (§6): a single
// live stream to the document service.
type DeltaConnection interface {
	Details() *ConnectionDetails

	// Submit sends one batch (an ordered slice of outbound messages) and
	// does not wait for delivery confirmation.
	Submit(ctx context.Context, batch []*OutboundMessage) error
	// SubmitSignal sends one out-of-band signal payload.
	SubmitSignal(ctx context.Context, content []byte) error

	// Events delivered by this connection until Close is called.
	Ops() <-chan *SequencedMessage
	OpContent() <-chan *ContentMessage
	Signals() <-chan *SignalMessage
	Nack() <-chan int64
	Disconnect() <-chan string
	Errors() <-chan error
	Pong() <-chan time.Duration

	Close() error
}

// DeltaStorage is the consumed bounded history endpoint (§6). Get
// returns messages strictly between from and to (exclusive on both
// ends, i.e. [from+1 .. to-1]) and may return more than requested.
type DeltaStorage interface {
	Get(ctx context.Context, from uint64, to *uint64) ([]*SequencedMessage, error)
}

// DocumentService is the consumed factory (§6) for both transports.
type DocumentService interface {
	ConnectToDeltaStream(ctx context.Context, clientId Id, mode ConnectionMode) (DeltaConnection, error)
	ConnectToDeltaStorage(ctx context.Context) (DeltaStorage, error)
}

// PersistentCache is the consumed cache (§6), mutated only by the epoch
// tracker.
type PersistentCache interface {
	Get(ctx context.Context, entry string, maxOpCount *int) (CacheEntry, bool, error)
	RemoveEntries(ctx context.Context, fileEntry string) error
}

// CacheEntry is a single cached artifact, scoped to a file and an epoch.
type CacheEntry struct {
	FluidEpoch string
	Value      []byte
}
