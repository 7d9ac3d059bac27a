package deltasync

import "time"

// timeAfter is time.After behind a variable so tests can drive fetch
// backoff timing without real sleeps.
var timeAfter = time.After

const InitialReconnectDelay = 1000 * time.Millisecond
const MaxReconnectDelay = 8000 * time.Millisecond

// reconnectLadder doubles the delay before each reconnect attempt up to
// MaxReconnectDelay, unless the server overrides it with
// retryAfterSeconds. It is the counterpart to the `Reconnect` helper
// `connect/transport.go`'s `PlatformTransport.run` calls
// (`NewReconnect(timeout).After()`) — that helper's own definition is
// not present in the retrieved pack, so this is authored fresh against
// the same call shape, parameterized by this spec's constants instead
// of a single fixed reconnect timeout.
type reconnectLadder struct {
	delay   time.Duration
	attempt int
}

func newReconnectLadder() *reconnectLadder {
	return &reconnectLadder{delay: InitialReconnectDelay}
}

// Next returns the channel to wait on before the next attempt, and
// advances the ladder. An explicit override (from error.retryAfterSeconds)
// takes precedence over the doubling schedule but does not itself affect
// the schedule's state.
func (self *reconnectLadder) Next(override *time.Duration) <-chan time.Time {
	delay := self.delay
	if override != nil {
		delay = *override
	}
	self.attempt += 1
	self.delay = min(self.delay*2, MaxReconnectDelay)
	return time.After(delay)
}

func (self *reconnectLadder) Attempt() int {
	return self.attempt
}

func (self *reconnectLadder) Reset() {
	self.delay = InitialReconnectDelay
	self.attempt = 0
}

// MissingFetchDelay / MaxFetchDelay govern the gap-fill backoff in
// delta_storage_fetcher.go.
const MissingFetchDelay = 100 * time.Millisecond
const MaxFetchDelay = 10000 * time.Millisecond

// fetchBackoff implements spec §4.1's gap-fill retry delay:
// min(10s, 100ms * 2^retry), reset whenever a batch returns >=1 delta.
type fetchBackoff struct {
	retry int
}

func (self *fetchBackoff) Delay() time.Duration {
	// clamp the shift so it can't overflow; the result saturates at
	// MaxFetchDelay long before this matters
	shift := self.retry
	if shift > 20 {
		shift = 20
	}
	d := MissingFetchDelay * time.Duration(1<<uint(shift))
	if d > MaxFetchDelay {
		d = MaxFetchDelay
	}
	self.retry += 1
	return d
}

func (self *fetchBackoff) Reset() {
	self.retry = 0
}
