package epoch

import (
	"context"
	"net/http"
	"sync"

	"github.com/driftline/deltasync"
)

// RedemptionTracker extends Tracker with the treesLatest/joinSession
// race of spec §4.2: any successful request through the tracker resolves
// a one-shot latch and a failed treesLatest request rejects it, whichever
// happens first; a joinSession 404 observed before the latch settles
// waits for treesLatest's outcome and retries once, since a 404 there
// commonly just means treesLatest hasn't redeemed the join token yet.
type RedemptionTracker struct {
	*Tracker

	once  sync.Once
	latch *deltasync.Deferred[struct{}]
}

func NewRedemptionTracker(cache PersistentCache, limiter *RateLimiter) *RedemptionTracker {
	return &RedemptionTracker{
		Tracker: NewTracker(cache, limiter),
		latch:   deltasync.NewDeferred[struct{}](),
	}
}

func (self *RedemptionTracker) resolve() {
	self.once.Do(func() {
		self.latch.Resolve(struct{}{})
	})
}

func (self *RedemptionTracker) reject(err error) {
	self.once.Do(func() {
		self.latch.Reject(err)
	})
}

// FetchAndParseAsJSONRedemption is spec §4.2's redemption-aware fetch:
// wraps FetchAndParseAsJSON with the treesLatest/joinSession latch race.
func FetchAndParseAsJSONRedemption[T any](
	ctx context.Context,
	tracker *RedemptionTracker,
	method string,
	url string,
	body []byte,
	headers http.Header,
	fetchType FetchType,
	addInBody bool,
) (T, error) {
	latchSettledAtEntry := tracker.latch.IsDone()

	result, err := FetchAndParseAsJSON[T](ctx, tracker.Tracker, method, url, body, headers, fetchType, addInBody)

	if err == nil {
		tracker.resolve()
		return result, nil
	}

	if fetchType == FetchTypeTreesLatest {
		tracker.reject(err)
		return result, err
	}

	if fetchType == FetchTypeJoinSession && !latchSettledAtEntry && isNotFound(err) {
		if _, waitErr := tracker.latch.Await(ctx); waitErr != nil {
			return result, err
		}
		return FetchAndParseAsJSON[T](ctx, tracker.Tracker, method, url, body, headers, fetchType, addInBody)
	}

	return result, err
}

func isNotFound(err error) bool {
	de := deltasync.AsDeltaError(err)
	return de != nil && de.StatusCode == http.StatusNotFound
}
