package deltasync

import (
	"context"

	"github.com/golang/glog"
)

// MaxBatchDeltas bounds a single storage fetch (spec §4.1, §6).
const MaxBatchDeltas = 2000

// deltaStorageFetcher performs the retriable bounded-batch gap-fill
// fetch described in spec §4.1 ("Gap fill (getDeltas)"). connectionUp
// reports whether a realtime connection has ever been established,
// which governs the retryable/fatal split ("retryable if: connection
// never established OR error carries canRetry !== false").
type deltaStorageFetcher struct {
	storage      DeltaStorage
	connectionUp func() bool
}

func newDeltaStorageFetcher(storage DeltaStorage, connectionUp func() bool) *deltaStorageFetcher {
	return &deltaStorageFetcher{storage: storage, connectionUp: connectionUp}
}

// GetDeltas fetches [from+1 .. to-1] (to == nil means unbounded, i.e.
// fetch until the source is exhausted), in batches of at most
// MaxBatchDeltas, applying the backoff/retry discipline of spec §4.1.
func (self *deltaStorageFetcher) GetDeltas(ctx context.Context, from uint64, to *uint64) ([]*SequencedMessage, error) {
	backoff := &fetchBackoff{}
	all := []*SequencedMessage{}
	lastFetchSeq := from

	for {
		// exclusive upper bound of this batch: at most MaxBatchDeltas
		// messages past lastFetchSeq, never beyond the caller's to.
		fetchTo := lastFetchSeq + MaxBatchDeltas + 1
		if to != nil && *to < fetchTo {
			fetchTo = *to
		}
		batch, err := self.storage.Get(ctx, lastFetchSeq, &fetchTo)
		if err != nil {
			de := AsDeltaError(err)

			retryable := !self.connectionUp() || de.CanRetry()
			if !retryable {
				return nil, de
			}

			delay := backoff.Delay()
			if de.HasRetryAfter {
				delay = de.RetryAfter
			}
			glog.Infof("[fetch]retry getDeltas(%d) after %s: %s", lastFetchSeq, delay, de)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-timeAfter(delay):
			}
			continue
		}

		if len(batch) > 0 {
			backoff.Reset()
			all = append(all, batch...)
			lastFetchSeq = batch[len(batch)-1].SequenceNumber
		}

		if to == nil {
			if len(batch) == 0 {
				// source exhausted: no more deltas past lastFetchSeq
				return all, nil
			}
		} else {
			// equivalent to `*to-1 <= lastFetchSeq` without risking
			// underflow when to == 0 (an empty range at the start of the
			// stream).
			if lastFetchSeq+1 >= *to {
				return all, nil
			}
		}
	}
}
