package epoch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// TestRedemptionJoinSessionWaitsForTreesLatest covers spec S7: a
// joinSession 404 observed before treesLatest settles blocks on the
// latch, then retries exactly once, after treesLatest succeeds.
func TestRedemptionJoinSessionWaitsForTreesLatest(t *testing.T) {
	var joinAttempts int32
	treesLatestReady := make(chan struct{})

	joinSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&joinAttempts, 1)
		if n == 1 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer joinSrv.Close()

	treesSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-treesLatestReady
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"tree":true}`))
	}))
	defer treesSrv.Close()

	tracker := NewRedemptionTracker(newFakeCache(), NewRateLimiter(4))

	joinDone := make(chan error, 1)
	go func() {
		_, err := FetchAndParseAsJSONRedemption[map[string]any](context.Background(), tracker, "GET", joinSrv.URL, nil, nil, FetchTypeJoinSession, false)
		joinDone <- err
	}()

	// give the first (404) joinSession attempt time to land and park on
	// the latch before treesLatest is allowed to complete.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int(atomic.LoadInt32(&joinAttempts)), 1)

	treesDone := make(chan error, 1)
	go func() {
		_, err := FetchAndParseAsJSONRedemption[map[string]any](context.Background(), tracker, "GET", treesSrv.URL, nil, nil, FetchTypeTreesLatest, false)
		treesDone <- err
	}()

	close(treesLatestReady)

	assert.Equal(t, <-treesDone, nil)
	assert.Equal(t, <-joinDone, nil)
	assert.Equal(t, int(atomic.LoadInt32(&joinAttempts)), 2)
}

// TestRedemptionTreesLatestFailureRejectsLatch covers "if fetching
// treesLatest fails, reject the latch with the same error": once
// treesLatest has failed, a later joinSession 404 returns its error
// rather than hang.
func TestRedemptionTreesLatestFailureRejectsLatch(t *testing.T) {
	joinSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer joinSrv.Close()

	treesSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer treesSrv.Close()

	tracker := NewRedemptionTracker(newFakeCache(), NewRateLimiter(4))

	_, treesErr := FetchAndParseAsJSONRedemption[map[string]any](context.Background(), tracker, "GET", treesSrv.URL, nil, nil, FetchTypeTreesLatest, false)
	assert.NotEqual(t, treesErr, nil)

	_, joinErr := FetchAndParseAsJSONRedemption[map[string]any](context.Background(), tracker, "GET", joinSrv.URL, nil, nil, FetchTypeJoinSession, false)
	assert.NotEqual(t, joinErr, nil)
}

// TestRedemptionJoinSessionSkipsWaitOnceLatchAlreadySettled covers the
// "latch not already completed at call entry" gate: once treesLatest has
// already redeemed, a later joinSession 404 propagates immediately
// without a second attempt.
func TestRedemptionJoinSessionSkipsWaitOnceLatchAlreadySettled(t *testing.T) {
	var joinAttempts int32
	joinSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&joinAttempts, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer joinSrv.Close()

	treesSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer treesSrv.Close()

	tracker := NewRedemptionTracker(newFakeCache(), NewRateLimiter(4))
	_, err := FetchAndParseAsJSONRedemption[map[string]any](context.Background(), tracker, "GET", treesSrv.URL, nil, nil, FetchTypeTreesLatest, false)
	assert.Equal(t, err, nil)

	_, joinErr := FetchAndParseAsJSONRedemption[map[string]any](context.Background(), tracker, "GET", joinSrv.URL, nil, nil, FetchTypeJoinSession, false)
	assert.NotEqual(t, joinErr, nil)
	assert.Equal(t, int(atomic.LoadInt32(&joinAttempts)), 1)
}
