package epoch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/driftline/deltasync"
)

type fakeCache struct {
	entries map[string]deltasync.CacheEntry
	removed []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string]deltasync.CacheEntry{}}
}

func (self *fakeCache) Get(ctx context.Context, entry string, maxOpCount *int) (deltasync.CacheEntry, bool, error) {
	v, ok := self.entries[entry]
	return v, ok, nil
}

func (self *fakeCache) RemoveEntries(ctx context.Context, fileEntry string) error {
	self.removed = append(self.removed, fileEntry)
	for k := range self.entries {
		delete(self.entries, k)
	}
	return nil
}

// TestEpochLearnedFirstTime covers spec S5's first half: the tracker
// adopts the first epoch it observes without error.
func TestEpochLearnedFirstTime(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(EpochHeader, "A")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tracker := NewTracker(newFakeCache(), NewRateLimiter(4))
	tracker.SetFileEntry("file-1")

	_, err := FetchAndParseAsJSON[map[string]any](context.Background(), tracker, "GET", srv.URL, nil, nil, FetchTypeOps, false)
	assert.Equal(t, err, nil)

	epoch, known := tracker.Epoch()
	assert.Equal(t, known, true)
	assert.Equal(t, epoch, "A")
}

// TestEpochMismatchPurgesCacheOnce covers spec S5 in full: learn "A",
// then observe "B" and expect exactly one purge of the configured
// fileEntry and the mismatch error propagated.
func TestEpochMismatchPurgesCacheOnce(t *testing.T) {
	epochToServe := "A"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(EpochHeader, epochToServe)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cache := newFakeCache()
	tracker := NewTracker(cache, NewRateLimiter(4))
	tracker.SetFileEntry("file-1")

	_, err := FetchAndParseAsJSON[map[string]any](context.Background(), tracker, "GET", srv.URL, nil, nil, FetchTypeOps, false)
	assert.Equal(t, err, nil)

	epochToServe = "B"
	_, err = FetchAndParseAsJSON[map[string]any](context.Background(), tracker, "GET", srv.URL, nil, nil, FetchTypeOps, false)
	assert.NotEqual(t, err, nil)
	de := deltasync.AsDeltaError(err)
	assert.Equal(t, de.Kind, deltasync.ErrorKindEpochMismatch)

	assert.Equal(t, len(cache.removed), 1)
	assert.Equal(t, cache.removed[0], "file-1")
}

// TestCoherency409DoesNotPurge covers spec S6: the server reports
// epochVersionMismatch but its own response epoch still agrees with the
// locally held one, so the tracker remaps to a throttling error and
// skips the cache purge entirely.
func TestCoherency409DoesNotPurge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(EpochHeader, "A")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"errorType":"epochVersionMismatch","errorMessage":"conflict"}`))
	}))
	defer srv.Close()

	cache := newFakeCache()
	tracker := NewTracker(cache, NewRateLimiter(4))
	tracker.SetFileEntry("file-1")
	// seed the local epoch to "A" so this response's epoch agrees.
	_ = tracker.ValidateEpochFromPush(PushConnectDetails{Epoch: "A"})

	_, err := FetchAndParseAsJSON[map[string]any](context.Background(), tracker, "GET", srv.URL, nil, nil, FetchTypeOps, false)
	assert.NotEqual(t, err, nil)
	de := deltasync.AsDeltaError(err)
	assert.Equal(t, de.Kind, deltasync.ErrorKindThrottled)
	assert.Equal(t, de.RetryAfter.Seconds(), float64(1))
	assert.Equal(t, len(cache.removed), 0)
}

// TestAnnotateQueryParam covers the default annotation rule: the epoch
// is appended as a URL query parameter when addInBody is false.
func TestAnnotateQueryParam(t *testing.T) {
	tracker := NewTracker(newFakeCache(), NewRateLimiter(4))
	_ = tracker.ValidateEpochFromPush(PushConnectDetails{Epoch: "A"})

	annotated, _, _, err := tracker.annotate("https://example.com/ops", nil, nil, false)
	assert.Equal(t, err, nil)
	assert.Equal(t, strings.Contains(annotated, "epoch=A"), true)
}

// TestAnnotateFallsBackToHeaderPastUrlLength covers the 2048-byte
// fallback rule: once the annotated URL would exceed the threshold, the
// epoch moves to the x-fluid-epoch header instead.
func TestAnnotateFallsBackToHeaderPastUrlLength(t *testing.T) {
	tracker := NewTracker(newFakeCache(), NewRateLimiter(4))
	_ = tracker.ValidateEpochFromPush(PushConnectDetails{Epoch: "A"})

	longUrl := "https://example.com/ops?pad=" + strings.Repeat("x", MaxUrlLength)
	annotated, headers, _, err := tracker.annotate(longUrl, nil, nil, false)
	assert.Equal(t, err, nil)
	assert.Equal(t, annotated, longUrl)
	assert.Equal(t, headers.Get(EpochHeader), "A")
}

// TestAnnotateMultipartBody covers the addInBody rule: the epoch is
// appended as a form field inside the existing multipart boundary.
func TestAnnotateMultipartBody(t *testing.T) {
	tracker := NewTracker(newFakeCache(), NewRateLimiter(4))
	_ = tracker.ValidateEpochFromPush(PushConnectDetails{Epoch: "A"})

	boundary := "boundary123"
	body := []byte("--" + boundary + "\r\n" +
		"Content-Disposition: form-data; name=\"file\"\r\n\r\n" +
		"payload\r\n" +
		"--" + boundary + "--")

	_, _, newBody, err := tracker.annotate("https://example.com/upload", nil, body, true)
	assert.Equal(t, err, nil)
	s := string(newBody)
	assert.Equal(t, strings.Contains(s, "name=\"epoch\""), true)
	assert.Equal(t, strings.Contains(s, "\r\nA\r\n"), true)
	assert.Equal(t, strings.HasSuffix(s, "--"+boundary+"--"), true)
}

// TestNoAnnotationBeforeEpochKnown covers the "when an epoch is known"
// gate: before any response has carried an epoch, requests pass through
// unmodified.
func TestNoAnnotationBeforeEpochKnown(t *testing.T) {
	tracker := NewTracker(newFakeCache(), NewRateLimiter(4))
	annotated, headers, body, err := tracker.annotate("https://example.com/ops", nil, []byte("x"), false)
	assert.Equal(t, err, nil)
	assert.Equal(t, annotated, "https://example.com/ops")
	assert.Equal(t, headers, http.Header(nil))
	assert.Equal(t, string(body), "x")
}

// TestResponseEpochAbsentIsNoOp covers "If response epoch absent:
// no-op (some endpoints omit it)".
func TestResponseEpochAbsentIsNoOp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tracker := NewTracker(newFakeCache(), NewRateLimiter(4))
	_, err := FetchAndParseAsJSON[map[string]any](context.Background(), tracker, "GET", srv.URL, nil, nil, FetchTypeOps, false)
	assert.Equal(t, err, nil)
	_, known := tracker.Epoch()
	assert.Equal(t, known, false)
}

// TestFetchFromCacheValidatesEpoch exercises fetchFromCache's epoch
// check against a cached entry's fluidEpoch field.
func TestFetchFromCacheValidatesEpoch(t *testing.T) {
	cache := newFakeCache()
	cache.entries["blob-1"] = deltasync.CacheEntry{FluidEpoch: "A", Value: []byte(`{"n":1}`)}

	tracker := NewTracker(cache, NewRateLimiter(4))
	_ = tracker.ValidateEpochFromPush(PushConnectDetails{Epoch: "A"})

	result, ok, err := FetchFromCache[map[string]int](context.Background(), tracker, "blob-1", nil, FetchTypeBlob)
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, result["n"], 1)
}

func TestFetchFromCacheMismatchPurges(t *testing.T) {
	cache := newFakeCache()
	cache.entries["blob-1"] = deltasync.CacheEntry{FluidEpoch: "B", Value: []byte(`{}`)}

	tracker := NewTracker(cache, NewRateLimiter(4))
	tracker.SetFileEntry("file-1")
	_ = tracker.ValidateEpochFromPush(PushConnectDetails{Epoch: "A"})

	_, _, err := FetchFromCache[map[string]int](context.Background(), tracker, "blob-1", nil, FetchTypeBlob)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, len(cache.removed), 1)
}
