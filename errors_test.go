package deltasync

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestCanRetryNilIsRetryable(t *testing.T) {
	var de *DeltaError
	assert.Equal(t, de.CanRetry(), true)
}

func TestCanRetryFatalIsNotRetryable(t *testing.T) {
	assert.Equal(t, NewFatalError("x").CanRetry(), false)
}

func TestCanRetryTransientIsRetryable(t *testing.T) {
	assert.Equal(t, NewTransientError("x").CanRetry(), true)
}

func TestCanRetryOverrideWins(t *testing.T) {
	no := false
	de := &DeltaError{Kind: ErrorKindTransient, CanRetryOverride: &no}
	assert.Equal(t, de.CanRetry(), false)

	yes := true
	fatalButRetryable := &DeltaError{Kind: ErrorKindFatal, CanRetryOverride: &yes}
	assert.Equal(t, fatalButRetryable.CanRetry(), true)
}

func TestAsDeltaErrorNilIsNil(t *testing.T) {
	assert.Equal(t, AsDeltaError(nil), (*DeltaError)(nil))
}

func TestAsDeltaErrorWrapsUnrecognized(t *testing.T) {
	de := AsDeltaError(context2DeadlineExceeded{})
	assert.Equal(t, de.Kind, ErrorKindTransient)
	assert.Equal(t, de.CanRetry(), true)
}

func TestAsDeltaErrorPassesThroughDeltaError(t *testing.T) {
	orig := NewEpochMismatchError("mismatch")
	assert.Equal(t, AsDeltaError(orig), orig)
}

func TestNewThrottledErrorCarriesRetryAfter(t *testing.T) {
	de := NewThrottledError(3*time.Second, 429)
	assert.Equal(t, de.HasRetryAfter, true)
	assert.Equal(t, de.RetryAfter, 3*time.Second)
	assert.Equal(t, de.StatusCode, 429)
	assert.Equal(t, de.CanRetry(), true)
}

// context2DeadlineExceeded is a throwaway error type distinct from
// *DeltaError, used only to exercise AsDeltaError's wrapping path.
type context2DeadlineExceeded struct{}

func (context2DeadlineExceeded) Error() string { return "deadline exceeded" }
