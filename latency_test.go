package deltasync

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestLatencyWindowMeanOfSamples(t *testing.T) {
	w := newLatencyWindow(8, time.Minute)
	w.Observe(10 * time.Millisecond)
	w.Observe(20 * time.Millisecond)
	w.Observe(30 * time.Millisecond)

	assert.Equal(t, w.Mean(), 20*time.Millisecond)
}

func TestLatencyWindowEmptyMeanIsZero(t *testing.T) {
	w := newLatencyWindow(8, time.Minute)
	assert.Equal(t, w.Mean(), time.Duration(0))
}

func TestLatencyWindowCoalescesOldSamples(t *testing.T) {
	w := newLatencyWindow(8, 10*time.Millisecond)
	w.Observe(100 * time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	w.Observe(10 * time.Millisecond)

	assert.Equal(t, w.Mean(), 10*time.Millisecond)
}

func TestLatencyWindowWrapsRingBuffer(t *testing.T) {
	w := newLatencyWindow(2, time.Minute)
	w.Observe(1 * time.Millisecond)
	w.Observe(2 * time.Millisecond)
	w.Observe(3 * time.Millisecond)

	// ring capacity 2: oldest sample (1ms) has been evicted by the wrap.
	assert.Equal(t, w.Mean(), time.Duration(2500)*time.Microsecond)
}
