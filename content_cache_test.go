package deltasync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestContentCachePeekMiss(t *testing.T) {
	cache := NewContentCache(4)
	_, ok := cache.Peek(NewId(), 1)
	assert.Equal(t, ok, false)
}

func TestContentCachePutPeek(t *testing.T) {
	cache := NewContentCache(4)
	clientId := NewId()
	cache.Put(&ContentMessage{ClientId: clientId, ClientSequenceNumber: 7, Contents: json.RawMessage(`{"a":1}`)})

	msg, ok := cache.Peek(clientId, 7)
	assert.Equal(t, ok, true)
	assert.Equal(t, string(msg.Contents), `{"a":1}`)
}

func TestContentCacheEvictsFifo(t *testing.T) {
	cache := NewContentCache(2)
	clientId := NewId()
	cache.Put(&ContentMessage{ClientId: clientId, ClientSequenceNumber: 1})
	cache.Put(&ContentMessage{ClientId: clientId, ClientSequenceNumber: 2})
	cache.Put(&ContentMessage{ClientId: clientId, ClientSequenceNumber: 3})

	_, ok := cache.Peek(clientId, 1)
	assert.Equal(t, ok, false)
	_, ok = cache.Peek(clientId, 2)
	assert.Equal(t, ok, true)
	_, ok = cache.Peek(clientId, 3)
	assert.Equal(t, ok, true)
}

func TestContentCacheAwaitWakesOnPut(t *testing.T) {
	cache := NewContentCache(4)
	clientId := NewId()

	type result struct {
		msg *ContentMessage
		ok  bool
	}
	done := make(chan result, 1)
	go func() {
		msg, ok := cache.Await(context.Background(), clientId, 9)
		done <- result{msg, ok}
	}()

	time.Sleep(20 * time.Millisecond)
	cache.Put(&ContentMessage{ClientId: clientId, ClientSequenceNumber: 9, Contents: json.RawMessage(`{"b":2}`)})

	select {
	case r := <-done:
		assert.Equal(t, r.ok, true)
		assert.Equal(t, string(r.msg.Contents), `{"b":2}`)
	case <-time.After(time.Second):
		t.Fatal("Await did not wake on Put")
	}
}

func TestContentCacheAwaitTimesOut(t *testing.T) {
	cache := NewContentCache(4)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok := cache.Await(ctx, NewId(), 1)
	assert.Equal(t, ok, false)
}
