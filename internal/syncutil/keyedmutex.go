// Package syncutil provides key-scoped locking for in-memory stores.
package syncutil

import (
	"context"
	"hash/fnv"
)

const shardCount = 256

// KeyedMutex serializes callers that share a key while leaving unrelated
// keys independent. Keys hash onto a fixed pool of channel-based locks, so
// two keys may occasionally share a shard. Waiting honours context
// cancellation.
type KeyedMutex struct {
	shards [shardCount]chan struct{}
}

// NewKeyedMutex creates an unlocked KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// Lock blocks until the shard for key is held and returns its unlock func.
func (m *KeyedMutex) Lock(key string) func() {
	ch := m.shards[shardIdx(key)]
	<-ch
	return func() { ch <- struct{}{} }
}

// LockContext is Lock but gives up when ctx is done.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	ch := m.shards[shardIdx(key)]
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
