// Package syncutil serializes work on individual records by key.
package syncutil

import (
	"context"
	"hash/fnv"
)

const shardCount = 256

// KeyedMutex is a fixed pool of context-aware locks indexed by a hash of the
// record key. Two keys that share a shard serialize with each other, which is
// harmless; two operations on the same key never interleave.
type KeyedMutex struct {
	shards [shardCount]chan struct{}
}

// NewKeyedMutex creates a KeyedMutex with every shard unlocked.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// Lock acquires the lock for key or returns ctx.Err() if ctx ends first.
// The returned function releases the lock and must be called exactly once.
func (m *KeyedMutex) Lock(ctx context.Context, key []byte) (func(), error) {
	ch := m.shards[shardOf(key)]
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardOf(key []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(key)
	return h.Sum32() % shardCount
}
