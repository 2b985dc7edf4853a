// File: internal/session/registry.go
// Package session implements the process-wide SessionRegistry
// (spec §4.3): a sharded, hashed map from session id to session,
// mutated by the server's handshake/close/terminate paths and walked
// by server shutdown.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package session

import (
	"hash/fnv"
	"sync"
)

// Registry is a sharded, thread-safe map keyed by session id. It is
// generic over the stored session type so the server package can
// store *server.ServerSocket without an import cycle back into this
// package (mirrors the teacher's sessionManager, generalized from a
// single concrete session type).
type Registry[T any] struct {
	shards []*shard[T]
	mask   uint32
}

type shard[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

// NewRegistry constructs a registry with shardCount shards, rounded up
// to the next power of two (shardCount <= 0 defaults to 16).
func NewRegistry[T any](shardCount int) *Registry[T] {
	if shardCount <= 0 {
		shardCount = 16
	}
	n := nextPowerOfTwo(uint32(shardCount))
	shards := make([]*shard[T], n)
	for i := range shards {
		shards[i] = &shard[T]{items: make(map[string]T)}
	}
	return &Registry[T]{shards: shards, mask: n - 1}
}

func (r *Registry[T]) shardFor(id string) *shard[T] {
	return r.shards[fnv32(id)&r.mask]
}

// Set inserts or replaces the session under id. Called by the
// dispatcher on handshake (spec §4.1) and on allowClientIds creation
// (spec §4.1 Poll, "not found, allowClientIds=true").
func (r *Registry[T]) Set(id string, v T) {
	s := r.shardFor(id)
	s.mu.Lock()
	s.items[id] = v
	s.mu.Unlock()
}

// Get looks up a session by id. Called by the poll and close
// dispatchers (spec §4.1).
func (r *Registry[T]) Get(id string) (T, bool) {
	s := r.shardFor(id)
	s.mu.RLock()
	v, ok := s.items[id]
	s.mu.RUnlock()
	return v, ok
}

// Delete removes a session. Called from ServerSocket.terminate
// (spec §4.2, invariant 1: a session id is present in the registry iff
// its state is OPEN or CLOSING).
func (r *Registry[T]) Delete(id string) {
	s := r.shardFor(id)
	s.mu.Lock()
	delete(s.items, id)
	s.mu.Unlock()
}

// ForEach applies fn to every session currently in the registry. Used
// by server shutdown to terminate every live session (spec §4.4).
//
// Each shard is copied under its own RLock and released before fn
// runs, so a callback that mutates the registry (e.g. terminate()
// calling Delete on the same id) never recurses into the same shard's
// lock from the goroutine already holding it.
func (r *Registry[T]) ForEach(fn func(id string, v T)) {
	for _, s := range r.shards {
		s.mu.RLock()
		items := make(map[string]T, len(s.items))
		for id, v := range s.items {
			items[id] = v
		}
		s.mu.RUnlock()

		for id, v := range items {
			fn(id, v)
		}
	}
}

// Snapshot returns a merged copy of every shard as a plain map, for
// callers (e.g. a control/debug probe) that want to use map-oriented
// helpers such as golang.org/x/exp/maps on a consistent view.
func (r *Registry[T]) Snapshot() map[string]T {
	out := make(map[string]T, r.Len())
	r.ForEach(func(id string, v T) {
		out[id] = v
	})
	return out
}

// Len returns the total number of sessions across all shards.
func (r *Registry[T]) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}

func fnv32(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32()
}

func nextPowerOfTwo(v uint32) uint32 {
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v++
	return v
}
