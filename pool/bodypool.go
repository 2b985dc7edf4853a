// File: pool/bodypool.go
// Package pool
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Generic object pool, the one surviving piece of the teacher's pool
// package once the NUMA/DPDK-aware buffer variants are gone (see
// DESIGN.md): instantiated here for *bytes.Buffer to back the
// server's PATCH body reads (spec §4.2 poll step 2) without an
// allocation per request.

package pool

import (
	"bytes"
	"sync"
)

// ObjectPool is a generic object pool.
type ObjectPool[T any] interface {
	Get() T
	Put(T)
}

// SyncPool wraps sync.Pool for generic usage.
type SyncPool[T any] struct {
	pool *sync.Pool
}

// NewSyncPool creates a new SyncPool with a creator function.
func NewSyncPool[T any](creator func() T) *SyncPool[T] {
	return &SyncPool[T]{
		pool: &sync.Pool{New: func() any { return creator() }},
	}
}

func (sp *SyncPool[T]) Get() T {
	return sp.pool.Get().(T)
}

func (sp *SyncPool[T]) Put(obj T) {
	sp.pool.Put(obj)
}

// NewBodyPool returns a SyncPool of reset, ready-to-use *bytes.Buffer
// values for reading HTTP request bodies.
func NewBodyPool() *SyncPool[*bytes.Buffer] {
	return NewSyncPool(func() *bytes.Buffer { return new(bytes.Buffer) })
}

// PutBody resets buf before returning it to the pool so the next
// Get never observes stale bytes.
func PutBody(p *SyncPool[*bytes.Buffer], buf *bytes.Buffer) {
	buf.Reset()
	p.Put(buf)
}
