// Package identity provides per-owner mutual exclusion. Every mutating
// operation for one platform account (the whole booking-attempt-plus-
// compensation sequence) runs under that owner's lock, so two concurrent
// requests for the same account can never interleave bookings.
package identity

import (
	"hash/fnv"
	"sync"
	"time"
)

const (
	shardCount  = 16
	maxPerShard = 128
	idleTTL     = time.Hour
)

// Registry hands out one exclusive lock per owner. Locks are created lazily;
// idle entries are evicted so the registry stays bounded under many distinct
// identities.
type Registry struct {
	shards [shardCount]shard
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu       sync.Mutex
	refs     int
	lastUsed time.Time
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].entries = make(map[string]*entry)
	}
	return r
}

// Acquire blocks until the owner's lock is held and returns the release
// function. Release must be called exactly once.
func (r *Registry) Acquire(owner string) func() {
	sh := &r.shards[shardFor(owner)]

	sh.mu.Lock()
	e, ok := sh.entries[owner]
	if !ok {
		e = &entry{}
		sh.entries[owner] = e
	}
	e.refs++
	sh.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		sh.mu.Lock()
		e.refs--
		e.lastUsed = time.Now()
		if len(sh.entries) > maxPerShard {
			sh.evictIdle(time.Now())
		}
		sh.mu.Unlock()
	}
}

// evictIdle removes unreferenced entries idle longer than the TTL.
// Caller holds sh.mu.
func (sh *shard) evictIdle(now time.Time) {
	for owner, e := range sh.entries {
		if e.refs == 0 && now.Sub(e.lastUsed) > idleTTL {
			delete(sh.entries, owner)
		}
	}
}

func shardFor(owner string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(owner))
	return h.Sum32() % shardCount
}
