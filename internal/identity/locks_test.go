package identity

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireIsExclusivePerOwner(t *testing.T) {
	r := NewRegistry()

	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := r.Acquire("player@example.com")
			defer release()
			// unsynchronized on purpose: the lock is the only guard
			counter++
		}()
	}
	wg.Wait()
	require.Equal(t, 50, counter)
}

func TestDistinctOwnersDoNotBlockEachOther(t *testing.T) {
	r := NewRegistry()

	releaseA := r.Acquire("a@example.com")
	defer releaseA()

	done := make(chan struct{})
	go func() {
		release := r.Acquire("b@example.com")
		release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("owner b blocked behind owner a's lock")
	}
}

func TestReacquireAfterRelease(t *testing.T) {
	r := NewRegistry()
	release := r.Acquire("a@example.com")
	release()
	release = r.Acquire("a@example.com")
	release()
}

func TestEvictIdleDropsOnlyUnreferencedStaleEntries(t *testing.T) {
	r := NewRegistry()
	now := time.Now()

	releaseHeld := r.Acquire("held@example.com")
	defer releaseHeld()

	release := r.Acquire("stale@example.com")
	release()

	// age the released entry past the TTL and sweep its shard
	staleShard := &r.shards[shardFor("stale@example.com")]
	staleShard.mu.Lock()
	staleShard.entries["stale@example.com"].lastUsed = now.Add(-2 * idleTTL)
	staleShard.evictIdle(now)
	_, staleKept := staleShard.entries["stale@example.com"]
	staleShard.mu.Unlock()
	require.False(t, staleKept)

	heldShard := &r.shards[shardFor("held@example.com")]
	heldShard.mu.Lock()
	heldShard.entries["held@example.com"].lastUsed = now.Add(-2 * idleTTL)
	heldShard.evictIdle(now)
	_, heldKept := heldShard.entries["held@example.com"]
	heldShard.mu.Unlock()
	require.True(t, heldKept, "an entry with a live reference is never evicted")
}

func TestShardForIsStable(t *testing.T) {
	require.Equal(t, shardFor("x@example.com"), shardFor("x@example.com"))
	require.Less(t, shardFor("x@example.com"), uint32(shardCount))
}
