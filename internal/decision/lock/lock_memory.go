package lock

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
)

const shardCount = 64

// ShardedLock is the single-process implementation: keys hash onto a fixed
// pool of mutexes. Collisions between unrelated keys cost a little waiting,
// never correctness.
type ShardedLock struct {
	shards [shardCount]sync.Mutex
}

func NewShardedLock() *ShardedLock {
	return &ShardedLock{}
}

func (l *ShardedLock) Acquire(_ context.Context, keys []string) (func(), error) {
	indices := l.shardIndices(keys)
	for _, i := range indices {
		l.shards[i].Lock()
	}
	return func() {
		for j := len(indices) - 1; j >= 0; j-- {
			l.shards[indices[j]].Unlock()
		}
	}, nil
}

// shardIndices maps keys to a sorted, deduplicated shard list. Sorting keeps
// lock acquisition order global so overlapping sets cannot deadlock; deduping
// prevents self-deadlock when two keys share a shard.
func (l *ShardedLock) shardIndices(keys []string) []int {
	seen := make(map[int]struct{}, len(keys))
	var out []int
	for _, k := range sortedUnique(keys) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(k))
		i := int(h.Sum32() % shardCount)
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		out = append(out, i)
	}
	// Shard order, not key order, decides acquisition.
	sort.Ints(out)
	return out
}
