package store

import (
	"hash/fnv"
	"sync"

	"github.com/MarcoPoloResearchLab/pulse/backend/internal/streams"
)

const lockShardCount = 64

// keyLocks hands out one mutex per item key. Entries are reference counted
// and dropped once no writer holds or waits on them.
type keyLocks struct {
	shards [lockShardCount]lockShard
}

type lockShard struct {
	mu    sync.Mutex
	locks map[streams.Key]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	locks := &keyLocks{}
	for index := range locks.shards {
		locks.shards[index].locks = make(map[streams.Key]*keyLock)
	}
	return locks
}

// lock blocks until the caller owns key and returns the matching unlock.
func (l *keyLocks) lock(key streams.Key) func() {
	shard := &l.shards[shardIndex(key)]

	shard.mu.Lock()
	entry, ok := shard.locks[key]
	if !ok {
		entry = &keyLock{}
		shard.locks[key] = entry
	}
	entry.refs++
	shard.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		shard.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(shard.locks, key)
		}
		shard.mu.Unlock()
	}
}

func shardIndex(key streams.Key) uint32 {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(key.Stream))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(key.Group))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(key.ItemKey))
	return hasher.Sum32() % lockShardCount
}
