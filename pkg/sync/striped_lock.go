package sync

import (
	"context"
	"sort"
	base "sync"

	"golang.org/x/sync/semaphore"
)

const (
	hashEntriesPerLock = 200

	// exclusiveWeight is the semaphore weight held by a writer, and bounds the
	// number of concurrent readers per stripe.
	exclusiveWeight = 1 << 20
)

// StripedLock is a partitioned reader/writer locking mechanism that
// consistently maps a key space to a set of stripes. This provides concurrent
// data access while also limiting the total memory footprint.
type StripedLock struct {
	stripes  []*semaphore.Weighted
	hashRing *ring
}

// NewStripedLock returns a new StripedLock with a static number of stripes.
func NewStripedLock(stripes uint) *StripedLock {
	if stripes == 0 {
		stripes = 1
	}

	l := &StripedLock{
		stripes:  make([]*semaphore.Weighted, stripes),
		hashRing: newRing(int(stripes), hashEntriesPerLock),
	}
	for i := range l.stripes {
		l.stripes[i] = semaphore.NewWeighted(exclusiveWeight)
	}
	return l
}

// Stripe returns the stripe index for a key
func (l *StripedLock) Stripe(key []byte) int {
	return l.hashRing.shard(key)
}

// Lock acquires the stripes for all provided keys, exclusively for writable
// keys and shared for readonly keys. A stripe covering both a writable and a
// readonly key is held exclusively.
//
// Stripes are always acquired in ascending order, so concurrent callers with
// overlapping key sets cannot deadlock. Lock blocks until every stripe is held
// or ctx is done, in which case nothing remains held.
func (l *StripedLock) Lock(ctx context.Context, writable, readonly [][]byte) (unlock func(), err error) {
	weights := make(map[int]int64)
	for _, key := range readonly {
		weights[l.Stripe(key)] = 1
	}
	for _, key := range writable {
		weights[l.Stripe(key)] = exclusiveWeight
	}

	order := make([]int, 0, len(weights))
	for stripe := range weights {
		order = append(order, stripe)
	}
	sort.Ints(order)

	release := func(held []int) {
		for i := len(held) - 1; i >= 0; i-- {
			l.stripes[held[i]].Release(weights[held[i]])
		}
	}

	for i, stripe := range order {
		if err := l.stripes[stripe].Acquire(ctx, weights[stripe]); err != nil {
			release(order[:i])
			return nil, err
		}
	}

	var once base.Once
	return func() {
		once.Do(func() {
			release(order)
		})
	}, nil
}
