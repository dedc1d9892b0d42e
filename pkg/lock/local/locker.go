package local

import (
	"context"

	"github.com/code-payments/code-transfer/pkg/lock"
	"github.com/code-payments/code-transfer/pkg/sync"
)

const DefaultStripes = 1024

type locker struct {
	stripedLock *sync.StripedLock
}

// New returns an in process lock.AccountLocker backed by a striped lock
func New(stripes uint) lock.AccountLocker {
	return &locker{
		stripedLock: sync.NewStripedLock(stripes),
	}
}

// Lock implements lock.AccountLocker.Lock
func (l *locker) Lock(ctx context.Context, writable, readonly []string) (func(), error) {
	return l.stripedLock.Lock(ctx, toBytes(writable), toBytes(readonly))
}

// Close implements lock.AccountLocker.Close
func (l *locker) Close() {
}

func toBytes(keys []string) [][]byte {
	res := make([][]byte, len(keys))
	for i, key := range keys {
		res[i] = []byte(key)
	}
	return res
}
