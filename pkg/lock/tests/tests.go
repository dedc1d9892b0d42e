package tests

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/code-transfer/pkg/lock"
)

func RunTests(t *testing.T, l lock.AccountLocker) {
	for _, tf := range []func(t *testing.T, l lock.AccountLocker){
		testExclusiveWriters,
		testReleasedOnUnlock,
		testSharedReaders,
		testOverlappingTransactions,
	} {
		tf(t, l)
	}
}

func testExclusiveWriters(t *testing.T, l lock.AccountLocker) {
	t.Run("testExclusiveWriters", func(t *testing.T) {
		unlock, err := l.Lock(context.Background(), []string{"exclusive-a"}, nil)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		_, err = l.Lock(ctx, []string{"exclusive-b", "exclusive-a"}, nil)
		assert.Error(t, err)

		unlock()

		// Nothing from the failed attempt remains held
		unlock, err = l.Lock(context.Background(), []string{"exclusive-b"}, nil)
		require.NoError(t, err)
		unlock()
	})
}

func testReleasedOnUnlock(t *testing.T, l lock.AccountLocker) {
	t.Run("testReleasedOnUnlock", func(t *testing.T) {
		unlock, err := l.Lock(context.Background(), []string{"released"}, nil)
		require.NoError(t, err)

		acquired := make(chan struct{})
		go func() {
			unlock, err := l.Lock(context.Background(), []string{"released"}, nil)
			if assert.NoError(t, err) {
				unlock()
			}
			close(acquired)
		}()

		select {
		case <-acquired:
			t.Fatal("lock acquired while held")
		case <-time.After(100 * time.Millisecond):
		}

		unlock()
		unlock()

		select {
		case <-acquired:
		case <-time.After(10 * time.Second):
			t.Fatal("lock not acquired after release")
		}
	})
}

func testSharedReaders(t *testing.T, l lock.AccountLocker) {
	t.Run("testSharedReaders", func(t *testing.T) {
		unlock1, err := l.Lock(context.Background(), nil, []string{"program"})
		require.NoError(t, err)
		defer unlock1()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		unlock2, err := l.Lock(ctx, nil, []string{"program"})
		require.NoError(t, err)
		unlock2()
	})
}

func testOverlappingTransactions(t *testing.T, l lock.AccountLocker) {
	t.Run("testOverlappingTransactions", func(t *testing.T) {
		var counters [4]int
		var wg sync.WaitGroup
		for worker := 0; worker < 8; worker++ {
			wg.Add(1)
			go func(worker int) {
				defer wg.Done()

				for i := 0; i < 25; i++ {
					a := (worker + i) % len(counters)
					b := (worker + i + 1) % len(counters)

					unlock, err := l.Lock(
						context.Background(),
						[]string{fmt.Sprintf("overlap-%d", b), fmt.Sprintf("overlap-%d", a)},
						nil,
					)
					if !assert.NoError(t, err) {
						return
					}
					counters[a]++
					counters[b]++
					unlock()
				}
			}(worker)
		}
		wg.Wait()

		var total int
		for _, c := range counters {
			total += c
		}
		assert.Equal(t, 8*25*2, total)
	})
}
