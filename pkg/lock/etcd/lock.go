package etcd

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	v3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/multierr"
	"golang.org/x/exp/maps"

	"github.com/code-payments/code-transfer/pkg/lock"
	"github.com/code-payments/code-transfer/pkg/lock/local"
)

const (
	unlockTimeout = 5 * time.Second
)

// Locker is a lock.AccountLocker that coordinates writers across processes
// with etcd mutexes.
//
// Mutexes created from the same session are re-entrant, so callers within
// this process are first serialized by a local striped lock. Readonly accounts
// only take the local lock. Cross process readers rely on the account store's
// optimistic versioning.
type Locker struct {
	log     *logrus.Entry
	client  *v3.Client
	rootKey string
	lockTTL int

	local lock.AccountLocker

	closeOnce sync.Once
	closeCh   chan struct{}

	sessionMu sync.Mutex
	session   *concurrency.Session
}

func New(client *v3.Client, rootKey string, lockTTL time.Duration) (*Locker, error) {
	// WithTTL() will default the TTL to 60 seconds if TTL <= 0 || TTL > 60 seconds.
	if lockTTL < time.Second || lockTTL > time.Minute {
		return nil, errors.Errorf("invalid lock ttl: %s (must be [1s, 60s])", lockTTL)
	}

	lockTTLSeconds := int(lockTTL.Round(time.Second).Seconds())

	session, err := newSession(client, lockTTLSeconds)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create etcd session")
	}

	l := &Locker{
		log: logrus.StandardLogger().WithFields(logrus.Fields{
			"type": "lock/etcd",
			"root": rootKey,
		}),
		client:  client,
		rootKey: rootKey,
		lockTTL: lockTTLSeconds,

		local: local.New(local.DefaultStripes),

		closeCh: make(chan struct{}),
		session: session,
	}

	// The session keeps itself alive, but can end in a terminal state when the
	// cluster is leaderless or unreachable for longer than the TTL. Locks held
	// by an expired session are lost, so a new one is created for future locks.
	go l.watchSession()

	return l, nil
}

// Lock implements lock.AccountLocker.Lock
func (l *Locker) Lock(ctx context.Context, writable, readonly []string) (func(), error) {
	l.sessionMu.Lock()
	session := l.session
	l.sessionMu.Unlock()

	if session == nil {
		return nil, lock.ErrLockerClosed
	}

	unlockLocal, err := l.local.Lock(ctx, writable, readonly)
	if err != nil {
		return nil, err
	}

	unique := make(map[string]struct{}, len(writable))
	for _, key := range writable {
		unique[key] = struct{}{}
	}
	keys := maps.Keys(unique)
	sort.Strings(keys)

	held := make([]*concurrency.Mutex, 0, len(keys))
	for _, key := range keys {
		mu := concurrency.NewMutex(session, path.Join(l.rootKey, key))
		if err := mu.Lock(ctx); err != nil {
			l.release(held)
			unlockLocal()
			return nil, errors.Wrapf(err, "failed to lock %s", key)
		}
		held = append(held, mu)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.release(held)
			unlockLocal()
		})
	}, nil
}

// Close implements lock.AccountLocker.Close. All locks held through the
// locker become unlocked.
func (l *Locker) Close() {
	l.closeOnce.Do(func() {
		l.sessionMu.Lock()
		defer l.sessionMu.Unlock()

		close(l.closeCh)

		if err := l.session.Close(); err != nil {
			l.log.WithError(err).Warn("failed to close etcd session on close")
		}
		l.session = nil

		l.local.Close()
	})
}

func (l *Locker) release(held []*concurrency.Mutex) {
	if len(held) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
	defer cancel()

	var err error
	for i := len(held) - 1; i >= 0; i-- {
		err = multierr.Append(err, held[i].Unlock(ctx))
	}
	if err != nil {
		l.log.WithError(err).Warn("failed to release account locks, relying on session expiry")
	}
}

func (l *Locker) watchSession() {
	for {
		l.sessionMu.Lock()
		session := l.session
		l.sessionMu.Unlock()

		if session == nil {
			return
		}

		select {
		case <-l.closeCh:
			return
		case <-session.Done():
		}

		l.log.Info("Locker session expired. Attempting to recreate session...")

		session, err := newSession(l.client, l.lockTTL)
		if err != nil {
			l.log.WithError(err).Warn("failed to recreate session for locker, retrying in 1s")
			time.Sleep(1 * time.Second)
			continue
		}

		l.sessionMu.Lock()
		if l.session == nil {
			l.sessionMu.Unlock()
			session.Close()
			return
		}
		l.session = session
		l.sessionMu.Unlock()
	}
}

func newSession(client *v3.Client, ttlSeconds int) (*concurrency.Session, error) {
	return concurrency.NewSession(
		client,
		concurrency.WithTTL(ttlSeconds),
		concurrency.WithContext(v3.WithRequireLeader(context.Background())),
	)
}
