package lock

import (
	"context"
	"errors"
)

// ErrLockerClosed indicates the use of an AccountLocker after calling Close
var ErrLockerClosed = errors.New("account locker is closed")

// AccountLocker serializes access to ledger accounts across concurrent
// transactions.
type AccountLocker interface {
	// Lock blocks until writable accounts are held exclusively and readonly
	// accounts are held shared, or until ctx is done. On error nothing remains
	// held. The returned unlock function is idempotent.
	Lock(ctx context.Context, writable, readonly []string) (unlock func(), err error)

	// Close releases resources held by the locker
	Close()
}
