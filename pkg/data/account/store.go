package account

import (
	"context"
	"errors"
)

var (
	ErrAccountNotFound = errors.New("account not found")

	ErrStaleVersion = errors.New("account version is stale")

	ErrDuplicateAccount = errors.New("account provided more than once")
)

type Store interface {
	// Save atomically saves all records. Records with a zero Version are
	// created, and the remaining records are updated only if their Version
	// matches the stored one. ErrStaleVersion is returned, and nothing is
	// written, if any record conflicts. On success each record's Version is
	// incremented and its timestamps are refreshed.
	Save(ctx context.Context, records ...*Record) error

	// Get gets the record for an account. ErrAccountNotFound is returned if no
	// record exists.
	Get(ctx context.Context, publicKey string) (*Record, error)

	// GetMany gets records for a set of accounts, in the order requested.
	// ErrAccountNotFound is returned if any account has no record.
	GetMany(ctx context.Context, publicKeys ...string) ([]*Record, error)
}
