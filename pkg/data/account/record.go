package account

import (
	"crypto/ed25519"
	"time"

	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
)

// Record is the persisted state of a ledger account.
type Record struct {
	Id uint64

	PublicKey string
	Lamports  uint64

	// Version is 0 for records that have never been saved and is incremented
	// on every successful save.
	Version uint64

	CreatedAt     time.Time
	LastUpdatedAt time.Time
}

func (r *Record) Validate() error {
	if len(r.PublicKey) == 0 {
		return errors.New("public key is required")
	}

	decoded, err := base58.Decode(r.PublicKey)
	if err != nil {
		return errors.Wrap(err, "public key is not base58 encoded")
	}
	if len(decoded) != ed25519.PublicKeySize {
		return errors.Errorf("public key must be %d bytes", ed25519.PublicKeySize)
	}

	return nil
}

func (r *Record) Clone() Record {
	return Record{
		Id: r.Id,

		PublicKey: r.PublicKey,
		Lamports:  r.Lamports,

		Version: r.Version,

		CreatedAt:     r.CreatedAt,
		LastUpdatedAt: r.LastUpdatedAt,
	}
}

func (r *Record) CopyTo(dst *Record) {
	dst.Id = r.Id

	dst.PublicKey = r.PublicKey
	dst.Lamports = r.Lamports

	dst.Version = r.Version

	dst.CreatedAt = r.CreatedAt
	dst.LastUpdatedAt = r.LastUpdatedAt
}
