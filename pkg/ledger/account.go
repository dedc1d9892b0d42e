package ledger

import (
	"crypto/ed25519"

	"github.com/mr-tron/base58"
)

// AccountInfo is the view of an account handed to a program for the duration
// of a single instruction. The runtime owns the underlying balance; programs
// must not retain an AccountInfo, or the Lamports pointer, after they return.
type AccountInfo struct {
	PublicKey  ed25519.PublicKey
	IsSigner   bool
	IsWritable bool

	// Lamports points at the runtime's working copy of the balance.
	Lamports *uint64
}

// NewAccountInfo returns an AccountInfo borrowing the provided balance.
func NewAccountInfo(pub ed25519.PublicKey, isSigner, isWritable bool, lamports *uint64) *AccountInfo {
	return &AccountInfo{
		PublicKey:  pub,
		IsSigner:   isSigner,
		IsWritable: isWritable,
		Lamports:   lamports,
	}
}

// Balance returns the current balance, or zero if no balance is attached.
func (a *AccountInfo) Balance() uint64 {
	if a == nil || a.Lamports == nil {
		return 0
	}
	return *a.Lamports
}

func (a *AccountInfo) String() string {
	if a == nil {
		return "<nil>"
	}
	return base58.Encode(a.PublicKey)
}
