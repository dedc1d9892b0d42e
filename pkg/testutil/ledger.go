package testutil

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/code-transfer/pkg/data/account"
)

// Keypair is a generated ed25519 keypair
type Keypair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Address returns the base58 encoded public key
func (k Keypair) Address() string {
	return base58.Encode(k.Public)
}

// NewKeypair generates a new random keypair
func NewKeypair(t *testing.T) Keypair {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return Keypair{Public: pub, Private: priv}
}

// CreateAccount saves a new account record with the provided balance
func CreateAccount(t *testing.T, store account.Store, publicKey ed25519.PublicKey, lamports uint64) *account.Record {
	record := &account.Record{
		PublicKey: base58.Encode(publicKey),
		Lamports:  lamports,
	}
	require.NoError(t, store.Save(context.Background(), record))
	return record
}

// RequireBalance asserts the stored balance of an account
func RequireBalance(t *testing.T, store account.Store, publicKey ed25519.PublicKey, expected uint64) {
	record, err := store.Get(context.Background(), base58.Encode(publicKey))
	require.NoError(t, err)
	require.Equal(t, expected, record.Lamports, "balance of %s", base58.Encode(publicKey))
}
