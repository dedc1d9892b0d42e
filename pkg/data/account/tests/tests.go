package tests

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"math"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/code-transfer/pkg/data/account"
)

func RunTests(t *testing.T, s account.Store, teardown func()) {
	for _, tf := range []func(t *testing.T, s account.Store){
		testRoundTrip,
		testOptimisticUpdate,
		testAtomicBatch,
		testGetMany,
		testMaxLamports,
		testInvalidRecords,
	} {
		tf(t, s)
		teardown()
	}
}

func testRoundTrip(t *testing.T, s account.Store) {
	t.Run("testRoundTrip", func(t *testing.T) {
		ctx := context.Background()

		publicKey := newPublicKey(t)

		_, err := s.Get(ctx, publicKey)
		assert.Equal(t, account.ErrAccountNotFound, err)

		start := time.Now().Add(-time.Second)

		expected := &account.Record{
			PublicKey: publicKey,
			Lamports:  1234,
		}
		require.NoError(t, s.Save(ctx, expected))
		assert.True(t, expected.Id > 0)
		assert.EqualValues(t, 1, expected.Version)
		assert.True(t, expected.CreatedAt.After(start))
		assert.True(t, expected.LastUpdatedAt.After(start))

		actual, err := s.Get(ctx, publicKey)
		require.NoError(t, err)
		assertEquivalentRecords(t, expected, actual)

		// Mutating a returned record doesn't affect the store
		actual.Lamports = 0

		actual, err = s.Get(ctx, publicKey)
		require.NoError(t, err)
		assert.EqualValues(t, 1234, actual.Lamports)
	})
}

func testOptimisticUpdate(t *testing.T, s account.Store) {
	t.Run("testOptimisticUpdate", func(t *testing.T) {
		ctx := context.Background()

		publicKey := newPublicKey(t)

		record := &account.Record{
			PublicKey: publicKey,
			Lamports:  100,
		}
		require.NoError(t, s.Save(ctx, record))

		stale := record.Clone()

		record.Lamports = 50
		require.NoError(t, s.Save(ctx, record))
		assert.EqualValues(t, 2, record.Version)

		stale.Lamports = 75
		assert.Equal(t, account.ErrStaleVersion, s.Save(ctx, &stale))
		assert.EqualValues(t, 1, stale.Version)

		duplicate := &account.Record{
			PublicKey: publicKey,
			Lamports:  1,
		}
		assert.Equal(t, account.ErrStaleVersion, s.Save(ctx, duplicate))
		assert.EqualValues(t, 0, duplicate.Version)

		unknown := &account.Record{
			PublicKey: newPublicKey(t),
			Lamports:  1,
			Version:   3,
		}
		assert.Equal(t, account.ErrStaleVersion, s.Save(ctx, unknown))

		actual, err := s.Get(ctx, publicKey)
		require.NoError(t, err)
		assertEquivalentRecords(t, record, actual)
		assert.EqualValues(t, 50, actual.Lamports)
	})
}

func testAtomicBatch(t *testing.T, s account.Store) {
	t.Run("testAtomicBatch", func(t *testing.T) {
		ctx := context.Background()

		source := &account.Record{
			PublicKey: newPublicKey(t),
			Lamports:  100,
		}
		destination := &account.Record{
			PublicKey: newPublicKey(t),
			Lamports:  10,
		}
		require.NoError(t, s.Save(ctx, source, destination))
		assert.NotEqual(t, source.Id, destination.Id)

		staleDestination := destination.Clone()

		destination.Lamports = 20
		require.NoError(t, s.Save(ctx, destination))

		source.Lamports = 70
		staleDestination.Lamports = 40
		assert.Equal(t, account.ErrStaleVersion, s.Save(ctx, source, &staleDestination))
		assert.EqualValues(t, 1, source.Version)
		assert.EqualValues(t, 1, staleDestination.Version)

		actual, err := s.GetMany(ctx, source.PublicKey, destination.PublicKey)
		require.NoError(t, err)
		require.Len(t, actual, 2)
		assert.EqualValues(t, 100, actual[0].Lamports)
		assert.EqualValues(t, 1, actual[0].Version)
		assert.EqualValues(t, 20, actual[1].Lamports)
		assert.EqualValues(t, 2, actual[1].Version)

		destination.Lamports = 50
		require.NoError(t, s.Save(ctx, source, destination))
		assert.EqualValues(t, 2, source.Version)
		assert.EqualValues(t, 3, destination.Version)

		actual, err = s.GetMany(ctx, source.PublicKey, destination.PublicKey)
		require.NoError(t, err)
		assertEquivalentRecords(t, source, actual[0])
		assertEquivalentRecords(t, destination, actual[1])

		assert.Equal(t, account.ErrDuplicateAccount, s.Save(ctx, source, source))
	})
}

func testGetMany(t *testing.T, s account.Store) {
	t.Run("testGetMany", func(t *testing.T) {
		ctx := context.Background()

		var records []*account.Record
		var publicKeys []string
		for i := 0; i < 5; i++ {
			record := &account.Record{
				PublicKey: newPublicKey(t),
				Lamports:  uint64(i),
			}
			require.NoError(t, s.Save(ctx, record))

			records = append(records, record)
			publicKeys = append(publicKeys, record.PublicKey)
		}

		reversed := make([]string, len(publicKeys))
		for i, publicKey := range publicKeys {
			reversed[len(publicKeys)-1-i] = publicKey
		}

		actual, err := s.GetMany(ctx, reversed...)
		require.NoError(t, err)
		require.Len(t, actual, len(records))
		for i, record := range actual {
			assertEquivalentRecords(t, records[len(records)-1-i], record)
		}

		_, err = s.GetMany(ctx, publicKeys[0], newPublicKey(t))
		assert.Equal(t, account.ErrAccountNotFound, err)

		actual, err = s.GetMany(ctx)
		require.NoError(t, err)
		assert.Empty(t, actual)
	})
}

func testMaxLamports(t *testing.T, s account.Store) {
	t.Run("testMaxLamports", func(t *testing.T) {
		ctx := context.Background()

		record := &account.Record{
			PublicKey: newPublicKey(t),
			Lamports:  math.MaxUint64,
		}
		require.NoError(t, s.Save(ctx, record))

		actual, err := s.Get(ctx, record.PublicKey)
		require.NoError(t, err)
		assert.EqualValues(t, uint64(math.MaxUint64), actual.Lamports)
	})
}

func testInvalidRecords(t *testing.T, s account.Store) {
	t.Run("testInvalidRecords", func(t *testing.T) {
		ctx := context.Background()

		for _, publicKey := range []string{
			"",
			"not-base58-0OIl",
			"3yZe7d",
		} {
			record := &account.Record{
				PublicKey: publicKey,
				Lamports:  1,
			}
			assert.Error(t, s.Save(ctx, record))
			assert.EqualValues(t, 0, record.Version)
		}
	})
}

func newPublicKey(t *testing.T) string {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return base58.Encode(pub)
}

func assertEquivalentRecords(t *testing.T, obj1, obj2 *account.Record) {
	assert.Equal(t, obj1.Id, obj2.Id)
	assert.Equal(t, obj1.PublicKey, obj2.PublicKey)
	assert.Equal(t, obj1.Lamports, obj2.Lamports)
	assert.Equal(t, obj1.Version, obj2.Version)
	assert.Equal(t, obj1.CreatedAt.Unix(), obj2.CreatedAt.Unix())
	assert.Equal(t, obj1.LastUpdatedAt.Unix(), obj2.LastUpdatedAt.Unix())
}
