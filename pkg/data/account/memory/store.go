package memory

import (
	"context"
	"sync"
	"time"

	"github.com/code-payments/code-transfer/pkg/data/account"
)

type store struct {
	mu                 sync.Mutex
	recordsByPublicKey map[string]*account.Record
	last               uint64
}

// New returns a new in memory account.Store
func New() account.Store {
	return &store{
		recordsByPublicKey: make(map[string]*account.Record),
	}
}

// Save implements account.Store.Save
func (s *store) Save(_ context.Context, records ...*account.Record) error {
	seen := make(map[string]struct{}, len(records))
	for _, record := range records {
		if err := record.Validate(); err != nil {
			return err
		}

		if _, ok := seen[record.PublicKey]; ok {
			return account.ErrDuplicateAccount
		}
		seen[record.PublicKey] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, record := range records {
		existing, ok := s.recordsByPublicKey[record.PublicKey]
		if record.Version == 0 && ok {
			return account.ErrStaleVersion
		}
		if record.Version > 0 && (!ok || existing.Version != record.Version) {
			return account.ErrStaleVersion
		}
	}

	now := time.Now()
	for _, record := range records {
		if record.Version == 0 {
			s.last++
			record.Id = s.last
			record.CreatedAt = now
		} else {
			existing := s.recordsByPublicKey[record.PublicKey]
			record.Id = existing.Id
			record.CreatedAt = existing.CreatedAt
		}

		record.Version++
		record.LastUpdatedAt = now

		cloned := record.Clone()
		s.recordsByPublicKey[record.PublicKey] = &cloned
	}

	return nil
}

// Get implements account.Store.Get
func (s *store) Get(_ context.Context, publicKey string) (*account.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.recordsByPublicKey[publicKey]
	if !ok {
		return nil, account.ErrAccountNotFound
	}

	cloned := item.Clone()
	return &cloned, nil
}

// GetMany implements account.Store.GetMany
func (s *store) GetMany(_ context.Context, publicKeys ...string) ([]*account.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := make([]*account.Record, len(publicKeys))
	for i, publicKey := range publicKeys {
		item, ok := s.recordsByPublicKey[publicKey]
		if !ok {
			return nil, account.ErrAccountNotFound
		}

		cloned := item.Clone()
		res[i] = &cloned
	}
	return res, nil
}

func (s *store) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recordsByPublicKey = make(map[string]*account.Record)
	s.last = 0
}
