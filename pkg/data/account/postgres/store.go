package postgres

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"github.com/code-payments/code-transfer/pkg/data/account"
)

type store struct {
	db *sqlx.DB
}

// New returns a new postgres account.Store
func New(db *sql.DB) account.Store {
	return &store{
		db: sqlx.NewDb(db, "pgx"),
	}
}

// Save implements account.Store.Save
func (s *store) Save(ctx context.Context, records ...*account.Record) error {
	seen := make(map[string]struct{}, len(records))
	models := make([]*model, len(records))
	for i, record := range records {
		m, err := toModel(record)
		if err != nil {
			return err
		}

		if _, ok := seen[record.PublicKey]; ok {
			return account.ErrDuplicateAccount
		}
		seen[record.PublicKey] = struct{}{}

		models[i] = m
	}

	if err := dbSaveAll(ctx, s.db, models); err != nil {
		return err
	}

	for i, m := range models {
		fromModel(m).CopyTo(records[i])
	}
	return nil
}

// Get implements account.Store.Get
func (s *store) Get(ctx context.Context, publicKey string) (*account.Record, error) {
	m, err := dbGet(ctx, s.db, publicKey)
	if err != nil {
		return nil, err
	}
	return fromModel(m), nil
}

// GetMany implements account.Store.GetMany
func (s *store) GetMany(ctx context.Context, publicKeys ...string) ([]*account.Record, error) {
	if len(publicKeys) == 0 {
		return nil, nil
	}

	models, err := dbGetMany(ctx, s.db, publicKeys)
	if err != nil {
		return nil, err
	}

	byPublicKey := make(map[string]*model, len(models))
	for _, m := range models {
		byPublicKey[m.PublicKey] = m
	}

	res := make([]*account.Record, len(publicKeys))
	for i, publicKey := range publicKeys {
		m, ok := byPublicKey[publicKey]
		if !ok {
			return nil, account.ErrAccountNotFound
		}
		res[i] = fromModel(m)
	}
	return res, nil
}
