package postgres

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/code-payments/code-transfer/pkg/data/account"
	pgutil "github.com/code-payments/code-transfer/pkg/database/postgres"
)

const (
	tableName = "ledger__core_account"

	// Lamports are stored as NUMERIC to hold the full uint64 range, and are
	// exchanged as text.
	allColumns = `id, public_key, lamports::text AS lamports, version, created_at, last_updated_at`
)

type model struct {
	Id sql.NullInt64 `db:"id"`

	PublicKey string `db:"public_key"`
	Lamports  uint64 `db:"lamports"`

	Version uint64 `db:"version"`

	CreatedAt     time.Time `db:"created_at"`
	LastUpdatedAt time.Time `db:"last_updated_at"`
}

func toModel(obj *account.Record) (*model, error) {
	if err := obj.Validate(); err != nil {
		return nil, err
	}

	return &model{
		PublicKey:     obj.PublicKey,
		Lamports:      obj.Lamports,
		Version:       obj.Version,
		CreatedAt:     obj.CreatedAt,
		LastUpdatedAt: obj.LastUpdatedAt,
	}, nil
}

func fromModel(obj *model) *account.Record {
	return &account.Record{
		Id:            uint64(obj.Id.Int64),
		PublicKey:     obj.PublicKey,
		Lamports:      obj.Lamports,
		Version:       obj.Version,
		CreatedAt:     obj.CreatedAt,
		LastUpdatedAt: obj.LastUpdatedAt,
	}
}

func dbSaveAll(ctx context.Context, db *sqlx.DB, models []*model) error {
	err := pgutil.ExecuteInTx(ctx, db, sql.LevelRepeatableRead, func(tx *sqlx.Tx) error {
		now := time.Now()
		for _, m := range models {
			var err error
			if m.Version == 0 {
				err = m.dbInsert(ctx, tx, now)
			} else {
				err = m.dbUpdate(ctx, tx, now)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	return pgutil.CheckConflict(err, account.ErrStaleVersion)
}

func (m *model) dbInsert(ctx context.Context, tx *sqlx.Tx, now time.Time) error {
	query := `INSERT INTO ` + tableName + `
		(public_key, lamports, version, created_at, last_updated_at)
		VALUES ($1, $2::numeric, 1, $3, $3)

		ON CONFLICT (public_key) DO NOTHING

		RETURNING ` + allColumns

	err := tx.QueryRowxContext(
		ctx,
		query,
		m.PublicKey,
		strconv.FormatUint(m.Lamports, 10),
		now.UTC(),
	).StructScan(m)
	return pgutil.CheckNoRows(err, account.ErrStaleVersion)
}

func (m *model) dbUpdate(ctx context.Context, tx *sqlx.Tx, now time.Time) error {
	query := `UPDATE ` + tableName + `
		SET lamports = $2::numeric, version = version + 1, last_updated_at = $3
		WHERE public_key = $1 AND version = $4

		RETURNING ` + allColumns

	err := tx.QueryRowxContext(
		ctx,
		query,
		m.PublicKey,
		strconv.FormatUint(m.Lamports, 10),
		now.UTC(),
		m.Version,
	).StructScan(m)
	return pgutil.CheckNoRows(err, account.ErrStaleVersion)
}

func dbGet(ctx context.Context, db *sqlx.DB, publicKey string) (*model, error) {
	res := &model{}

	query := `SELECT ` + allColumns + ` FROM ` + tableName + `
		WHERE public_key = $1
		LIMIT 1`

	err := db.GetContext(ctx, res, query, publicKey)
	if err != nil {
		return nil, pgutil.CheckNoRows(err, account.ErrAccountNotFound)
	}
	return res, nil
}

func dbGetMany(ctx context.Context, db *sqlx.DB, publicKeys []string) ([]*model, error) {
	res := []*model{}

	query, args, err := sqlx.In(`SELECT `+allColumns+` FROM `+tableName+`
		WHERE public_key IN (?)`,
		publicKeys,
	)
	if err != nil {
		return nil, err
	}

	err = db.SelectContext(ctx, &res, db.Rebind(query), args...)
	if err != nil {
		return nil, pgutil.CheckNoRows(err, account.ErrAccountNotFound)
	}
	return res, nil
}
