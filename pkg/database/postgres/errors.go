package pg

import (
	"database/sql"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/pkg/errors"
)

func CheckNoRows(inErr, outErr error) error {
	if IsNoRows(inErr) {
		return outErr
	}
	return inErr
}

func IsNoRows(err error) bool {
	return err == sql.ErrNoRows
}

// CheckConflict maps errors raised by concurrent writers to outErr
func CheckConflict(inErr, outErr error) error {
	if IsSerializationFailure(inErr) || IsUniqueViolation(inErr) {
		return outErr
	}
	return inErr
}

func IsUniqueViolation(err error) bool {
	return hasCode(err, pgerrcode.UniqueViolation)
}

func IsSerializationFailure(err error) bool {
	return hasCode(err, pgerrcode.SerializationFailure)
}

func hasCode(err error, code string) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
