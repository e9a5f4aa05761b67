package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/vietddude/notifyguard/internal/core/domain"
	"github.com/vietddude/notifyguard/internal/reliability/classify"
)

// SQLSTATE codes shared by lib/pq and pgx.
const (
	codeUniqueViolation       = "23505"
	codeInsufficientPrivilege = "42501"
)

// storeErr converts a driver error into a store failure. Constraint and
// privilege errors carry the matching domain sentinel.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if sentinel := sentinelFor(err); sentinel != nil {
		err = fmt.Errorf("%w: %w", sentinel, err)
	}
	return &classify.StoreFailure{Op: op, Err: err}
}

func sentinelFor(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return codeSentinel(string(pqErr.Code))
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return codeSentinel(pgErr.Code)
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return domain.ErrDuplicate
		case sqlite3.SQLITE_PERM, sqlite3.SQLITE_AUTH, sqlite3.SQLITE_READONLY:
			return domain.ErrPermissionDenied
		}
	}
	return nil
}

func codeSentinel(code string) error {
	switch code {
	case codeUniqueViolation:
		return domain.ErrDuplicate
	case codeInsufficientPrivilege:
		return domain.ErrPermissionDenied
	}
	return nil
}
