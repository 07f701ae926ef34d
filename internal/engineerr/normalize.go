package engineerr

import (
	"context"
	"errors"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
)

const (
	mysqlErrDuplicateEntry    = 1062
	mysqlErrRowIsReferenced   = 1451
	mysqlErrNoReferencedRow   = 1452
	mysqlErrBadNull           = 1048
	mysqlErrNoDefaultForField = 1364
	mysqlErrLockWaitTimeout   = 1205
	mysqlErrLockDeadlock      = 1213
)

// Normalize maps driver-specific failures onto the engine taxonomy. Errors
// already in the taxonomy and unknown errors are returned unchanged.
func Normalize(err error) error {
	if err == nil {
		return nil
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return normalizeMySQL(mysqlErr, err)
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return normalizeSQLite(liteErr, err)
	}
	var litePtr *sqlite3.Error
	if errors.As(err, &litePtr) && litePtr != nil {
		return normalizeSQLite(*litePtr, err)
	}

	return err
}

func normalizeMySQL(mysqlErr *mysql.MySQLError, err error) error {
	switch mysqlErr.Number {
	case mysqlErrDuplicateEntry:
		return &ConstraintError{Kind: ConstraintUnique, Message: mysqlErr.Message, Err: err}
	case mysqlErrRowIsReferenced, mysqlErrNoReferencedRow:
		return &ConstraintError{Kind: ConstraintForeignKey, Message: mysqlErr.Message, Err: err}
	case mysqlErrBadNull, mysqlErrNoDefaultForField:
		return &ConstraintError{Kind: ConstraintNotNull, Message: mysqlErr.Message, Err: err}
	case mysqlErrLockDeadlock, mysqlErrLockWaitTimeout:
		return &SerializationConflictError{Err: err}
	default:
		return err
	}
}

func normalizeSQLite(liteErr sqlite3.Error, err error) error {
	switch liteErr.Code {
	case sqlite3.ErrConstraint:
		switch liteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return &ConstraintError{Kind: ConstraintUnique, Message: liteErr.Error(), Err: err}
		case sqlite3.ErrConstraintForeignKey:
			return &ConstraintError{Kind: ConstraintForeignKey, Message: liteErr.Error(), Err: err}
		case sqlite3.ErrConstraintNotNull:
			return &ConstraintError{Kind: ConstraintNotNull, Message: liteErr.Error(), Err: err}
		default:
			return &ConstraintError{Kind: ConstraintUnique, Message: liteErr.Error(), Err: err}
		}
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return &SerializationConflictError{Err: err}
	default:
		return err
	}
}

// IsContextDone reports whether err stems from cancellation or a deadline.
func IsContextDone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
