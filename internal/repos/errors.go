package repos

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrRetryable marks a transient serialization conflict. The whole unit of
	// work may be retried.
	ErrRetryable = errors.New("serialization conflict")

	// ErrDuplicate marks a uniqueness violation, e.g. two writers inserting
	// the same task id.
	ErrDuplicate = errors.New("duplicate key")

	// ErrOwnerMismatch is returned by PutTask when the id belongs to another owner.
	ErrOwnerMismatch = errors.New("task owned by another principal")
)

const (
	mysqlErrDupEntry        = 1062
	mysqlErrLockWaitTimeout = 1205
	mysqlErrLockDeadlock    = 1213
)

// Classify wraps driver errors with ErrRetryable or ErrDuplicate so callers
// can branch with errors.Is. Other errors are returned unchanged.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRetryable), errors.Is(err, ErrDuplicate):
		return err
	case isSerializationError(err):
		return fmt.Errorf("%w: %w", ErrRetryable, err)
	case isDuplicateError(err):
		return fmt.Errorf("%w: %w", ErrDuplicate, err)
	}
	return err
}

func isSerializationError(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == mysqlErrLockDeadlock || me.Number == mysqlErrLockWaitTimeout
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "serialization failure") || strings.Contains(msg, "40001")
}

func isDuplicateError(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return true
		case sqlite3.SQLITE_CONSTRAINT:
			return strings.Contains(se.Error(), "UNIQUE constraint failed")
		}
		return false
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == mysqlErrDupEntry
	}
	return false
}
