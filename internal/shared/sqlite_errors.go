// Package shared holds the failure taxonomy and error classifiers used
// across the federation layer.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// sqliteCode returns the primary and extended result codes of a driver
// error, or ok=false when err did not come from the driver.
func sqliteCode(err error) (primary, extended int, ok bool) {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return 0, 0, false
	}
	return se.Code() & 0xff, se.Code(), true
}

// IsSQLiteConflictError reports whether err is a busy or locked database,
// both of which are worth retrying. Errors that lost their driver type on
// the way up are matched on their message.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	if code, _, ok := sqliteCode(err); ok {
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// IsSQLiteUniqueError reports whether err is a UNIQUE constraint violation.
func IsSQLiteUniqueError(err error) bool {
	if err == nil {
		return false
	}
	if _, ext, ok := sqliteCode(err); ok {
		return ext == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
