// Package shared holds error classification helpers used by the store and
// the statistics.
//
//nolint:revive // package name kept short for cross-package helpers.
package shared

import (
	"errors"
	"strings"
)

// Primary result codes, see https://sqlite.org/rescode.html.
const (
	sqliteBusy   = 5
	sqliteLocked = 6
)

type codedError interface {
	Code() int
}

// IsSQLiteConflictError reports whether err is a SQLITE_BUSY or
// SQLITE_LOCKED failure. Both clear up once the competing writer is done,
// so callers retry them.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	var coded codedError
	if errors.As(err, &coded) {
		switch coded.Code() & 0xff {
		case sqliteBusy, sqliteLocked:
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
