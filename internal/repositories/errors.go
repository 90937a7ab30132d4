package repositories

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// ErrNotFound is returned when the requested record does not exist. Callers
// check for it with errors.Is to distinguish missing records from other
// database errors.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update violates a unique
// constraint, for example a duplicate customer code.
var ErrConflict = errors.New("record already exists")

// isUniqueViolation recognizes unique-constraint errors across the two
// supported backends. The modernc SQLite driver and lib/pq-style postgres
// errors do not share a type, so this matches on the stable substrings both
// have kept for years.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "SQLSTATE 23505") || // postgres via pgx
		strings.Contains(msg, "duplicate key value") // postgres, generic
}
