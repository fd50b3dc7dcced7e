package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicate wraps a unique-index violation so callers can translate it
// into a user-facing conflict without importing pgconn.
type ErrDuplicate struct {
	Constraint string
}

func (e *ErrDuplicate) Error() string {
	return "duplicate key: " + e.Constraint
}

// asDuplicate converts a pg unique violation (SQLSTATE 23505) into
// *ErrDuplicate; any other error passes through unchanged.
func asDuplicate(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return &ErrDuplicate{Constraint: pgErr.ConstraintName}
	}
	return err
}

// IsDuplicate reports whether err is a unique-index violation, optionally on
// one of the named constraints.
func IsDuplicate(err error, constraints ...string) bool {
	var dup *ErrDuplicate
	if !errors.As(err, &dup) {
		return false
	}
	if len(constraints) == 0 {
		return true
	}
	for _, name := range constraints {
		if dup.Constraint == name {
			return true
		}
	}
	return false
}

// DuplicateConstraint returns the violated constraint name, or "".
func DuplicateConstraint(err error) string {
	var dup *ErrDuplicate
	if errors.As(err, &dup) {
		return dup.Constraint
	}
	return ""
}
