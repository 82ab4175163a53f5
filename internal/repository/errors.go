package repository

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrVersionConflict is matched by every *VersionConflict.
var ErrVersionConflict = errors.New("version conflict")

// VersionConflict reports a stale optimistic-concurrency token.
type VersionConflict struct {
	Expected int64
	Actual   int64
}

func (e *VersionConflict) Error() string {
	return fmt.Sprintf("version conflict: expected %d, actual %d", e.Expected, e.Actual)
}

func (e *VersionConflict) Is(target error) bool {
	return target == ErrVersionConflict
}

func translate(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
