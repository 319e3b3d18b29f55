package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/Ramsey-B/fern/pkg/models"
)

const uniqueViolation = "23505"

// Classify maps driver errors onto domain sentinels: missing rows become
// models.ErrNotFound, connection loss, serialization failures and deadlocks
// become models.ErrTransient.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", models.ErrNotFound, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57":
			return fmt.Errorf("%w: %v", models.ErrTransient, err)
		}
		switch pqErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %v", models.ErrTransient, err)
		}
		return err
	}

	if errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", models.ErrTransient, err)
	}
	return err
}

// IsUniqueViolation reports whether err is a Postgres unique constraint failure
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
