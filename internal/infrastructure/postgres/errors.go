package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/knowledge-hub/knowledge-hub/internal/domain/fsm"
)

// classify maps a driver error onto the storage error kinds. Errors that
// are already structured pass through unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *fsm.Error
	if errors.As(err, &fe) {
		return err
	}
	return fsm.StorageError(op, isTransient(err), err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		// Network and pool errors carry no SQLSTATE.
		return true
	}
	code := pgErr.Code
	switch {
	case code == "40001", code == "40P01":
		return true
	case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "57P"), strings.HasPrefix(code, "53"):
		return true
	}
	return false
}
