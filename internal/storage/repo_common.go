package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// queryer is satisfied by both *sql.DB and *sql.Tx so read helpers can run
// inside or outside a transaction.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is a write transaction handed to Store.WithTx callbacks.
type Tx struct {
	tx *sql.Tx
}

// classify maps driver errors onto the storage taxonomy while keeping the
// original error in the chain.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w: %w", op, ErrIO, err)
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_FULL:
			return fmt.Errorf("%s: %w: %w", op, ErrStorageFull, err)
		case sqlite3.SQLITE_CONSTRAINT:
			if strings.Contains(err.Error(), "credentials.nonce") {
				return fmt.Errorf("%s: %w", op, ErrDuplicateNonce)
			}
		}
	}
	return fmt.Errorf("%s: %w: %w", op, ErrIO, err)
}

func rowsAffected(op string, result sql.Result) (int64, error) {
	count, err := result.RowsAffected()
	if err != nil {
		return 0, classify(op+": rows affected", err)
	}
	return count, nil
}
