package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

const defaultBusyTimeout = 5 * time.Second

// Store owns the SQLite handle and the single-instance file lock.
type Store struct {
	db   *sql.DB
	path string
	lock *flock.Flock

	Audit AuditRepository
}

type Options struct {
	BusyTimeout time.Duration
}

// Open creates or opens the store at path, applies pending migrations and
// takes an exclusive lock on path+".lock" so that a second process cannot
// open the same store concurrently.
func Open(path string, opts Options) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("open storage: empty path")
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = defaultBusyTimeout
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("open storage: create parent dir: %w: %w", ErrIO, err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("open storage: acquire lock: %w: %w", ErrIO, err)
	}
	if !locked {
		return nil, fmt.Errorf("open storage: %w: %w: %s", ErrIO, ErrInUse, path)
	}

	db, err := sql.Open("sqlite", buildDSN(path, opts.BusyTimeout))
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("open storage: %w: %w", ErrIO, err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, classify("open storage", err)
	}

	if err := RunMigrations(db, DefaultMigrations()); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}

	if err := ensureDBPermissions(path); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}

	return &Store{
		db:    db,
		path:  path,
		lock:  lock,
		Audit: &auditRepository{db: db},
	}, nil
}

// buildDSN pins the pragmas on every pooled connection. secure_delete zeroes
// freed pages so deleted ciphertext does not linger in the file, and
// synchronous=FULL makes a committed transaction durable before Commit returns.
func buildDSN(path string, busyTimeout time.Duration) string {
	params := url.Values{}
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "synchronous(FULL)")
	params.Add("_pragma", "secure_delete(ON)")
	params.Add("_pragma", "foreign_keys(ON)")
	params.Add("_pragma", "busy_timeout("+strconv.FormatInt(busyTimeout.Milliseconds(), 10)+")")
	return "file:" + path + "?" + params.Encode()
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	if s.lock != nil {
		if unlockErr := s.lock.Unlock(); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}
	return err
}

func (s *Store) DB() *sql.DB {
	if s == nil {
		return nil
	}
	return s.db
}

func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// WithTx runs fn inside one transaction. The transaction commits only when fn
// returns nil; the WAL commit is the atomic swap that replaces old rows.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}
	if err := fn(&Tx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return classify("commit transaction", err)
	}
	return nil
}

// Backup writes a consistent copy of the whole database to dest, which must
// not exist yet. Records stay encrypted in the copy.
func (s *Store) Backup(ctx context.Context, dest string) error {
	if dest == "" {
		return fmt.Errorf("backup: empty destination")
	}
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("backup: %w: destination %s already exists", ErrIO, dest)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return fmt.Errorf("backup: create parent dir: %w: %w", ErrIO, err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return classify("backup", err)
	}
	if err := os.Chmod(dest, 0o600); err != nil {
		return fmt.Errorf("backup: set permissions: %w: %w", ErrIO, err)
	}
	return nil
}

func (s *Store) LoadHeader(ctx context.Context) (Header, error) {
	return loadHeader(ctx, s.db)
}

func (s *Store) GetCredential(ctx context.Context, id int64) (CredentialRow, error) {
	return getCredential(ctx, s.db, id)
}

func (s *Store) ListCredentials(ctx context.Context) ([]CredentialRow, error) {
	return listCredentials(ctx, s.db)
}

func (s *Store) SearchCredentials(ctx context.Context, query string) ([]CredentialRow, error) {
	return searchCredentials(ctx, s.db, query)
}

func ensureDBPermissions(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Chmod(p, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("set %s permissions: %w: %w", filepath.Base(p), ErrIO, err)
		}
	}
	return nil
}
