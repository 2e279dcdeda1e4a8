package vault

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/amanthanvi/credstore/internal/audit"
	"github.com/amanthanvi/credstore/internal/codec"
	"github.com/amanthanvi/credstore/internal/storage"
)

// maxNonceAttempts bounds retries after the schema rejects a repeated nonce.
const maxNonceAttempts = 3

// Create seals a new credential and returns its id. The caller keeps
// ownership of c.Secret and c.Comment; no copy outlives the call.
func (s *Store) Create(ctx context.Context, c NewCredential) (int64, error) {
	if err := validateMetadata(c.Website, c.Username); err != nil {
		return 0, err
	}

	release, err := s.writeLock(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	key, err := s.recordKey()
	if err != nil {
		return 0, err
	}

	ioCtx, cancel := s.ioContext(ctx)
	defer cancel()

	var id int64
	err = s.db.WithTx(ioCtx, func(tx *storage.Tx) error {
		var err error
		if id, err = tx.AllocateID(ioCtx); err != nil {
			return err
		}
		rec := codec.Record{
			ID:       id,
			Version:  1,
			Website:  c.Website,
			Username: c.Username,
			Secret:   c.Secret,
			Comment:  c.Comment,
		}
		return s.sealAndStore(key, rec, func(row *storage.CredentialRow) error {
			return tx.InsertCredential(ioCtx, row)
		})
	})
	if err != nil {
		return 0, fmt.Errorf("create credential: %w", err)
	}

	s.logger.Debug("credential created", "id", id)
	s.record(ctx, audit.Event{Action: audit.ActionCredentialCreate, TargetID: formatID(id)})
	return id, nil
}

// ReadAll decrypts every stored record in id order. A record that fails its
// integrity check is reported in Corrupt and skipped; any other failure
// aborts the whole read.
func (s *Store) ReadAll(ctx context.Context) (ReadAllResult, error) {
	release, err := s.readLock(ctx)
	if err != nil {
		return ReadAllResult{}, err
	}
	defer release()

	key, err := s.recordKey()
	if err != nil {
		return ReadAllResult{}, err
	}

	ioCtx, cancel := s.ioContext(ctx)
	defer cancel()
	rows, err := s.db.ListCredentials(ioCtx)
	if err != nil {
		return ReadAllResult{}, fmt.Errorf("read credentials: %w", err)
	}
	return s.decodeRows(rows, key), nil
}

// ReadByID decrypts one record. A missing id is ErrNotFound; a record that
// exists but fails authentication is ErrIntegrity.
func (s *Store) ReadByID(ctx context.Context, id int64) (*Credential, error) {
	release, err := s.readLock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	key, err := s.recordKey()
	if err != nil {
		return nil, err
	}

	ioCtx, cancel := s.ioContext(ctx)
	defer cancel()
	row, err := s.db.GetCredential(ioCtx, id)
	if err != nil {
		return nil, fmt.Errorf("read credential %d: %w", id, err)
	}

	rec, err := s.decodeRow(row, key)
	if err != nil {
		s.logger.Warn("credential failed integrity check", "id", id)
		return nil, fmt.Errorf("read credential %d: %w", id, err)
	}
	cred := toCredential(rec, row)
	return &cred, nil
}

// Search decrypts the records whose website or username contains query,
// ignoring case. Corrupt matches are reported like ReadAll does.
func (s *Store) Search(ctx context.Context, query string) (ReadAllResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return ReadAllResult{}, fmt.Errorf("%w: search query is required", ErrValidation)
	}

	release, err := s.readLock(ctx)
	if err != nil {
		return ReadAllResult{}, err
	}
	defer release()

	key, err := s.recordKey()
	if err != nil {
		return ReadAllResult{}, err
	}

	ioCtx, cancel := s.ioContext(ctx)
	defer cancel()
	rows, err := s.db.SearchCredentials(ioCtx, query)
	if err != nil {
		return ReadAllResult{}, fmt.Errorf("search credentials: %w", err)
	}
	return s.decodeRows(rows, key), nil
}

// Update verifies and decrypts the stored record, applies fields and seals
// the result under a fresh nonce with the version bumped. The old row is
// replaced in the same transaction, so a crash leaves either version intact.
func (s *Store) Update(ctx context.Context, id int64, fields Fields) error {
	if fields.empty() {
		return fmt.Errorf("%w: nothing to update", ErrValidation)
	}

	release, err := s.writeLock(ctx)
	if err != nil {
		return err
	}
	defer release()

	key, err := s.recordKey()
	if err != nil {
		return err
	}

	ioCtx, cancel := s.ioContext(ctx)
	defer cancel()

	err = s.db.WithTx(ioCtx, func(tx *storage.Tx) error {
		row, err := tx.GetCredential(ioCtx, id)
		if err != nil {
			return err
		}
		current, err := s.decodeRow(row, key)
		if err != nil {
			return err
		}
		defer current.Wipe()

		next := current
		next.Version = current.Version + 1
		if fields.Website != nil {
			next.Website = *fields.Website
		}
		if fields.Username != nil {
			next.Username = *fields.Username
		}
		if fields.Secret != nil {
			next.Secret = fields.Secret
		}
		if fields.Comment != nil {
			next.Comment = fields.Comment
		}
		if err := validateMetadata(next.Website, next.Username); err != nil {
			return err
		}

		return s.sealAndStore(key, next, func(updated *storage.CredentialRow) error {
			return tx.ReplaceCredential(ioCtx, updated, current.Version)
		})
	})
	if err != nil {
		return fmt.Errorf("update credential %d: %w", id, err)
	}

	s.logger.Debug("credential updated", "id", id)
	s.record(ctx, audit.Event{Action: audit.ActionCredentialUpdate, TargetID: formatID(id)})
	return nil
}

// Delete removes the record for good. Its id is never handed out again.
func (s *Store) Delete(ctx context.Context, id int64) error {
	release, err := s.writeLock(ctx)
	if err != nil {
		return err
	}
	defer release()

	if _, err := s.recordKey(); err != nil {
		return err
	}

	ioCtx, cancel := s.ioContext(ctx)
	defer cancel()
	if err := s.db.WithTx(ioCtx, func(tx *storage.Tx) error {
		return tx.DeleteCredential(ioCtx, id)
	}); err != nil {
		return fmt.Errorf("delete credential %d: %w", id, err)
	}

	s.logger.Debug("credential deleted", "id", id)
	s.record(ctx, audit.Event{Action: audit.ActionCredentialDelete, TargetID: formatID(id)})
	return nil
}

// sealAndStore encodes rec and hands the row to store, re-sealing with a new
// nonce if the database already holds the one drawn.
func (s *Store) sealAndStore(key []byte, rec codec.Record, store func(*storage.CredentialRow) error) error {
	var err error
	for attempt := 0; attempt < maxNonceAttempts; attempt++ {
		var blob codec.Blob
		blob, err = codec.Encode(rec, key, s.header.StoreID)
		if err != nil {
			if errors.Is(err, codec.ErrInvalidInput) {
				return fmt.Errorf("%w: %v", ErrValidation, err)
			}
			return err
		}
		row := rowFromBlob(blob)
		if err = store(&row); !errors.Is(err, storage.ErrDuplicateNonce) {
			return err
		}
		s.logger.Warn("nonce collision, resealing", "id", rec.ID)
	}
	return err
}

func (s *Store) decodeRows(rows []storage.CredentialRow, key []byte) ReadAllResult {
	result := ReadAllResult{Records: make([]Credential, 0, len(rows))}
	for _, row := range rows {
		rec, err := s.decodeRow(row, key)
		if err != nil {
			s.logger.Warn("credential failed integrity check", "id", row.ID)
			result.Corrupt = append(result.Corrupt, RecordError{ID: row.ID, Err: err})
			continue
		}
		result.Records = append(result.Records, toCredential(rec, row))
	}
	return result
}

// decodeRow opens a stored row. A row whose columns could not be read back
// is reported as an integrity failure like a bad tag.
func (s *Store) decodeRow(row storage.CredentialRow, key []byte) (codec.Record, error) {
	if row.ScanErr != nil {
		return codec.Record{}, fmt.Errorf("%w: %w", ErrIntegrity, row.ScanErr)
	}
	return codec.Decode(blobFromRow(row), key, s.header.StoreID)
}

func validateMetadata(website, username string) error {
	switch {
	case strings.TrimSpace(website) == "":
		return fmt.Errorf("%w: website is required", ErrValidation)
	case strings.TrimSpace(username) == "":
		return fmt.Errorf("%w: username is required", ErrValidation)
	default:
		return nil
	}
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
