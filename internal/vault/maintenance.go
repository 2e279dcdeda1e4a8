package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/amanthanvi/credstore/internal/audit"
	"github.com/amanthanvi/credstore/internal/codec"
	"github.com/amanthanvi/credstore/internal/crypto"
	"github.com/amanthanvi/credstore/internal/storage"
	"github.com/awnumar/memguard"
)

// VerifyAll checks the tag of every stored record without exposing any
// cleartext. It reports one result per record, in id order.
func (s *Store) VerifyAll(ctx context.Context) ([]VerifyResult, error) {
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
	rows, err := s.db.ListCredentials(ioCtx)
	if err != nil {
		return nil, fmt.Errorf("verify credentials: %w", err)
	}

	results := make([]VerifyResult, 0, len(rows))
	corrupt := 0
	for _, row := range rows {
		result := VerifyResult{ID: row.ID, Website: row.Website, Username: row.Username}
		if row.ScanErr != nil {
			result.Err = fmt.Errorf("%w: %w", ErrIntegrity, row.ScanErr)
			corrupt++
		} else if err := codec.Verify(blobFromRow(row), key, s.header.StoreID); err != nil {
			result.Err = err
			corrupt++
		}
		results = append(results, result)
	}

	s.logger.Debug("credentials verified", "total", len(results), "corrupt", corrupt)
	outcome := audit.ResultSuccess
	if corrupt > 0 {
		outcome = audit.ResultFailure
	}
	s.record(ctx, audit.Event{
		Action:   audit.ActionStoreVerify,
		TargetID: s.header.StoreID,
		Result:   outcome,
		Details: struct {
			Total   int `json:"total"`
			Corrupt int `json:"corrupt"`
		}{Total: len(results), Corrupt: corrupt},
	})
	return results, nil
}

// ChangePassphrase re-keys the store: a new salt is drawn, every record is
// re-sealed under the new key with a fresh nonce, and the key material is
// replaced, all in one transaction. A single corrupt record aborts the change
// with ErrIntegrity since it could not be carried over.
func (s *Store) ChangePassphrase(ctx context.Context, oldPassphrase, newPassphrase []byte) error {
	defer memguard.WipeBytes(newPassphrase)
	release, err := s.writeLock(ctx)
	if err != nil {
		memguard.WipeBytes(oldPassphrase)
		return err
	}
	defer release()

	if err := s.usable(); err != nil {
		memguard.WipeBytes(oldPassphrase)
		return err
	}
	if !s.initialized {
		memguard.WipeBytes(oldPassphrase)
		return ErrNotInitialized
	}

	oldKeys := crypto.NewKeyManager(s.unlockParams(s.header))
	if err := oldKeys.Unlock(oldPassphrase, s.header.Salt, s.header.KeyCheck); err != nil {
		if errors.Is(err, crypto.ErrKeyCheckMismatch) {
			s.record(ctx, audit.Event{Action: audit.ActionStoreAuthFailure, TargetID: s.header.StoreID, Result: audit.ResultFailure})
			return fmt.Errorf("change passphrase: %w", ErrWrongPassphrase)
		}
		return fmt.Errorf("change passphrase: %w", err)
	}
	defer oldKeys.Lock()

	params := s.kdf
	if len(newPassphrase) < params.MinPassphraseLen {
		return fmt.Errorf("change passphrase: %w: passphrase must be at least %d bytes", ErrWeakPassphrase, params.MinPassphraseLen)
	}
	salt, err := crypto.GenerateSalt(params.SaltLen)
	if err != nil {
		return fmt.Errorf("change passphrase: %w", err)
	}
	newKeys := crypto.NewKeyManager(params)
	if err := newKeys.Unlock(newPassphrase, salt, nil); err != nil {
		return fmt.Errorf("change passphrase: %w", err)
	}
	check, err := newKeys.KeyCheck()
	if err != nil {
		newKeys.Lock()
		return fmt.Errorf("change passphrase: %w", err)
	}

	oldKey, err := oldKeys.RecordKey()
	if err != nil {
		newKeys.Lock()
		return fmt.Errorf("change passphrase: %w", err)
	}
	newKey, err := newKeys.RecordKey()
	if err != nil {
		newKeys.Lock()
		return fmt.Errorf("change passphrase: %w", err)
	}

	header := s.header
	header.Salt = salt
	header.KeyCheck = check
	header.Memory = params.Memory
	header.Iterations = params.Iterations
	header.Parallelism = params.Parallelism

	ioCtx, cancel := s.ioContext(ctx)
	defer cancel()

	rekeyed := 0
	err = s.db.WithTx(ioCtx, func(tx *storage.Tx) error {
		rows, err := tx.ListCredentials(ioCtx)
		if err != nil {
			return err
		}
		for _, row := range rows {
			rec, err := s.decodeRow(row, oldKey)
			if err != nil {
				return RecordError{ID: row.ID, Err: err}
			}
			err = s.sealAndStore(newKey, rec, func(updated *storage.CredentialRow) error {
				return tx.ReplaceCredential(ioCtx, updated, rec.Version)
			})
			rec.Wipe()
			if err != nil {
				return err
			}
			rekeyed++
		}
		return tx.SetKeyMaterial(ioCtx, header)
	})
	if err != nil {
		newKeys.Lock()
		return fmt.Errorf("change passphrase: %w", err)
	}

	s.keys.Lock()
	s.keys = newKeys
	s.header = header
	s.logger.Debug("passphrase changed", "records", rekeyed)
	s.record(ctx, audit.Event{
		Action:   audit.ActionStoreChangePassphrase,
		TargetID: header.StoreID,
		Details: struct {
			Records int `json:"records"`
		}{Records: rekeyed},
	})
	return nil
}

// Backup writes a consistent copy of the database to dest. Records stay
// sealed in the copy, which opens with the same passphrase.
func (s *Store) Backup(ctx context.Context, dest string) error {
	release, err := s.readLock(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := s.usable(); err != nil {
		return err
	}

	ioCtx, cancel := s.ioContext(ctx)
	defer cancel()
	if err := s.db.Backup(ioCtx, dest); err != nil {
		return fmt.Errorf("backup: %w", err)
	}

	s.logger.Debug("backup written", "path", dest)
	s.record(ctx, audit.Event{
		Action:   audit.ActionBackupCreate,
		TargetID: s.header.StoreID,
		Details: struct {
			Path string `json:"path"`
		}{Path: dest},
	})
	return nil
}
