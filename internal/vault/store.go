// Package vault is the in-process API of the credential store. A Store owns
// the SQLite handle, the unlocked key and the audit chain, and serializes
// mutations against readers with a single readers-writer gate.
package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/amanthanvi/credstore/internal/audit"
	"github.com/amanthanvi/credstore/internal/codec"
	"github.com/amanthanvi/credstore/internal/crypto"
	"github.com/amanthanvi/credstore/internal/storage"
	"github.com/awnumar/memguard"
	"github.com/google/uuid"
)

const defaultIOTimeout = 5 * time.Second

type Options struct {
	Path string
	// IOTimeout bounds every storage round trip. Zero means 5s.
	IOTimeout time.Duration
	// KDF is the work factor for new stores and passphrase changes. Zero
	// value means crypto.DefaultArgon2Params.
	KDF    crypto.Argon2Params
	Logger *slog.Logger
}

type Store struct {
	gate *gate

	db        *storage.Store
	keys      *crypto.KeyManager
	audit     *audit.Service
	logger    *slog.Logger
	kdf       crypto.Argon2Params
	ioTimeout time.Duration

	header      storage.Header
	initialized bool
	closed      bool
}

// Open opens or creates the database at opts.Path. The returned store is
// locked; call Init or Unlock before touching records.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("%w: store path is required", ErrValidation)
	}
	if opts.IOTimeout <= 0 {
		opts.IOTimeout = defaultIOTimeout
	}
	if opts.KDF == (crypto.Argon2Params{}) {
		opts.KDF = crypto.DefaultArgon2Params()
	}
	if err := opts.KDF.Validate(); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	db, err := storage.Open(opts.Path, storage.Options{BusyTimeout: opts.IOTimeout})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	s := &Store{
		gate:      newGate(),
		db:        db,
		keys:      crypto.NewKeyManager(opts.KDF),
		logger:    opts.Logger,
		kdf:       opts.KDF,
		ioTimeout: opts.IOTimeout,
	}

	s.audit, err = audit.NewService(db.Audit)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	ioCtx, cancel := s.ioContext(ctx)
	defer cancel()
	header, err := db.LoadHeader(ioCtx)
	switch {
	case err == nil:
		s.header = header
		s.initialized = true
	case errors.Is(err, storage.ErrNotInitialized):
	default:
		_ = db.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	s.logger.Debug("store opened", "path", opts.Path, "initialized", s.initialized)
	return s, nil
}

// Init creates the key material of an empty store and leaves it unlocked.
// The passphrase slice is wiped.
func (s *Store) Init(ctx context.Context, passphrase []byte) error {
	release, err := s.writeLock(ctx)
	if err != nil {
		memguard.WipeBytes(passphrase)
		return err
	}
	defer release()

	if err := s.usable(); err != nil {
		memguard.WipeBytes(passphrase)
		return err
	}
	if s.initialized {
		memguard.WipeBytes(passphrase)
		return ErrAlreadyInitialized
	}
	return s.initLocked(ctx, passphrase)
}

// Unlock derives the record key from passphrase. On a store that has never
// been initialized the first Unlock initializes it. A wrong passphrase fails
// with ErrWrongPassphrase, which wraps ErrIntegrity. Any failed Unlock leaves
// the store locked, even if it was unlocked before. The passphrase slice is
// wiped.
func (s *Store) Unlock(ctx context.Context, passphrase []byte) error {
	release, err := s.writeLock(ctx)
	if err != nil {
		memguard.WipeBytes(passphrase)
		return err
	}
	defer release()

	if err := s.usable(); err != nil {
		memguard.WipeBytes(passphrase)
		return err
	}
	if !s.initialized {
		return s.initLocked(ctx, passphrase)
	}

	s.keys.SetParams(s.unlockParams(s.header))
	err = s.keys.Unlock(passphrase, s.header.Salt, s.header.KeyCheck)
	if err != nil {
		if errors.Is(err, crypto.ErrKeyCheckMismatch) {
			s.record(ctx, audit.Event{Action: audit.ActionStoreAuthFailure, TargetID: s.header.StoreID, Result: audit.ResultFailure})
			return fmt.Errorf("unlock: %w", ErrWrongPassphrase)
		}
		return fmt.Errorf("unlock: %w", err)
	}

	s.logger.Debug("store unlocked")
	s.record(ctx, audit.Event{Action: audit.ActionStoreUnlock, TargetID: s.header.StoreID})
	return nil
}

// Lock drops the record key. Records stay unreadable until the next Unlock.
func (s *Store) Lock() {
	defer s.gate.hold(gateWeight)()

	if s.keys.Unlocked() {
		s.keys.Lock()
		s.logger.Debug("store locked")
	}
}

func (s *Store) IsUnlocked() bool {
	defer s.gate.hold(1)()
	return s.keys.Unlocked()
}

func (s *Store) IsInitialized() bool {
	defer s.gate.hold(1)()
	return s.initialized
}

// StoreID is the random identifier bound into every record. Empty until the
// store is initialized.
func (s *Store) StoreID() string {
	defer s.gate.hold(1)()
	return s.header.StoreID
}

// Audit exposes the store's audit chain for listing and verification.
func (s *Store) Audit() *audit.Service {
	return s.audit
}

// Close locks the store and releases the database and its file lock.
func (s *Store) Close() error {
	defer s.gate.hold(gateWeight)()

	if s.closed {
		return nil
	}
	s.closed = true
	s.keys.Lock()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

func (s *Store) initLocked(ctx context.Context, passphrase []byte) error {
	params := s.kdf
	if len(passphrase) < params.MinPassphraseLen {
		memguard.WipeBytes(passphrase)
		return fmt.Errorf("init: %w: passphrase must be at least %d bytes", ErrWeakPassphrase, params.MinPassphraseLen)
	}

	salt, err := crypto.GenerateSalt(params.SaltLen)
	if err != nil {
		memguard.WipeBytes(passphrase)
		return fmt.Errorf("init: %w", err)
	}

	s.keys.SetParams(params)
	if err := s.keys.Unlock(passphrase, salt, nil); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	check, err := s.keys.KeyCheck()
	if err != nil {
		s.keys.Lock()
		return fmt.Errorf("init: %w", err)
	}

	header := storage.Header{
		StoreID:     uuid.NewString(),
		Salt:        salt,
		KeyCheck:    check,
		Memory:      params.Memory,
		Iterations:  params.Iterations,
		Parallelism: params.Parallelism,
		CreatedAt:   time.Now().UTC(),
	}

	ioCtx, cancel := s.ioContext(ctx)
	defer cancel()
	if err := s.db.WithTx(ioCtx, func(tx *storage.Tx) error {
		return tx.InitHeader(ioCtx, header)
	}); err != nil {
		s.keys.Lock()
		return fmt.Errorf("init: %w", err)
	}

	s.header = header
	s.initialized = true
	s.logger.Debug("store initialized", "store_id", header.StoreID)
	s.record(ctx, audit.Event{Action: audit.ActionStoreInit, TargetID: header.StoreID})
	return nil
}

// unlockParams rebuilds the derivation parameters a store was sealed with.
// The minimum length policy applies when a passphrase is chosen, never when
// an existing one is entered.
func (s *Store) unlockParams(h storage.Header) crypto.Argon2Params {
	params := s.kdf
	params.Memory = h.Memory
	params.Iterations = h.Iterations
	params.Parallelism = h.Parallelism
	params.SaltLen = len(h.Salt)
	params.MinPassphraseLen = 1
	return params
}

// usable reports why no operation may run. Callers hold the gate.
func (s *Store) usable() error {
	if s.closed {
		return fmt.Errorf("%w: store is closed", ErrIO)
	}
	return nil
}

// recordKey returns the unlocked key view. Callers hold the gate.
func (s *Store) recordKey() ([]byte, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	if !s.initialized {
		return nil, ErrNotInitialized
	}
	return s.keys.RecordKey()
}

func (s *Store) ioContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.ioTimeout)
}

// record appends to the audit chain. A failed append is logged and does not
// undo the operation it describes, which has already committed.
func (s *Store) record(ctx context.Context, event audit.Event) {
	ioCtx, cancel := s.ioContext(ctx)
	defer cancel()
	if err := s.audit.Record(ioCtx, event); err != nil {
		s.logger.Warn("audit append failed", "action", event.Action, "error", err)
	}
}

func toCredential(rec codec.Record, row storage.CredentialRow) Credential {
	return Credential{
		ID:        rec.ID,
		Version:   rec.Version,
		Website:   rec.Website,
		Username:  rec.Username,
		Secret:    rec.Secret,
		Comment:   rec.Comment,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
}

func blobFromRow(row storage.CredentialRow) codec.Blob {
	return codec.Blob{
		ID:         row.ID,
		Version:    row.Version,
		Website:    row.Website,
		Username:   row.Username,
		Nonce:      row.Nonce,
		Ciphertext: row.Ciphertext,
		Tag:        row.Tag,
	}
}

func rowFromBlob(blob codec.Blob) storage.CredentialRow {
	return storage.CredentialRow{
		ID:         blob.ID,
		Version:    blob.Version,
		Website:    blob.Website,
		Username:   blob.Username,
		Nonce:      blob.Nonce,
		Ciphertext: blob.Ciphertext,
		Tag:        blob.Tag,
	}
}
