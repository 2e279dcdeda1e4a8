package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
)

const keyCheckContext = "credstore-key-check"

var (
	ErrLocked           = errors.New("key manager locked")
	ErrKeyCheckMismatch = errors.New("key check mismatch")
)

// KeyManager holds the record encryption key for an unlocked session. It does
// no locking of its own; the owning store serializes Unlock and Lock against
// every reader.
type KeyManager struct {
	params    Argon2Params
	recordKey *memguard.LockedBuffer
	keyCheck  []byte
}

func NewKeyManager(params Argon2Params) *KeyManager {
	return &KeyManager{params: params}
}

func (km *KeyManager) Params() Argon2Params {
	return km.params
}

// SetParams replaces the work factor used by the next Unlock. Stores persist
// the parameters they were created with and restore them before unlocking.
func (km *KeyManager) SetParams(params Argon2Params) {
	km.params = params
}

// Unlock derives the master key from passphrase and salt and keeps only the
// HKDF record subkey in a locked buffer. If expectedCheck is non-empty the
// derived key must reproduce it, otherwise ErrKeyCheckMismatch is returned.
// Any previously held key is dropped first, so a failed Unlock always leaves
// the manager locked. The passphrase slice is wiped before returning.
func (km *KeyManager) Unlock(passphrase, salt, expectedCheck []byte) error {
	defer memguard.WipeBytes(passphrase)
	km.Lock()

	master, err := DeriveKey(passphrase, salt, km.params)
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(master)

	checkKey, err := DeriveHKDFSHA256(master, salt, []byte(keyCheckInfo), KeySize)
	if err != nil {
		return fmt.Errorf("derive key check subkey: %w", err)
	}
	check := computeKeyCheck(checkKey)
	memguard.WipeBytes(checkKey)

	if len(expectedCheck) > 0 && !hmac.Equal(check, expectedCheck) {
		return ErrKeyCheckMismatch
	}

	recordKey, err := DeriveHKDFSHA256(master, salt, []byte(recordKeyInfo), KeySize)
	if err != nil {
		return fmt.Errorf("derive record subkey: %w", err)
	}

	km.recordKey = memguard.NewBufferFromBytes(recordKey)
	km.keyCheck = check
	return nil
}

// Lock destroys the held key. Safe to call when already locked.
func (km *KeyManager) Lock() {
	if km.recordKey != nil && km.recordKey.IsAlive() {
		km.recordKey.Destroy()
	}
	km.recordKey = nil
	km.keyCheck = nil
}

func (km *KeyManager) Unlocked() bool {
	return km.recordKey != nil && km.recordKey.IsAlive()
}

// RecordKey returns a view of the locked key buffer. The slice is only valid
// until the next Lock and must not be retained or modified.
func (km *KeyManager) RecordKey() ([]byte, error) {
	if !km.Unlocked() {
		return nil, ErrLocked
	}
	return km.recordKey.Bytes(), nil
}

// KeyCheck is the public verifier persisted with the salt. It reveals
// nothing about the record key.
func (km *KeyManager) KeyCheck() ([]byte, error) {
	if !km.Unlocked() {
		return nil, ErrLocked
	}
	return append([]byte(nil), km.keyCheck...), nil
}

func computeKeyCheck(checkKey []byte) []byte {
	mac := hmac.New(sha256.New, checkKey)
	mac.Write([]byte(keyCheckContext))
	return mac.Sum(nil)
}
