package vault

import (
	"errors"
	"fmt"

	"github.com/amanthanvi/credstore/internal/codec"
	"github.com/amanthanvi/credstore/internal/crypto"
	"github.com/amanthanvi/credstore/internal/storage"
)

// The sentinels below are the lower layers' own values, so errors.Is works
// on anything a Store method returns without translation.
var (
	ErrWeakPassphrase     = crypto.ErrWeakPassphrase
	ErrLocked             = crypto.ErrLocked
	ErrIntegrity          = codec.ErrIntegrity
	ErrNotFound           = storage.ErrNotFound
	ErrIO                 = storage.ErrIO
	ErrStorageFull        = storage.ErrStorageFull
	ErrAlreadyInitialized = storage.ErrAlreadyInitialized
	ErrNotInitialized     = storage.ErrNotInitialized

	ErrValidation = errors.New("vault: validation failed")

	// ErrWrongPassphrase is an integrity failure of the key check.
	ErrWrongPassphrase = fmt.Errorf("%w: wrong passphrase", ErrIntegrity)
)
