package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound           = errors.New("storage: not found")
	ErrSchemaTooNew       = errors.New("storage: schema version newer than code")
	ErrNotInitialized     = errors.New("storage: store not initialized")
	ErrAlreadyInitialized = errors.New("storage: store already initialized")
	ErrIO                 = errors.New("storage: i/o failure")
	ErrStorageFull        = errors.New("storage: storage full")
	ErrInUse              = errors.New("storage: store in use by another process")
	ErrDuplicateNonce     = errors.New("storage: nonce already in use")
	ErrVersionConflict    = errors.New("storage: record version conflict")
	ErrMalformedRow       = errors.New("storage: malformed credential row")
)

// CredentialRow is one sealed credential as stored on disk.
type CredentialRow struct {
	ID         int64
	Version    uint64
	Website    string
	Username   string
	Nonce      []byte
	Ciphertext []byte
	Tag        []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time

	// ScanErr is set when a column could not be read back. The row is still
	// returned so one damaged record does not hide the others.
	ScanErr error
}

// Header is the per-store key material. None of it is secret: the salt and
// KDF parameters feed key derivation, KeyCheck verifies a derived key.
type Header struct {
	StoreID     string
	Salt        []byte
	KeyCheck    []byte
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	CreatedAt   time.Time
}

type AuditEvent struct {
	ID          string
	Action      string
	TargetID    string
	Result      string
	DetailsJSON string
	PrevHash    string
	EventHash   string
	CreatedAt   time.Time
}

type AuditFilter struct {
	Action   string
	TargetID string
	Limit    int
}

type AuditRepository interface {
	AppendWithTip(ctx context.Context, event *AuditEvent, tip string) error
	List(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
	ChainTip(ctx context.Context) (string, error)
}
