// Package codec seals credential records into authenticated blobs and opens
// them again. Website and username travel in the clear but are bound into the
// tag together with the store id, record id and record version, so any edit
// to a stored row is caught on the next decode.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/amanthanvi/credstore/internal/crypto"
	"github.com/awnumar/memguard"
)

const aadFormat = "credstore-record-v1"

var (
	ErrIntegrity    = errors.New("integrity check failed")
	ErrInvalidInput = errors.New("invalid record")
)

// Record is the cleartext form of one credential version.
type Record struct {
	ID       int64
	Version  uint64
	Website  string
	Username string
	Secret   []byte
	Comment  []byte
}

// Wipe zeroes the sensitive fields in place.
func (r *Record) Wipe() {
	if r == nil {
		return
	}
	memguard.WipeBytes(r.Secret)
	memguard.WipeBytes(r.Comment)
}

// Blob is the persisted form of a record. Only Ciphertext carries secret
// material; every other field is public but authenticated.
type Blob struct {
	ID         int64
	Version    uint64
	Website    string
	Username   string
	Nonce      []byte
	Ciphertext []byte
	Tag        []byte
}

// Encode seals rec under key with a fresh random nonce.
func Encode(rec Record, key []byte, storeID string) (Blob, error) {
	if err := validateMetadata(rec.ID, rec.Website, rec.Username); err != nil {
		return Blob{}, err
	}
	if len(rec.Secret) > math.MaxUint32 || len(rec.Comment) > math.MaxUint32 {
		return Blob{}, fmt.Errorf("%w: field too large", ErrInvalidInput)
	}

	nonce, err := crypto.RandomNonce()
	if err != nil {
		return Blob{}, err
	}

	plaintext := packSecrets(rec.Secret, rec.Comment)
	defer memguard.WipeBytes(plaintext)

	aad := associatedData(storeID, rec.ID, rec.Version, rec.Website, rec.Username)
	sealed, err := crypto.SealXChaCha20Poly1305(key, nonce, plaintext, aad)
	if err != nil {
		return Blob{}, fmt.Errorf("encode record %d: %w", rec.ID, err)
	}

	split := len(sealed) - crypto.TagSize
	return Blob{
		ID:         rec.ID,
		Version:    rec.Version,
		Website:    rec.Website,
		Username:   rec.Username,
		Nonce:      nonce,
		Ciphertext: sealed[:split:split],
		Tag:        sealed[split:],
	}, nil
}

// Decode verifies the blob's tag and only then unpacks the secret fields.
// Any failure, including a wrong key, is reported as ErrIntegrity and no
// cleartext is returned.
func Decode(blob Blob, key []byte, storeID string) (Record, error) {
	plaintext, err := open(blob, key, storeID)
	if err != nil {
		return Record{}, err
	}
	defer memguard.WipeBytes(plaintext)

	secret, comment, err := unpackSecrets(plaintext)
	if err != nil {
		return Record{}, fmt.Errorf("%w: record %d: %v", ErrIntegrity, blob.ID, err)
	}

	return Record{
		ID:       blob.ID,
		Version:  blob.Version,
		Website:  blob.Website,
		Username: blob.Username,
		Secret:   secret,
		Comment:  comment,
	}, nil
}

// Verify checks the tag without handing out any decrypted bytes.
func Verify(blob Blob, key []byte, storeID string) error {
	plaintext, err := open(blob, key, storeID)
	if err != nil {
		return err
	}
	memguard.WipeBytes(plaintext)
	return nil
}

func open(blob Blob, key []byte, storeID string) ([]byte, error) {
	if err := validateMetadata(blob.ID, blob.Website, blob.Username); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	if len(blob.Nonce) != crypto.NonceSize {
		return nil, fmt.Errorf("%w: record %d: nonce must be %d bytes", ErrIntegrity, blob.ID, crypto.NonceSize)
	}
	if len(blob.Tag) != crypto.TagSize {
		return nil, fmt.Errorf("%w: record %d: tag must be %d bytes", ErrIntegrity, blob.ID, crypto.TagSize)
	}

	sealed := make([]byte, 0, len(blob.Ciphertext)+len(blob.Tag))
	sealed = append(sealed, blob.Ciphertext...)
	sealed = append(sealed, blob.Tag...)

	aad := associatedData(storeID, blob.ID, blob.Version, blob.Website, blob.Username)
	plaintext, err := crypto.OpenXChaCha20Poly1305(key, blob.Nonce, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: record %d: %v", ErrIntegrity, blob.ID, err)
	}
	return plaintext, nil
}

func validateMetadata(id int64, website, username string) error {
	switch {
	case id <= 0:
		return fmt.Errorf("%w: id must be positive", ErrInvalidInput)
	case website == "":
		return fmt.Errorf("%w: website is required", ErrInvalidInput)
	case username == "":
		return fmt.Errorf("%w: username is required", ErrInvalidInput)
	case len(website) > math.MaxUint16 || len(username) > math.MaxUint16:
		return fmt.Errorf("%w: metadata too long", ErrInvalidInput)
	default:
		return nil
	}
}

// associatedData length-prefixes every variable field so that no two
// distinct metadata tuples produce the same bytes.
func associatedData(storeID string, id int64, version uint64, website, username string) []byte {
	out := make([]byte, 0, len(aadFormat)+len(storeID)+len(website)+len(username)+32)
	out = appendString16(out, aadFormat)
	out = appendString16(out, storeID)
	out = binary.BigEndian.AppendUint64(out, uint64(id))
	out = binary.BigEndian.AppendUint64(out, version)
	out = appendString16(out, website)
	out = appendString16(out, username)
	return out
}

func packSecrets(secret, comment []byte) []byte {
	out := make([]byte, 0, 8+len(secret)+len(comment))
	out = binary.BigEndian.AppendUint32(out, uint32(len(secret)))
	out = append(out, secret...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(comment)))
	out = append(out, comment...)
	return out
}

func unpackSecrets(plaintext []byte) ([]byte, []byte, error) {
	secret, rest, err := readBytes32(plaintext)
	if err != nil {
		return nil, nil, fmt.Errorf("secret: %w", err)
	}
	comment, rest, err := readBytes32(rest)
	if err != nil {
		return nil, nil, fmt.Errorf("comment: %w", err)
	}
	if len(rest) != 0 {
		return nil, nil, fmt.Errorf("trailing %d bytes", len(rest))
	}
	return append([]byte{}, secret...), append([]byte{}, comment...), nil
}

func appendString16(dst []byte, s string) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(s)))
	return append(dst, s...)
}

func readBytes32(in []byte) ([]byte, []byte, error) {
	if len(in) < 4 {
		return nil, nil, errShortBuffer
	}
	n := binary.BigEndian.Uint32(in)
	in = in[4:]
	if uint64(len(in)) < uint64(n) {
		return nil, nil, errShortBuffer
	}
	return in[:n], in[n:], nil
}
