package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/amanthanvi/credstore/internal/crypto"
)

var blobMagic = [4]byte{'C', 'S', 'B', '1'}

var errShortBuffer = errors.New("short buffer")

// MarshalBinary renders the blob as one self-describing byte string:
//
//	magic | id u64 | version u64 | website u16+bytes | username u16+bytes |
//	nonce | ciphertext u32+bytes | tag
func (b Blob) MarshalBinary() ([]byte, error) {
	if len(b.Website) > math.MaxUint16 || len(b.Username) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: metadata too long", ErrInvalidInput)
	}
	if len(b.Ciphertext) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: ciphertext too long", ErrInvalidInput)
	}
	if len(b.Nonce) != crypto.NonceSize || len(b.Tag) != crypto.TagSize {
		return nil, fmt.Errorf("%w: nonce or tag has wrong length", ErrInvalidInput)
	}

	out := make([]byte, 0, len(blobMagic)+16+4+len(b.Website)+len(b.Username)+len(b.Nonce)+4+len(b.Ciphertext)+len(b.Tag))
	out = append(out, blobMagic[:]...)
	out = binary.BigEndian.AppendUint64(out, uint64(b.ID))
	out = binary.BigEndian.AppendUint64(out, b.Version)
	out = appendString16(out, b.Website)
	out = appendString16(out, b.Username)
	out = append(out, b.Nonce...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(b.Ciphertext)))
	out = append(out, b.Ciphertext...)
	out = append(out, b.Tag...)
	return out, nil
}

// ParseBlob is the inverse of MarshalBinary. It only checks framing; the
// contents are not trusted until Decode or Verify succeeds.
func ParseBlob(data []byte) (Blob, error) {
	if len(data) < len(blobMagic) || [4]byte(data[:4]) != blobMagic {
		return Blob{}, fmt.Errorf("%w: bad blob header", ErrIntegrity)
	}
	rest := data[len(blobMagic):]

	var blob Blob
	if len(rest) < 16 {
		return Blob{}, fmt.Errorf("%w: truncated blob", ErrIntegrity)
	}
	blob.ID = int64(binary.BigEndian.Uint64(rest))
	blob.Version = binary.BigEndian.Uint64(rest[8:])
	rest = rest[16:]

	var err error
	if blob.Website, rest, err = readString16(rest); err != nil {
		return Blob{}, fmt.Errorf("%w: website: %v", ErrIntegrity, err)
	}
	if blob.Username, rest, err = readString16(rest); err != nil {
		return Blob{}, fmt.Errorf("%w: username: %v", ErrIntegrity, err)
	}

	if len(rest) < crypto.NonceSize {
		return Blob{}, fmt.Errorf("%w: nonce: %v", ErrIntegrity, errShortBuffer)
	}
	blob.Nonce = append([]byte(nil), rest[:crypto.NonceSize]...)
	rest = rest[crypto.NonceSize:]

	ciphertext, rest, err := readBytes32(rest)
	if err != nil {
		return Blob{}, fmt.Errorf("%w: ciphertext: %v", ErrIntegrity, err)
	}
	blob.Ciphertext = append([]byte(nil), ciphertext...)

	if len(rest) != crypto.TagSize {
		return Blob{}, fmt.Errorf("%w: tag must be %d bytes, got %d", ErrIntegrity, crypto.TagSize, len(rest))
	}
	blob.Tag = append([]byte(nil), rest...)
	return blob, nil
}

func readString16(in []byte) (string, []byte, error) {
	if len(in) < 2 {
		return "", nil, errShortBuffer
	}
	n := int(binary.BigEndian.Uint16(in))
	in = in[2:]
	if len(in) < n {
		return "", nil, errShortBuffer
	}
	return string(in[:n]), in[n:], nil
}
