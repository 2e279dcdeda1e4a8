package vault

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/amanthanvi/credstore/internal/audit"
	"github.com/amanthanvi/credstore/internal/codec"
	"github.com/amanthanvi/credstore/internal/crypto"
	"github.com/amanthanvi/credstore/internal/storage"
	"github.com/awnumar/memguard"
)

// An export stream carries the source store's public key material followed
// by its sealed records; nothing in it is cleartext:
//
//	magic | store id u16+bytes | salt u16+bytes | key check u16+bytes |
//	memory u32 | iterations u32 | parallelism u8 | count u32 |
//	count * (blob u32+bytes)
var exportMagic = [4]byte{'C', 'S', 'X', '1'}

const (
	maxExportField      = 1024
	maxExportBlob       = 16 << 20
	maxExportRecords    = 1 << 20
	maxImportMemoryKiB  = 1 << 20
	maxImportIterations = 20
	minExportSaltLen    = 16
)

var ErrBadExport = fmt.Errorf("%w: malformed export stream", ErrIntegrity)

type exportHeader struct {
	StoreID     string
	Salt        []byte
	KeyCheck    []byte
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
}

// Export writes every record, still sealed, to w and returns how many were
// written. The stream is opened again by Import with the source passphrase.
func (s *Store) Export(ctx context.Context, w io.Writer) (int, error) {
	release, err := s.readLock(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	if _, err := s.recordKey(); err != nil {
		return 0, err
	}

	ioCtx, cancel := s.ioContext(ctx)
	defer cancel()
	rows, err := s.db.ListCredentials(ioCtx)
	if err != nil {
		return 0, fmt.Errorf("export: %w", err)
	}

	bw := bufio.NewWriter(w)
	header := exportHeader{
		StoreID:     s.header.StoreID,
		Salt:        s.header.Salt,
		KeyCheck:    s.header.KeyCheck,
		Memory:      s.header.Memory,
		Iterations:  s.header.Iterations,
		Parallelism: s.header.Parallelism,
	}
	if err := writeExportHeader(bw, header, len(rows)); err != nil {
		return 0, fmt.Errorf("export: %w", err)
	}
	for _, row := range rows {
		data, err := blobFromRow(row).MarshalBinary()
		if err != nil {
			return 0, fmt.Errorf("export record %d: %w", row.ID, err)
		}
		if err := binary.Write(bw, binary.BigEndian, uint32(len(data))); err != nil {
			return 0, fmt.Errorf("export: %w: %w", ErrIO, err)
		}
		if _, err := bw.Write(data); err != nil {
			return 0, fmt.Errorf("export: %w: %w", ErrIO, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return 0, fmt.Errorf("export: %w: %w", ErrIO, err)
	}

	s.logger.Debug("records exported", "count", len(rows))
	s.record(ctx, audit.Event{
		Action:   audit.ActionExport,
		TargetID: s.header.StoreID,
		Details: struct {
			Records int `json:"records"`
		}{Records: len(rows)},
	})
	return len(rows), nil
}

// Import reads an export stream, opens each record with the key derived from
// the source passphrase and re-seals it in this store under a new id. Records
// that fail authentication are reported and skipped. A wrong passphrase fails
// with ErrIntegrity before anything is written. The passphrase is wiped.
func (s *Store) Import(ctx context.Context, r io.Reader, passphrase []byte) (ImportResult, error) {
	header, blobs, err := readExport(r)
	if err != nil {
		memguard.WipeBytes(passphrase)
		return ImportResult{}, fmt.Errorf("import: %w", err)
	}

	params := s.kdf
	params.Memory = header.Memory
	params.Iterations = header.Iterations
	params.Parallelism = header.Parallelism
	params.SaltLen = len(header.Salt)
	params.MinPassphraseLen = 1
	sourceKeys := crypto.NewKeyManager(params)
	if err := sourceKeys.Unlock(passphrase, header.Salt, header.KeyCheck); err != nil {
		switch {
		case errors.Is(err, crypto.ErrKeyCheckMismatch):
			return ImportResult{}, fmt.Errorf("import: %w for export", ErrWrongPassphrase)
		case errors.Is(err, crypto.ErrInvalidArgon2Params):
			return ImportResult{}, fmt.Errorf("import: %w: %w", ErrBadExport, err)
		}
		return ImportResult{}, fmt.Errorf("import: %w", err)
	}
	defer sourceKeys.Lock()
	sourceKey, err := sourceKeys.RecordKey()
	if err != nil {
		return ImportResult{}, fmt.Errorf("import: %w", err)
	}

	release, err := s.writeLock(ctx)
	if err != nil {
		return ImportResult{}, err
	}
	defer release()

	key, err := s.recordKey()
	if err != nil {
		return ImportResult{}, err
	}

	ioCtx, cancel := s.ioContext(ctx)
	defer cancel()

	var result ImportResult
	err = s.db.WithTx(ioCtx, func(tx *storage.Tx) error {
		result = ImportResult{Imported: []int64{}}
		for i, raw := range blobs {
			blob, err := codec.ParseBlob(raw)
			if err != nil {
				result.Corrupt = append(result.Corrupt, RecordError{Err: fmt.Errorf("entry %d: %w", i+1, err)})
				continue
			}
			rec, err := codec.Decode(blob, sourceKey, header.StoreID)
			if err != nil {
				result.Corrupt = append(result.Corrupt, RecordError{ID: blob.ID, Err: err})
				continue
			}

			id, err := tx.AllocateID(ioCtx)
			if err != nil {
				rec.Wipe()
				return err
			}
			rec.ID = id
			rec.Version = 1
			err = s.sealAndStore(key, rec, func(row *storage.CredentialRow) error {
				return tx.InsertCredential(ioCtx, row)
			})
			rec.Wipe()
			if err != nil {
				return err
			}
			result.Imported = append(result.Imported, id)
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, fmt.Errorf("import: %w", err)
	}

	s.logger.Debug("records imported", "imported", len(result.Imported), "corrupt", len(result.Corrupt))
	s.record(ctx, audit.Event{
		Action:   audit.ActionImport,
		TargetID: s.header.StoreID,
		Details: struct {
			Source   string `json:"source_store_id"`
			Imported int    `json:"imported"`
			Corrupt  int    `json:"corrupt"`
		}{Source: header.StoreID, Imported: len(result.Imported), Corrupt: len(result.Corrupt)},
	})
	return result, nil
}

func writeExportHeader(w io.Writer, h exportHeader, count int) error {
	if count > maxExportRecords {
		return fmt.Errorf("%w: too many records to export", ErrValidation)
	}
	buf := make([]byte, 0, 64+len(h.StoreID)+len(h.Salt)+len(h.KeyCheck))
	buf = append(buf, exportMagic[:]...)
	for _, field := range [][]byte{[]byte(h.StoreID), h.Salt, h.KeyCheck} {
		if len(field) > math.MaxUint16 {
			return fmt.Errorf("%w: header field too long", ErrValidation)
		}
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(field)))
		buf = append(buf, field...)
	}
	buf = binary.BigEndian.AppendUint32(buf, h.Memory)
	buf = binary.BigEndian.AppendUint32(buf, h.Iterations)
	buf = append(buf, h.Parallelism)
	buf = binary.BigEndian.AppendUint32(buf, uint32(count))
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	return nil
}

// readExport reads the whole stream before anything is derived or written.
// Sizes are bounded so a crafted stream cannot exhaust memory or turn the
// KDF into a denial of service.
func readExport(r io.Reader) (exportHeader, [][]byte, error) {
	br := bufio.NewReader(r)

	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil || magic != exportMagic {
		return exportHeader{}, nil, ErrBadExport
	}

	var h exportHeader
	fields := make([][]byte, 3)
	for i := range fields {
		var n uint16
		if err := binary.Read(br, binary.BigEndian, &n); err != nil {
			return exportHeader{}, nil, ErrBadExport
		}
		if int(n) > maxExportField {
			return exportHeader{}, nil, fmt.Errorf("%w: header field too long", ErrBadExport)
		}
		fields[i] = make([]byte, n)
		if _, err := io.ReadFull(br, fields[i]); err != nil {
			return exportHeader{}, nil, ErrBadExport
		}
	}
	h.StoreID, h.Salt, h.KeyCheck = string(fields[0]), fields[1], fields[2]

	var count uint32
	for _, dst := range []any{&h.Memory, &h.Iterations, &h.Parallelism, &count} {
		if err := binary.Read(br, binary.BigEndian, dst); err != nil {
			return exportHeader{}, nil, ErrBadExport
		}
	}
	if h.Memory < crypto.MinArgon2MemoryKiB || h.Memory > maxImportMemoryKiB ||
		h.Iterations == 0 || h.Iterations > maxImportIterations || h.Parallelism == 0 ||
		len(h.Salt) < minExportSaltLen || len(h.KeyCheck) == 0 {
		return exportHeader{}, nil, fmt.Errorf("%w: key derivation parameters out of range", ErrBadExport)
	}
	if count > maxExportRecords {
		return exportHeader{}, nil, fmt.Errorf("%w: too many records", ErrBadExport)
	}

	blobs := make([][]byte, 0, min(int(count), 1024))
	for i := uint32(0); i < count; i++ {
		var n uint32
		if err := binary.Read(br, binary.BigEndian, &n); err != nil {
			return exportHeader{}, nil, fmt.Errorf("%w: truncated at record %d", ErrBadExport, i+1)
		}
		if n > maxExportBlob {
			return exportHeader{}, nil, fmt.Errorf("%w: record %d too large", ErrBadExport, i+1)
		}
		blob := make([]byte, n)
		if _, err := io.ReadFull(br, blob); err != nil {
			return exportHeader{}, nil, fmt.Errorf("%w: truncated at record %d", ErrBadExport, i+1)
		}
		blobs = append(blobs, blob)
	}
	if _, err := br.ReadByte(); !errors.Is(err, io.EOF) {
		return exportHeader{}, nil, fmt.Errorf("%w: trailing data", ErrBadExport)
	}
	return h, blobs, nil
}
