package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// InitHeader records the key material of a new store. It refuses to
// overwrite an existing header.
func (t *Tx) InitHeader(ctx context.Context, h Header) error {
	if h.StoreID == "" || len(h.Salt) == 0 || len(h.KeyCheck) == 0 {
		return fmt.Errorf("init header: store id, salt and key check are required")
	}

	var existing int
	if err := t.tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM store_meta WHERE key = ?`, storeIDMetaKey).Scan(&existing); err != nil {
		return classify("init header", err)
	}
	if existing > 0 {
		return ErrAlreadyInitialized
	}

	if h.CreatedAt.IsZero() {
		h.CreatedAt = nowUTC()
	}
	if err := setMeta(ctx, t.tx, storeIDMetaKey, h.StoreID); err != nil {
		return err
	}
	if err := setMeta(ctx, t.tx, createdAtMetaKey, fmtTime(h.CreatedAt)); err != nil {
		return err
	}
	return t.SetKeyMaterial(ctx, h)
}

// SetKeyMaterial replaces salt, key check and KDF parameters, as done when
// the passphrase changes. StoreID and CreatedAt are left untouched.
func (t *Tx) SetKeyMaterial(ctx context.Context, h Header) error {
	entries := []struct {
		key   string
		value any
	}{
		{saltMetaKey, append([]byte(nil), h.Salt...)},
		{keyCheckMetaKey, append([]byte(nil), h.KeyCheck...)},
		{kdfMemoryMetaKey, strconv.FormatUint(uint64(h.Memory), 10)},
		{kdfIterationsMetaKey, strconv.FormatUint(uint64(h.Iterations), 10)},
		{kdfThreadsMetaKey, strconv.FormatUint(uint64(h.Parallelism), 10)},
	}
	for _, entry := range entries {
		if err := setMeta(ctx, t.tx, entry.key, entry.value); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tx) LoadHeader(ctx context.Context) (Header, error) {
	return loadHeader(ctx, t.tx)
}

func loadHeader(ctx context.Context, q queryer) (Header, error) {
	var h Header
	storeID, err := metaBytes(ctx, q, storeIDMetaKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Header{}, ErrNotInitialized
		}
		return Header{}, err
	}
	h.StoreID = string(storeID)

	if h.Salt, err = metaBytes(ctx, q, saltMetaKey); err != nil {
		return Header{}, fmt.Errorf("load header: salt: %w", err)
	}
	if h.KeyCheck, err = metaBytes(ctx, q, keyCheckMetaKey); err != nil {
		return Header{}, fmt.Errorf("load header: key check: %w", err)
	}

	memory, err := metaUint(ctx, q, kdfMemoryMetaKey, 32)
	if err != nil {
		return Header{}, err
	}
	iterations, err := metaUint(ctx, q, kdfIterationsMetaKey, 32)
	if err != nil {
		return Header{}, err
	}
	threads, err := metaUint(ctx, q, kdfThreadsMetaKey, 8)
	if err != nil {
		return Header{}, err
	}
	h.Memory = uint32(memory)
	h.Iterations = uint32(iterations)
	h.Parallelism = uint8(threads)

	created, err := metaBytes(ctx, q, createdAtMetaKey)
	if err != nil {
		return Header{}, fmt.Errorf("load header: created at: %w", err)
	}
	if h.CreatedAt, err = parseTime(string(created)); err != nil {
		return Header{}, err
	}
	return h, nil
}

func setMeta(ctx context.Context, q queryer, key string, value any) error {
	if _, err := q.ExecContext(ctx, `INSERT OR REPLACE INTO store_meta(key, value) VALUES(?, ?)`, key, value); err != nil {
		return classify("write "+key, err)
	}
	return nil
}

func metaBytes(ctx context.Context, q queryer, key string) ([]byte, error) {
	var value []byte
	if err := q.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = ?`, key).Scan(&value); err != nil {
		return nil, classify("read "+key, err)
	}
	return value, nil
}

func metaUint(ctx context.Context, q queryer, key string, bits int) (uint64, error) {
	raw, err := metaBytes(ctx, q, key)
	if err != nil {
		return 0, fmt.Errorf("load header: %s: %w", key, err)
	}
	value, err := strconv.ParseUint(string(raw), 10, bits)
	if err != nil {
		return 0, fmt.Errorf("load header: parse %s: %w", key, err)
	}
	return value, nil
}
