package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const credentialColumns = `id, version, website, username, nonce, ciphertext, tag, created_at, updated_at`

func (t *Tx) GetCredential(ctx context.Context, id int64) (CredentialRow, error) {
	return getCredential(ctx, t.tx, id)
}

func (t *Tx) ListCredentials(ctx context.Context) ([]CredentialRow, error) {
	return listCredentials(ctx, t.tx)
}

// AllocateID hands out the next credential id and advances the persisted
// counter. Ids are never reused, even after the highest row is deleted.
func (t *Tx) AllocateID(ctx context.Context) (int64, error) {
	var raw string
	if err := t.tx.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = ?`, nextIDMetaKey).Scan(&raw); err != nil {
		return 0, classify("allocate id: read counter", err)
	}
	next, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("allocate id: parse counter %q: %w", raw, err)
	}

	var maxID sql.NullInt64
	if err := t.tx.QueryRowContext(ctx, `SELECT MAX(id) FROM credentials`).Scan(&maxID); err != nil {
		return 0, classify("allocate id: read max id", err)
	}
	if maxID.Valid && maxID.Int64 >= next {
		next = maxID.Int64 + 1
	}

	if _, err := t.tx.ExecContext(ctx, `UPDATE store_meta SET value = ? WHERE key = ?`, strconv.FormatInt(next+1, 10), nextIDMetaKey); err != nil {
		return 0, classify("allocate id: advance counter", err)
	}
	return next, nil
}

func (t *Tx) InsertCredential(ctx context.Context, row *CredentialRow) error {
	if row == nil {
		return fmt.Errorf("insert credential: row is nil")
	}
	now := nowUTC()
	row.CreatedAt = now
	row.UpdatedAt = now

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO credentials(id, version, website, username, nonce, ciphertext, tag, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, row.ID, int64(row.Version), row.Website, row.Username, row.Nonce, row.Ciphertext, row.Tag, fmtTime(row.CreatedAt), fmtTime(row.UpdatedAt))
	if err != nil {
		return classify("insert credential", err)
	}
	return nil
}

// ReplaceCredential overwrites the sealed row for row.ID, provided the stored
// version still equals prevVersion.
func (t *Tx) ReplaceCredential(ctx context.Context, row *CredentialRow, prevVersion uint64) error {
	if row == nil {
		return fmt.Errorf("replace credential: row is nil")
	}
	row.UpdatedAt = nowUTC()

	result, err := t.tx.ExecContext(ctx, `
		UPDATE credentials
		SET version = ?, website = ?, username = ?, nonce = ?, ciphertext = ?, tag = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`, int64(row.Version), row.Website, row.Username, row.Nonce, row.Ciphertext, row.Tag, fmtTime(row.UpdatedAt), row.ID, int64(prevVersion))
	if err != nil {
		return classify("replace credential", err)
	}
	count, err := rowsAffected("replace credential", result)
	if err != nil {
		return err
	}
	if count == 0 {
		if _, err := getCredential(ctx, t.tx, row.ID); err != nil {
			return err
		}
		return fmt.Errorf("replace credential %d: %w", row.ID, ErrVersionConflict)
	}
	return nil
}

func (t *Tx) DeleteCredential(ctx context.Context, id int64) error {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return classify("delete credential", err)
	}
	count, err := rowsAffected("delete credential", result)
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}

func getCredential(ctx context.Context, q queryer, id int64) (CredentialRow, error) {
	row := q.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id)
	out, err := scanCredential(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CredentialRow{}, ErrNotFound
		}
		return CredentialRow{}, classify("get credential", err)
	}
	return out, nil
}

func listCredentials(ctx context.Context, q queryer) ([]CredentialRow, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+credentialColumns+` FROM credentials ORDER BY id ASC`)
	if err != nil {
		return nil, classify("list credentials", err)
	}
	return collectCredentials("list credentials", rows)
}

// searchCredentials matches query as a case-insensitive substring of the
// website or username. LIKE wildcards in query are matched literally.
func searchCredentials(ctx context.Context, q queryer, query string) ([]CredentialRow, error) {
	pattern := "%" + escapeLike(query) + "%"
	rows, err := q.QueryContext(ctx, `
		SELECT `+credentialColumns+`
		FROM credentials
		WHERE website LIKE ? ESCAPE '\' OR username LIKE ? ESCAPE '\'
		ORDER BY id ASC
	`, pattern, pattern)
	if err != nil {
		return nil, classify("search credentials", err)
	}
	return collectCredentials("search credentials", rows)
}

func collectCredentials(op string, rows *sql.Rows) ([]CredentialRow, error) {
	defer rows.Close()

	out := []CredentialRow{}
	for rows.Next() {
		row, err := scanCredential(rows)
		if err != nil {
			return nil, classify(op+": scan row", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op+": iterate", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanCredential reads every column loosely so a row with a damaged value
// comes back with ScanErr set. Only a failure of Scan itself is an error.
func scanCredential(s rowScanner) (CredentialRow, error) {
	var (
		row                  CredentialRow
		version              any
		website, username    sql.NullString
		createdAt, updatedAt sql.NullString
	)
	if err := s.Scan(&row.ID, &version, &website, &username, &row.Nonce, &row.Ciphertext, &row.Tag, &createdAt, &updatedAt); err != nil {
		return CredentialRow{}, err
	}
	row.Website, row.Username = website.String, username.String

	var problems []string
	switch v := version.(type) {
	case int64:
		if v < 1 {
			problems = append(problems, fmt.Sprintf("version %d", v))
		}
		row.Version = uint64(v)
	default:
		problems = append(problems, fmt.Sprintf("version %v", v))
	}
	if !website.Valid || !username.Valid {
		problems = append(problems, "null metadata")
	}

	var err error
	if row.CreatedAt, err = parseTime(createdAt.String); err != nil {
		problems = append(problems, "created_at")
	}
	if row.UpdatedAt, err = parseTime(updatedAt.String); err != nil {
		problems = append(problems, "updated_at")
	}
	if len(problems) > 0 {
		row.ScanErr = fmt.Errorf("%w %d: %s", ErrMalformedRow, row.ID, strings.Join(problems, ", "))
	}
	return row, nil
}

func escapeLike(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(s)
}
