package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type auditRepository struct {
	db *sql.DB
}

// AppendWithTip inserts event and moves the chain tip in one transaction.
func (r *auditRepository) AppendWithTip(ctx context.Context, event *AuditEvent, tip string) error {
	if event == nil {
		return fmt.Errorf("append audit event: event is nil")
	}
	if event.Action == "" {
		return fmt.Errorf("append audit event: action is required")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = nowUTC()
	}
	if event.DetailsJSON == "" {
		event.DetailsJSON = "{}"
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("append audit event: begin", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_events(id, action, target_id, result, details_json, prev_hash, event_hash, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
	`, event.ID, event.Action, event.TargetID, event.Result, event.DetailsJSON, event.PrevHash, event.EventHash, fmtTime(event.CreatedAt))
	if err != nil {
		_ = tx.Rollback()
		return classify("append audit event", err)
	}
	if err := setMeta(ctx, tx, auditChainTipMetaKey, tip); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify("append audit event: commit", err)
	}
	return nil
}

// List returns events in insertion order. Empty filter fields match
// everything.
func (r *auditRepository) List(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, action, target_id, result, details_json, prev_hash, event_hash, created_at
		FROM audit_events
		WHERE (? = '' OR action = ?) AND (? = '' OR target_id = ?)
		ORDER BY rowid ASC
		LIMIT ?
	`, filter.Action, filter.Action, filter.TargetID, filter.TargetID, limit)
	if err != nil {
		return nil, classify("list audit events", err)
	}
	defer rows.Close()

	events := []AuditEvent{}
	for rows.Next() {
		var (
			event   AuditEvent
			created string
		)
		if err := rows.Scan(
			&event.ID,
			&event.Action,
			&event.TargetID,
			&event.Result,
			&event.DetailsJSON,
			&event.PrevHash,
			&event.EventHash,
			&created,
		); err != nil {
			return nil, classify("list audit events: scan row", err)
		}
		event.CreatedAt, err = parseTime(created)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list audit events: iterate", err)
	}
	return events, nil
}

func (r *auditRepository) ChainTip(ctx context.Context) (string, error) {
	var tip string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = ?`, auditChainTipMetaKey).Scan(&tip)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", classify("read audit chain tip", err)
	}
	return tip, nil
}
