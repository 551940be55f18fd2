package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultLimit = 50
	maxLimit     = 200

	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// SQLiteRepository stores entries in the command_audit table.
type SQLiteRepository struct {
	db *sql.DB
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository wraps an open, migrated connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts e. The ID and CreatedAt are filled in if empty.
func (r *SQLiteRepository) Create(ctx context.Context, e *Entry) error {
	if e.DeviceID == "" || e.Command == "" || e.Source == "" || e.Outcome == "" {
		return ErrInvalidEntry
	}
	if e.ID == "" {
		e.ID = "cmd-" + uuid.NewString()[:8]
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	var params *string
	if e.Parameters != nil {
		b, err := json.Marshal(e.Parameters)
		if err != nil {
			return fmt.Errorf("marshalling audit parameters: %w", err)
		}
		s := string(b)
		params = &s
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO command_audit
		   (id, device_id, command, source, actor, outcome, error, transformation_id, parameters, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.DeviceID, e.Command, e.Source,
		nullableString(e.Actor), string(e.Outcome), nullableString(e.Error),
		nullableString(e.TransformationID), params,
		e.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns entries matching filter, newest first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	if filter.Command != "" {
		conditions = append(conditions, "command = ?")
		args = append(args, filter.Command)
	}
	if filter.Source != "" {
		conditions = append(conditions, "source = ?")
		args = append(args, filter.Source)
	}
	if filter.Outcome != "" {
		conditions = append(conditions, "outcome = ?")
		args = append(args, string(filter.Outcome))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM command_audit " + where //nolint:gosec // conditions are fixed strings with placeholders
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting audit entries: %w", err)
	}

	query := `SELECT id, device_id, command, source, actor, outcome, error, transformation_id, parameters, created_at
		FROM command_audit ` + where + ` ORDER BY created_at DESC LIMIT ? OFFSET ?` //nolint:gosec // as above
	rows, err := r.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var actor, errText, tid, params sql.NullString
		var outcome, createdAt string

		if err := rows.Scan(&e.ID, &e.DeviceID, &e.Command, &e.Source,
			&actor, &outcome, &errText, &tid, &params, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Actor = actor.String
		e.Outcome = Outcome(outcome)
		e.Error = errText.String
		e.TransformationID = tid.String
		if params.Valid && params.String != "" {
			var p map[string]any
			if json.Unmarshal([]byte(params.String), &p) == nil {
				e.Parameters = p
			}
		}

		t, err := time.Parse(timeLayout, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing audit timestamp %q: %w", createdAt, err)
		}
		e.CreatedAt = t

		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}

	return &ListResult{
		Entries: entries,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}

// PruneBefore deletes entries created before cutoff.
func (r *SQLiteRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM command_audit WHERE created_at < ?", cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("pruning audit entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning audit entries: %w", err)
	}
	return n, nil
}
