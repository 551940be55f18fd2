package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/nerrad567/dragon-core/internal/dragon"
)

// Repository stores the transformation and button history.
type Repository interface {
	// RecordTransformation inserts one transformation.
	// Returns ErrDuplicate if its id is already stored.
	RecordTransformation(ctx context.Context, rec TransformationRecord) error

	// RecordButtonEvent appends a button edge and returns its row id.
	RecordButtonEvent(ctx context.Context, ev ButtonEvent) (int64, error)

	// ListTransformations returns the newest transformations first.
	ListTransformations(ctx context.Context, limit int) ([]TransformationRecord, error)

	// ListButtonEvents returns the newest button edges first.
	ListButtonEvents(ctx context.Context, limit int) ([]ButtonEvent, error)

	// PruneBefore deletes rows older than cutoff from both tables.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SQLiteRepository implements Repository on the schema in migrations/.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository wraps an open, migrated connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const timeLayout = time.RFC3339Nano

func (r *SQLiteRepository) RecordTransformation(ctx context.Context, rec TransformationRecord) error {
	if rec.ID == "" || rec.DeviceID == "" {
		return fmt.Errorf("%w: id and device id are required", ErrInvalidRecord)
	}

	var decoyWait sql.NullInt64
	if rec.DecoyA != nil {
		decoyWait = sql.NullInt64{Int64: rec.DecoyWaitMS, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transformations (
			id, device_id, kind, start_a, start_b, target_a, target_b,
			decoy_a, decoy_b, decoy_wait_ms,
			started_at, end_a_at, end_b_at, duration_a_ms, duration_b_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.DeviceID, string(rec.Kind), rec.StartA, rec.StartB, rec.TargetA, rec.TargetB,
		nullInt(rec.DecoyA), nullInt(rec.DecoyB), decoyWait,
		formatTime(rec.StartedAt), formatTime(rec.EndAAt), formatTime(rec.EndBAt),
		rec.DurationAM, rec.DurationBM,
	)
	if err != nil {
		if isPrimaryKeyViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicate, rec.ID)
		}
		return fmt.Errorf("inserting transformation: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) RecordButtonEvent(ctx context.Context, ev ButtonEvent) (int64, error) {
	if ev.DeviceID == "" {
		return 0, fmt.Errorf("%w: device id is required", ErrInvalidRecord)
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO button_events (device_id, pressed, position_a, position_b, occurred_at)
		 VALUES (?, ?, ?, ?, ?)`,
		ev.DeviceID, ev.Pressed, ev.PositionA, ev.PositionB, formatTime(ev.OccurredAt),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting button event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading button event id: %w", err)
	}
	return id, nil
}

func (r *SQLiteRepository) ListTransformations(ctx context.Context, limit int) ([]TransformationRecord, error) {
	limit = clampLimit(limit)

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, device_id, kind, start_a, start_b, target_a, target_b,
			decoy_a, decoy_b, decoy_wait_ms,
			started_at, end_a_at, end_b_at, duration_a_ms, duration_b_ms
		FROM transformations
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying transformations: %w", err)
	}
	defer rows.Close()

	out := make([]TransformationRecord, 0, limit)
	for rows.Next() {
		var (
			rec                    TransformationRecord
			kind                   string
			decoyA, decoyB, waitMS sql.NullInt64
			startedAt, endA, endB  string
		)
		if err := rows.Scan(&rec.ID, &rec.DeviceID, &kind, &rec.StartA, &rec.StartB, &rec.TargetA, &rec.TargetB,
			&decoyA, &decoyB, &waitMS,
			&startedAt, &endA, &endB, &rec.DurationAM, &rec.DurationBM); err != nil {
			return nil, fmt.Errorf("scanning transformation: %w", err)
		}
		rec.Kind = dragon.Kind(kind)
		rec.DecoyA = intPtr(decoyA)
		rec.DecoyB = intPtr(decoyB)
		rec.DecoyWaitMS = waitMS.Int64

		if rec.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if rec.EndAAt, err = parseTime(endA); err != nil {
			return nil, err
		}
		if rec.EndBAt, err = parseTime(endB); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transformations: %w", err)
	}
	return out, nil
}

func (r *SQLiteRepository) ListButtonEvents(ctx context.Context, limit int) ([]ButtonEvent, error) {
	limit = clampLimit(limit)

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, device_id, pressed, position_a, position_b, occurred_at
		FROM button_events
		ORDER BY occurred_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying button events: %w", err)
	}
	defer rows.Close()

	out := make([]ButtonEvent, 0, limit)
	for rows.Next() {
		var ev ButtonEvent
		var occurred string
		if err := rows.Scan(&ev.ID, &ev.DeviceID, &ev.Pressed, &ev.PositionA, &ev.PositionB, &occurred); err != nil {
			return nil, fmt.Errorf("scanning button event: %w", err)
		}
		if ev.OccurredAt, err = parseTime(occurred); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating button events: %w", err)
	}
	return out, nil
}

func (r *SQLiteRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, fmt.Errorf("prune cutoff is required")
	}
	ts := formatTime(cutoff)

	var total int64
	for _, q := range []string{
		"DELETE FROM transformations WHERE started_at < ?",
		"DELETE FROM button_events WHERE occurred_at < ?",
	} {
		res, err := r.db.ExecContext(ctx, q, ts)
		if err != nil {
			return total, fmt.Errorf("pruning journal: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("checking rows affected: %w", err)
		}
		total += n
	}
	return total, nil
}

// formatTime stores UTC with a fixed-width fraction so that text order
// matches time order.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing journal timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func isPrimaryKeyViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
