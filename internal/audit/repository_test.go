package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/dragon-core/internal/infrastructure/database"
	"github.com/nerrad567/dragon-core/migrations"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testRepo(t *testing.T) *SQLiteRepository {
	t.Helper()

	db, err := database.Open(database.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewSQLiteRepository(db.DB)
}

func entry(command, source string, outcome Outcome, at time.Time) *Entry {
	return &Entry{
		DeviceID:  "dragon-01",
		Command:   command,
		Source:    source,
		Outcome:   outcome,
		CreatedAt: at,
	}
}

func TestCreate_RoundTrip(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	e := &Entry{
		DeviceID:         "dragon-01",
		Command:          CommandTransformObfuscated,
		Source:           SourceMQTT,
		Actor:            "scene-engine",
		Outcome:          OutcomeAccepted,
		TransformationID: "t-42",
		Parameters:       map[string]any{"a": 80, "b": 20},
		CreatedAt:        t0,
	}
	if err := repo.Create(ctx, e); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if e.ID == "" {
		t.Error("Create() left ID empty")
	}

	res, err := repo.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if res.Total != 1 || len(res.Entries) != 1 {
		t.Fatalf("Total = %d, len = %d, want 1 and 1", res.Total, len(res.Entries))
	}

	got := res.Entries[0]
	if got.ID != e.ID || got.Command != CommandTransformObfuscated || got.Source != SourceMQTT {
		t.Errorf("entry = %+v", got)
	}
	if got.Actor != "scene-engine" || got.TransformationID != "t-42" || got.Outcome != OutcomeAccepted {
		t.Errorf("entry = %+v", got)
	}
	if got.Parameters["a"] != float64(80) || got.Parameters["b"] != float64(20) {
		t.Errorf("Parameters = %v, want a=80 b=20", got.Parameters)
	}
	if !got.CreatedAt.Equal(t0) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, t0)
	}
}

func TestCreate_Invalid(t *testing.T) {
	repo := testRepo(t)

	tests := []struct {
		name   string
		mutate func(*Entry)
	}{
		{"no device", func(e *Entry) { e.DeviceID = "" }},
		{"no command", func(e *Entry) { e.Command = "" }},
		{"no source", func(e *Entry) { e.Source = "" }},
		{"no outcome", func(e *Entry) { e.Outcome = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := entry(CommandTransform, SourceAPI, OutcomeAccepted, t0)
			tt.mutate(e)
			if err := repo.Create(context.Background(), e); !errors.Is(err, ErrInvalidEntry) {
				t.Errorf("Create() error = %v, want %v", err, ErrInvalidEntry)
			}
		})
	}
}

func TestList_FiltersAndOrder(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	seed := []*Entry{
		entry(CommandTransform, SourceAPI, OutcomeAccepted, t0),
		entry(CommandTransformOne, SourceMQTT, OutcomeFailed, t0.Add(time.Second)),
		entry(CommandTransform, SourceMQTT, OutcomeAccepted, t0.Add(2*time.Second)),
		entry(CommandRequestState, SourceAPI, OutcomeAccepted, t0.Add(3*time.Second)),
	}
	for _, e := range seed {
		if err := repo.Create(ctx, e); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	tests := []struct {
		name      string
		filter    Filter
		wantTotal int
		wantFirst string
	}{
		{"all newest first", Filter{}, 4, CommandRequestState},
		{"by command", Filter{Command: CommandTransform}, 2, CommandTransform},
		{"by source", Filter{Source: SourceMQTT}, 2, CommandTransform},
		{"by outcome", Filter{Outcome: OutcomeFailed}, 1, CommandTransformOne},
		{"combined", Filter{Source: SourceAPI, Command: CommandTransform}, 1, CommandTransform},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if res.Total != tt.wantTotal {
				t.Errorf("Total = %d, want %d", res.Total, tt.wantTotal)
			}
			if len(res.Entries) == 0 || res.Entries[0].Command != tt.wantFirst {
				t.Errorf("first = %+v, want command %q", res.Entries, tt.wantFirst)
			}
		})
	}
}

func TestList_Pagination(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	for i := range 5 {
		if err := repo.Create(ctx, entry(CommandTransform, SourceAPI, OutcomeAccepted, t0.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	res, err := repo.List(ctx, Filter{Limit: 2, Offset: 4})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if res.Total != 5 || len(res.Entries) != 1 {
		t.Errorf("Total = %d, len = %d, want 5 and 1", res.Total, len(res.Entries))
	}
	if !res.Entries[0].CreatedAt.Equal(t0) {
		t.Errorf("last page entry at %v, want oldest %v", res.Entries[0].CreatedAt, t0)
	}

	res, err = repo.List(ctx, Filter{Limit: 1000, Offset: -3})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if res.Limit != maxLimit || res.Offset != 0 {
		t.Errorf("Limit/Offset = %d/%d, want %d/0", res.Limit, res.Offset, maxLimit)
	}
}

func TestList_Empty(t *testing.T) {
	repo := testRepo(t)

	res, err := repo.List(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if res.Entries == nil || len(res.Entries) != 0 {
		t.Errorf("Entries = %#v, want empty non-nil slice", res.Entries)
	}
	if res.Limit != defaultLimit {
		t.Errorf("Limit = %d, want %d", res.Limit, defaultLimit)
	}
}

func TestPruneBefore(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	for i := range 4 {
		if err := repo.Create(ctx, entry(CommandTransform, SourceAPI, OutcomeAccepted, t0.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	n, err := repo.PruneBefore(ctx, t0.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("PruneBefore() error = %v", err)
	}
	if n != 2 {
		t.Errorf("pruned = %d, want 2", n)
	}

	res, err := repo.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if res.Total != 2 {
		t.Errorf("Total after prune = %d, want 2", res.Total)
	}
}
