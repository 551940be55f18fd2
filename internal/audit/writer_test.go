package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type memRepo struct {
	mu      sync.Mutex
	entries []Entry
	err     error
	created chan struct{}
}

func newMemRepo() *memRepo {
	return &memRepo{created: make(chan struct{}, 16)}
}

func (r *memRepo) Create(_ context.Context, e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.entries = append(r.entries, *e)
	}
	r.created <- struct{}{}
	return r.err
}

func (r *memRepo) List(context.Context, Filter) (*ListResult, error) {
	return nil, errors.New("not used")
}

func (r *memRepo) PruneBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (r *memRepo) snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

type countingLogger struct {
	mu          sync.Mutex
	warns, errs int
}

func (l *countingLogger) Warn(string, ...any) {
	l.mu.Lock()
	l.warns++
	l.mu.Unlock()
}

func (l *countingLogger) Error(string, ...any) {
	l.mu.Lock()
	l.errs++
	l.mu.Unlock()
}

func TestAsyncWriter_WritesQueued(t *testing.T) {
	repo := newMemRepo()
	w := NewAsyncWriter(repo, &countingLogger{}, 4)
	w.now = func() time.Time { return t0 }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.Record(Entry{DeviceID: "d", Command: CommandTransform, Source: SourceAPI, Outcome: OutcomeAccepted})

	select {
	case <-repo.created:
	case <-time.After(2 * time.Second):
		t.Fatal("entry not written")
	}

	got := repo.snapshot()
	if len(got) != 1 {
		t.Fatalf("entries = %d, want 1", len(got))
	}
	if !got[0].CreatedAt.Equal(t0) {
		t.Errorf("CreatedAt = %v, want stamped %v", got[0].CreatedAt, t0)
	}
}

func TestAsyncWriter_DropsWhenFull(t *testing.T) {
	logger := &countingLogger{}
	w := NewAsyncWriter(newMemRepo(), logger, 1)

	w.Record(Entry{Command: CommandTransform})
	w.Record(Entry{Command: CommandTransform})
	w.Record(Entry{Command: CommandTransform})

	if got := w.Dropped(); got != 2 {
		t.Errorf("Dropped() = %d, want 2", got)
	}
	if logger.warns != 2 {
		t.Errorf("warnings = %d, want 2", logger.warns)
	}
}

func TestAsyncWriter_DrainsOnCancel(t *testing.T) {
	repo := newMemRepo()
	w := NewAsyncWriter(repo, &countingLogger{}, 8)
	for range 3 {
		w.Record(Entry{DeviceID: "d", Command: CommandRequestState, Source: SourceMQTT, Outcome: OutcomeAccepted})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Run(ctx)

	if got := len(repo.snapshot()); got != 3 {
		t.Errorf("written after cancel = %d, want 3", got)
	}
}

func TestAsyncWriter_LogsWriteErrors(t *testing.T) {
	repo := newMemRepo()
	repo.err = errors.New("disk full")
	logger := &countingLogger{}
	w := NewAsyncWriter(repo, logger, 2)
	w.Record(Entry{Command: CommandTransform})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Run(ctx)

	if logger.errs != 1 {
		t.Errorf("errors logged = %d, want 1", logger.errs)
	}
}

func TestNewAsyncWriter_DefaultSize(t *testing.T) {
	w := NewAsyncWriter(newMemRepo(), &countingLogger{}, 0)
	if got := cap(w.ch); got != DefaultQueueSize {
		t.Errorf("queue size = %d, want %d", got, DefaultQueueSize)
	}
}
