package audit

import (
	"context"
	"sync/atomic"
	"time"
)

// DefaultQueueSize is the AsyncWriter buffer used when none is given.
const DefaultQueueSize = 256

// Logger is the logging subset the writer needs.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// AsyncWriter is a Recorder that queues entries and writes them to a
// Repository one at a time from Run. When the queue is full the entry is
// dropped and counted.
type AsyncWriter struct {
	repo    Repository
	logger  Logger
	ch      chan Entry
	dropped atomic.Uint64
	now     func() time.Time
}

var _ Recorder = (*AsyncWriter)(nil)

// NewAsyncWriter returns a writer with a queue of size entries.
func NewAsyncWriter(repo Repository, logger Logger, size int) *AsyncWriter {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &AsyncWriter{
		repo:   repo,
		logger: logger,
		ch:     make(chan Entry, size),
		now:    time.Now,
	}
}

// Record queues e, stamping CreatedAt if it is zero.
func (w *AsyncWriter) Record(e Entry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = w.now().UTC()
	}
	select {
	case w.ch <- e:
	default:
		w.dropped.Add(1)
		w.logger.Warn("audit queue full, dropping entry",
			"command", e.Command,
			"source", e.Source,
		)
	}
}

// Dropped returns how many entries were lost to a full queue.
func (w *AsyncWriter) Dropped() uint64 {
	return w.dropped.Load()
}

// Run writes queued entries until ctx is cancelled, then writes whatever
// is still queued and returns.
func (w *AsyncWriter) Run(ctx context.Context) {
	for {
		select {
		case e := <-w.ch:
			w.write(ctx, e)
		case <-ctx.Done():
			for {
				select {
				case e := <-w.ch:
					w.write(context.Background(), e)
				default:
					return
				}
			}
		}
	}
}

func (w *AsyncWriter) write(ctx context.Context, e Entry) {
	if err := w.repo.Create(ctx, &e); err != nil {
		w.logger.Error("audit write failed",
			"command", e.Command,
			"source", e.Source,
			"error", err,
		)
	}
}
