package dragon

import (
	"errors"
	"sync"
	"time"
)

var testEpoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: testEpoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

// seqRand returns the given values in order, then repeats the last one.
func seqRand(values ...int) func(int) int {
	var mu sync.Mutex
	i := 0
	return func(int) int {
		mu.Lock()
		defer mu.Unlock()
		v := values[min(i, len(values)-1)]
		i++
		return v
	}
}

type logEntry struct {
	level string
	msg   string
}

type mockLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *mockLogger) add(level, msg string) {
	l.mu.Lock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg})
	l.mu.Unlock()
}

func (l *mockLogger) Debug(msg string, _ ...any) { l.add("debug", msg) }
func (l *mockLogger) Info(msg string, _ ...any)  { l.add("info", msg) }
func (l *mockLogger) Warn(msg string, _ ...any)  { l.add("warn", msg) }
func (l *mockLogger) Error(msg string, _ ...any) { l.add("error", msg) }

func (l *mockLogger) has(level, msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.level == level && e.msg == msg {
			return true
		}
	}
	return false
}

// failingTransport fails every write.
type failingTransport struct{}

func (failingTransport) WriteLine(string) error { return errors.New("cable cut") }
func (failingTransport) TryReadLine(time.Duration) (string, bool, error) {
	return "", false, nil
}
func (failingTransport) Close() error { return nil }

type recordingObserver struct {
	mu              sync.Mutex
	events          []Event
	states          []StateSnapshot
	transformations []Transformation
}

func (o *recordingObserver) OnEvent(ev Event, s StateSnapshot) {
	o.mu.Lock()
	o.events = append(o.events, ev)
	o.states = append(o.states, s)
	o.mu.Unlock()
}

func (o *recordingObserver) OnTransformation(t Transformation) {
	o.mu.Lock()
	o.transformations = append(o.transformations, t)
	o.mu.Unlock()
}

func (o *recordingObserver) counts() (events, transformations int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.events), len(o.transformations)
}
