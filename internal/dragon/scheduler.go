package dragon

import (
	"container/heap"
	"sync"
	"time"
)

// ActionID identifies a scheduled action.
type ActionID uint64

type scheduledAction struct {
	id    ActionID
	at    time.Time
	seq   uint64
	name  string
	fn    func()
	index int
}

// actionQueue is a min-heap on fire time, ties broken by insertion order.
type actionQueue []*scheduledAction

func (q actionQueue) Len() int { return len(q) }

func (q actionQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].seq < q[j].seq
	}
	return q[i].at.Before(q[j].at)
}

func (q actionQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *actionQueue) Push(x any) {
	a := x.(*scheduledAction) //nolint:forcetypeassert // only pushed by Schedule
	a.index = len(*q)
	*q = append(*q, a)
}

func (q *actionQueue) Pop() any {
	old := *q
	n := len(old)
	a := old[n-1]
	old[n-1] = nil
	a.index = -1
	*q = old[:n-1]
	return a
}

// Scheduler holds one-shot deferred actions until their fire time.
//
// It does not own a goroutine: RunDue is called from the read loop's tick,
// so actions run on that goroutine in fire-time order.
type Scheduler struct {
	mu     sync.Mutex
	queue  actionQueue
	byID   map[ActionID]*scheduledAction
	seq    uint64
	closed bool
}

// NewScheduler returns an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{byID: make(map[ActionID]*scheduledAction)}
}

// Schedule queues fn to run at the first RunDue whose now is not before at.
func (s *Scheduler) Schedule(at time.Time, name string, fn func()) (ActionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	s.seq++
	a := &scheduledAction{id: ActionID(s.seq), at: at, seq: s.seq, name: name, fn: fn}
	heap.Push(&s.queue, a)
	s.byID[a.id] = a
	return a.id, nil
}

// Cancel removes a pending action. It reports false if the action already
// ran or was never scheduled.
func (s *Scheduler) Cancel(id ActionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&s.queue, a.index)
	delete(s.byID, id)
	return true
}

// RunDue runs every action due at now and returns how many ran. Actions are
// removed from the queue before any of them run.
func (s *Scheduler) RunDue(now time.Time) int {
	s.mu.Lock()
	var due []*scheduledAction
	for len(s.queue) > 0 && !s.queue[0].at.After(now) {
		a := heap.Pop(&s.queue).(*scheduledAction) //nolint:forcetypeassert // queue only holds actions
		delete(s.byID, a.id)
		due = append(due, a)
	}
	s.mu.Unlock()

	for _, a := range due {
		a.fn()
	}
	return len(due)
}

// Pending returns the number of queued actions.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Next returns the fire time of the earliest queued action.
func (s *Scheduler) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return time.Time{}, false
	}
	return s.queue[0].at, true
}

// Close drops every pending action and rejects new ones. It returns the
// number dropped.
func (s *Scheduler) Close() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.queue)
	s.queue = nil
	s.byID = make(map[ActionID]*scheduledAction)
	s.closed = true
	return n
}
