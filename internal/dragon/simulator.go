package dragon

import (
	"fmt"
	"sync"
	"time"
)

// Simulator is a Transport that behaves like the device without hardware.
//
// FANS commands move the simulated fans instantly (honouring the hold
// placeholder) and queue a state report, as does STATE. Button lines are
// injected with Press and Release.
type Simulator struct {
	mu      sync.Mutex
	a, b    int
	inbox   []string
	written []string
	readErr error
	closed  bool
}

// NewSimulator returns a simulator whose fans start at a and b.
func NewSimulator(a, b int) *Simulator {
	return &Simulator{a: a, b: b}
}

// WriteLine records line and reacts to it. Lines the firmware would not
// understand are recorded and otherwise ignored.
func (s *Simulator) WriteLine(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.written = append(s.written, line)

	cmd, err := ParseCommand(line)
	if err != nil {
		return nil
	}
	switch cmd.Kind {
	case CommandFans:
		if cmd.A != Hold {
			s.a = cmd.A
		}
		if cmd.B != Hold {
			s.b = cmd.B
		}
		s.inbox = append(s.inbox, EncodeStateReport(s.a, s.b))
	case CommandState:
		s.inbox = append(s.inbox, EncodeStateReport(s.a, s.b))
	}
	return nil
}

// TryReadLine pops the oldest queued line. It never waits.
func (s *Simulator) TryReadLine(time.Duration) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", false, ErrClosed
	}
	if s.readErr != nil {
		return "", false, s.readErr
	}
	if len(s.inbox) == 0 {
		return "", false, nil
	}
	line := s.inbox[0]
	s.inbox = s.inbox[1:]
	return line, true, nil
}

// Close stops the simulator. Further reads and writes return ErrClosed.
func (s *Simulator) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Press queues a BUTTON PRESSED line.
func (s *Simulator) Press() {
	s.Inject(lineButtonPressed)
}

// Release queues a BUTTON RELEASED line.
func (s *Simulator) Release() {
	s.Inject(lineButtonReleased)
}

// Inject queues an arbitrary inbound line.
func (s *Simulator) Inject(line string) {
	s.mu.Lock()
	s.inbox = append(s.inbox, line)
	s.mu.Unlock()
}

// Unplug makes every following read fail as if the cable was pulled.
func (s *Simulator) Unplug() {
	s.mu.Lock()
	s.readErr = fmt.Errorf("%w: simulated unplug", ErrLinkLost)
	s.mu.Unlock()
}

// Written returns a copy of every line written so far.
func (s *Simulator) Written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.written))
	copy(out, s.written)
	return out
}

// Positions returns the simulated fan positions.
func (s *Simulator) Positions() (a, b int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.a, s.b
}
