package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/abiosoft/ishell/v2"

	"github.com/nerrad567/dragon-core/internal/dragon"
)

const (
	shellLoopSteps = 15
	shellLoopWait  = 3 * time.Second
)

var errNotSimulated = errors.New("press and release need --simulate")

// session is the state behind one interactive console.
type session struct {
	app    *app
	dev    *dragon.Device
	waiter *reportWaiter

	mu                 sync.Mutex
	percentA, percentB int
	loopCancel         context.CancelFunc
	loopDone           chan struct{}
}

func newSession(a *app, dev *dragon.Device) *session {
	s := &session{app: a, dev: dev, waiter: newReportWaiter()}
	dev.AddObserver(s.waiter)
	return s
}

func (s *session) run() error {
	shell := ishell.New()
	shell.Println("Drag:on bench console. Type help for commands, exit to quit.")

	printLine := func(v ...any) { shell.Println(v...) }
	s.dev.AddObserver(buttonNotifier(func(msg string) { printLine(msg) }))
	for _, cmd := range s.commands(printLine) {
		shell.AddCmd(cmd)
	}

	shell.Run()
	return nil
}

// commands builds the console commands. printLine receives output produced
// after a command has returned, such as loop steps.
func (s *session) commands(printLine func(v ...any)) []*ishell.Cmd {
	show := func(c *ishell.Context, t dragon.Transformation, err error) {
		if err != nil {
			c.Err(err)
			return
		}
		c.Println(describe(t))
	}

	cmds := []*ishell.Cmd{
		{
			Name: "state",
			Help: "print the last known fan positions",
			Func: func(c *ishell.Context) {
				c.Println(s.state())
			},
		},
		{
			Name: "config",
			Help: "config [A B]: move to the stored percents, storing A and B first when given",
			Func: func(c *ishell.Context) {
				t, err := s.moveToConfigured(c.Args)
				show(c, t, err)
			},
		},
		{
			Name: "refresh",
			Help: "request a state report and print it",
			Func: func(c *ishell.Context) {
				st, err := s.refresh()
				if err != nil {
					c.Err(err)
					return
				}
				c.Printf("A: %d B: %d\n", st.PositionA, st.PositionB)
			},
		},
		{
			Name: "open",
			Help: "move both fans to 100%",
			Func: func(c *ishell.Context) {
				t, err := s.dev.Transform(100, 100)
				show(c, t, err)
			},
		},
		{
			Name: "close",
			Help: "move both fans to 0%",
			Func: func(c *ishell.Context) {
				t, err := s.dev.Transform(0, 0)
				show(c, t, err)
			},
		},
		{
			Name: "loop",
			Help: "start or stop the open/close cycle",
			Func: func(c *ishell.Context) {
				if s.toggleLoop(func(line string) { printLine(line) }) {
					c.Println("loop started")
				} else {
					c.Println("loop stopped")
				}
			},
		},
		{
			Name: "press",
			Help: "simulate a button press",
			Func: func(c *ishell.Context) {
				if err := s.press(true); err != nil {
					c.Err(err)
				}
			},
		},
		{
			Name: "release",
			Help: "simulate a button release",
			Func: func(c *ishell.Context) {
				if err := s.press(false); err != nil {
					c.Err(err)
				}
			},
		},
		{
			Name: "ports",
			Help: "list serial ports",
			Func: func(c *ishell.Context) {
				out, err := s.ports()
				if err != nil {
					c.Err(err)
					return
				}
				c.Print(out)
			},
		},
	}

	for _, m := range []struct {
		name string
		a, b int
	}{
		{"up", 100, 100},
		{"down", 0, 0},
		{"left", 100, 0},
		{"right", 0, 100},
	} {
		cmds = append(cmds, &ishell.Cmd{
			Name: m.name,
			Help: fmt.Sprintf("obfuscated move to %d/%d", m.a, m.b),
			Func: func(c *ishell.Context) {
				t, err := s.dev.TransformObfuscated(m.a, m.b)
				show(c, t, err)
			},
		})
	}
	return cmds
}

func (s *session) state() string {
	return fmt.Sprintf("FAN A is at %g and FAN B is at %g", s.dev.FanState("A"), s.dev.FanState("B"))
}

func (s *session) moveToConfigured(args []string) (dragon.Transformation, error) {
	s.mu.Lock()
	if len(args) > 0 {
		if len(args) != 2 {
			s.mu.Unlock()
			return dragon.Transformation{}, errors.New("usage: config [A B]")
		}
		a, errA := strconv.Atoi(args[0])
		b, errB := strconv.Atoi(args[1])
		if err := errors.Join(errA, errB); err != nil {
			s.mu.Unlock()
			return dragon.Transformation{}, fmt.Errorf("config: %w", err)
		}
		s.percentA, s.percentB = a, b
	}
	a, b := s.percentA, s.percentB
	s.mu.Unlock()

	return s.dev.Transform(a, b)
}

func (s *session) refresh() (dragon.StateSnapshot, error) {
	return s.waiter.request(s.app.ctx, s.dev, s.app.stateTimeout)
}

func (s *session) press(pressed bool) error {
	sim := s.dev.Simulator()
	if sim == nil {
		return errNotSimulated
	}
	if pressed {
		sim.Press()
	} else {
		sim.Release()
	}
	return nil
}

func (s *session) ports() (string, error) {
	ports, err := s.app.listPorts()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := printPorts(&buf, ports); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// toggleLoop starts the open/close cycle, or stops it if it is running.
// It reports whether the loop is now running.
func (s *session) toggleLoop(report func(string)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loopDone != nil {
		select {
		case <-s.loopDone:
		default:
			s.loopCancel()
			<-s.loopDone
			s.loopCancel, s.loopDone = nil, nil
			return false
		}
		s.loopCancel()
	}

	ctx, cancel := context.WithCancel(s.app.ctx)
	done := make(chan struct{})
	s.loopCancel, s.loopDone = cancel, done

	go func() {
		defer close(done)
		err := runLoop(ctx, s.dev, loopPlan{steps: shellLoopSteps, wait: shellLoopWait}, s.app.sleep,
			func(step int, t dragon.Transformation) {
				report(fmt.Sprintf("loop %d/%d: %s", step, shellLoopSteps, describe(t)))
			})
		if err != nil && !errors.Is(err, context.Canceled) {
			report("loop stopped: " + err.Error())
		}
	}()
	return true
}

func (s *session) stopLoop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loopCancel != nil {
		s.loopCancel()
		<-s.loopDone
		s.loopCancel, s.loopDone = nil, nil
	}
}

// buttonNotifier prints button edges as they arrive.
type buttonNotifier func(msg string)

var _ dragon.Observer = buttonNotifier(nil)

func (n buttonNotifier) OnEvent(ev dragon.Event, _ dragon.StateSnapshot) {
	switch ev.Kind {
	case dragon.EventButtonPressed:
		n("BUTTON PRESSED")
	case dragon.EventButtonReleased:
		n("BUTTON RELEASED")
	}
}

func (buttonNotifier) OnTransformation(dragon.Transformation) {}
