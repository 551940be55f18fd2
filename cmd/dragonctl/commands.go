package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/nerrad567/dragon-core/internal/auth"
	"github.com/nerrad567/dragon-core/internal/dragon"
)

type portsCommand struct {
	app *app
}

func (c *portsCommand) Execute([]string) error {
	ports, err := c.app.listPorts()
	if err != nil {
		return err
	}
	return printPorts(c.app.out, ports)
}

func printPorts(out io.Writer, ports []dragon.PortInfo) error {
	if len(ports) == 0 {
		_, err := fmt.Fprintln(out, "no serial ports found")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PORT\tUSB ID\tSERIAL\tPRODUCT")
	for _, p := range ports {
		id := "-"
		if p.IsUSB {
			id = p.VID + ":" + p.PID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Name, id, orDash(p.SerialNumber), orDash(p.Product))
	}
	return w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

type stateCommand struct {
	Timeout time.Duration `long:"timeout" description:"How long to wait for the state report (default 2s)"`

	app *app
}

func (c *stateCommand) Execute([]string) error {
	dev, err := c.app.openDevice()
	if err != nil {
		return err
	}
	defer dev.Close()

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = c.app.stateTimeout
	}

	w := newReportWaiter()
	dev.AddObserver(w)
	st, err := w.request(c.app.ctx, dev, timeout)
	if err != nil {
		return err
	}
	printState(c.app.out, st)
	return nil
}

func printState(out io.Writer, st dragon.StateSnapshot) {
	button := "released"
	if st.ButtonPressed {
		button = "pressed"
	}
	fmt.Fprintf(out, "A: %d\nB: %d\nbutton: %s\n", st.PositionA, st.PositionB, button)
}

type moveCommand struct {
	Obfuscate bool `short:"o" long:"obfuscate" description:"Pass through random decoy positions first"`

	Args struct {
		A int `positional-arg-name:"A" description:"Fan A target percent (0-100)"`
		B int `positional-arg-name:"B" description:"Fan B target percent (0-100)"`
	} `positional-args:"yes" required:"yes"`

	app *app
}

func (c *moveCommand) Execute([]string) error {
	dev, err := c.app.openDevice()
	if err != nil {
		return err
	}
	defer dev.Close()

	var t dragon.Transformation
	if c.Obfuscate {
		t, err = dev.TransformObfuscated(c.Args.A, c.Args.B)
	} else {
		t, err = dev.Transform(c.Args.A, c.Args.B)
	}
	if err != nil {
		return err
	}
	return c.app.follow(t)
}

type moveOneCommand struct {
	Args struct {
		Actuator string `positional-arg-name:"ID" description:"Fan to move: A or B"`
		Percent  int    `positional-arg-name:"P" description:"Target percent (0-100)"`
	} `positional-args:"yes" required:"yes"`

	app *app
}

func (c *moveOneCommand) Execute([]string) error {
	id, err := dragon.ParseActuator(c.Args.Actuator)
	if err != nil {
		return err
	}

	dev, err := c.app.openDevice()
	if err != nil {
		return err
	}
	defer dev.Close()

	t, err := dev.TransformOne(id, c.Args.Percent)
	if err != nil {
		return err
	}
	return c.app.follow(t)
}

// follow prints t and its progress until the estimate says both fans
// have arrived.
func (a *app) follow(t dragon.Transformation) error {
	fmt.Fprintln(a.out, describe(t))

	ticker := time.NewTicker(a.progressInterval)
	defer ticker.Stop()

	for {
		s := t.Snapshot(time.Now())
		fmt.Fprintf(a.out, "A %5.1f%%  B %5.1f%%\n", s.PercentA, s.PercentB)
		if s.Complete {
			fmt.Fprintf(a.out, "done in %s\n", t.End().Sub(t.StartTime))
			return nil
		}
		select {
		case <-a.ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func describe(t dragon.Transformation) string {
	s := fmt.Sprintf("%s %s: A %d -> %d, B %d -> %d", t.Kind, t.ID, t.StartA, t.TargetA, t.StartB, t.TargetB)
	if o := t.Obfuscation; o != nil {
		s += fmt.Sprintf(" via decoys %d/%d after %s", o.DecoyA, o.DecoyB, o.Wait)
	}
	return s
}

type loopCommand struct {
	Steps     int           `long:"steps" default:"15" description:"Number of moves"`
	Wait      time.Duration `long:"wait" default:"3s" description:"Pause after each move"`
	Obfuscate bool          `short:"o" long:"obfuscate" description:"Use obfuscated transformations"`

	app *app
}

func (c *loopCommand) Execute([]string) error {
	dev, err := c.app.openDevice()
	if err != nil {
		return err
	}
	defer dev.Close()

	err = runLoop(c.app.ctx, dev, loopPlan{
		steps:     c.Steps,
		wait:      c.Wait,
		obfuscate: c.Obfuscate,
	}, c.app.sleep, func(step int, t dragon.Transformation) {
		fmt.Fprintf(c.app.out, "step %d/%d: %s\n", step, c.Steps, describe(t))
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// loopTargets is the bench open/close cycle.
var loopTargets = [...][2]int{{100, 100}, {0, 0}, {0, 100}, {100, 0}, {0, 0}}

type loopPlan struct {
	steps     int
	wait      time.Duration
	obfuscate bool
}

// runLoop issues plan.steps moves from loopTargets, pausing plan.wait
// after each. It stops early with ctx's error.
func runLoop(ctx context.Context, ctrl dragon.Controller, plan loopPlan, sleep func(context.Context, time.Duration) error, report func(step int, t dragon.Transformation)) error {
	for i := range plan.steps {
		target := loopTargets[i%len(loopTargets)]

		var t dragon.Transformation
		var err error
		if plan.obfuscate {
			t, err = ctrl.TransformObfuscated(target[0], target[1])
		} else {
			t, err = ctrl.Transform(target[0], target[1])
		}
		if err != nil {
			return fmt.Errorf("loop step %d: %w", i+1, err)
		}
		if report != nil {
			report(i+1, t)
		}

		if err := sleep(ctx, plan.wait); err != nil {
			return err
		}
	}
	return nil
}

type tokenCommand struct {
	Subject string        `long:"subject" required:"yes" description:"Token subject, e.g. the operator or client name"`
	Role    string        `long:"role" default:"operator" choice:"viewer" choice:"operator" description:"Role granted by the token"`
	TTL     time.Duration `long:"ttl" description:"Token lifetime (default: security.jwt.access_token_ttl)"`

	app *app
}

func (c *tokenCommand) Execute([]string) error {
	cfg, err := c.app.loadConfig()
	if err != nil {
		return err
	}

	ttl := c.TTL
	if ttl <= 0 {
		ttl = time.Duration(cfg.Security.JWT.AccessTokenTTL) * time.Minute
	}

	token, err := auth.GenerateAccessToken(c.Subject, auth.Role(c.Role), cfg.Security.JWT.Secret, ttl)
	if err != nil {
		if errors.Is(err, auth.ErrNoSecret) {
			return fmt.Errorf("%w: set security.jwt.secret or DRAGON_JWT_SECRET", err)
		}
		return err
	}
	fmt.Fprintln(c.app.out, token)
	return nil
}

// reportWaiter is an observer that hands the next state report to a
// waiting caller.
type reportWaiter struct {
	ch chan dragon.StateSnapshot
}

var _ dragon.Observer = (*reportWaiter)(nil)

func newReportWaiter() *reportWaiter {
	return &reportWaiter{ch: make(chan dragon.StateSnapshot, 1)}
}

func (w *reportWaiter) OnEvent(ev dragon.Event, st dragon.StateSnapshot) {
	if ev.Kind != dragon.EventStateReport {
		return
	}
	select {
	case w.ch <- st:
	default:
	}
}

func (w *reportWaiter) OnTransformation(dragon.Transformation) {}

// request sends STATE and waits for the next report. A report already
// queued from earlier traffic is discarded first.
func (w *reportWaiter) request(ctx context.Context, ctrl dragon.Controller, timeout time.Duration) (dragon.StateSnapshot, error) {
	select {
	case <-w.ch:
	default:
	}

	if err := ctrl.RequestState(); err != nil {
		return dragon.StateSnapshot{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case st := <-w.ch:
		return st, nil
	case <-timer.C:
		return dragon.StateSnapshot{}, fmt.Errorf("no state report within %s", timeout)
	case <-ctx.Done():
		return dragon.StateSnapshot{}, ctx.Err()
	}
}

type shellCommand struct {
	app *app
}

func (c *shellCommand) Execute([]string) error {
	dev, err := c.app.openDevice()
	if err != nil {
		return err
	}
	defer dev.Close()

	s := newSession(c.app, dev)
	defer s.stopLoop()
	return s.run()
}
