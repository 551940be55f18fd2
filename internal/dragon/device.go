package dragon

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

const (
	// DefaultTickInterval is the read loop's idle polling interval.
	DefaultTickInterval = 10 * time.Millisecond

	// observerQueueSize bounds events waiting for observers.
	observerQueueSize = 100
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Observer is told about decoded events and issued transformations.
// Calls are made from a single worker goroutine, in order.
type Observer interface {
	OnEvent(ev Event, state StateSnapshot)
	OnTransformation(t Transformation)
}

// Controller is the command and query surface of a device. Device
// implements it; so do wrappers that stand in for one across reconnects.
type Controller interface {
	Transform(a, b int) (Transformation, error)
	TransformOne(id Actuator, target int) (Transformation, error)
	TransformObfuscated(a, b int) (Transformation, error)
	RequestState() error
	LastTransformation() (Transformation, bool)
	State() StateSnapshot
	Stats() Stats
	IsConnected() bool
}

var _ Controller = (*Device)(nil)

// Options configures Open.
type Options struct {
	// Port is the serial device name, e.g. /dev/ttyACM0 or COM3.
	Port string

	// Baud defaults to DefaultBaud.
	Baud int

	// ReadTimeout bounds each read attempt. Default: 1ms.
	ReadTimeout time.Duration

	// TickInterval is the read loop period when Start is used. Default: 10ms.
	TickInterval time.Duration

	FullTravelA time.Duration
	FullTravelB time.Duration

	// Simulation selects the in-process Simulator instead of a serial port.
	Simulation bool

	LogTransformations bool

	// Transport overrides Port and Simulation when set.
	Transport Transport

	Logger Logger

	// Clock and Rand are replaced in tests.
	Clock func() time.Time
	Rand  func(n int) int
}

func (o *Options) applyDefaults() {
	if o.Baud <= 0 {
		o.Baud = DefaultBaud
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.TickInterval <= 0 {
		o.TickInterval = DefaultTickInterval
	}
	if o.FullTravelA == 0 {
		o.FullTravelA = DefaultFullTravelA
	}
	if o.FullTravelB == 0 {
		o.FullTravelB = DefaultFullTravelB
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Stats holds operational counters.
type Stats struct {
	LinesTx         uint64    `json:"lines_tx"`
	LinesRx         uint64    `json:"lines_rx"`
	UnknownLines    uint64    `json:"unknown_lines"`
	ButtonPresses   uint64    `json:"button_presses"`
	Transformations uint64    `json:"transformations"`
	EventsDropped   uint64    `json:"events_dropped"`
	ErrorsTotal     uint64    `json:"errors_total"`
	PendingActions  int       `json:"pending_actions"`
	LastActivity    time.Time `json:"last_activity"`
	Connected       bool      `json:"connected"`
	Simulated       bool      `json:"simulated"`
}

type notification struct {
	event *Event
	state StateSnapshot
	t     *Transformation
}

// Device is an open connection to one Drag:on.
//
// The read loop runs either on its own goroutine (Start) or is driven by
// the caller (Tick); do not mix the two. Commands may be issued from any
// goroutine.
type Device struct {
	opts      Options
	transport Transport
	sim       *Simulator
	state     *DeviceState
	sched     *Scheduler
	engine    *Engine

	done     *closeOnce
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  atomic.Bool

	errMu sync.Mutex
	err   error

	obsMu     sync.RWMutex
	observers []Observer
	notifyCh  chan notification

	linesRx       atomic.Uint64
	unknownLines  atomic.Uint64
	buttonPresses atomic.Uint64
	dropped       atomic.Uint64
	readErrors    atomic.Uint64
	lastActivity  atomic.Int64

	logger   Logger
	loggerMu sync.RWMutex
}

// Open connects to the device described by opts. It does not start the
// read loop; call Start or drive Tick.
func Open(opts Options) (*Device, error) {
	opts.applyDefaults()

	engineCfg := EngineConfig{
		FullTravelA:        opts.FullTravelA,
		FullTravelB:        opts.FullTravelB,
		LogTransformations: opts.LogTransformations,
	}
	if err := engineCfg.Validate(); err != nil {
		return nil, err
	}

	transport := opts.Transport
	var sim *Simulator
	if transport == nil {
		switch {
		case opts.Simulation:
			sim = NewSimulator(0, 0)
			transport = sim
		case opts.Port == "":
			return nil, fmt.Errorf("%w: port is required unless simulating", ErrInvalidConfig)
		default:
			st, err := OpenSerial(opts.Port, opts.Baud)
			if err != nil {
				return nil, err
			}
			transport = st
		}
	} else if s, ok := transport.(*Simulator); ok {
		sim = s
	}

	state := NewDeviceState(0, 0)
	sched := NewScheduler()
	engine, err := NewEngine(engineCfg, transport, state, sched)
	if err != nil {
		_ = transport.Close() //nolint:errcheck // already failing
		return nil, err
	}
	engine.now = opts.Clock
	if opts.Rand != nil {
		engine.intn = opts.Rand
	}

	d := &Device{
		opts:      opts,
		transport: transport,
		sim:       sim,
		state:     state,
		sched:     sched,
		engine:    engine,
		done:      newCloseOnce(),
		notifyCh:  make(chan notification, observerQueueSize),
	}
	engine.notify = d.queueTransformation
	if opts.Logger != nil {
		d.SetLogger(opts.Logger)
	}

	d.wg.Add(1)
	go d.notifyWorker()

	if opts.Simulation || sim != nil {
		d.logWarn("simulating device")
	} else {
		d.logInfo("connected to device", "port", opts.Port, "baud", opts.Baud)
	}
	return d, nil
}

// SetLogger sets the logger for the device and its engine.
func (d *Device) SetLogger(l Logger) {
	d.loggerMu.Lock()
	d.logger = l
	d.loggerMu.Unlock()
	d.engine.SetLogger(l)
}

// AddObserver registers o for events and transformations.
func (d *Device) AddObserver(o Observer) {
	if o == nil {
		return
	}
	d.obsMu.Lock()
	d.observers = append(d.observers, o)
	d.obsMu.Unlock()
}

// Start runs the read loop on its own goroutine until ctx is cancelled,
// the device is closed, or the link is lost.
func (d *Device) Start(ctx context.Context) {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	d.wg.Add(1)
	go d.readLoop(ctx)
}

func (d *Device) readLoop(ctx context.Context) {
	defer d.wg.Done()

	d.logInfo("read loop started", "port", d.opts.Port)
	defer d.logInfo("read loop stopped", "port", d.opts.Port)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			d.shutdown(nil)
			return
		case <-d.done.Done():
			return
		case <-timer.C:
		}

		if err := d.Tick(d.opts.Clock()); err != nil {
			return
		}
		timer.Reset(d.nextWait())
	}
}

// nextWait returns the tick interval, shortened so a deferred command fires
// on time.
func (d *Device) nextWait() time.Duration {
	wait := d.opts.TickInterval
	if at, ok := d.sched.Next(); ok {
		if until := at.Sub(d.opts.Clock()); until < wait {
			wait = max(until, 0)
		}
	}
	return wait
}

// Tick runs one read cycle: fire due deferred commands, clear the button
// edges, and apply at most one inbound line. A read failure closes the
// device and is returned wrapped in ErrLinkLost.
func (d *Device) Tick(now time.Time) error {
	select {
	case <-d.done.Done():
		return ErrClosed
	default:
	}

	d.sched.RunDue(now)
	d.state.BeginCycle()

	line, ok, err := d.transport.TryReadLine(d.opts.ReadTimeout)
	if err != nil {
		d.readErrors.Add(1)
		if !errors.Is(err, ErrLinkLost) {
			err = fmt.Errorf("%w: %w", ErrLinkLost, err)
		}
		d.logWarn("connection lost", "port", d.opts.Port, "error", err)
		d.shutdown(err)
		return err
	}
	if !ok {
		return nil
	}

	d.linesRx.Add(1)
	d.lastActivity.Store(now.UnixNano())

	ev := Decode(line)
	if ev.Kind == EventUnknown {
		d.unknownLines.Add(1)
		d.logDebug("unrecognized line", "line", line)
		return nil
	}

	d.state.Apply(ev)
	if ev.Kind == EventButtonPressed {
		d.buttonPresses.Add(1)
	}
	d.logDebug("received", "line", line, "event", ev.Kind.String())
	d.queue(notification{event: &ev, state: d.state.Snapshot()})
	return nil
}

// Close cancels pending deferred commands, stops the read loop and closes
// the transport. It is safe to call more than once.
func (d *Device) Close() error {
	err := d.shutdown(nil)
	d.wg.Wait()
	return err
}

func (d *Device) shutdown(cause error) error {
	var closeErr error
	d.stopOnce.Do(func() {
		d.errMu.Lock()
		d.err = cause
		d.errMu.Unlock()

		if n := d.engine.Close(); n > 0 {
			d.logDebug("cancelled deferred commands", "count", n)
		}
		closeErr = d.transport.Close()
		d.done.Close()
	})
	return closeErr
}

// Done is closed when the device has shut down, for any reason.
func (d *Device) Done() <-chan struct{} {
	return d.done.Done()
}

// Err returns why the device shut down: nil after Close, or an error
// wrapping ErrLinkLost.
func (d *Device) Err() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.err
}

// IsConnected reports whether the device is still open.
func (d *Device) IsConnected() bool {
	select {
	case <-d.done.Done():
		return false
	default:
		return true
	}
}

// Transform moves both fans directly.
func (d *Device) Transform(a, b int) (Transformation, error) {
	return d.engine.Transform(a, b)
}

// TransformOne moves a single fan.
func (d *Device) TransformOne(id Actuator, target int) (Transformation, error) {
	return d.engine.TransformOne(id, target)
}

// TransformObfuscated moves both fans via random decoy positions.
func (d *Device) TransformObfuscated(a, b int) (Transformation, error) {
	return d.engine.TransformObfuscated(a, b)
}

// RequestState sends STATE.
func (d *Device) RequestState() error {
	return d.engine.RequestState()
}

// LastTransformation returns the most recent transformation, if any.
func (d *Device) LastTransformation() (Transformation, bool) {
	return d.engine.Last()
}

// State returns the last-known device state.
func (d *Device) State() StateSnapshot {
	return d.state.Snapshot()
}

// AssumePositions sets the positions used until the device reports its
// own, such as those last seen on a previous link.
func (d *Device) AssumePositions(a, b int) error {
	if err := checkTargets(a, b); err != nil {
		return err
	}
	d.state.Apply(Event{Kind: EventStateReport, A: a, B: b})
	return nil
}

// FanState returns fan id's last reported position. An unknown id logs a
// warning and returns negative infinity.
func (d *Device) FanState(id string) float64 {
	a, err := ParseActuator(id)
	if err != nil {
		d.logWarn("invalid actuator", "actuator", id)
		return math.Inf(-1)
	}
	pos, _ := d.state.Position(a) //nolint:errcheck // a is valid
	return float64(pos)
}

// Button reports whether the button is held.
func (d *Device) Button() bool {
	return d.state.Button()
}

// ButtonPressedThisCycle reports a press in the latest read cycle.
func (d *Device) ButtonPressedThisCycle() bool {
	return d.state.PressedThisCycle()
}

// ButtonReleasedThisCycle reports a release in the latest read cycle.
func (d *Device) ButtonReleasedThisCycle() bool {
	return d.state.ReleasedThisCycle()
}

// Simulator returns the simulated transport, or nil for real hardware.
func (d *Device) Simulator() *Simulator {
	return d.sim
}

// FullTravel returns the configured full-travel duration of fan id.
func (d *Device) FullTravel(id Actuator) time.Duration {
	return d.engine.cfg.fullTravel(id)
}

// Stats returns a snapshot of the device counters.
func (d *Device) Stats() Stats {
	s := Stats{
		LinesTx:         d.engine.linesTx.Load(),
		LinesRx:         d.linesRx.Load(),
		UnknownLines:    d.unknownLines.Load(),
		ButtonPresses:   d.buttonPresses.Load(),
		Transformations: d.engine.issued.Load(),
		EventsDropped:   d.dropped.Load(),
		ErrorsTotal:     d.readErrors.Load() + d.engine.wErrors.Load(),
		PendingActions:  d.sched.Pending(),
		Connected:       d.IsConnected(),
		Simulated:       d.sim != nil,
	}
	if ns := d.lastActivity.Load(); ns > 0 {
		s.LastActivity = time.Unix(0, ns)
	}
	return s
}

func (d *Device) queueTransformation(t Transformation) {
	d.queue(notification{t: &t})
}

func (d *Device) queue(n notification) {
	select {
	case d.notifyCh <- n:
	default:
		d.dropped.Add(1)
		d.logWarn("observer queue full, dropping notification")
	}
}

// notifyWorker delivers notifications to observers until shutdown, then
// drains what is already queued.
func (d *Device) notifyWorker() {
	defer d.wg.Done()
	for {
		select {
		case n := <-d.notifyCh:
			d.deliver(n)
		case <-d.done.Done():
			for {
				select {
				case n := <-d.notifyCh:
					d.deliver(n)
				default:
					return
				}
			}
		}
	}
}

func (d *Device) deliver(n notification) {
	d.obsMu.RLock()
	observers := make([]Observer, len(d.observers))
	copy(observers, d.observers)
	d.obsMu.RUnlock()

	for _, o := range observers {
		d.safeNotify(o, n)
	}
}

func (d *Device) safeNotify(o Observer, n notification) {
	defer func() {
		if r := recover(); r != nil {
			d.logError("observer panicked", "panic", fmt.Sprint(r))
		}
	}()
	switch {
	case n.event != nil:
		o.OnEvent(*n.event, n.state)
	case n.t != nil:
		o.OnTransformation(*n.t)
	}
}

func (d *Device) getLogger() Logger {
	d.loggerMu.RLock()
	defer d.loggerMu.RUnlock()
	return d.logger
}

func (d *Device) logDebug(msg string, kv ...any) {
	if l := d.getLogger(); l != nil {
		l.Debug(msg, kv...)
	}
}

func (d *Device) logInfo(msg string, kv ...any) {
	if l := d.getLogger(); l != nil {
		l.Info(msg, kv...)
	}
}

func (d *Device) logWarn(msg string, kv ...any) {
	if l := d.getLogger(); l != nil {
		l.Warn(msg, kv...)
	}
}

func (d *Device) logError(msg string, kv ...any) {
	if l := d.getLogger(); l != nil {
		l.Error(msg, kv...)
	}
}
