package dragon

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Default fan timings, measured on the prototype.
const (
	DefaultFullTravelA = 570 * time.Millisecond
	DefaultFullTravelB = 500 * time.Millisecond

	// MinFullTravel keeps a one-percent move from rounding down to zero.
	MinFullTravel = 100 * time.Millisecond

	// decoyRange is the exclusive upper bound for decoy positions.
	decoyRange = 100
)

// EngineConfig holds the timing model and logging switch.
type EngineConfig struct {
	FullTravelA time.Duration
	FullTravelB time.Duration

	// LogTransformations logs every issued transformation at info level.
	LogTransformations bool
}

func (c EngineConfig) fullTravel(id Actuator) time.Duration {
	if id == ActuatorB {
		return c.FullTravelB
	}
	return c.FullTravelA
}

// Validate checks the full-travel durations.
func (c EngineConfig) Validate() error {
	if c.FullTravelA < MinFullTravel {
		return fmt.Errorf("%w: full travel A %s is below %s", ErrInvalidConfig, c.FullTravelA, MinFullTravel)
	}
	if c.FullTravelB < MinFullTravel {
		return fmt.Errorf("%w: full travel B %s is below %s", ErrInvalidConfig, c.FullTravelB, MinFullTravel)
	}
	return nil
}

// obfuscationPhase is the state of an obfuscated transformation's
// two-step command sequence.
type obfuscationPhase int

const (
	// phaseAwaitingDecoyWindow: decoy command sent, target command pending.
	phaseAwaitingDecoyWindow obfuscationPhase = iota
	// phaseTarget: target command sent (or abandoned on close).
	phaseTarget
)

type obfuscationRun struct {
	t      Transformation
	phase  obfuscationPhase
	action ActionID
}

// Engine turns move requests into command lines and Transformations.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Writes to the transport are serialised.
//   - After Close no further lines are written.
type Engine struct {
	cfg       EngineConfig
	transport Transport
	state     *DeviceState
	sched     *Scheduler

	now   func() time.Time
	intn  func(n int) int
	newID func() string

	writeMu sync.Mutex
	closed  bool

	runsMu sync.Mutex
	runs   map[string]*obfuscationRun

	last    atomic.Pointer[Transformation]
	linesTx atomic.Uint64
	issued  atomic.Uint64
	wErrors atomic.Uint64

	notify func(Transformation)

	logger   Logger
	loggerMu sync.RWMutex
}

// NewEngine creates an engine writing to transport. Positions are read from
// state; deferred commands go through sched.
func NewEngine(cfg EngineConfig, transport Transport, state *DeviceState, sched *Scheduler) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrInvalidConfig)
	}
	if state == nil {
		return nil, fmt.Errorf("%w: state is required", ErrInvalidConfig)
	}
	if sched == nil {
		return nil, fmt.Errorf("%w: scheduler is required", ErrInvalidConfig)
	}
	return &Engine{
		cfg:       cfg,
		transport: transport,
		state:     state,
		sched:     sched,
		now:       time.Now,
		intn:      rand.IntN,
		newID:     uuid.NewString,
		runs:      make(map[string]*obfuscationRun),
	}, nil
}

// SetLogger sets the logger.
func (e *Engine) SetLogger(l Logger) {
	e.loggerMu.Lock()
	e.logger = l
	e.loggerMu.Unlock()
}

// Transform moves both fans directly to a and b.
func (e *Engine) Transform(a, b int) (Transformation, error) {
	if err := checkTargets(a, b); err != nil {
		return Transformation{}, err
	}

	cur := e.state.Snapshot()
	now := e.now()
	t := Transformation{
		ID:        e.newID(),
		Kind:      KindDirect,
		StartA:    cur.PositionA,
		StartB:    cur.PositionB,
		TargetA:   a,
		TargetB:   b,
		StartTime: now,
		EndTimeA:  now.Add(travelDuration(cur.PositionA, a, e.cfg.FullTravelA)),
		EndTimeB:  now.Add(travelDuration(cur.PositionB, b, e.cfg.FullTravelB)),
	}

	if e.cfg.LogTransformations {
		e.logInfo("transforming", "kind", t.Kind, "target_a", a, "target_b", b)
	}
	if err := e.write(EncodeFans(a, b)); err != nil {
		return Transformation{}, err
	}
	e.record(t)
	return t, nil
}

// TransformOne moves a single fan and leaves the other untouched. The
// untouched fan's leg has zero duration.
func (e *Engine) TransformOne(id Actuator, target int) (Transformation, error) {
	if !id.Valid() {
		e.logWarn("invalid actuator", "actuator", id.String())
		return Transformation{}, fmt.Errorf("%w: %s", ErrInvalidActuator, id)
	}
	if err := checkPercent(target); err != nil {
		return Transformation{}, err
	}

	cur := e.state.Snapshot()
	now := e.now()
	t := Transformation{
		ID:        e.newID(),
		Kind:      KindSingle,
		StartA:    cur.PositionA,
		StartB:    cur.PositionB,
		TargetA:   cur.PositionA,
		TargetB:   cur.PositionB,
		StartTime: now,
		EndTimeA:  now,
		EndTimeB:  now,
	}

	var line string
	switch id {
	case ActuatorA:
		t.TargetA = target
		t.EndTimeA = now.Add(travelDuration(cur.PositionA, target, e.cfg.FullTravelA))
		line = EncodeFans(target, Hold)
	case ActuatorB:
		t.TargetB = target
		t.EndTimeB = now.Add(travelDuration(cur.PositionB, target, e.cfg.FullTravelB))
		line = EncodeFans(Hold, target)
	}

	if e.cfg.LogTransformations {
		e.logInfo("transforming", "kind", t.Kind, "actuator", id.String(), "target_a", t.TargetA, "target_b", t.TargetB)
	}
	if err := e.write(line); err != nil {
		return Transformation{}, err
	}
	e.record(t)
	return t, nil
}

// TransformObfuscated moves both fans to random decoy positions first and
// to a and b once the slower fan has reached its decoy.
//
// The returned Transformation starts from the real current positions; the
// decoy only shows up in its timing and in Obfuscation.
func (e *Engine) TransformObfuscated(a, b int) (Transformation, error) {
	if err := checkTargets(a, b); err != nil {
		return Transformation{}, err
	}

	decoyA := e.intn(decoyRange)
	decoyB := e.intn(decoyRange)

	cur := e.state.Snapshot()
	now := e.now()

	wait := max(
		travelDuration(cur.PositionA, decoyA, e.cfg.FullTravelA),
		travelDuration(cur.PositionB, decoyB, e.cfg.FullTravelB),
	)

	t := Transformation{
		ID:        e.newID(),
		Kind:      KindObfuscated,
		StartA:    cur.PositionA,
		StartB:    cur.PositionB,
		TargetA:   a,
		TargetB:   b,
		StartTime: now,
		EndTimeA:  now.Add(wait + travelDuration(decoyA, a, e.cfg.FullTravelA)),
		EndTimeB:  now.Add(wait + travelDuration(decoyB, b, e.cfg.FullTravelB)),
		Obfuscation: &Obfuscation{
			DecoyA: decoyA,
			DecoyB: decoyB,
			Wait:   wait,
		},
	}

	if e.cfg.LogTransformations {
		e.logInfo("transforming",
			"kind", t.Kind,
			"decoy_a", decoyA, "decoy_b", decoyB,
			"target_a", a, "target_b", b,
			"decoy_wait", wait)
	}
	// The decoy write and the target's scheduling happen under writeMu so
	// Close sees either neither or both.
	e.writeMu.Lock()
	if err := e.writeLocked(EncodeFans(decoyA, decoyB)); err != nil {
		e.writeMu.Unlock()
		return Transformation{}, err
	}
	run := &obfuscationRun{t: t, phase: phaseAwaitingDecoyWindow}
	e.runsMu.Lock()
	id, err := e.sched.Schedule(now.Add(wait), "obfuscation-target:"+t.ID, func() { e.fireTarget(run) })
	if err == nil {
		run.action = id
		e.runs[t.ID] = run
	}
	e.runsMu.Unlock()
	e.writeMu.Unlock()

	if err != nil {
		// The decoy is on the wire; keep it visible even though the
		// target will never follow.
		e.logWarn("obfuscation target not scheduled", "transformation_id", t.ID, "error", err)
		e.record(t)
		return t, err
	}
	e.record(t)
	return t, nil
}

// fireTarget is the AwaitingDecoyWindow -> Target transition. A newer
// request does not cancel it; the newer request's own commands follow.
func (e *Engine) fireTarget(run *obfuscationRun) {
	e.runsMu.Lock()
	if run.phase != phaseAwaitingDecoyWindow {
		e.runsMu.Unlock()
		return
	}
	run.phase = phaseTarget
	delete(e.runs, run.t.ID)
	e.runsMu.Unlock()

	if err := e.write(EncodeFans(run.t.TargetA, run.t.TargetB)); err != nil {
		if !errors.Is(err, ErrClosed) {
			e.logError("obfuscation target command failed", "transformation_id", run.t.ID, "error", err)
		}
		return
	}
	e.logDebug("obfuscation target sent", "transformation_id", run.t.ID)
}

// RequestState asks the device for a state report. The reply arrives
// through the read loop like any other report.
func (e *Engine) RequestState() error {
	return e.write(EncodeState())
}

// Last returns the most recently issued transformation.
func (e *Engine) Last() (Transformation, bool) {
	t := e.last.Load()
	if t == nil {
		return Transformation{}, false
	}
	return *t, true
}

// PendingObfuscations returns how many obfuscated transformations are
// still waiting to send their target command.
func (e *Engine) PendingObfuscations() int {
	e.runsMu.Lock()
	defer e.runsMu.Unlock()
	return len(e.runs)
}

// Close stops all writes and cancels pending target commands. It returns
// the number of deferred actions dropped.
func (e *Engine) Close() int {
	e.writeMu.Lock()
	e.closed = true
	e.writeMu.Unlock()

	e.runsMu.Lock()
	dropped := 0
	for id, run := range e.runs {
		if e.sched.Cancel(run.action) {
			dropped++
		}
		run.phase = phaseTarget
		delete(e.runs, id)
	}
	e.runsMu.Unlock()

	return dropped + e.sched.Close()
}

func (e *Engine) write(line string) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.writeLocked(line)
}

func (e *Engine) writeLocked(line string) error {
	if e.closed {
		return ErrClosed
	}
	if err := e.transport.WriteLine(line); err != nil {
		e.wErrors.Add(1)
		if errors.Is(err, ErrClosed) {
			return err
		}
		return fmt.Errorf("%w: %q: %w", ErrWriteFailed, line, err)
	}
	e.linesTx.Add(1)
	e.logDebug("sent", "line", line)
	return nil
}

func (e *Engine) record(t Transformation) {
	e.last.Store(&t)
	e.issued.Add(1)
	if e.notify != nil {
		e.notify(t)
	}
}

func checkTargets(a, b int) error {
	if err := checkPercent(a); err != nil {
		return fmt.Errorf("fan A: %w", err)
	}
	if err := checkPercent(b); err != nil {
		return fmt.Errorf("fan B: %w", err)
	}
	return nil
}

func (e *Engine) getLogger() Logger {
	e.loggerMu.RLock()
	defer e.loggerMu.RUnlock()
	return e.logger
}

func (e *Engine) logDebug(msg string, kv ...any) {
	if l := e.getLogger(); l != nil {
		l.Debug(msg, kv...)
	}
}

func (e *Engine) logInfo(msg string, kv ...any) {
	if l := e.getLogger(); l != nil {
		l.Info(msg, kv...)
	}
}

func (e *Engine) logWarn(msg string, kv ...any) {
	if l := e.getLogger(); l != nil {
		l.Warn(msg, kv...)
	}
}

func (e *Engine) logError(msg string, kv ...any) {
	if l := e.getLogger(); l != nil {
		l.Error(msg, kv...)
	}
}
