package dragon

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"
)

func openSimulated(t *testing.T) (*Device, *fakeClock, *mockLogger) {
	t.Helper()
	clock := newFakeClock()
	logger := &mockLogger{}
	d, err := Open(Options{
		Simulation:         true,
		Clock:              clock.Now,
		Rand:               seqRand(20, 40),
		LogTransformations: true,
		Logger:             logger,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = d.Close() }) //nolint:errcheck // test cleanup
	return d, clock, logger
}

func TestOpen_Validation(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"no port", Options{}},
		{"full travel too short", Options{Simulation: true, FullTravelA: 50 * time.Millisecond}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Open(tt.opts); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Open() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestOpen_Defaults(t *testing.T) {
	d, _, logger := openSimulated(t)

	if d.Simulator() == nil {
		t.Fatal("Simulator() = nil with Simulation set")
	}
	if got := d.FullTravel(ActuatorA); got != DefaultFullTravelA {
		t.Errorf("FullTravel(A) = %s, want %s", got, DefaultFullTravelA)
	}
	if got := d.FullTravel(ActuatorB); got != DefaultFullTravelB {
		t.Errorf("FullTravel(B) = %s, want %s", got, DefaultFullTravelB)
	}
	if !logger.has("warn", "simulating device") {
		t.Error("expected a simulation warning")
	}
	if !d.IsConnected() {
		t.Error("IsConnected() = false after Open")
	}
}

func TestDevice_TransformThenTickAppliesReport(t *testing.T) {
	d, clock, _ := openSimulated(t)

	if _, err := d.Transform(50, 30); err != nil {
		t.Fatalf("Transform() error = %v", err)
	}
	if err := d.Tick(clock.Now()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	if got := d.FanState("A"); got != 50 {
		t.Errorf("FanState(A) = %v, want 50", got)
	}
	if got := d.FanState("b"); got != 30 {
		t.Errorf("FanState(b) = %v, want 30", got)
	}
	st := d.Stats()
	if st.LinesTx != 1 || st.LinesRx != 1 || st.Transformations != 1 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestDevice_FanStateInvalid(t *testing.T) {
	d, _, logger := openSimulated(t)

	if got := d.FanState("C"); !math.IsInf(got, -1) {
		t.Errorf("FanState(C) = %v, want -Inf", got)
	}
	if !logger.has("warn", "invalid actuator") {
		t.Error("expected a warning for the invalid actuator")
	}
}

func TestDevice_ButtonEdgeLastsOneCycle(t *testing.T) {
	d, clock, _ := openSimulated(t)
	sim := d.Simulator()

	sim.Press()
	if err := d.Tick(clock.Now()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if !d.ButtonPressedThisCycle() || !d.Button() {
		t.Fatalf("after press: edge=%v held=%v", d.ButtonPressedThisCycle(), d.Button())
	}

	if err := d.Tick(clock.Advance(10 * time.Millisecond)); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if d.ButtonPressedThisCycle() {
		t.Error("press edge still set on the following tick")
	}
	if !d.Button() {
		t.Error("button released without a release line")
	}

	sim.Release()
	if err := d.Tick(clock.Advance(10 * time.Millisecond)); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if !d.ButtonReleasedThisCycle() || d.Button() {
		t.Errorf("after release: edge=%v held=%v", d.ButtonReleasedThisCycle(), d.Button())
	}
	if got := d.Stats().ButtonPresses; got != 1 {
		t.Errorf("ButtonPresses = %d, want 1", got)
	}
}

func TestDevice_GarbageIsCountedNotApplied(t *testing.T) {
	d, clock, _ := openSimulated(t)
	before := d.State()

	d.Simulator().Inject("garbage")
	if err := d.Tick(clock.Now()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if after := d.State(); after != before {
		t.Errorf("state changed from %+v to %+v", before, after)
	}
	if got := d.Stats().UnknownLines; got != 1 {
		t.Errorf("UnknownLines = %d, want 1", got)
	}
}

func TestDevice_NoisyReportKeepsEstimates(t *testing.T) {
	d, clock, _ := openSimulated(t)

	d.Simulator().Inject("FAN-A 500 FAN-B -3")
	if err := d.Tick(clock.Now()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if st := d.State(); st.PositionA != 0 || st.PositionB != 0 {
		t.Errorf("positions = %d/%d, want 0/0", st.PositionA, st.PositionB)
	}
	if got := d.Stats().UnknownLines; got != 1 {
		t.Errorf("UnknownLines = %d, want 1", got)
	}

	tr, err := d.Transform(100, 100)
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}
	if got := tr.Duration(ActuatorA); got != DefaultFullTravelA {
		t.Errorf("Duration(A) = %s, want %s", got, DefaultFullTravelA)
	}
}

func TestDevice_AssumePositions(t *testing.T) {
	d, _, _ := openSimulated(t)

	if err := d.AssumePositions(80, 80); err != nil {
		t.Fatalf("AssumePositions() error = %v", err)
	}
	tr, err := d.Transform(80, 80)
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}
	if tr.StartA != 80 || tr.Duration(ActuatorA) != 0 || tr.Duration(ActuatorB) != 0 {
		t.Errorf("Transform() = start %d durations %s/%s, want 80 and zero", tr.StartA, tr.Duration(ActuatorA), tr.Duration(ActuatorB))
	}

	if err := d.AssumePositions(101, 0); !errors.Is(err, ErrInvalidPercent) {
		t.Errorf("AssumePositions(101, 0) error = %v, want %v", err, ErrInvalidPercent)
	}
}

func TestDevice_ObfuscatedTargetFiresOnTick(t *testing.T) {
	d, clock, _ := openSimulated(t)
	sim := d.Simulator()

	tr, err := d.TransformObfuscated(100, 100)
	if err != nil {
		t.Fatalf("TransformObfuscated() error = %v", err)
	}
	wait := tr.Obfuscation.Wait

	if err := d.Tick(clock.Advance(wait - time.Millisecond)); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if got := sim.Written(); !reflect.DeepEqual(got, []string{"FANS 20 40"}) {
		t.Fatalf("written before wait = %q", got)
	}

	if err := d.Tick(clock.Advance(time.Millisecond)); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if got := sim.Written(); !reflect.DeepEqual(got, []string{"FANS 20 40", "FANS 100 100"}) {
		t.Errorf("written after wait = %q", got)
	}
}

func TestDevice_CloseCancelsPendingTarget(t *testing.T) {
	d, clock, _ := openSimulated(t)
	sim := d.Simulator()

	if _, err := d.TransformObfuscated(100, 100); err != nil {
		t.Fatalf("TransformObfuscated() error = %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if err := d.Tick(clock.Advance(time.Hour)); !errors.Is(err, ErrClosed) {
		t.Errorf("Tick() after Close error = %v, want ErrClosed", err)
	}
	if got := sim.Written(); len(got) != 1 {
		t.Errorf("written = %q, want only the decoy", got)
	}
	if _, err := d.Transform(0, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("Transform() after Close error = %v, want ErrClosed", err)
	}
	if d.Err() != nil {
		t.Errorf("Err() = %v after a plain Close, want nil", d.Err())
	}
}

func TestDevice_LinkLossStopsDevice(t *testing.T) {
	d, clock, logger := openSimulated(t)
	d.Simulator().Unplug()

	err := d.Tick(clock.Now())
	if !errors.Is(err, ErrLinkLost) {
		t.Fatalf("Tick() error = %v, want ErrLinkLost", err)
	}

	select {
	case <-d.Done():
	default:
		t.Fatal("Done() not closed after link loss")
	}
	if !errors.Is(d.Err(), ErrLinkLost) {
		t.Errorf("Err() = %v, want ErrLinkLost", d.Err())
	}
	if d.IsConnected() {
		t.Error("IsConnected() = true after link loss")
	}
	if !logger.has("warn", "connection lost") {
		t.Error("expected a connection lost warning")
	}
	if err := d.RequestState(); !errors.Is(err, ErrClosed) {
		t.Errorf("RequestState() after link loss error = %v, want ErrClosed", err)
	}
}

func TestDevice_ObserversReceiveEvents(t *testing.T) {
	d, clock, _ := openSimulated(t)
	obs := &recordingObserver{}
	d.AddObserver(obs)
	d.AddObserver(nil)

	if _, err := d.Transform(10, 20); err != nil {
		t.Fatalf("Transform() error = %v", err)
	}
	if err := d.Tick(clock.Now()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	d.Simulator().Inject("nonsense")
	if err := d.Tick(clock.Now()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	events, transformations := obs.counts()
	if events != 1 || transformations != 1 {
		t.Fatalf("observer saw %d events and %d transformations, want 1 and 1", events, transformations)
	}
	if obs.events[0].Kind != EventStateReport || obs.states[0].PositionA != 10 || obs.states[0].PositionB != 20 {
		t.Errorf("observed event %+v with state %+v", obs.events[0], obs.states[0])
	}
}

type panickingObserver struct{}

func (panickingObserver) OnEvent(Event, StateSnapshot)    { panic("boom") }
func (panickingObserver) OnTransformation(Transformation) { panic("boom") }

func TestDevice_ObserverPanicIsContained(t *testing.T) {
	d, _, logger := openSimulated(t)
	d.AddObserver(panickingObserver{})
	obs := &recordingObserver{}
	d.AddObserver(obs)

	if _, err := d.Transform(1, 1); err != nil {
		t.Fatalf("Transform() error = %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, n := obs.counts(); n != 1 {
		t.Errorf("second observer saw %d transformations, want 1", n)
	}
	if !logger.has("error", "observer panicked") {
		t.Error("expected the panic to be logged")
	}
}

func TestDevice_StartRunsReadLoop(t *testing.T) {
	d, err := Open(Options{Simulation: true, TickInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	d.Start(ctx) // second call is a no-op

	d.Simulator().Press()
	deadline := time.Now().Add(2 * time.Second)
	for !d.Button() {
		if time.Now().After(deadline) {
			t.Fatal("read loop never applied the button press")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("device did not stop after context cancel")
	}
	if err := d.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
