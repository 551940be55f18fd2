package dragon

import "time"

// Kind says how a transformation was commanded.
type Kind string

const (
	KindDirect     Kind = "direct"
	KindSingle     Kind = "single"
	KindObfuscated Kind = "obfuscated"
)

// Obfuscation records the decoy stage of an obfuscated transformation.
type Obfuscation struct {
	DecoyA int
	DecoyB int

	// Wait is the shared decoy stage: the slower fan's time to reach its
	// decoy. The target command is sent after it elapses.
	Wait time.Duration
}

// Transformation models a commanded move of both fans over time.
//
// It is a value: created once when the command is issued and never
// changed. All queries are pure functions of the fields and the instant
// passed in; none consult the device.
type Transformation struct {
	ID   string
	Kind Kind

	StartA, StartB   int
	TargetA, TargetB int

	StartTime time.Time
	EndTimeA  time.Time
	EndTimeB  time.Time

	// Obfuscation is nil unless Kind is KindObfuscated.
	Obfuscation *Obfuscation
}

// travelDuration is the estimated time for a fan to cover the distance
// between two percents, truncated to the millisecond.
func travelDuration(from, to int, fullTravel time.Duration) time.Duration {
	d := to - from
	if d < 0 {
		d = -d
	}
	return (time.Duration(d) * fullTravel / 100).Truncate(time.Millisecond)
}

func (t Transformation) leg(id Actuator) (start, target int, end time.Time, ok bool) {
	switch id {
	case ActuatorA:
		return t.StartA, t.TargetA, t.EndTimeA, true
	case ActuatorB:
		return t.StartB, t.TargetB, t.EndTimeB, true
	default:
		return 0, 0, time.Time{}, false
	}
}

// Duration returns the time from start until fan id settles.
func (t Transformation) Duration(id Actuator) time.Duration {
	_, _, end, ok := t.leg(id)
	if !ok {
		return 0
	}
	return end.Sub(t.StartTime)
}

// Progress returns how far fan id is through its move at now, in [0,1].
// A fan with nothing to do is always at 1.
func (t Transformation) Progress(id Actuator, now time.Time) float64 {
	_, _, end, ok := t.leg(id)
	if !ok {
		return 0
	}
	total := end.Sub(t.StartTime)
	if total <= 0 {
		return 1
	}
	p := float64(now.Sub(t.StartTime)) / float64(total)
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}

// Percent interpolates fan id's position at now.
func (t Transformation) Percent(id Actuator, now time.Time) float64 {
	start, target, _, ok := t.leg(id)
	if !ok {
		return 0
	}
	return float64(start) + float64(target-start)*t.Progress(id, now)
}

// Active reports whether now falls within fan id's move, inclusive.
func (t Transformation) Active(id Actuator, now time.Time) bool {
	_, _, end, ok := t.leg(id)
	if !ok {
		return false
	}
	return !now.Before(t.StartTime) && !now.After(end)
}

// Settled reports whether fan id has finished at now. A zero-length move
// is settled from its start time on.
func (t Transformation) Settled(id Actuator, now time.Time) bool {
	_, _, end, ok := t.leg(id)
	if !ok {
		return false
	}
	if end.Equal(t.StartTime) {
		return !now.Before(t.StartTime)
	}
	return now.After(end)
}

// Complete reports whether both fans have finished at now.
func (t Transformation) Complete(now time.Time) bool {
	return t.Settled(ActuatorA, now) && t.Settled(ActuatorB, now)
}

// End returns the later of the two end times.
func (t Transformation) End() time.Time {
	if t.EndTimeB.After(t.EndTimeA) {
		return t.EndTimeB
	}
	return t.EndTimeA
}

// TransformationSnapshot is a transformation evaluated at one instant, in
// a form ready for JSON.
type TransformationSnapshot struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	StartA    int       `json:"start_a"`
	StartB    int       `json:"start_b"`
	TargetA   int       `json:"target_a"`
	TargetB   int       `json:"target_b"`
	StartTime time.Time `json:"start_time"`
	DurationA int64     `json:"duration_a_ms"`
	DurationB int64     `json:"duration_b_ms"`
	ProgressA float64   `json:"progress_a"`
	ProgressB float64   `json:"progress_b"`
	PercentA  float64   `json:"percent_a"`
	PercentB  float64   `json:"percent_b"`
	ActiveA   bool      `json:"active_a"`
	ActiveB   bool      `json:"active_b"`
	Complete  bool      `json:"complete"`
	DecoyA    *int      `json:"decoy_a,omitempty"`
	DecoyB    *int      `json:"decoy_b,omitempty"`
	DecoyWait int64     `json:"decoy_wait_ms,omitempty"`
	Evaluated time.Time `json:"evaluated_at"`
}

// Snapshot evaluates t at now.
func (t Transformation) Snapshot(now time.Time) TransformationSnapshot {
	s := TransformationSnapshot{
		ID:        t.ID,
		Kind:      t.Kind,
		StartA:    t.StartA,
		StartB:    t.StartB,
		TargetA:   t.TargetA,
		TargetB:   t.TargetB,
		StartTime: t.StartTime,
		DurationA: t.Duration(ActuatorA).Milliseconds(),
		DurationB: t.Duration(ActuatorB).Milliseconds(),
		ProgressA: t.Progress(ActuatorA, now),
		ProgressB: t.Progress(ActuatorB, now),
		PercentA:  t.Percent(ActuatorA, now),
		PercentB:  t.Percent(ActuatorB, now),
		ActiveA:   t.Active(ActuatorA, now),
		ActiveB:   t.Active(ActuatorB, now),
		Complete:  t.Complete(now),
		Evaluated: now,
	}
	if o := t.Obfuscation; o != nil {
		da, db := o.DecoyA, o.DecoyB
		s.DecoyA, s.DecoyB = &da, &db
		s.DecoyWait = o.Wait.Milliseconds()
	}
	return s
}
