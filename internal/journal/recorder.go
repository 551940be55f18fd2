package journal

import (
	"context"
	"time"

	"github.com/nerrad567/dragon-core/internal/dragon"
)

const writeTimeout = 2 * time.Second

// Logger is the logging subset the recorder needs.
type Logger interface {
	Warn(msg string, args ...any)
}

// Recorder writes transformations and button edges to a Repository as
// they happen. It implements dragon.Observer.
type Recorder struct {
	repo     Repository
	deviceID string
	logger   Logger
	now      func() time.Time
}

var _ dragon.Observer = (*Recorder)(nil)

// NewRecorder returns a recorder for deviceID. logger may be nil.
func NewRecorder(repo Repository, deviceID string, logger Logger) *Recorder {
	return &Recorder{repo: repo, deviceID: deviceID, logger: logger, now: time.Now}
}

// OnEvent records button edges. State reports are not journalled.
func (r *Recorder) OnEvent(ev dragon.Event, state dragon.StateSnapshot) {
	var pressed bool
	switch ev.Kind {
	case dragon.EventButtonPressed:
		pressed = true
	case dragon.EventButtonReleased:
	default:
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	_, err := r.repo.RecordButtonEvent(ctx, ButtonEvent{
		DeviceID:   r.deviceID,
		Pressed:    pressed,
		PositionA:  state.PositionA,
		PositionB:  state.PositionB,
		OccurredAt: r.now(),
	})
	if err != nil && r.logger != nil {
		r.logger.Warn("journal: recording button event failed", "error", err)
	}
}

// OnTransformation records t.
func (r *Recorder) OnTransformation(t dragon.Transformation) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := r.repo.RecordTransformation(ctx, NewTransformationRecord(r.deviceID, t)); err != nil && r.logger != nil {
		r.logger.Warn("journal: recording transformation failed", "transformation_id", t.ID, "error", err)
	}
}
