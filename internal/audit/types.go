// Package audit keeps a trail of the commands sent to the device: which
// surface they came in on, who sent them, and whether the device took
// them.
package audit

import (
	"context"
	"errors"
	"time"
)

// Sources a command can arrive from.
const (
	SourceAPI  = "api"
	SourceMQTT = "mqtt"
)

// Command names, shared by every surface.
const (
	CommandTransform           = "transform"
	CommandTransformOne        = "transform_one"
	CommandTransformObfuscated = "transform_obfuscated"
	CommandRequestState        = "request_state"
)

// Outcome says whether the device accepted a command.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeFailed   Outcome = "failed"
)

// ErrInvalidEntry is returned for entries missing a device, command,
// source or outcome.
var ErrInvalidEntry = errors.New("audit: invalid entry")

// Entry is one audited command.
type Entry struct {
	ID               string         `json:"id"`
	DeviceID         string         `json:"device_id"`
	Command          string         `json:"command"`
	Source           string         `json:"source"`
	Actor            string         `json:"actor,omitempty"`
	Outcome          Outcome        `json:"outcome"`
	Error            string         `json:"error,omitempty"`
	TransformationID string         `json:"transformation_id,omitempty"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Filter controls which entries List returns.
type Filter struct {
	Command string
	Source  string
	Outcome Outcome
	Limit   int // default 50, max 200
	Offset  int
}

// ListResult is one page of entries, newest first.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Repository stores audit entries.
type Repository interface {
	Create(ctx context.Context, e *Entry) error
	List(ctx context.Context, filter Filter) (*ListResult, error)

	// PruneBefore deletes entries older than cutoff.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Recorder accepts entries for storage. Record must not block.
type Recorder interface {
	Record(e Entry)
}
