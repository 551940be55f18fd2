package journal

import "errors"

var (
	// ErrInvalidRecord is returned for rows missing an id or device id.
	ErrInvalidRecord = errors.New("journal: invalid record")

	// ErrDuplicate is returned when a transformation id is already stored.
	ErrDuplicate = errors.New("journal: transformation already recorded")
)
