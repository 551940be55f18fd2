package dragon

import "time"

// Transport is the line-oriented link to the device.
//
// Implementations must tolerate WriteLine being called from a different
// goroutine than TryReadLine. Only one goroutine reads.
type Transport interface {
	// WriteLine sends line followed by a newline and flushes it.
	WriteLine(line string) error

	// TryReadLine waits at most timeout for a complete line. It returns
	// ok=false on timeout. A non-nil error means the link is gone.
	TryReadLine(timeout time.Duration) (line string, ok bool, err error)

	Close() error
}

var (
	_ Transport = (*SerialTransport)(nil)
	_ Transport = (*Simulator)(nil)
)
