package dragon

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Serial link defaults.
const (
	// DefaultBaud is the device firmware's fixed line speed.
	DefaultBaud = 115200

	// DefaultReadTimeout keeps a tick from blocking on an idle line.
	DefaultReadTimeout = time.Millisecond

	// readChunkSize is the size of a single read from the port.
	readChunkSize = 128

	// maxPendingBytes bounds the unterminated-line buffer.
	maxPendingBytes = 4096
)

// portIO is the subset of serial.Port the transport needs.
type portIO interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Drain() error
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	ResetOutputBuffer() error
	Close() error
}

// SerialTransport speaks the line protocol over a serial port.
//
// Thread Safety:
//   - WriteLine may be called concurrently with TryReadLine.
//   - TryReadLine must only be called from one goroutine.
type SerialTransport struct {
	name string
	port portIO

	readMu      sync.Mutex
	pending     []byte
	buf         []byte
	readTimeout time.Duration

	writeMu sync.Mutex

	closeMu sync.Mutex
	closed  bool
}

// OpenSerial opens the named port at baud, 8N1, and discards anything
// already buffered in either direction.
func OpenSerial(name string, baud int) (*SerialTransport, error) {
	if baud <= 0 {
		baud = DefaultBaud
	}
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectFailed, name, err)
	}

	t, err := newSerialTransport(name, port)
	if err != nil {
		_ = port.Close() //nolint:errcheck // already failing
		return nil, err
	}
	return t, nil
}

func newSerialTransport(name string, port portIO) (*SerialTransport, error) {
	if err := port.ResetInputBuffer(); err != nil {
		return nil, fmt.Errorf("%w: %s: reset input: %w", ErrConnectFailed, name, err)
	}
	if err := port.ResetOutputBuffer(); err != nil {
		return nil, fmt.Errorf("%w: %s: reset output: %w", ErrConnectFailed, name, err)
	}
	if err := port.SetReadTimeout(DefaultReadTimeout); err != nil {
		return nil, fmt.Errorf("%w: %s: read timeout: %w", ErrConnectFailed, name, err)
	}
	return &SerialTransport{
		name:        name,
		port:        port,
		buf:         make([]byte, readChunkSize),
		readTimeout: DefaultReadTimeout,
	}, nil
}

// Name returns the port name the transport was opened on.
func (t *SerialTransport) Name() string {
	return t.name
}

// WriteLine writes line plus a newline and waits for the bytes to leave
// the output buffer.
func (t *SerialTransport) WriteLine(line string) error {
	if t.isClosed() {
		return ErrClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.port.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	if err := t.port.Drain(); err != nil {
		return fmt.Errorf("serial drain: %w", err)
	}
	return nil
}

// TryReadLine returns the next complete line, reading from the port at
// most once. A port read error is reported as ErrLinkLost.
func (t *SerialTransport) TryReadLine(timeout time.Duration) (string, bool, error) {
	if t.isClosed() {
		return "", false, ErrClosed
	}

	t.readMu.Lock()
	defer t.readMu.Unlock()

	if line, ok := t.nextLine(); ok {
		return line, true, nil
	}

	if timeout > 0 && timeout != t.readTimeout {
		if err := t.port.SetReadTimeout(timeout); err != nil {
			return "", false, fmt.Errorf("%w: set read timeout: %w", ErrLinkLost, err)
		}
		t.readTimeout = timeout
	}

	n, err := t.port.Read(t.buf)
	if err != nil {
		return "", false, fmt.Errorf("%w: read %s: %w", ErrLinkLost, t.name, err)
	}
	if n == 0 {
		// go.bug.st/serial reports a timeout as 0, nil.
		return "", false, nil
	}

	t.pending = append(t.pending, t.buf[:n]...)
	if line, ok := t.nextLine(); ok {
		return line, true, nil
	}
	if len(t.pending) > maxPendingBytes {
		t.pending = t.pending[:0]
	}
	return "", false, nil
}

// nextLine pops one newline-terminated line off the pending buffer.
func (t *SerialTransport) nextLine() (string, bool) {
	i := bytes.IndexByte(t.pending, '\n')
	if i < 0 {
		return "", false
	}
	line := string(bytes.TrimRight(t.pending[:i], "\r"))
	t.pending = t.pending[:copy(t.pending, t.pending[i+1:])]
	return line, true
}

// Close closes the port. It is safe to call more than once.
func (t *SerialTransport) Close() error {
	t.closeMu.Lock()
	if t.closed {
		t.closeMu.Unlock()
		return nil
	}
	t.closed = true
	t.closeMu.Unlock()

	if err := t.port.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", t.name, err)
	}
	return nil
}

func (t *SerialTransport) isClosed() bool {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	return t.closed
}

// IsDisconnect reports whether err means the port went away, as opposed to
// a configuration or permission problem.
func IsDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	code, ok := portErrorCode(err)
	if !ok {
		return errors.Is(err, ErrLinkLost)
	}
	switch code {
	case serial.PortNotFound, serial.PortClosed, serial.InvalidSerialPort:
		return true
	default:
		return false
	}
}

// IsPermanent reports whether reopening the port cannot succeed without
// operator action, such as a wrong port name or missing permissions.
func IsPermanent(err error) bool {
	code, ok := portErrorCode(err)
	if !ok {
		return false
	}
	switch code {
	case serial.PermissionDenied, serial.InvalidSpeed, serial.InvalidDataBits,
		serial.InvalidParity, serial.InvalidStopBits, serial.FunctionNotImplemented:
		return true
	default:
		return false
	}
}

func portErrorCode(err error) (serial.PortErrorCode, bool) {
	var ptr *serial.PortError
	if errors.As(err, &ptr) && ptr != nil {
		return ptr.Code(), true
	}
	var val serial.PortError
	if errors.As(err, &val) {
		return val.Code(), true
	}
	return 0, false
}
