package dragon

import (
	"fmt"
	"strconv"
	"strings"
)

// Wire tokens.
const (
	cmdFans  = "FANS"
	cmdState = "STATE"

	// holdToken leaves a fan at its current position.
	holdToken = "X"

	tagFanA = "FAN-A"
	tagFanB = "FAN-B"

	lineButtonPressed  = "BUTTON PRESSED"
	lineButtonReleased = "BUTTON RELEASED"
)

// Hold is passed to EncodeFans in place of a percent to leave that fan
// where it is.
const Hold = -1

// EventKind classifies an inbound line.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventStateReport
	EventButtonPressed
	EventButtonReleased
)

func (k EventKind) String() string {
	switch k {
	case EventStateReport:
		return "state_report"
	case EventButtonPressed:
		return "button_pressed"
	case EventButtonReleased:
		return "button_released"
	default:
		return "unknown"
	}
}

// Event is a decoded inbound line. A and B are only meaningful for
// EventStateReport.
type Event struct {
	Kind EventKind
	A, B int
	Raw  string
}

// EncodeFans renders a FANS command. A value of Hold renders the
// placeholder for that slot. Range checking is the caller's job.
func EncodeFans(a, b int) string {
	return cmdFans + " " + fanToken(a) + " " + fanToken(b)
}

func fanToken(v int) string {
	if v == Hold {
		return holdToken
	}
	return strconv.Itoa(v)
}

// EncodeState renders the state request.
func EncodeState() string {
	return cmdState
}

// Decode classifies an inbound line. It never fails: anything that does
// not match the grammar comes back as EventUnknown.
//
// A state report needs at least four space-separated tokens with FAN-A at
// token 0 and FAN-B at token 2, each followed by an integer. Both values
// must parse and lie in 0..100 or the whole line is unknown.
func Decode(line string) Event {
	line = strings.TrimRight(line, "\r\n")
	ev := Event{Kind: EventUnknown, Raw: line}

	switch line {
	case lineButtonPressed:
		ev.Kind = EventButtonPressed
		return ev
	case lineButtonReleased:
		ev.Kind = EventButtonReleased
		return ev
	}

	parts := strings.Split(line, " ")
	if len(parts) < 4 || parts[0] != tagFanA || parts[2] != tagFanB {
		return ev
	}
	a, err := strconv.Atoi(parts[1])
	if err != nil {
		return ev
	}
	b, err := strconv.Atoi(parts[3])
	if err != nil {
		return ev
	}
	if checkTargets(a, b) != nil {
		return ev
	}

	ev.Kind = EventStateReport
	ev.A, ev.B = a, b
	return ev
}

// EncodeStateReport renders the line a device sends for its positions.
func EncodeStateReport(a, b int) string {
	return fmt.Sprintf("%s %d %s %d", tagFanA, a, tagFanB, b)
}

// CommandKind classifies an outbound line.
type CommandKind int

const (
	CommandFans CommandKind = iota + 1
	CommandState
)

// Command is a parsed outbound line. For CommandFans a slot holding Hold
// means "unchanged".
type Command struct {
	Kind CommandKind
	A, B int
}

// ParseCommand parses an outbound line the way the device firmware reads it.
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("%w: empty line", ErrInvalidCommand)
	}

	switch fields[0] {
	case cmdState:
		if len(fields) != 1 {
			return Command{}, fmt.Errorf("%w: %q", ErrInvalidCommand, line)
		}
		return Command{Kind: CommandState}, nil
	case cmdFans:
		if len(fields) != 3 {
			return Command{}, fmt.Errorf("%w: %q", ErrInvalidCommand, line)
		}
		a, err := parseFanToken(fields[1])
		if err != nil {
			return Command{}, fmt.Errorf("%w: fan A: %w", ErrInvalidCommand, err)
		}
		b, err := parseFanToken(fields[2])
		if err != nil {
			return Command{}, fmt.Errorf("%w: fan B: %w", ErrInvalidCommand, err)
		}
		return Command{Kind: CommandFans, A: a, B: b}, nil
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrInvalidCommand, line)
	}
}

func parseFanToken(tok string) (int, error) {
	if tok == holdToken {
		return Hold, nil
	}
	v, err := strconv.Atoi(tok)
	if err != nil {
		return 0, err
	}
	if err := checkPercent(v); err != nil {
		return 0, err
	}
	return v, nil
}

func checkPercent(v int) error {
	if v < 0 || v > 100 {
		return fmt.Errorf("%w: %d", ErrInvalidPercent, v)
	}
	return nil
}
