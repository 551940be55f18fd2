// dragonctl is a bench tool for a Drag:on device. It lists serial ports,
// reads the fan state, runs transformations, mints API tokens and offers
// an interactive console.
//
// Usage:
//
//	dragonctl --port /dev/ttyACM0 state
//	dragonctl --simulate move 100 40 --obfuscate
//	dragonctl --config configs/config.yaml token --subject bench
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/nerrad567/dragon-core/internal/dragon"
	"github.com/nerrad567/dragon-core/internal/infrastructure/config"
	"github.com/nerrad567/dragon-core/internal/infrastructure/logging"
)

var version = "dev"

// globalOptions apply to every command.
type globalOptions struct {
	Port     string `short:"p" long:"port" env:"DRAGON_SERIAL_PORT" description:"Serial port the device is attached to"`
	Baud     int    `short:"b" long:"baud" description:"Serial line speed (default 115200)"`
	Simulate bool   `short:"s" long:"simulate" description:"Drive an in-process simulator instead of a serial port"`
	Config   string `short:"c" long:"config" env:"DRAGON_CONFIG" description:"Config file; built-in defaults are used when unset"`
	Verbose  bool   `short:"v" long:"verbose" description:"Log driver activity at debug level"`
}

// app carries the parsed options and the I/O every command shares.
type app struct {
	opts globalOptions

	ctx    context.Context
	out    io.Writer
	errOut io.Writer

	// Replaced in tests.
	listPorts        func() ([]dragon.PortInfo, error)
	transport        func() dragon.Transport
	sleep            func(ctx context.Context, d time.Duration) error
	progressInterval time.Duration
	stateTimeout     time.Duration
}

func newApp(ctx context.Context, out, errOut io.Writer) *app {
	return &app{
		ctx:              ctx,
		out:              out,
		errOut:           errOut,
		listPorts:        dragon.ListPorts,
		sleep:            sleepCtx,
		progressInterval: 100 * time.Millisecond,
		stateTimeout:     2 * time.Second,
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a := newApp(ctx, os.Stdout, os.Stderr)
	if _, err := a.parser().Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return
		}
		os.Exit(1)
	}
}

// parser builds the command tree around a's options.
func (a *app) parser() *flags.Parser {
	p := flags.NewParser(&a.opts, flags.Default)
	p.ShortDescription = "Drag:on bench tool"

	mustAdd(p, "ports", "List serial ports",
		"Lists the host's serial ports with their USB identifiers.",
		&portsCommand{app: a})
	mustAdd(p, "state", "Print the fan positions",
		"Asks the device for a state report and prints both fan positions.",
		&stateCommand{app: a})
	mustAdd(p, "move", "Transform both fans",
		"Moves fan A and fan B to the given percents and prints progress until the estimate completes.",
		&moveCommand{app: a})
	mustAdd(p, "move-one", "Transform one fan",
		"Moves a single fan (A or B) to the given percent, holding the other.",
		&moveOneCommand{app: a})
	mustAdd(p, "loop", "Run the open/close cycle",
		"Cycles through 100/100, 0/0, 0/100, 100/0 and 0/0, waiting between steps.",
		&loopCommand{app: a})
	mustAdd(p, "token", "Mint an API bearer token",
		"Signs an access token with the configured JWT secret.",
		&tokenCommand{app: a})
	mustAdd(p, "shell", "Interactive console",
		"Opens the device and starts an interactive console.",
		&shellCommand{app: a})

	return p
}

func mustAdd(p *flags.Parser, name, short, long string, data any) {
	if _, err := p.AddCommand(name, short, long, data); err != nil {
		panic(fmt.Sprintf("registering command %s: %v", name, err))
	}
}

// loadConfig returns the config file named by --config, or the built-in
// defaults, with the command-line device flags applied on top.
func (a *app) loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if a.opts.Config != "" {
		loaded, err := config.Load(a.opts.Config)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if a.opts.Port != "" {
		cfg.Device.Serial.Port = a.opts.Port
	}
	if a.opts.Baud > 0 {
		cfg.Device.Serial.Baud = a.opts.Baud
	}
	if a.opts.Simulate {
		cfg.Device.Simulation = true
	}
	return cfg, nil
}

func (a *app) logger() *logging.Logger {
	level := "warn"
	if a.opts.Verbose {
		level = "debug"
	}
	return logging.NewWithWriter(config.LoggingConfig{Level: level, Format: "text"}, version, a.errOut)
}

// openDevice opens and starts the device described by the options and
// waits for its first state report. The caller closes it.
func (a *app) openDevice() (*dragon.Device, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.Device.Simulation && cfg.Device.Serial.Port == "" {
		return nil, errors.New("no serial port: pass --port, set DRAGON_SERIAL_PORT or use --simulate")
	}

	opts := deviceOptions(cfg.Device, a.logger())
	if a.transport != nil {
		opts.Transport = a.transport()
	}
	dev, err := dragon.Open(opts)
	if err != nil {
		return nil, err
	}
	dev.Start(a.ctx)

	// Moves are timed from the current positions, so read them first.
	w := newReportWaiter()
	dev.AddObserver(w)
	if _, err := w.request(a.ctx, dev, a.stateTimeout); err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("reading initial state: %w", err)
	}
	return dev, nil
}

func deviceOptions(dc config.DeviceConfig, logger dragon.Logger) dragon.Options {
	a, b := dc.FullTravel()
	return dragon.Options{
		Port:               dc.Serial.Port,
		Baud:               dc.Serial.Baud,
		ReadTimeout:        dc.Serial.ReadTimeout(),
		TickInterval:       dc.Serial.TickInterval(),
		FullTravelA:        a,
		FullTravelB:        b,
		Simulation:         dc.Simulation,
		LogTransformations: dc.LogTransformations,
		Logger:             logger,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
