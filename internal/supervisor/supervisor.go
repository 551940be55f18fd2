package supervisor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nerrad567/dragon-core/internal/dragon"
)

// Defaults for Config fields left zero.
const (
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultMaxInterval     = 30 * time.Second
)

// Opener opens a new device. It is called once per (re)connect attempt.
type Opener func() (*dragon.Device, error)

// Config is the reopen policy.
type Config struct {
	// Reconnect reopens the device after link loss. When false, Run
	// returns the link error instead.
	Reconnect bool

	InitialInterval time.Duration
	MaxInterval     time.Duration

	// MaxElapsed bounds a single run of open attempts. Zero retries forever.
	MaxElapsed time.Duration
}

// Logger is the logging subset the supervisor needs.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Supervisor opens, watches and reopens one device.
type Supervisor struct {
	open Opener
	cfg  Config

	mu        sync.RWMutex
	dev       *dragon.Device
	lastState dragon.StateSnapshot
	haveLast  bool
	lastT     *dragon.Transformation
	observers []dragon.Observer
	hooks     []func(connected bool)

	opens      atomic.Uint64
	linkLosses atomic.Uint64

	logger Logger
}

var _ dragon.Controller = (*Supervisor)(nil)

// New returns a supervisor that opens devices with open.
func New(open Opener, cfg Config) *Supervisor {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultInitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = DefaultMaxInterval
	}
	return &Supervisor{open: open, cfg: cfg}
}

// SetLogger sets the supervisor's logger.
func (s *Supervisor) SetLogger(l Logger) {
	s.mu.Lock()
	s.logger = l
	s.mu.Unlock()
}

// AddObserver registers o with the current device and every later one.
func (s *Supervisor) AddObserver(o dragon.Observer) {
	if o == nil {
		return
	}
	s.mu.Lock()
	s.observers = append(s.observers, o)
	dev := s.dev
	s.mu.Unlock()

	if dev != nil {
		dev.AddObserver(o)
	}
}

// OnStateChange registers fn to be told when a device is attached (true)
// or detached (false). fn runs on the Run goroutine and must not block.
func (s *Supervisor) OnStateChange(fn func(connected bool)) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// Run keeps a device open until ctx is cancelled. It returns nil on
// cancellation, or the error that made it give up: a permanent open
// failure, an exhausted retry budget, or link loss with reconnect off.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		dev, err := s.openWithRetry(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		s.attach(dev)
		dev.Start(ctx)

		var cause error
		select {
		case <-ctx.Done():
		case <-dev.Done():
			cause = dev.Err()
		}

		s.detach(dev)
		if err := dev.Close(); err != nil {
			s.logWarn("closing device", "error", err)
		}

		if ctx.Err() != nil || cause == nil {
			return nil
		}

		s.linkLosses.Add(1)
		unplugged := dragon.IsDisconnect(cause)
		if !s.cfg.Reconnect {
			s.logError("device link lost, reconnect disabled", "error", cause, "unplugged", unplugged)
			return cause
		}
		s.logWarn("device link lost, reopening", "error", cause, "unplugged", unplugged)
	}
}

func (s *Supervisor) openWithRetry(ctx context.Context) (*dragon.Device, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.InitialInterval
	bo.MaxInterval = s.cfg.MaxInterval
	bo.MaxElapsedTime = s.cfg.MaxElapsed

	var dev *dragon.Device
	op := func() error {
		d, err := s.open()
		if err != nil {
			if errors.Is(err, dragon.ErrInvalidConfig) || dragon.IsPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		dev = d
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.logWarn("device open failed, retrying", "error", err, "retry_in", wait.String())
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify); err != nil {
		return nil, fmt.Errorf("opening device: %w", err)
	}
	s.opens.Add(1)
	return dev, nil
}

// attach makes dev current. Until dev answers the STATE sent here, it
// carries the positions seen before the previous link dropped.
func (s *Supervisor) attach(dev *dragon.Device) {
	s.mu.Lock()
	s.dev = dev
	last, haveLast := s.lastState, s.haveLast
	observers := slices.Clone(s.observers)
	hooks := slices.Clone(s.hooks)
	s.mu.Unlock()

	if haveLast {
		if err := dev.AssumePositions(last.PositionA, last.PositionB); err != nil {
			s.logWarn("discarding last known positions", "error", err)
		}
	}
	for _, o := range observers {
		dev.AddObserver(o)
	}
	if err := dev.RequestState(); err != nil {
		s.logWarn("initial state request failed", "error", err)
	}
	s.logInfo("device attached", "opens", s.opens.Load())
	for _, fn := range hooks {
		fn(true)
	}
}

func (s *Supervisor) detach(dev *dragon.Device) {
	s.mu.Lock()
	if s.dev == dev {
		s.lastState = dev.State()
		s.haveLast = true
		if t, ok := dev.LastTransformation(); ok {
			s.lastT = &t
		}
		s.dev = nil
	}
	hooks := slices.Clone(s.hooks)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(false)
	}
}

// Current returns the open device, or nil between reconnects.
func (s *Supervisor) Current() *dragon.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dev
}

// Opens returns how many devices have been opened.
func (s *Supervisor) Opens() uint64 {
	return s.opens.Load()
}

// LinkLosses returns how many devices ended with a lost link.
func (s *Supervisor) LinkLosses() uint64 {
	return s.linkLosses.Load()
}

func (s *Supervisor) current() (*dragon.Device, error) {
	if dev := s.Current(); dev != nil {
		return dev, nil
	}
	return nil, dragon.ErrNotConnected
}

// Transform delegates to the current device.
func (s *Supervisor) Transform(a, b int) (dragon.Transformation, error) {
	dev, err := s.current()
	if err != nil {
		return dragon.Transformation{}, err
	}
	return dev.Transform(a, b)
}

// TransformOne delegates to the current device.
func (s *Supervisor) TransformOne(id dragon.Actuator, target int) (dragon.Transformation, error) {
	dev, err := s.current()
	if err != nil {
		return dragon.Transformation{}, err
	}
	return dev.TransformOne(id, target)
}

// TransformObfuscated delegates to the current device.
func (s *Supervisor) TransformObfuscated(a, b int) (dragon.Transformation, error) {
	dev, err := s.current()
	if err != nil {
		return dragon.Transformation{}, err
	}
	return dev.TransformObfuscated(a, b)
}

// RequestState delegates to the current device.
func (s *Supervisor) RequestState() error {
	dev, err := s.current()
	if err != nil {
		return err
	}
	return dev.RequestState()
}

// LastTransformation returns the newest transformation of the current
// device, falling back to the one remembered from the previous device.
func (s *Supervisor) LastTransformation() (dragon.Transformation, bool) {
	s.mu.RLock()
	dev, last := s.dev, s.lastT
	s.mu.RUnlock()

	if dev != nil {
		if t, ok := dev.LastTransformation(); ok {
			return t, true
		}
	}
	if last != nil {
		return *last, true
	}
	return dragon.Transformation{}, false
}

// State returns the current device's state, or the last state seen
// before the link dropped.
func (s *Supervisor) State() dragon.StateSnapshot {
	s.mu.RLock()
	dev, last := s.dev, s.lastState
	s.mu.RUnlock()

	if dev != nil {
		return dev.State()
	}
	return last
}

// Stats returns the current device's counters. Between devices only
// Connected (false) is meaningful.
func (s *Supervisor) Stats() dragon.Stats {
	if dev := s.Current(); dev != nil {
		return dev.Stats()
	}
	return dragon.Stats{}
}

// IsConnected reports whether a device is open and its link is up.
func (s *Supervisor) IsConnected() bool {
	dev := s.Current()
	return dev != nil && dev.IsConnected()
}

func (s *Supervisor) getLogger() Logger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logger
}

func (s *Supervisor) logInfo(msg string, kv ...any) {
	if l := s.getLogger(); l != nil {
		l.Info(msg, kv...)
	}
}

func (s *Supervisor) logWarn(msg string, kv ...any) {
	if l := s.getLogger(); l != nil {
		l.Warn(msg, kv...)
	}
}

func (s *Supervisor) logError(msg string, kv ...any) {
	if l := s.getLogger(); l != nil {
		l.Error(msg, kv...)
	}
}
