package stepper

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cjeanneret/RampGo/internal/debug"
	"github.com/cjeanneret/RampGo/internal/hw/clock"
	"github.com/cjeanneret/RampGo/internal/hw/gpio"
)

var (
	// ErrHardwareFault wraps every GPIO or clock failure. Faults are never
	// retried; the motor is left with both clocks disabled.
	ErrHardwareFault = errors.New("stepper: hardware fault")
	// ErrInvalidCommand is returned before any hardware is touched.
	ErrInvalidCommand = errors.New("stepper: invalid command")
	// ErrBusy is returned when a move is already running on the motor.
	ErrBusy = errors.New("stepper: move in progress")
	// ErrSchedulerLost means the motion scheduler stopped before the move
	// completed.
	ErrSchedulerLost = fmt.Errorf("%w: motion scheduler stopped", ErrHardwareFault)
)

func fault(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrHardwareFault, op, err)
}

// Direction of rotation, fixed for the duration of a move.
type Direction int

const (
	Clockwise Direction = iota
	Counterclockwise
)

func (d Direction) String() string {
	switch d {
	case Clockwise:
		return "Clockwise"
	case Counterclockwise:
		return "Counterclockwise"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// ParseDirection accepts "Clockwise" or "Counterclockwise".
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "Clockwise":
		return Clockwise, nil
	case "Counterclockwise":
		return Counterclockwise, nil
	default:
		return 0, fmt.Errorf("unknown direction %q", s)
	}
}

func (d Direction) MarshalText() ([]byte, error) {
	if d != Clockwise && d != Counterclockwise {
		return nil, fmt.Errorf("invalid direction %d", int(d))
	}
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(b []byte) error {
	v, err := ParseDirection(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// level maps a direction to the DIR pin. Clockwise = HIGH has not been
// checked against the motor wiring.
func (d Direction) level() gpio.Level {
	if d == Clockwise {
		return gpio.High
	}
	return gpio.Low
}

// Config holds the hardware configuration for a stepper motor.
type Config struct {
	StepPin   int
	DirPin    int
	EnablePin int // A4988 ENABLE pin (BCM). 0 = not used. Active LOW (LOW=enabled).
}

// Motor drives a STEP/DIR stepper driver along a trapezoidal speed profile.
// It owns both pins and both clocks for its whole life; callers must not use
// them elsewhere.
type Motor struct {
	gpio       gpio.Driver
	cfg        Config
	stepClock  *clock.Handle
	accelClock *clock.Handle

	mu       sync.Mutex
	busy     bool
	dir      Direction
	observer Observer
}

// New claims the pins and clocks and sets the direction to Clockwise.
func New(g gpio.Driver, cfg Config, stepClock, accelClock clock.Clock) (*Motor, error) {
	if err := g.SetupPin(cfg.StepPin, gpio.Output); err != nil {
		return nil, fault("setup step pin", err)
	}
	if err := g.SetupPin(cfg.DirPin, gpio.Output); err != nil {
		return nil, fault("setup dir pin", err)
	}
	if err := g.WritePin(cfg.StepPin, gpio.Low); err != nil {
		return nil, fault("reset step pin", err)
	}

	m := &Motor{
		gpio:       g,
		cfg:        cfg,
		stepClock:  clock.NewHandle(stepClock),
		accelClock: clock.NewHandle(accelClock),
	}

	// A4988 ENABLE: active LOW. LOW = enabled, HIGH = disabled.
	if cfg.EnablePin > 0 {
		if err := g.SetupPin(cfg.EnablePin, gpio.Output); err != nil {
			return nil, fault("setup enable pin", err)
		}
		if err := g.WritePin(cfg.EnablePin, gpio.Low); err != nil {
			return nil, fault("enable driver", err)
		}
	}

	if err := g.WritePin(cfg.DirPin, Clockwise.level()); err != nil {
		return nil, fault("set direction", err)
	}
	m.dir = Clockwise
	return m, nil
}

// SetObserver installs a callback receiving motion events. It is called from
// both the caller goroutine and the scheduler goroutine.
func (m *Motor) SetObserver(o Observer) {
	m.mu.Lock()
	m.observer = o
	m.mu.Unlock()
}

// Direction returns the direction the next move will use.
func (m *Motor) Direction() Direction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dir
}

// SetDirection writes the DIR pin. Setting the current direction again does
// not touch the pin.
func (m *Motor) SetDirection(d Direction) error {
	if d != Clockwise && d != Counterclockwise {
		return fmt.Errorf("%w: direction %d", ErrInvalidCommand, int(d))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy {
		return ErrBusy
	}
	if d == m.dir {
		return nil
	}
	if err := m.gpio.WritePin(m.cfg.DirPin, d.level()); err != nil {
		return fault("set direction", err)
	}
	debug.Verbose("Stepper: direction %s (pin %d -> %v)", d, m.cfg.DirPin, d.level())
	m.dir = d
	return nil
}

// Enable turns on the motor driver (A4988 ENABLE=LOW). Motors hold position.
func (m *Motor) Enable() error {
	if m.cfg.EnablePin <= 0 {
		return nil
	}
	if err := m.gpio.WritePin(m.cfg.EnablePin, gpio.Low); err != nil {
		return fault("enable driver", err)
	}
	return nil
}

// Disable turns off the motor driver (A4988 ENABLE=HIGH). Motors freewheel, no holding torque.
func (m *Motor) Disable() error {
	if m.cfg.EnablePin <= 0 {
		return nil
	}
	if err := m.gpio.WritePin(m.cfg.EnablePin, gpio.High); err != nil {
		return fault("disable driver", err)
	}
	return nil
}

func (m *Motor) begin() (Observer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy {
		return nil, false
	}
	m.busy = true
	return m.observer, true
}

func (m *Motor) end() {
	m.mu.Lock()
	m.busy = false
	m.mu.Unlock()
}
