package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/RampGo/internal/debug"
	pgpio "periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// PeriphDriver implements Driver on top of periph.io. It works on any board
// periph.io supports (Raspberry Pi through bcm283x or the generic sysfs/gpiochip
// drivers). Pins are looked up by their BCM name ("GPIO27").
type PeriphDriver struct {
	mu   sync.Mutex
	pins map[int]pgpio.PinIO
}

// NewPeriphDriver initializes the periph.io host drivers.
func NewPeriphDriver() (*PeriphDriver, error) {
	debug.Info("Initializing real GPIO driver (periph.io)")

	state, err := host.Init()
	if err != nil {
		return nil, fmt.Errorf("periph host init failed: %w", err)
	}
	for _, d := range state.Loaded {
		debug.Verbose("periph driver loaded: %s", d)
	}

	return &PeriphDriver{
		pins: make(map[int]pgpio.PinIO),
	}, nil
}

func (d *PeriphDriver) lookup(pin int) (pgpio.PinIO, error) {
	if p, ok := d.pins[pin]; ok {
		return p, nil
	}
	name := fmt.Sprintf("GPIO%d", pin)
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("gpio: failed to open %s", name)
	}
	d.pins[pin] = p
	return p, nil
}

func (d *PeriphDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)

	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := d.lookup(pin)
	if err != nil {
		return err
	}

	switch mode {
	case Input:
		err = p.In(pgpio.Float, pgpio.NoEdge)
	case Output:
		err = p.Out(pgpio.Low)
	case InputPullDown:
		err = p.In(pgpio.PullDown, pgpio.NoEdge)
	case InputPullUp:
		err = p.In(pgpio.PullUp, pgpio.NoEdge)
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}
	if err != nil {
		return fmt.Errorf("gpio: setup %s: %w", p.Name(), err)
	}
	return nil
}

func (d *PeriphDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)

	d.mu.Lock()
	p, err := d.lookup(pin)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if err := p.Out(pgpio.Level(level)); err != nil {
		return fmt.Errorf("gpio: write %s: %w", p.Name(), err)
	}
	return nil
}

func (d *PeriphDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)

	d.mu.Lock()
	p, err := d.lookup(pin)
	d.mu.Unlock()
	if err != nil {
		return Low, err
	}
	return Level(p.Read()), nil
}

func (d *PeriphDriver) Close() error {
	debug.Trace("GPIO Close (periph driver)")

	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for pin, p := range d.pins {
		debug.Verbose("Resetting pin %d to input", pin)
		if err := p.In(pgpio.PullNoChange, pgpio.NoEdge); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
