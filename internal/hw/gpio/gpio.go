package gpio

import (
	"fmt"

	"github.com/cjeanneret/RampGo/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

func (l Level) String() string {
	if l {
		return "HIGH"
	}
	return "LOW"
}

// PinMode indicates whether a GPIO is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
	InputPullDown // input with internal pull-down (button to 3V3)
	InputPullUp   // input with internal pull-up (button to GND)
)

// Driver defines the abstract interface for controlling GPIOs.
// This allows plugging in a real Raspberry Pi implementation
// or a mock for development on PC. Pin numbers are BCM numbers.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	Close() error
}

// MockDriver is a test implementation that simply logs actions.
// Used for development on PC or testing.
type MockDriver struct{}

// Backend names accepted by NewDriver.
const (
	BackendMock   = "mock"
	BackendRPi    = "rpio"
	BackendPeriph = "periph"
)

// NewDriver creates a GPIO driver for the named backend.
// "mock" returns a MockDriver (for dev/test), "rpio" the go-rpio
// memory-mapped driver and "periph" the periph.io driver.
func NewDriver(backend string) (Driver, error) {
	switch backend {
	case BackendMock:
		debug.Info("Using MOCK GPIO driver (development mode)")
		return &MockDriver{}, nil
	case BackendRPi, "":
		return NewRPiRealDriver()
	case BackendPeriph:
		return NewPeriphDriver()
	default:
		return nil, fmt.Errorf("unknown gpio backend: %q", backend)
	}
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)
	return Low, nil
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	return nil
}
