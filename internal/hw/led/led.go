// Package led drives the status LED wired to a single GPIO output.
package led

import (
	"time"

	"github.com/cjeanneret/RampGo/internal/debug"
	"github.com/cjeanneret/RampGo/internal/hw/gpio"
)

// LED is an active-high indicator. It is lit while a move runs.
type LED struct {
	gpio gpio.Driver
	pin  int
}

// New configures pin as an output and turns the LED off.
func New(g gpio.Driver, pin int) (*LED, error) {
	if err := g.SetupPin(pin, gpio.Output); err != nil {
		return nil, err
	}
	l := &LED{gpio: g, pin: pin}
	if err := l.Off(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *LED) On() error {
	return l.SetLevel(gpio.High)
}

func (l *LED) Off() error {
	return l.SetLevel(gpio.Low)
}

// Flash lights the LED for d, then turns it off. It blocks for d.
func (l *LED) Flash(d time.Duration) error {
	debug.Verbose("LED: flash %v (pin %d)", d, l.pin)
	if err := l.On(); err != nil {
		return err
	}
	time.Sleep(d)
	return l.Off()
}

func (l *LED) SetLevel(level gpio.Level) error {
	return l.gpio.WritePin(l.pin, level)
}
