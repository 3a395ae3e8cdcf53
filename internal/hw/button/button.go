// Package button watches a push button on a GPIO input.
package button

import (
	"context"
	"time"

	"github.com/cjeanneret/RampGo/internal/debug"
	"github.com/cjeanneret/RampGo/internal/hw/gpio"
)

const (
	DefaultDebounce     = 10 * time.Millisecond
	DefaultPollInterval = 2 * time.Millisecond
)

// Options configure Watch. Zero values pick the defaults.
type Options struct {
	// ActiveLow is true for a button wired to GND with the internal
	// pull-up; false for a button wired to 3V3 with the pull-down.
	ActiveLow    bool
	Debounce     time.Duration
	PollInterval time.Duration
}

// Watch configures pin as an input and calls onPress once per debounced
// press until ctx is cancelled. A read error ends the watch.
func Watch(ctx context.Context, g gpio.Driver, pin int, opts Options, onPress func()) error {
	mode := gpio.InputPullDown
	if opts.ActiveLow {
		mode = gpio.InputPullUp
	}
	if err := g.SetupPin(pin, mode); err != nil {
		return err
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	pressed := false
	newPressed := false
	var changed time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			level, err := g.ReadPin(pin)
			if err != nil {
				return err
			}
			p := level == gpio.High
			if opts.ActiveLow {
				p = !p
			}
			if p != newPressed {
				newPressed = p
				changed = now
				continue
			}
			// Stable for the debounce window; ok to report.
			if newPressed != pressed && now.Sub(changed) >= opts.Debounce {
				pressed = newPressed
				debug.Verbose("Button: pin %d pressed=%v", pin, pressed)
				if pressed {
					onPress()
				}
			}
		}
	}
}
