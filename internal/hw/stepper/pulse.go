package stepper

import (
	"time"

	"github.com/cjeanneret/RampGo/internal/hw/gpio"
)

// spinLimit is the longest delay served by spinning instead of sleeping.
const spinLimit = time.Millisecond

// emitPulse drives STEP high for width µs, then low for width µs.
// Only the drive loop calls it.
func (m *Motor) emitPulse(width uint32) error {
	if err := m.gpio.WritePin(m.cfg.StepPin, gpio.High); err != nil {
		return err
	}
	delayMicros(width)
	if err := m.gpio.WritePin(m.cfg.StepPin, gpio.Low); err != nil {
		return err
	}
	delayMicros(width)
	return nil
}

// delayMicros blocks for us microseconds. Sub-millisecond delays spin, since
// the scheduler cannot sleep that precisely.
func delayMicros(us uint32) {
	d := time.Duration(us) * time.Microsecond
	if d <= 0 {
		return
	}
	if d >= spinLimit {
		time.Sleep(d)
		return
	}
	start := time.Now()
	for time.Since(start) < d {
	}
}
