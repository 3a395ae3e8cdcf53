package motion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/RampGo/internal/control"
	"github.com/cjeanneret/RampGo/internal/debug"
	"github.com/cjeanneret/RampGo/internal/hw/stepper"
)

// Mover is the motor as seen by the controller (*stepper.Motor).
type Mover interface {
	Enable() error
	Disable() error
	SetDirection(d stepper.Direction) error
	Drive(steps, pulseWidth uint32, accel, maxSPS uint64) error
}

// Indicator is lit for the duration of a move (*led.LED).
type Indicator interface {
	On() error
	Off() error
}

// Reporter receives human-readable messages and structured progress
// (*web.StatusBroadcaster).
type Reporter interface {
	Broadcast(level, msg string)
	Progress(p Progress)
}

// ProgressInterval is the minimum spacing of step/speed progress reports.
// Phase changes and the end of a move are always reported.
const ProgressInterval = 100 * time.Millisecond

// Progress is one structured progress sample of the running move.
type Progress struct {
	Step      uint32 `json:"step"`
	Steps     uint32 `json:"steps"`
	SPS       uint64 `json:"sps"`
	Phase     string `json:"phase"`
	Direction string `json:"direction,omitempty"`
	Done      bool   `json:"done,omitempty"`
}

// Options are the profile parameters and fault policy applied to every
// command.
type Options struct {
	Accel            uint64
	MaxSPS           uint64
	ReleaseAfterMove bool
	StopOnFault      bool
}

// Status is a snapshot of the controller for the status endpoint.
type Status struct {
	Moving    bool             `json:"moving"`
	Current   *control.Command `json:"current,omitempty"`
	Step      uint32           `json:"step"`
	SPS       uint64           `json:"sps"`
	Phase     string           `json:"phase,omitempty"`
	Completed int              `json:"completed"`
	Faults    int              `json:"faults"`
	LastError string           `json:"last_error,omitempty"`
}

// Controller executes motion commands one at a time. It sits between the
// control endpoints (HTTP, serial, button) and the motor.
type Controller struct {
	motor    Mover
	led      Indicator
	reporter Reporter
	opts     Options

	mu           sync.Mutex
	status       Status
	lastProgress time.Time
}

// NewController wires a controller. led and reporter may be nil.
func NewController(m Mover, led Indicator, reporter Reporter, opts Options) *Controller {
	return &Controller{
		motor:    m,
		led:      led,
		reporter: reporter,
		opts:     opts,
	}
}

// Run consumes cmds until the channel is closed or ctx is cancelled. A
// hardware fault ends Run only with StopOnFault; otherwise it is reported
// and the next command runs.
func (c *Controller) Run(ctx context.Context, cmds <-chan control.Command) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd, ok := <-cmds:
			if !ok {
				return nil
			}
			err := c.Execute(cmd)
			if err != nil && c.opts.StopOnFault && errors.Is(err, stepper.ErrHardwareFault) {
				return fmt.Errorf("motion stopped: %w", err)
			}
		}
	}
}

// Execute runs one command to completion.
func (c *Controller) Execute(cmd control.Command) error {
	debug.Command(cmd.Source, cmd.Direction.String(), cmd.Steps, cmd.PulseWidth)
	c.begin(cmd)

	err := c.move(cmd)
	if c.led != nil {
		if lerr := c.led.Off(); lerr != nil {
			debug.Verbose("Controller: LED off failed: %v", lerr)
		}
	}
	if c.opts.ReleaseAfterMove {
		err = errors.Join(err, c.motor.Disable())
	}

	c.end(err)
	if err != nil {
		c.report("error", fmt.Sprintf("Move failed: %v", err))
		return err
	}
	c.report("info", fmt.Sprintf("Move complete: %d steps %s", cmd.Steps, cmd.Direction))
	return nil
}

func (c *Controller) move(cmd control.Command) error {
	if err := c.motor.Enable(); err != nil {
		return err
	}
	if c.led != nil {
		if err := c.led.On(); err != nil {
			debug.Verbose("Controller: LED on failed: %v", err)
		}
	}
	if err := c.motor.SetDirection(cmd.Direction); err != nil {
		return err
	}
	return c.motor.Drive(cmd.Steps, cmd.PulseWidth, c.opts.Accel, c.opts.MaxSPS)
}

// Observe is the motor observer: it keeps Status current, reports phase
// changes and publishes throttled progress samples.
func (c *Controller) Observe(e stepper.Event) {
	c.mu.Lock()
	switch e.Kind {
	case stepper.EventStep:
		c.status.Step = e.Step
	case stepper.EventSpeed:
		c.status.SPS = e.SPS
	case stepper.EventPhase:
		c.status.Phase = e.Phase.String()
		c.status.SPS = e.SPS
	}
	now := time.Now()
	publish := e.Kind == stepper.EventPhase || e.Kind == stepper.EventDone ||
		now.Sub(c.lastProgress) >= ProgressInterval
	var p Progress
	if publish {
		c.lastProgress = now
		p = c.progressLocked()
		p.Done = e.Kind == stepper.EventDone
	}
	c.mu.Unlock()

	if e.Kind == stepper.EventPhase {
		c.report("info", fmt.Sprintf("%s at step %d (%d steps/s)", e.Phase, e.Step, e.SPS))
	}
	if publish && c.reporter != nil {
		c.reporter.Progress(p)
	}
}

func (c *Controller) progressLocked() Progress {
	p := Progress{
		Step:  c.status.Step,
		SPS:   c.status.SPS,
		Phase: c.status.Phase,
	}
	if c.status.Current != nil {
		p.Steps = c.status.Current.Steps
		p.Direction = c.status.Current.Direction.String()
	}
	return p
}

// Status returns a copy of the current state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.status
	if s.Current != nil {
		cur := *s.Current
		s.Current = &cur
	}
	return s
}

func (c *Controller) begin(cmd control.Command) {
	c.mu.Lock()
	c.status.Moving = true
	c.status.Current = &cmd
	c.status.Step, c.status.SPS = 0, 0
	c.status.Phase = initialPhase(c.opts).String()
	c.lastProgress = time.Time{}
	c.mu.Unlock()
	c.report("info", fmt.Sprintf("Moving motor: %d steps %s", cmd.Steps, cmd.Direction))
}

// initialPhase mirrors the motor: without a ramp a move starts at top speed.
func initialPhase(o Options) stepper.Phase {
	if o.Accel == 0 || o.MaxSPS <= 1 {
		return stepper.Constant
	}
	return stepper.Accelerating
}

func (c *Controller) end(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Moving = false
	c.status.Current = nil
	if err != nil {
		c.status.LastError = err.Error()
		if errors.Is(err, stepper.ErrHardwareFault) {
			c.status.Faults++
		}
		return
	}
	c.status.LastError = ""
	c.status.Completed++
}

func (c *Controller) report(level, msg string) {
	if c.reporter != nil {
		c.reporter.Broadcast(level, msg)
	}
}
