package stepper

import (
	"errors"
	"fmt"

	"github.com/cjeanneret/RampGo/internal/debug"
	"github.com/cjeanneret/RampGo/internal/hw/clock"
)

// msgBuffer bounds the drive loop -> scheduler channel. CurrentStep
// messages are dropped when it is full; phase messages never are.
const msgBuffer = 32

// Drive moves the motor steps steps in the current direction and blocks
// until the last pulse has been emitted or the hardware failed.
//
// pulseWidth is the STEP high (and low) time in µs, accel the ramp rate in
// steps per second per second and maxSPS the plateau speed. accel == 0
// runs the whole move at maxSPS. Both clocks are disabled and unsubscribed
// when Drive returns, whatever the outcome.
func (m *Motor) Drive(steps, pulseWidth uint32, accel, maxSPS uint64) error {
	if steps == 0 {
		return fmt.Errorf("%w: steps must be > 0", ErrInvalidCommand)
	}
	if maxSPS == 0 {
		return fmt.Errorf("%w: max_sps must be >= 1", ErrInvalidCommand)
	}
	observer, ok := m.begin()
	if !ok {
		return ErrBusy
	}
	defer m.end()

	notify := func(Event) {}
	if observer != nil {
		notify = observer
	}

	mv := &move{
		m:          m,
		steps:      steps,
		pulseWidth: pulseWidth,
		accel:      accel,
		maxSPS:     maxSPS,
		ramp:       accel > 0 && maxSPS > 1,
		stopAccel:  stopAccel(steps),
		startDecel: startDecel(steps),
		notify:     notify,
	}
	debug.Move(steps, m.dir.String())
	debug.Verbose("Stepper: profile accel=%d max_sps=%d stop_accel=%d start_decel=%d",
		accel, maxSPS, mv.stopAccel, mv.startDecel)

	err := mv.run()
	notify(Event{Kind: EventDone, Step: mv.step, Err: err})
	if err != nil {
		debug.Error(err)
	}
	return err
}

// move is the state of one Drive call. Its fields are touched only by the
// caller goroutine; the scheduler has its own copy of what it needs.
type move struct {
	m          *Motor
	steps      uint32
	pulseWidth uint32
	accel      uint64
	maxSPS     uint64
	ramp       bool
	stopAccel  uint32
	startDecel uint32
	notify     func(Event)

	step      uint32
	msgs      chan Message
	plateau   chan uint32
	schedDone chan error
}

func (mv *move) run() (err error) {
	step := mv.m.stepClock.Acquire()
	accel := mv.m.accelClock.Acquire()
	defer func() {
		err = errors.Join(err, mv.stopScheduler(), mv.teardown(step, accel))
	}()

	stepWake, accelWake := clock.NewWaker(), clock.NewWaker()
	if err := mv.arm(step, accel, stepWake, accelWake); err != nil {
		return err
	}

	mv.msgs = make(chan Message, msgBuffer)
	mv.plateau = make(chan uint32, 1)
	mv.schedDone = make(chan error, 1)
	s := &scheduler{
		steps:      mv.steps,
		maxSPS:     mv.maxSPS,
		ramp:       mv.ramp,
		tickHz:     step.TickHz(),
		stepClock:  step.Acquire(),
		accelClock: accel.Acquire(),
		msgs:       mv.msgs,
		wake:       accelWake.C(),
		plateau:    mv.plateau,
		notify:     mv.notify,
		phase:      Accelerating,
		sps:        1,
	}
	if !mv.ramp {
		s.phase, s.sps = Constant, mv.maxSPS
	}
	go func() {
		mv.schedDone <- s.run()
	}()

	return mv.loop(stepWake)
}

// arm subscribes and starts both clocks.
func (mv *move) arm(step, accel *clock.Handle, stepWake, accelWake *clock.Waker) error {
	if err := step.Subscribe(stepWake.Notify); err != nil {
		return fault("subscribe step clock", err)
	}
	if err := accel.Subscribe(accelWake.Notify); err != nil {
		return fault("subscribe acceleration clock", err)
	}

	initial := uint64(1)
	if !mv.ramp {
		initial = mv.maxSPS
	}
	if err := step.SetPeriod(clock.PeriodFor(step.TickHz(), initial)); err != nil {
		return fault("set step clock period", err)
	}
	if mv.ramp {
		if err := accel.SetPeriod(clock.PeriodFor(accel.TickHz(), mv.accel)); err != nil {
			return fault("set acceleration clock period", err)
		}
	}

	if err := step.Enable(); err != nil {
		return fault("enable step clock", err)
	}
	if mv.ramp {
		if err := accel.Enable(); err != nil {
			return fault("enable acceleration clock", err)
		}
	}
	return nil
}

// loop is the drive loop: one pulse per step clock wake-up.
func (mv *move) loop(stepWake *clock.Waker) error {
	if mv.ramp {
		if err := mv.send(Message{Kind: MsgAccelerating}); err != nil {
			return err
		}
	}

	constantSent, decelSent := !mv.ramp, false
	for mv.step < mv.steps {
		select {
		case <-stepWake.C():
		case err := <-mv.schedDone:
			mv.schedDone = nil
			return mv.lost(err)
		}

		if err := mv.m.emitPulse(mv.pulseWidth); err != nil {
			return fault("step pulse", err)
		}
		mv.step++
		if debug.IsEnabled(debug.LevelTrace) {
			debug.Trace("Stepper: step %d/%d", mv.step, mv.steps)
		}
		if mv.step == mv.steps {
			mv.notify(Event{Kind: EventStep, Step: mv.step})
			break
		}

		select {
		case sd := <-mv.plateau:
			mv.startDecel = sd
			constantSent = true
			debug.Verbose("Stepper: plateau reached, decelerating from step %d", sd)
		default:
		}

		var err error
		switch {
		case !decelSent && mv.step >= mv.startDecel:
			err = mv.send(Message{Kind: MsgDecelerating, Step: mv.step})
			decelSent, constantSent = true, true
		case !constantSent && mv.step >= mv.stopAccel:
			err = mv.send(Message{Kind: MsgConstant, Step: mv.step})
			constantSent = true
		default:
			mv.trySend(Message{Kind: MsgCurrentStep, Step: mv.step})
		}
		if err != nil {
			return err
		}
		mv.notify(Event{Kind: EventStep, Step: mv.step})
	}
	return nil
}

// send delivers a phase message, giving up if the scheduler is gone.
func (mv *move) send(msg Message) error {
	select {
	case mv.msgs <- msg:
		return nil
	case err := <-mv.schedDone:
		mv.schedDone = nil
		return mv.lost(err)
	}
}

// trySend delivers a progress message unless the channel is full.
func (mv *move) trySend(msg Message) {
	select {
	case mv.msgs <- msg:
	default:
	}
}

func (mv *move) lost(err error) error {
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSchedulerLost, err)
	}
	return ErrSchedulerLost
}

// stopScheduler closes the message channel and waits for the scheduler to
// exit. It is a no-op when the scheduler never started or already exited.
func (mv *move) stopScheduler() error {
	if mv.msgs == nil {
		return nil
	}
	close(mv.msgs)
	if mv.schedDone == nil {
		return nil
	}
	if err := <-mv.schedDone; err != nil {
		return mv.lost(err)
	}
	return nil
}

// teardown disables both clocks and drops their subscriptions.
func (mv *move) teardown(step, accel *clock.Handle) error {
	var errs []error
	if err := step.Disable(); err != nil {
		errs = append(errs, fault("disable step clock", err))
	}
	if err := accel.Disable(); err != nil {
		errs = append(errs, fault("disable acceleration clock", err))
	}
	if err := step.Release(); err != nil {
		errs = append(errs, fault("release step clock", err))
	}
	if err := accel.Release(); err != nil {
		errs = append(errs, fault("release acceleration clock", err))
	}
	return errors.Join(errs...)
}
