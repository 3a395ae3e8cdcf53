package stepper

import (
	"errors"

	"github.com/cjeanneret/RampGo/internal/debug"
	"github.com/cjeanneret/RampGo/internal/hw/clock"
)

// scheduler owns the speed and the phase of one move. It runs on its own
// goroutine, woken by the acceleration clock, and learns about step progress
// only through messages from the drive loop.
type scheduler struct {
	steps  uint32
	maxSPS uint64
	ramp   bool
	tickHz uint64

	stepClock  *clock.Handle
	accelClock *clock.Handle

	msgs    <-chan Message
	wake    <-chan struct{}
	plateau chan<- uint32
	notify  func(Event)

	phase    Phase
	sps      uint64
	observed uint32
}

// run returns nil when the drive loop closes the message channel and an
// error if the clocks could not be reprogrammed.
func (s *scheduler) run() (err error) {
	defer func() {
		err = errors.Join(err, s.stepClock.Release(), s.accelClock.Release())
	}()

	for {
		select {
		case msg, ok := <-s.msgs:
			if !ok {
				return nil
			}
			if err := s.handle(msg); err != nil {
				return err
			}
		case <-s.wake:
			// Apply pending progress first so a plateau is measured against
			// the latest step the drive loop reported.
			open, err := s.drain()
			if err != nil || !open {
				return err
			}
			if err := s.tick(); err != nil {
				return err
			}
		}
	}
}

func (s *scheduler) drain() (bool, error) {
	for {
		select {
		case msg, ok := <-s.msgs:
			if !ok {
				return false, nil
			}
			if err := s.handle(msg); err != nil {
				return true, err
			}
		default:
			return true, nil
		}
	}
}

func (s *scheduler) handle(msg Message) error {
	if msg.Step > s.observed {
		s.observed = msg.Step
	}
	switch msg.Kind {
	case MsgConstant:
		if s.phase == Accelerating {
			return s.enter(Constant)
		}
	case MsgDecelerating:
		if s.phase != Decelerating {
			return s.enter(Decelerating)
		}
	}
	return nil
}

// enter switches phase. Ramping pauses while Constant.
func (s *scheduler) enter(p Phase) error {
	s.phase = p
	debug.Phase(p.String(), s.observed, s.sps)
	s.notify(Event{Kind: EventPhase, Step: s.observed, SPS: s.sps, Phase: p})

	if !s.ramp {
		return nil
	}
	switch p {
	case Constant:
		if err := s.accelClock.Disable(); err != nil {
			return fault("disable acceleration clock", err)
		}
	case Decelerating:
		if err := s.accelClock.Enable(); err != nil {
			return fault("enable acceleration clock", err)
		}
	}
	return nil
}

func (s *scheduler) tick() error {
	switch s.phase {
	case Accelerating:
		s.sps++
		if s.sps >= s.maxSPS {
			s.sps = s.maxSPS
			if err := s.reachPlateau(); err != nil {
				return err
			}
		}
	case Decelerating:
		if s.sps <= 1 {
			return nil
		}
		s.sps--
	default:
		return nil
	}
	return s.reprogram()
}

// reachPlateau handles max speed reached while still ramping up: the ramp
// down gets as many steps as the ramp up took.
func (s *scheduler) reachPlateau() error {
	startDecel := s.steps - s.observed
	select {
	case s.plateau <- startDecel:
	default:
	}
	s.phase = Constant
	debug.Phase(Constant.String(), s.observed, s.sps)
	s.notify(Event{Kind: EventPhase, Step: s.observed, SPS: s.sps, Phase: Constant, StartDecel: startDecel})
	if err := s.accelClock.Disable(); err != nil {
		return fault("disable acceleration clock", err)
	}
	return nil
}

// reprogram applies the current speed from the next step period on.
func (s *scheduler) reprogram() error {
	period := clock.PeriodFor(s.tickHz, s.sps)
	if err := s.stepClock.SetPeriod(period); err != nil {
		return fault("set step clock period", err)
	}
	debug.Speed(s.sps, period)
	s.notify(Event{Kind: EventSpeed, Step: s.observed, SPS: s.sps, Phase: s.phase})
	return nil
}
