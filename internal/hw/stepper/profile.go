package stepper

import "fmt"

// Phase is the current segment of the trapezoidal profile.
// Transitions only go Accelerating -> Constant -> Decelerating.
type Phase int

const (
	Accelerating Phase = iota
	Constant
	Decelerating
)

func (p Phase) String() string {
	switch p {
	case Accelerating:
		return "Accelerating"
	case Constant:
		return "Constant"
	case Decelerating:
		return "Decelerating"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// rampDivisor reserves a fifth of a move for ramping up (and down).
const rampDivisor = 5

// stopAccel is the step at which ramping up stops at the latest,
// floor(steps * 0.2).
func stopAccel(steps uint32) uint32 {
	return steps / rampDivisor
}

// startDecel is the step after which ramping down begins.
func startDecel(steps uint32) uint32 {
	return steps - stopAccel(steps)
}

// MessageKind tags a Message sent from the drive loop to the scheduler.
type MessageKind uint8

const (
	MsgCurrentStep MessageKind = iota
	MsgAccelerating
	MsgConstant
	MsgDecelerating
)

func (k MessageKind) String() string {
	switch k {
	case MsgCurrentStep:
		return "CurrentStep"
	case MsgAccelerating:
		return "Accelerating"
	case MsgConstant:
		return "Constant"
	case MsgDecelerating:
		return "Decelerating"
	default:
		return fmt.Sprintf("MessageKind(%d)", int(k))
	}
}

// Message carries step progress and phase requests. Step is the drive loop's
// step count when the message was sent.
type Message struct {
	Kind MessageKind
	Step uint32
}

// EventKind classifies an Event.
type EventKind uint8

const (
	EventStep  EventKind = iota // a pulse was emitted
	EventSpeed                  // the step rate changed
	EventPhase                  // the profile entered a new phase
	EventDone                   // the move ended (Err set on failure)
)

// Event reports motion progress to an Observer.
type Event struct {
	Kind       EventKind
	Step       uint32
	SPS        uint64
	Phase      Phase
	StartDecel uint32
	Err        error
}

// Observer receives motion events. It must be safe for concurrent use and
// must not block.
type Observer func(Event)
