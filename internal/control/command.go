// Package control holds the motion request accepted from the outside world
// and the queue that hands requests to the motion controller.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/cjeanneret/RampGo/internal/hw/stepper"
)

// Content types accepted by Decode.
const (
	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"
)

// ErrDecode wraps every malformed or invalid request.
var ErrDecode = errors.New("invalid command")

// Command is one motion request: move Steps steps in Direction with STEP
// pulses PulseWidth µs wide. Acceleration and top speed come from config.
type Command struct {
	Direction  stepper.Direction `json:"direction"`
	Steps      uint32            `json:"steps"`
	PulseWidth uint32            `json:"pulse_width"`
	// Source names where the command came from (http, serial, button).
	Source string `json:"-"`
}

// wire is the request body. Pointers tell a missing field from a zero one.
type wire struct {
	Direction  *string `json:"direction" cbor:"direction"`
	Steps      *uint32 `json:"steps" cbor:"steps"`
	PulseWidth *uint32 `json:"pulse_width" cbor:"pulse_width"`
}

// Validate checks a decoded command before it is queued.
func (c Command) Validate() error {
	if c.Direction != stepper.Clockwise && c.Direction != stepper.Counterclockwise {
		return fmt.Errorf("%w: direction must be Clockwise or Counterclockwise", ErrDecode)
	}
	if c.Steps == 0 {
		return fmt.Errorf("%w: steps must be > 0", ErrDecode)
	}
	return nil
}

// Decode parses a request body. An empty or unknown content type is read as
// JSON.
func Decode(contentType string, body []byte) (Command, error) {
	var w wire
	switch mediaType(contentType) {
	case ContentTypeCBOR:
		if err := cbor.Unmarshal(body, &w); err != nil {
			return Command{}, fmt.Errorf("%w: %w", ErrDecode, err)
		}
	default:
		if err := json.Unmarshal(body, &w); err != nil {
			return Command{}, fmt.Errorf("%w: %w", ErrDecode, err)
		}
	}
	return w.command()
}

func (w wire) command() (Command, error) {
	switch {
	case w.Direction == nil:
		return Command{}, fmt.Errorf("%w: missing field `direction`", ErrDecode)
	case w.Steps == nil:
		return Command{}, fmt.Errorf("%w: missing field `steps`", ErrDecode)
	case w.PulseWidth == nil:
		return Command{}, fmt.Errorf("%w: missing field `pulse_width`", ErrDecode)
	}
	dir, err := stepper.ParseDirection(*w.Direction)
	if err != nil {
		return Command{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	c := Command{Direction: dir, Steps: *w.Steps, PulseWidth: *w.PulseWidth}
	if err := c.Validate(); err != nil {
		return Command{}, err
	}
	return c, nil
}

// EncodeCBOR is the inverse of Decode for application/cbor clients.
func EncodeCBOR(c Command) ([]byte, error) {
	dir := c.Direction.String()
	return cbor.Marshal(wire{Direction: &dir, Steps: &c.Steps, PulseWidth: &c.PulseWidth})
}

// IsCBOR reports whether contentType selects the CBOR decoder.
func IsCBOR(contentType string) bool {
	return mediaType(contentType) == ContentTypeCBOR
}

func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}
