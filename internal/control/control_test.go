package control

import (
	"errors"
	"strings"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"github.com/cjeanneret/RampGo/internal/hw/stepper"
)

func TestDecode_JSON(t *testing.T) {
	c, err := Decode("application/json; charset=utf-8",
		[]byte(`{"direction":"Counterclockwise","steps":100,"pulse_width":5}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := Command{Direction: stepper.Counterclockwise, Steps: 100, PulseWidth: 5}
	if c != want {
		t.Errorf("Decode = %+v, want %+v", c, want)
	}
}

func TestDecode_EmptyContentTypeIsJSON(t *testing.T) {
	c, err := Decode("", []byte(`{"direction":"Clockwise","steps":1,"pulse_width":0,"extra":true}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if c.Direction != stepper.Clockwise || c.Steps != 1 {
		t.Errorf("Decode = %+v", c)
	}
}

func TestDecode_Rejects(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"not_json", `not json`, "invalid character"},
		{"unknown_direction", `{"direction":"Up","steps":1,"pulse_width":1}`, "unknown direction"},
		{"lowercase_direction", `{"direction":"clockwise","steps":1,"pulse_width":1}`, "unknown direction"},
		{"missing_direction", `{"steps":1,"pulse_width":1}`, "direction"},
		{"missing_steps", `{"direction":"Clockwise","pulse_width":1}`, "steps"},
		{"missing_pulse_width", `{"direction":"Clockwise","steps":1}`, "pulse_width"},
		{"negative_steps", `{"direction":"Clockwise","steps":-1,"pulse_width":1}`, "steps"},
		{"steps_overflow", `{"direction":"Clockwise","steps":4294967296,"pulse_width":1}`, "steps"},
		{"zero_steps", `{"direction":"Clockwise","steps":0,"pulse_width":1}`, "steps must be > 0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(ContentTypeJSON, []byte(tc.body))
			if !errors.Is(err, ErrDecode) {
				t.Fatalf("Decode error = %v, want ErrDecode", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q should mention %q", err, tc.want)
			}
		})
	}
}

func TestDecode_CBOR(t *testing.T) {
	in := Command{Direction: stepper.Counterclockwise, Steps: 4096, PulseWidth: 20}
	data, err := EncodeCBOR(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := Decode(ContentTypeCBOR, data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out != in {
		t.Errorf("Decode = %+v, want %+v", out, in)
	}
}

func TestDecode_CBORMap(t *testing.T) {
	data, err := cbor.Marshal(map[string]interface{}{"direction": "Clockwise", "steps": 3, "pulse_width": 1})
	if err != nil {
		t.Fatal(err)
	}
	c, err := Decode(ContentTypeCBOR, data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if c.Steps != 3 || c.Direction != stepper.Clockwise {
		t.Errorf("Decode = %+v", c)
	}

	if _, err := Decode(ContentTypeCBOR, []byte{0xff, 0x00}); !errors.Is(err, ErrDecode) {
		t.Errorf("garbage CBOR: err = %v, want ErrDecode", err)
	}
}

func TestValidate(t *testing.T) {
	if err := (Command{Direction: stepper.Direction(9), Steps: 1}).Validate(); err == nil {
		t.Error("out-of-range direction should be rejected")
	}
	if err := (Command{Direction: stepper.Clockwise, Steps: 1}).Validate(); err != nil {
		t.Errorf("valid command rejected: %v", err)
	}
}

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue(3)
	for i := uint32(1); i <= 3; i++ {
		if err := q.Submit(Command{Steps: i}); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	if q.Len() != 3 {
		t.Errorf("Len = %d, want 3", q.Len())
	}
	for i := uint32(1); i <= 3; i++ {
		if c := <-q.Commands(); c.Steps != i {
			t.Errorf("got steps %d, want %d", c.Steps, i)
		}
	}
}

func TestQueue_FullDoesNotBlock(t *testing.T) {
	q := NewQueue(1)
	if err := q.Submit(Command{Steps: 1}); err != nil {
		t.Fatal(err)
	}
	if err := q.Submit(Command{Steps: 2}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Submit on full queue = %v, want ErrQueueFull", err)
	}
}

func TestQueue_Close(t *testing.T) {
	q := NewQueue(0)
	if err := q.Submit(Command{Steps: 1}); err != nil {
		t.Fatal(err)
	}
	q.Close()
	q.Close()

	if err := q.Submit(Command{Steps: 2}); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Submit after Close = %v, want ErrQueueClosed", err)
	}
	if c, ok := <-q.Commands(); !ok || c.Steps != 1 {
		t.Errorf("queued command lost on Close: %+v %v", c, ok)
	}
	if _, ok := <-q.Commands(); ok {
		t.Error("Commands should be closed after draining")
	}
}

func TestIsCBOR(t *testing.T) {
	cases := map[string]bool{
		"application/cbor":               true,
		"Application/CBOR":               true,
		"application/cbor; charset=utf8": true,
		"application/json":               false,
		"":                               false,
	}
	for ct, want := range cases {
		if got := IsCBOR(ct); got != want {
			t.Errorf("IsCBOR(%q) = %v, want %v", ct, got, want)
		}
	}
}
