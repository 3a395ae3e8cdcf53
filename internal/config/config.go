package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes bounds the size of a config file read by Load.
const MaxConfigFileBytes = 64 << 10

// StepperConfig holds the pins of the STEP/DIR driver (BCM numbers).
type StepperConfig struct {
	StepPin   int `yaml:"step_pin"`
	DirPin    int `yaml:"dir_pin"`
	EnablePin int `yaml:"enable_pin"` // A4988 ENABLE pin (BCM). 0 = not used. Active LOW.
}

// GPIOConfig selects the GPIO backend: "rpio", "periph" or "mock".
type GPIOConfig struct {
	Backend string `yaml:"backend"`
}

// ClockConfig selects the timer backend behind the step and acceleration
// clocks: "timerfd" (Linux) or "ticker".
type ClockConfig struct {
	Backend string `yaml:"backend"`
	TickHz  uint64 `yaml:"tick_hz"` // timer resolution, default 1 MHz
}

// MotionConfig contains the profile parameters applied to every command.
type MotionConfig struct {
	Accel            uint64 `yaml:"accel"`              // steps/s gained per second; 0 = no ramp
	MaxSPS           uint64 `yaml:"max_sps"`            // plateau speed (steps/s)
	PulseWidthUs     uint32 `yaml:"pulse_width_us"`     // default STEP pulse width for the button jog
	ReleaseAfterMove bool   `yaml:"release_after_move"` // disable the driver (ENABLE HIGH) between moves
	StopOnFault      bool   `yaml:"stop_on_fault"`      // stop consuming commands after a hardware fault
}

// LEDConfig describes the status LED. Pin 0 = no LED.
type LEDConfig struct {
	Pin int `yaml:"pin"`
}

// JogConfig is the command submitted when the button is pressed.
type JogConfig struct {
	Direction  string `yaml:"direction"`
	Steps      uint32 `yaml:"steps"`
	PulseWidth uint32 `yaml:"pulse_width"`
}

// ButtonConfig describes the jog button. Pin 0 = no button.
type ButtonConfig struct {
	Pin        int       `yaml:"pin"`
	ActiveLow  bool      `yaml:"active_low"` // wired to GND with pull-up
	DebounceMs int       `yaml:"debounce_ms"`
	Jog        JogConfig `yaml:"jog"`
}

// WebConfig holds the HTTP control endpoint settings.
type WebConfig struct {
	Port         int    `yaml:"port"` // 0 = web server off unless -web is given
	ControlPath  string `yaml:"control_path"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

// SerialConfig holds the serial console settings. Empty device = off.
type SerialConfig struct {
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
}

// Config aggregates all application configuration.
type Config struct {
	Stepper    StepperConfig `yaml:"stepper"`
	GPIO       GPIOConfig    `yaml:"gpio"`
	Clock      ClockConfig   `yaml:"clock"`
	Motion     MotionConfig  `yaml:"motion"`
	LED        LEDConfig     `yaml:"led"`
	Button     ButtonConfig  `yaml:"button"`
	Web        WebConfig     `yaml:"web"`
	Serial     SerialConfig  `yaml:"serial"`
	QueueDepth int           `yaml:"queue_depth"`
	DebugLevel int           `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
}

// ValidateConfigPath accepts only .yaml files located directly in a
// directory named "configs".
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config file must have .yaml extension: %s", path)
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config file must be in a configs/ directory: %s", path)
	}
	if strings.Contains(filepath.ToSlash(path), "../") {
		return fmt.Errorf("config path must not contain '..': %s", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", MaxConfigFileBytes)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() error {
	// Basic validation
	if cfg.Stepper.StepPin <= 0 || cfg.Stepper.DirPin <= 0 {
		return fmt.Errorf("stepper.step_pin and stepper.dir_pin are required")
	}
	if cfg.Stepper.StepPin == cfg.Stepper.DirPin {
		return fmt.Errorf("stepper.step_pin and stepper.dir_pin must differ, both are %d", cfg.Stepper.StepPin)
	}

	switch cfg.GPIO.Backend {
	case "":
		cfg.GPIO.Backend = "rpio"
	case "rpio", "periph", "mock":
	default:
		return fmt.Errorf("gpio.backend must be rpio, periph or mock, got %q", cfg.GPIO.Backend)
	}

	switch cfg.Clock.Backend {
	case "":
		cfg.Clock.Backend = "timerfd"
	case "timerfd", "ticker":
	default:
		return fmt.Errorf("clock.backend must be timerfd or ticker, got %q", cfg.Clock.Backend)
	}
	if cfg.Clock.TickHz == 0 {
		cfg.Clock.TickHz = 1_000_000
	}

	if cfg.Motion.MaxSPS == 0 {
		cfg.Motion.MaxSPS = 1000 // reasonable default
	}
	if cfg.Motion.MaxSPS > cfg.Clock.TickHz {
		return fmt.Errorf("motion.max_sps (%d) cannot exceed clock.tick_hz (%d)", cfg.Motion.MaxSPS, cfg.Clock.TickHz)
	}
	if cfg.Motion.Accel > cfg.Clock.TickHz {
		return fmt.Errorf("motion.accel (%d) cannot exceed clock.tick_hz (%d)", cfg.Motion.Accel, cfg.Clock.TickHz)
	}
	if cfg.Motion.PulseWidthUs == 0 {
		cfg.Motion.PulseWidthUs = 5
	}

	if cfg.Button.Pin > 0 {
		if cfg.Button.DebounceMs <= 0 {
			cfg.Button.DebounceMs = 10
		}
		if cfg.Button.Jog.Direction == "" {
			cfg.Button.Jog.Direction = "Clockwise"
		}
		if cfg.Button.Jog.Direction != "Clockwise" && cfg.Button.Jog.Direction != "Counterclockwise" {
			return fmt.Errorf("button.jog.direction must be Clockwise or Counterclockwise, got %q", cfg.Button.Jog.Direction)
		}
		if cfg.Button.Jog.Steps == 0 {
			cfg.Button.Jog.Steps = 200
		}
		if cfg.Button.Jog.PulseWidth == 0 {
			cfg.Button.Jog.PulseWidth = cfg.Motion.PulseWidthUs
		}
	}

	if cfg.Web.Port < 0 || cfg.Web.Port > 65535 {
		return fmt.Errorf("web.port must be between 0 and 65535, got %d", cfg.Web.Port)
	}
	if cfg.Web.ControlPath == "" {
		cfg.Web.ControlPath = "/stepper"
	}
	if !strings.HasPrefix(cfg.Web.ControlPath, "/") || cfg.Web.ControlPath == "/" ||
		strings.ContainsAny(cfg.Web.ControlPath, "{} \t") {
		return fmt.Errorf("web.control_path must be an absolute path below '/', got %q", cfg.Web.ControlPath)
	}
	if cfg.Web.MaxBodyBytes <= 0 {
		cfg.Web.MaxBodyBytes = 4 << 10
	}

	if cfg.Serial.Baud <= 0 {
		cfg.Serial.Baud = 115200
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 8
	}
	if cfg.DebugLevel < 0 || cfg.DebugLevel > 4 {
		return fmt.Errorf("debug_level must be between 0 and 4, got %d", cfg.DebugLevel)
	}
	return nil
}

// Debounce returns the button debounce window.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Button.DebounceMs) * time.Millisecond
}

// MockGPIO reports whether the mock GPIO driver is selected.
func (c *Config) MockGPIO() bool {
	return c.GPIO.Backend == "mock"
}
