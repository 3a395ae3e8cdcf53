package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/cjeanneret/RampGo/internal/config"
	"github.com/cjeanneret/RampGo/internal/control"
	"github.com/cjeanneret/RampGo/internal/debug"
	"github.com/cjeanneret/RampGo/internal/hw/button"
	"github.com/cjeanneret/RampGo/internal/hw/clock"
	"github.com/cjeanneret/RampGo/internal/hw/gpio"
	"github.com/cjeanneret/RampGo/internal/hw/led"
	"github.com/cjeanneret/RampGo/internal/hw/stepper"
	"github.com/cjeanneret/RampGo/internal/logic/motion"
	"github.com/cjeanneret/RampGo/internal/serialctl"
	"github.com/cjeanneret/RampGo/internal/web"
)

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	serialDev := flag.String("serial", "", "serial device for line-delimited JSON commands (overrides serial.device)")
	accel := flag.Int64("accel", -1, "override acceleration in steps/s per second (0 = no ramp, -1 = config)")
	maxSPS := flag.Uint64("max_sps", 0, "override top speed in steps/s (0 = config)")
	gpioBackend := flag.String("gpio", "", "override GPIO backend: rpio, periph or mock")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	// Load configuration
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Validate CLI overrides (-1 / 0 mean "use config default")
	if err := validateCLIOverrides(*accel, *maxSPS, *gpioBackend, cfg.Clock.TickHz); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(cfg, overrides{
		Accel:       *accel,
		MaxSPS:      *maxSPS,
		GPIOBackend: *gpioBackend,
		SerialDev:   *serialDev,
		WebPort:     webPort.port(),
	})

	// Initialize debug system
	debug.Init(cfg.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.DebugLevel)

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("rampgo: %v", err)
	}
}

// run wires the hardware and the control endpoints and blocks until ctx is
// cancelled or a component fails.
func run(ctx context.Context, cfg *config.Config) error {
	broadcaster := web.NewStatusBroadcaster()
	if cfg.Web.Port > 0 {
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
	}

	// Initialize GPIO driver
	debug.Step(1, "Initializing GPIO driver")
	debug.Value("GPIO backend", cfg.GPIO.Backend)
	if cfg.MockGPIO() {
		debug.Info("Mock GPIO selected: no pins are driven")
	}
	gpioDriver, err := gpio.NewDriver(cfg.GPIO.Backend)
	if err != nil {
		return fmt.Errorf("init GPIO: %w", err)
	}
	defer func() {
		if err := gpioDriver.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}()

	// Initialize clocks
	debug.Step(2, "Initializing step and acceleration clocks")
	stepClock, accelClock, err := newClocks(cfg.Clock)
	if err != nil {
		return err
	}
	defer func() {
		if err := errors.Join(clock.Close(stepClock), clock.Close(accelClock)); err != nil {
			log.Printf("closing clocks failed: %v", err)
		}
	}()

	// Initialize stepper motor
	debug.Step(3, "Initializing stepper motor")
	debug.PrintStruct("Stepper config", cfg.Stepper)
	motor, err := stepper.New(gpioDriver, stepper.Config{
		StepPin:   cfg.Stepper.StepPin,
		DirPin:    cfg.Stepper.DirPin,
		EnablePin: cfg.Stepper.EnablePin,
	}, stepClock, accelClock)
	if err != nil {
		return fmt.Errorf("init stepper: %w", err)
	}
	if cfg.Motion.ReleaseAfterMove {
		if err := motor.Disable(); err != nil {
			return fmt.Errorf("release stepper: %w", err)
		}
	}

	var statusLED motion.Indicator
	if cfg.LED.Pin > 0 {
		debug.Step(4, "Initializing status LED")
		l, err := led.New(gpioDriver, cfg.LED.Pin)
		if err != nil {
			return fmt.Errorf("init LED: %w", err)
		}
		statusLED = l
		if err := l.Flash(100 * time.Millisecond); err != nil {
			return fmt.Errorf("LED self-test: %w", err)
		}
	}

	queue := control.NewQueue(cfg.QueueDepth)
	ctrl := motion.NewController(motor, statusLED, broadcaster, motion.Options{
		Accel:            cfg.Motion.Accel,
		MaxSPS:           cfg.Motion.MaxSPS,
		ReleaseAfterMove: cfg.Motion.ReleaseAfterMove,
		StopOnFault:      cfg.Motion.StopOnFault,
	})
	motor.SetObserver(ctrl.Observe)
	debug.PrintStruct("Motion config", cfg.Motion)

	var jog control.Command
	if cfg.Button.Pin > 0 {
		if jog, err = jogCommand(cfg.Button.Jog); err != nil {
			return err
		}
	}

	var srv *web.Server
	if cfg.Web.Port > 0 {
		srv, err = web.NewServer(fmt.Sprintf(":%d", cfg.Web.Port), broadcaster, queue, ctrl.Status,
			web.FormConfig{
				Accel:        cfg.Motion.Accel,
				MaxSPS:       cfg.Motion.MaxSPS,
				PulseWidthUs: cfg.Motion.PulseWidthUs,
			},
			web.Options{ControlPath: cfg.Web.ControlPath, MaxBodyBytes: cfg.Web.MaxBodyBytes})
		if err != nil {
			return fmt.Errorf("init web server: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	errCh := make(chan error, 4)
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	debug.Summary(fmt.Sprintf("RampGo ready: %s backend, accel %d, max %d steps/s",
		cfg.GPIO.Backend, cfg.Motion.Accel, cfg.Motion.MaxSPS))
	spawn("motion", func(ctx context.Context) error {
		return ctrl.Run(ctx, queue.Commands())
	})

	if cfg.Button.Pin > 0 {
		spawn("button", func(ctx context.Context) error {
			return button.Watch(ctx, gpioDriver, cfg.Button.Pin, button.Options{
				ActiveLow: cfg.Button.ActiveLow,
				Debounce:  cfg.Debounce(),
			}, func() {
				if err := queue.Submit(jog); err != nil {
					debug.Live("Button jog dropped: %v", err)
				}
			})
		})
	}

	if cfg.Serial.Device != "" {
		spawn("serial", func(ctx context.Context) error {
			return serialctl.Retry(ctx, cfg.Serial.Device, cfg.Serial.Baud, queue, 2*time.Second)
		})
	}

	if srv != nil {
		spawn("web", srv.Run)
	}

	<-ctx.Done()
	if n := queue.Len(); n > 0 {
		debug.Info("Discarding %d queued commands", n)
	}
	queue.Close()
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	st := ctrl.Status()
	debug.Summary(fmt.Sprintf("RampGo stopped: %d moves completed, %d faults", st.Completed, st.Faults))
	return errors.Join(errs...)
}

// newClock is clock.New, replaced in tests.
var newClock = clock.New

// newClocks creates the step and acceleration clocks. timerfd falls back
// to the portable ticker where the kernel timer is unavailable.
func newClocks(cfg config.ClockConfig) (clock.Clock, clock.Clock, error) {
	backend := cfg.Backend
	step, err := newClock(backend, cfg.TickHz)
	if errors.Is(err, clock.ErrNotSupported) {
		debug.Info("Clock backend %q not supported here, using %q", backend, clock.BackendTicker)
		backend = clock.BackendTicker
		step, err = newClock(backend, cfg.TickHz)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("init step clock: %w", err)
	}
	accel, err := newClock(backend, cfg.TickHz)
	if err != nil {
		if cerr := clock.Close(step); cerr != nil {
			log.Printf("closing step clock failed: %v", cerr)
		}
		return nil, nil, fmt.Errorf("init acceleration clock: %w", err)
	}
	debug.Value("Clock backend", backend)
	debug.Value("Tick rate (Hz)", cfg.TickHz)
	return step, accel, nil
}

// jogCommand builds the command submitted by the button.
func jogCommand(j config.JogConfig) (control.Command, error) {
	dir, err := stepper.ParseDirection(j.Direction)
	if err != nil {
		return control.Command{}, fmt.Errorf("button.jog: %w", err)
	}
	c := control.Command{Direction: dir, Steps: j.Steps, PulseWidth: j.PulseWidth, Source: "button"}
	if err := c.Validate(); err != nil {
		return control.Command{}, fmt.Errorf("button.jog: %w", err)
	}
	return c, nil
}

// overrides holds CLI values that replace config entries.
type overrides struct {
	Accel       int64 // -1 = config
	MaxSPS      uint64
	GPIOBackend string
	SerialDev   string
	WebPort     int
}

// validateCLIOverrides checks CLI overrides. Sentinel values are ignored
// (they mean "use config default").
func validateCLIOverrides(accel int64, maxSPS uint64, gpioBackend string, tickHz uint64) error {
	if accel < -1 {
		return fmt.Errorf("accel must be >= 0, got %d", accel)
	}
	if accel > 0 && uint64(accel) > tickHz {
		return fmt.Errorf("accel must be <= %d, got %d", tickHz, accel)
	}
	if maxSPS > tickHz {
		return fmt.Errorf("max_sps must be <= %d, got %d", tickHz, maxSPS)
	}
	switch gpioBackend {
	case "", gpio.BackendRPi, gpio.BackendPeriph, gpio.BackendMock:
	default:
		return fmt.Errorf("gpio must be rpio, periph or mock, got %q", gpioBackend)
	}
	return nil
}

// applyOverrides mutates cfg with overrides. Only non-sentinel values are applied.
func applyOverrides(cfg *config.Config, o overrides) {
	if o.Accel >= 0 {
		cfg.Motion.Accel = uint64(o.Accel)
	}
	if o.MaxSPS > 0 {
		cfg.Motion.MaxSPS = o.MaxSPS
	}
	if o.GPIOBackend != "" {
		cfg.GPIO.Backend = o.GPIOBackend
	}
	if o.SerialDev != "" {
		cfg.Serial.Device = o.SerialDev
	}
	if o.WebPort > 0 {
		cfg.Web.Port = o.WebPort
	}
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
