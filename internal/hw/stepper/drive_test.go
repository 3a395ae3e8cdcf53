package stepper

import (
	"errors"
	"math/rand"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/RampGo/internal/hw/clock"
)

// eventLog collects observer events from both goroutines.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) observe(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) of(kind EventKind) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (l *eventLog) lastStep() uint32 {
	steps := l.of(EventStep)
	if len(steps) == 0 {
		return 0
	}
	return steps[len(steps)-1].Step
}

func (l *eventLog) hasPhase(p Phase) bool {
	for _, e := range l.of(EventPhase) {
		if e.Phase == p {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		runtime.Gosched()
	}
}

func (r *rig) observe() *eventLog {
	log := &eventLog{}
	r.motor.SetObserver(log.observe)
	return log
}

func (r *rig) start(steps, pulseWidth uint32, accel, maxSPS uint64) <-chan error {
	errc := make(chan error, 1)
	go func() {
		errc <- r.motor.Drive(steps, pulseWidth, accel, maxSPS)
	}()
	return errc
}

// stepOnce fires the step clock once and waits for the resulting pulse.
func (r *rig) stepOnce(t *testing.T, log *eventLog) {
	t.Helper()
	prev := log.lastStep()
	if !r.step.Fire() {
		t.Fatalf("step clock not armed at step %d", prev)
	}
	waitFor(t, "next step", func() bool { return log.lastStep() == prev+1 })
}

// accelOnce fires the acceleration clock once and waits for the step clock
// to be reprogrammed.
func (r *rig) accelOnce(t *testing.T) {
	t.Helper()
	prev := len(r.step.Periods())
	if !r.accel.Fire() {
		t.Fatal("acceleration clock not armed")
	}
	waitFor(t, "step clock reprogram", func() bool { return len(r.step.Periods()) == prev+1 })
}

func wait(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Drive did not return")
		return nil
	}
}

func TestDrive_PulseCountAndTeardown(t *testing.T) {
	r := newRig(t)
	log := r.observe()
	r.drv.reset()

	errc := r.start(25, 1, 100, 50)
	waitFor(t, "clocks armed", func() bool { return r.step.Enabled() && r.accel.Enabled() })
	for i := 0; i < 25; i++ {
		r.stepOnce(t, log)
	}
	if err := wait(t, errc); err != nil {
		t.Fatalf("Drive: %v", err)
	}

	if n := r.drv.pulses(testStepPin); n != 25 {
		t.Errorf("pulses = %d, want 25", n)
	}
	for i, e := range log.of(EventStep) {
		if e.Step != uint32(i+1) {
			t.Fatalf("step event %d has step %d", i, e.Step)
		}
	}
	done := log.of(EventDone)
	if len(done) != 1 || done[0].Err != nil || done[0].Step != 25 {
		t.Errorf("done events = %+v", done)
	}
	r.assertQuiesced(t)
}

func TestDrive_PulsePattern(t *testing.T) {
	r := newRig(t)
	log := r.observe()
	r.drv.reset()

	errc := r.start(1, 1, 10, 10)
	waitFor(t, "clocks armed", r.step.Enabled)
	r.stepOnce(t, log)
	if err := wait(t, errc); err != nil {
		t.Fatal(err)
	}
	stepCalls := r.drv.writeCallsForPin(testStepPin)
	if len(stepCalls) != 2 {
		t.Fatalf("single step should produce 2 writes on step pin, got %d", len(stepCalls))
	}
	if stepCalls[0].level != true || stepCalls[1].level != false {
		t.Errorf("pulse should be HIGH then LOW, got %v", stepCalls)
	}
}

// With the acceleration clock silent the speed never reaches max_sps, so the
// milestones come from the step count alone.
func TestDrive_PhaseMilestones(t *testing.T) {
	r := newRig(t)
	log := r.observe()

	errc := r.start(100, 0, 50, 10)
	waitFor(t, "clocks armed", func() bool { return r.step.Enabled() && r.accel.Enabled() })
	if got := r.accel.Period(); got != clock.DefaultTickHz/50 {
		t.Errorf("acceleration period = %d, want %d", got, clock.DefaultTickHz/50)
	}
	if got := r.step.Period(); got != clock.DefaultTickHz {
		t.Errorf("initial step period = %d, want %d (1 sps)", got, clock.DefaultTickHz)
	}
	for i := 0; i < 100; i++ {
		r.stepOnce(t, log)
	}
	if err := wait(t, errc); err != nil {
		t.Fatal(err)
	}

	phases := log.of(EventPhase)
	if len(phases) != 2 {
		t.Fatalf("phase events = %+v, want Constant and Decelerating", phases)
	}
	if phases[0].Phase != Constant || phases[0].Step != 20 {
		t.Errorf("first phase change = %v at %d, want Constant at 20", phases[0].Phase, phases[0].Step)
	}
	if phases[1].Phase != Decelerating || phases[1].Step != 80 {
		t.Errorf("second phase change = %v at %d, want Decelerating at 80", phases[1].Phase, phases[1].Step)
	}
	r.assertQuiesced(t)
}

func TestDrive_PlateauBeforeStopAccel(t *testing.T) {
	r := newRig(t)
	log := r.observe()

	errc := r.start(100, 0, 50, 10)
	waitFor(t, "clocks armed", func() bool { return r.step.Enabled() && r.accel.Enabled() })
	r.stepOnce(t, log)

	// Ramp 1 -> 10 sps while the motor sits at step 1.
	for i := 0; i < 9; i++ {
		r.accelOnce(t)
	}
	if got := r.step.Period(); got != clock.DefaultTickHz/10 {
		t.Errorf("step period at plateau = %d, want %d", got, clock.DefaultTickHz/10)
	}
	waitFor(t, "plateau", func() bool { return log.hasPhase(Constant) })
	if r.accel.Enabled() {
		t.Error("acceleration clock should pause while Constant")
	}

	for log.lastStep() < 99 {
		r.stepOnce(t, log)
	}
	waitFor(t, "deceleration", func() bool { return log.hasPhase(Decelerating) })
	waitFor(t, "acceleration clock re-armed", r.accel.Enabled)

	// Ramp down 10 -> 7 sps before the last step.
	for i := 0; i < 3; i++ {
		r.accelOnce(t)
	}
	r.stepOnce(t, log)
	if err := wait(t, errc); err != nil {
		t.Fatal(err)
	}

	phases := log.of(EventPhase)
	if len(phases) != 2 {
		t.Fatalf("phase events = %+v", phases)
	}
	if phases[0].Phase != Constant || phases[0].StartDecel != 99 {
		t.Errorf("plateau event = %+v, want Constant with start_decel 99", phases[0])
	}
	if phases[1].Phase != Decelerating || phases[1].Step != 99 {
		t.Errorf("deceleration event = %+v, want Decelerating at 99", phases[1])
	}

	var got []uint64
	for _, e := range log.of(EventSpeed) {
		got = append(got, e.SPS)
	}
	want := []uint64{2, 3, 4, 5, 6, 7, 8, 9, 10, 9, 8, 7}
	if len(got) != len(want) {
		t.Fatalf("speeds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("speeds = %v, want %v", got, want)
		}
	}
	r.assertQuiesced(t)
}

func TestDrive_DecelerationFloorsAtOne(t *testing.T) {
	r := newRig(t)
	log := r.observe()

	errc := r.start(10, 0, 100, 3)
	waitFor(t, "clocks armed", func() bool { return r.step.Enabled() && r.accel.Enabled() })
	r.stepOnce(t, log)
	r.accelOnce(t)
	r.accelOnce(t) // 3 sps: plateau, start_decel = 9
	for log.lastStep() < 9 {
		r.stepOnce(t, log)
	}
	waitFor(t, "deceleration", func() bool { return log.hasPhase(Decelerating) })
	waitFor(t, "acceleration clock re-armed", r.accel.Enabled)
	r.accelOnce(t) // 2
	r.accelOnce(t) // 1
	for i := 0; i < 5; i++ {
		r.accel.Fire()
		time.Sleep(time.Millisecond)
	}
	r.stepOnce(t, log)
	if err := wait(t, errc); err != nil {
		t.Fatal(err)
	}

	speeds := log.of(EventSpeed)
	if len(speeds) == 0 {
		t.Fatal("no speed events")
	}
	for _, e := range speeds {
		if e.SPS < 1 {
			t.Fatalf("speed dropped below 1: %+v", e)
		}
	}
	if last := speeds[len(speeds)-1].SPS; last != 1 {
		t.Errorf("final speed = %d, want 1", last)
	}
	if got := r.step.Period(); got != clock.DefaultTickHz {
		t.Errorf("final step period = %d, want %d", got, clock.DefaultTickHz)
	}
}

// Both clocks fire at random from their own goroutines; the profile
// invariants must hold whatever the interleaving.
func TestDrive_ConcurrentClocksKeepInvariants(t *testing.T) {
	const (
		steps  = 400
		maxSPS = 40
	)
	r := newRig(t)
	log := r.observe()
	r.drv.reset()

	errc := r.start(steps, 0, 1000, maxSPS)
	waitFor(t, "clocks armed", r.step.Enabled)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i, c := range []*clock.Manual{r.step, r.accel} {
		wg.Add(1)
		go func(c *clock.Manual, seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for {
				select {
				case <-stop:
					return
				default:
				}
				c.Fire()
				if rng.Intn(4) == 0 {
					time.Sleep(time.Duration(rng.Intn(50)) * time.Microsecond)
				}
				runtime.Gosched()
			}
		}(c, int64(i+1))
	}
	err := wait(t, errc)
	close(stop)
	wg.Wait()
	if err != nil {
		t.Fatalf("Drive: %v", err)
	}

	if n := r.drv.pulses(testStepPin); n != steps {
		t.Errorf("pulses = %d, want %d", n, steps)
	}
	stepEvents := log.of(EventStep)
	if len(stepEvents) != steps {
		t.Fatalf("step events = %d, want %d", len(stepEvents), steps)
	}
	for i, e := range stepEvents {
		if e.Step != uint32(i+1) {
			t.Fatalf("step %d reported as %d", i+1, e.Step)
		}
	}

	var lastPhase Phase = Accelerating
	for _, e := range log.of(EventPhase) {
		if e.Phase < lastPhase {
			t.Fatalf("phase went backwards: %v -> %v", lastPhase, e.Phase)
		}
		lastPhase = e.Phase
	}

	var prev uint64 = 1
	var prevPhase Phase = Accelerating
	for _, e := range log.of(EventSpeed) {
		if e.SPS < 1 || e.SPS > maxSPS {
			t.Fatalf("speed out of range: %+v", e)
		}
		switch {
		case e.Phase == Accelerating && prevPhase == Accelerating && e.SPS < prev:
			t.Fatalf("speed decreased while accelerating: %d -> %d", prev, e.SPS)
		case e.Phase == Decelerating && prevPhase == Decelerating && e.SPS > prev:
			t.Fatalf("speed increased while decelerating: %d -> %d", prev, e.SPS)
		}
		prev, prevPhase = e.SPS, e.Phase
	}
	r.assertQuiesced(t)
}

func TestDrive_ConstantProfileWithoutAccel(t *testing.T) {
	r := newRig(t)
	log := r.observe()

	errc := r.start(10, 0, 0, 100)
	waitFor(t, "step clock armed", r.step.Enabled)
	if got := r.step.Period(); got != clock.DefaultTickHz/100 {
		t.Errorf("step period = %d, want %d", got, clock.DefaultTickHz/100)
	}
	if r.accel.Enabled() {
		t.Error("acceleration clock should stay off without a ramp")
	}
	for i := 0; i < 10; i++ {
		r.stepOnce(t, log)
	}
	if err := wait(t, errc); err != nil {
		t.Fatal(err)
	}
	if len(r.accel.Periods()) != 0 {
		t.Errorf("acceleration clock programmed: %v", r.accel.Periods())
	}
	if len(log.of(EventSpeed)) != 0 {
		t.Errorf("speed changed without a ramp: %+v", log.of(EventSpeed))
	}
}

func TestDrive_InvalidCommand(t *testing.T) {
	cases := []struct {
		name   string
		steps  uint32
		maxSPS uint64
	}{
		{"zero_steps", 0, 10},
		{"zero_max_sps", 10, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRig(t)
			r.drv.reset()
			err := r.motor.Drive(tc.steps, 1, 50, tc.maxSPS)
			if !errors.Is(err, ErrInvalidCommand) {
				t.Fatalf("Drive error = %v, want ErrInvalidCommand", err)
			}
			if r.step.Subscriptions() != 0 || r.accel.Subscriptions() != 0 {
				t.Error("invalid command subscribed a clock")
			}
			if len(r.step.Periods()) != 0 {
				t.Error("invalid command programmed the step clock")
			}
			if len(r.drv.writeCallsForPin(testStepPin)) != 0 {
				t.Error("invalid command touched the step pin")
			}
		})
	}
}

func TestDrive_ArmFailure(t *testing.T) {
	r := newRig(t)
	log := r.observe()
	boom := errors.New("alarm arm failed")
	r.accel.FailOn(clock.OpEnable, boom)

	err := r.motor.Drive(10, 1, 50, 10)
	if !errors.Is(err, ErrHardwareFault) || !errors.Is(err, boom) {
		t.Fatalf("Drive error = %v, want hardware fault wrapping %v", err, boom)
	}
	r.assertQuiesced(t)

	// A fresh move is safe once the fault clears.
	r.accel.FailOn(clock.OpEnable, nil)
	errc := r.start(3, 1, 50, 10)
	waitFor(t, "clocks armed", func() bool { return r.step.Enabled() && r.accel.Enabled() })
	for i := 0; i < 3; i++ {
		r.stepOnce(t, log)
	}
	if err := wait(t, errc); err != nil {
		t.Fatalf("Drive after fault: %v", err)
	}
	r.assertQuiesced(t)
}

func TestDrive_SubscribeFailure(t *testing.T) {
	r := newRig(t)
	r.step.FailOn(clock.OpSubscribe, errors.New("no irq"))
	if err := r.motor.Drive(10, 1, 50, 10); !errors.Is(err, ErrHardwareFault) {
		t.Fatalf("Drive error = %v, want ErrHardwareFault", err)
	}
	r.assertQuiesced(t)
}

func TestDrive_PulseFailure(t *testing.T) {
	r := newRig(t)
	log := r.observe()
	r.drv.reset()
	r.drv.mu.Lock()
	r.drv.failPin, r.drv.failAfter = testStepPin, 3 // second pulse
	r.drv.mu.Unlock()

	errc := r.start(10, 1, 50, 10)
	waitFor(t, "clocks armed", r.step.Enabled)
	r.stepOnce(t, log)
	r.step.Fire()
	err := wait(t, errc)
	if !errors.Is(err, ErrHardwareFault) || !errors.Is(err, errPinStuck) {
		t.Fatalf("Drive error = %v, want hardware fault wrapping %v", err, errPinStuck)
	}
	if got := log.lastStep(); got != 1 {
		t.Errorf("last step = %d, want 1", got)
	}
	r.assertQuiesced(t)
}

func TestDrive_SchedulerFailureAbortsMove(t *testing.T) {
	r := newRig(t)
	log := r.observe()
	boom := errors.New("timer reload failed")

	errc := r.start(50, 0, 50, 10)
	waitFor(t, "clocks armed", func() bool { return r.step.Enabled() && r.accel.Enabled() })
	r.stepOnce(t, log)
	r.step.FailOn(clock.OpSetPeriod, boom)
	r.accel.Fire()

	err := wait(t, errc)
	if !errors.Is(err, ErrSchedulerLost) || !errors.Is(err, ErrHardwareFault) || !errors.Is(err, boom) {
		t.Fatalf("Drive error = %v, want scheduler loss wrapping %v", err, boom)
	}
	r.assertQuiesced(t)
}

func TestDrive_Busy(t *testing.T) {
	r := newRig(t)
	log := r.observe()

	errc := r.start(2, 0, 50, 10)
	waitFor(t, "clocks armed", r.step.Enabled)

	if err := r.motor.Drive(5, 0, 50, 10); !errors.Is(err, ErrBusy) {
		t.Errorf("second Drive = %v, want ErrBusy", err)
	}
	if err := r.motor.SetDirection(Counterclockwise); !errors.Is(err, ErrBusy) {
		t.Errorf("SetDirection during move = %v, want ErrBusy", err)
	}
	r.stepOnce(t, log)
	r.stepOnce(t, log)
	if err := wait(t, errc); err != nil {
		t.Fatal(err)
	}
	if err := r.motor.SetDirection(Counterclockwise); err != nil {
		t.Errorf("SetDirection after move: %v", err)
	}
}

func TestDelayMicros(t *testing.T) {
	start := time.Now()
	delayMicros(200)
	if el := time.Since(start); el < 200*time.Microsecond {
		t.Errorf("delayMicros(200) returned after %v", el)
	}
	start = time.Now()
	delayMicros(0)
	if el := time.Since(start); el > 10*time.Millisecond {
		t.Errorf("delayMicros(0) took %v", el)
	}
}

// rampStart runs a short ramped move on real clocks and reports when the
// first pulse came and the scheduler speed at that moment.
func rampStart(t *testing.T, backend string) (time.Duration, uint64) {
	t.Helper()
	step, err := clock.New(backend, clock.DefaultTickHz)
	if errors.Is(err, clock.ErrNotSupported) {
		t.Skipf("%s unavailable: %v", backend, err)
	}
	if err != nil {
		t.Fatal(err)
	}
	defer clock.Close(step)
	accel, err := clock.New(backend, clock.DefaultTickHz)
	if err != nil {
		t.Fatal(err)
	}
	defer clock.Close(accel)

	m, err := New(&recordingDriver{}, Config{StepPin: testStepPin, DirPin: testDirPin}, step, accel)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var (
		mu       sync.Mutex
		sps      uint64 = 1
		first    time.Time
		firstSPS uint64
	)
	m.SetObserver(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case e.Kind == EventSpeed:
			sps = e.SPS
		case e.Kind == EventStep && first.IsZero():
			first, firstSPS = time.Now(), sps
		}
	})

	start := time.Now()
	if err := m.Drive(100, 1, 500, 1000); err != nil {
		t.Fatalf("Drive: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	return first.Sub(start), firstSPS
}

func TestDrive_RampStartsSlowOnRealClocks(t *testing.T) {
	for _, backend := range []string{clock.BackendTimerfd, clock.BackendTicker} {
		t.Run(backend, func(t *testing.T) {
			after, sps := rampStart(t, backend)
			if after > 500*time.Millisecond {
				t.Errorf("first pulse after %v, want it long before the 1 s starting period", after)
			}
			if sps > 100 {
				t.Errorf("speed at first pulse = %d steps/s, want a slow start (<= 100)", sps)
			}
		})
	}
}
