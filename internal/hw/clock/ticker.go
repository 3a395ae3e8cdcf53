package clock

import (
	"errors"
	"sync"
	"time"

	"github.com/cjeanneret/RampGo/internal/debug"
)

// Ticker is a software periodic clock backed by a runtime timer. It runs on any
// platform; its resolution is that of the Go runtime timers.
type Ticker struct {
	mu      sync.Mutex
	tickHz  uint64
	period  time.Duration
	wake    func()
	running bool
	stop    chan struct{}
	done    chan struct{}
	reset   chan struct{}
}

func NewTicker(tickHz uint64) *Ticker {
	if tickHz == 0 {
		tickHz = DefaultTickHz
	}
	return &Ticker{tickHz: tickHz}
}

func (t *Ticker) TickHz() uint64 { return t.tickHz }

func (t *Ticker) SetPeriod(ticks uint64) error {
	if ticks == 0 {
		return errors.New("clock: zero period")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.period = time.Duration(ticks * uint64(time.Second) / t.tickHz)
	if t.period <= 0 {
		t.period = time.Nanosecond
	}
	if t.running {
		select {
		case t.reset <- struct{}{}:
		default:
		}
	}
	return nil
}

func (t *Ticker) Enable() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}
	if t.period <= 0 {
		return errors.New("clock: period not set")
	}
	t.running = true
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	t.reset = make(chan struct{}, 1)
	go t.loop(t.period, t.stop, t.done, t.reset)
	debug.Trace("ticker clock enabled (period %v)", t.period)
	return nil
}

// loop emulates an auto-reload counter: a new period applies to the
// countdown already in progress.
func (t *Ticker) loop(period time.Duration, stop, done, reset chan struct{}) {
	defer close(done)
	last := time.Now()
	tm := time.NewTimer(period)
	defer tm.Stop()
	for {
		select {
		case now := <-tm.C:
			last = now
			t.mu.Lock()
			wake, p := t.wake, t.period
			t.mu.Unlock()
			if wake != nil {
				wake()
			}
			tm.Reset(p)
		case <-reset:
			t.mu.Lock()
			p := t.period
			t.mu.Unlock()
			tm.Reset(remaining(p, time.Since(last)))
		case <-stop:
			return
		}
	}
}

// Disable stops the clock; no wake-up is delivered after it returns.
func (t *Ticker) Disable() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	stop, done := t.stop, t.done
	t.mu.Unlock()

	close(stop)
	<-done
	debug.Trace("ticker clock disabled")
	return nil
}

func (t *Ticker) Subscribe(wake func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.wake = wake
	return nil
}

func (t *Ticker) Unsubscribe() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.wake = nil
	return nil
}
