// Package clock models the two periodic hardware timers used by the motion
// engine: the Step Clock, which wakes the drive loop once per pulse, and the
// Acceleration Clock, which wakes the motion scheduler to recompute speed.
package clock

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// DefaultTickHz is the timer input frequency (1 µs resolution).
const DefaultTickHz = 1_000_000

// Backend names accepted by New.
const (
	BackendTimerfd = "timerfd"
	BackendTicker  = "ticker"
)

// ErrNotSupported is returned by backends unavailable on this platform.
var ErrNotSupported = errors.New("clock: backend not supported on this platform")

// Clock is a periodic auto-reload timer. Each expiry calls the subscribed
// wake function from the timer's own context; the function must not block.
type Clock interface {
	// TickHz is the timer input frequency periods are expressed in.
	TickHz() uint64
	// SetPeriod programs the reload value. On a running clock the new
	// period also applies to the countdown in progress: time already
	// elapsed since the last expiry counts toward it, and a countdown that
	// is already past the new period expires at once.
	SetPeriod(ticks uint64) error
	Enable() error
	Disable() error
	Subscribe(wake func()) error
	Unsubscribe() error
}

// New creates a clock for the named backend.
func New(backend string, tickHz uint64) (Clock, error) {
	if tickHz == 0 {
		tickHz = DefaultTickHz
	}
	switch backend {
	case BackendTimerfd, "":
		t, err := NewTimerfd(tickHz)
		if err != nil {
			return nil, err
		}
		return t, nil
	case BackendTicker:
		return NewTicker(tickHz), nil
	default:
		return nil, fmt.Errorf("unknown clock backend: %q", backend)
	}
}

// Close releases the resources held by a backend that owns any (the
// timerfd descriptor and its reader goroutine). Other clocks are left as is.
func Close(c Clock) error {
	if cl, ok := c.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

// PeriodFor returns the period in ticks for a rate in events per second,
// never less than one tick.
func PeriodFor(tickHz, perSecond uint64) uint64 {
	if perSecond == 0 {
		return tickHz
	}
	p := tickHz / perSecond
	if p == 0 {
		return 1
	}
	return p
}

// remaining returns how long a countdown reprogrammed to next still has to
// run once elapsed has passed since the last expiry. The result is never
// below one nanosecond, so a reload always stays armed.
func remaining(next, elapsed time.Duration) time.Duration {
	if elapsed < 0 {
		elapsed = 0
	}
	r := next - elapsed
	if r < time.Nanosecond {
		r = time.Nanosecond
	}
	return r
}

// Waker posts at most one pending wake-up. Notifications arriving while a
// wake-up is still unconsumed are coalesced.
type Waker struct {
	ch chan struct{}
}

func NewWaker() *Waker {
	return &Waker{ch: make(chan struct{}, 1)}
}

// Notify never blocks; it is safe to call from a timer context.
func (w *Waker) Notify() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// C is closed over by consumers waiting for the next wake-up.
func (w *Waker) C() <-chan struct{} {
	return w.ch
}

// Handle shares a Clock between goroutines. Each call locks the clock only
// for the duration of the configuration call. Handle is reference counted:
// holders Acquire it for the duration of a move and the last Release
// disables the clock and drops its subscription.
type Handle struct {
	mu   sync.Mutex
	clk  Clock
	refs int
}

func NewHandle(c Clock) *Handle {
	return &Handle{clk: c}
}

// Acquire registers one more holder.
func (h *Handle) Acquire() *Handle {
	h.mu.Lock()
	h.refs++
	h.mu.Unlock()
	return h
}

// Release drops one holder. The last holder quiesces the clock.
func (h *Handle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refs == 0 {
		return nil
	}
	h.refs--
	if h.refs > 0 {
		return nil
	}
	return errors.Join(h.clk.Disable(), h.clk.Unsubscribe())
}

// holders reports the number of current holders.
func (h *Handle) holders() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs
}

func (h *Handle) TickHz() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clk.TickHz()
}

func (h *Handle) SetPeriod(ticks uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clk.SetPeriod(ticks)
}

func (h *Handle) Enable() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clk.Enable()
}

func (h *Handle) Disable() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clk.Disable()
}

func (h *Handle) Subscribe(wake func()) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clk.Subscribe(wake)
}

func (h *Handle) Unsubscribe() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clk.Unsubscribe()
}
