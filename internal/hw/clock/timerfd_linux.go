//go:build linux

package clock

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cjeanneret/RampGo/internal/debug"
	"golang.org/x/sys/unix"
)

// Timerfd is a periodic kernel timer (timerfd on CLOCK_MONOTONIC). The kernel
// counts expirations between reads; every read posts a single wake-up, so
// missed expirations are coalesced.
type Timerfd struct {
	mu      sync.Mutex
	tickHz  uint64
	period  uint64
	fd      int
	f       *os.File
	wake    func()
	enabled bool
	done    chan struct{}
}

func NewTimerfd(tickHz uint64) (*Timerfd, error) {
	if tickHz == 0 {
		tickHz = DefaultTickHz
	}
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("timerfd_create: %w", err)
	}
	t := &Timerfd{
		tickHz: tickHz,
		fd:     fd,
		f:      os.NewFile(uintptr(fd), "timerfd"),
		done:   make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *Timerfd) readLoop() {
	defer close(t.done)
	var buf [8]byte
	for {
		if _, err := t.f.Read(buf[:]); err != nil {
			if !errors.Is(err, os.ErrClosed) {
				debug.Error(fmt.Errorf("timerfd read: %w", err))
			}
			return
		}
		t.mu.Lock()
		wake, enabled := t.wake, t.enabled
		t.mu.Unlock()
		if enabled && wake != nil {
			wake()
		}
	}
}

func (t *Timerfd) TickHz() uint64 { return t.tickHz }

func (t *Timerfd) duration(ticks uint64) time.Duration {
	d := time.Duration(ticks * uint64(time.Second) / t.tickHz)
	if d <= 0 {
		d = time.Nanosecond
	}
	return d
}

// SetPeriod reloads a running timer the way an auto-reload counter does:
// the countdown in progress is measured against the new period, so the
// time already elapsed counts toward the next expiry.
func (t *Timerfd) SetPeriod(ticks uint64) error {
	if ticks == 0 {
		return errors.New("clock: zero period")
	}
	wake, err := t.reload(ticks)
	if wake != nil {
		wake()
	}
	return err
}

// reload stores the period and re-arms a running timer. It returns the wake
// function when an expiry was pending at re-arm time.
func (t *Timerfd) reload(ticks uint64) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.period = ticks
	if !t.enabled {
		return nil, nil
	}
	var cur unix.ItimerSpec
	if err := unix.TimerfdGettime(t.fd, &cur); err != nil {
		return nil, fmt.Errorf("timerfd_gettime: %w", err)
	}
	// Re-arming clears the kernel's expiration count; collect an expiry the
	// reader has not seen yet so it is still delivered.
	var buf [8]byte
	n, rerr := unix.Read(t.fd, buf[:])
	pending := rerr == nil && n == len(buf)

	next := t.duration(ticks)
	elapsed := time.Duration(cur.Interval.Nano() - cur.Value.Nano())
	spec := unix.ItimerSpec{
		Interval: unix.NsecToTimespec(next.Nanoseconds()),
		Value:    unix.NsecToTimespec(remaining(next, elapsed).Nanoseconds()),
	}
	if err := unix.TimerfdSettime(t.fd, 0, &spec, nil); err != nil {
		return nil, fmt.Errorf("timerfd_settime: %w", err)
	}
	if pending {
		return t.wake, nil
	}
	return nil, nil
}

func (t *Timerfd) Enable() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enabled {
		return nil
	}
	if t.period == 0 {
		return errors.New("clock: period not set")
	}
	ts := unix.NsecToTimespec(t.duration(t.period).Nanoseconds())
	spec := unix.ItimerSpec{Interval: ts, Value: ts}
	if err := unix.TimerfdSettime(t.fd, 0, &spec, nil); err != nil {
		return fmt.Errorf("timerfd_settime: %w", err)
	}
	t.enabled = true
	return nil
}

func (t *Timerfd) Disable() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return nil
	}
	t.enabled = false
	var zero unix.ItimerSpec
	if err := unix.TimerfdSettime(t.fd, 0, &zero, nil); err != nil {
		return fmt.Errorf("timerfd_settime: %w", err)
	}
	return nil
}

func (t *Timerfd) Subscribe(wake func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.wake = wake
	return nil
}

func (t *Timerfd) Unsubscribe() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.wake = nil
	return nil
}

// Close releases the file descriptor and stops the reader goroutine.
func (t *Timerfd) Close() error {
	_ = t.Disable()
	err := t.f.Close()
	<-t.done
	return err
}
