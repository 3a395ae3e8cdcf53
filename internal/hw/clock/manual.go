package clock

import "sync"

// Op names a Clock operation for fault injection.
type Op string

const (
	OpSetPeriod   Op = "set_period"
	OpEnable      Op = "enable"
	OpDisable     Op = "disable"
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
)

// Manual is a clock that only expires when Fire is called. It records every
// configuration call and can be told to fail any operation.
type Manual struct {
	mu         sync.Mutex
	tickHz     uint64
	period     uint64
	periods    []uint64
	enabled    bool
	wake       func()
	subscribed int
	fail       map[Op]error
}

func NewManual(tickHz uint64) *Manual {
	if tickHz == 0 {
		tickHz = DefaultTickHz
	}
	return &Manual{tickHz: tickHz, fail: make(map[Op]error)}
}

// FailOn makes op return err until cleared with a nil err.
func (m *Manual) FailOn(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, op)
		return
	}
	m.fail[op] = err
}

func (m *Manual) TickHz() uint64 { return m.tickHz }

func (m *Manual) SetPeriod(ticks uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[OpSetPeriod]; err != nil {
		return err
	}
	m.period = ticks
	m.periods = append(m.periods, ticks)
	return nil
}

func (m *Manual) Enable() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[OpEnable]; err != nil {
		return err
	}
	m.enabled = true
	return nil
}

func (m *Manual) Disable() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[OpDisable]; err != nil {
		return err
	}
	m.enabled = false
	return nil
}

func (m *Manual) Subscribe(wake func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[OpSubscribe]; err != nil {
		return err
	}
	m.wake = wake
	m.subscribed++
	return nil
}

func (m *Manual) Unsubscribe() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[OpUnsubscribe]; err != nil {
		return err
	}
	m.wake = nil
	return nil
}

// Fire simulates one expiry. It reports whether a subscriber was woken.
func (m *Manual) Fire() bool {
	m.mu.Lock()
	wake, enabled := m.wake, m.enabled
	m.mu.Unlock()
	if !enabled || wake == nil {
		return false
	}
	wake()
	return true
}

func (m *Manual) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// Subscribed reports whether a wake function is currently registered.
func (m *Manual) Subscribed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wake != nil
}

// Subscriptions counts successful Subscribe calls over the clock's life.
func (m *Manual) Subscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribed
}

func (m *Manual) Period() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.period
}

// Periods returns every period programmed so far, oldest first.
func (m *Manual) Periods() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint64(nil), m.periods...)
}
