//go:build !linux

package clock

// Timerfd is only available on Linux.
type Timerfd = Ticker

func NewTimerfd(tickHz uint64) (*Timerfd, error) {
	return nil, ErrNotSupported
}
