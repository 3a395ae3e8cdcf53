package control

import (
	"errors"
	"sync"
)

var (
	// ErrQueueFull is returned by Submit when the controller is behind.
	ErrQueueFull = errors.New("command queue full")
	// ErrQueueClosed is returned by Submit after Close.
	ErrQueueClosed = errors.New("command queue closed")
)

// DefaultDepth is used when NewQueue is given a depth < 1.
const DefaultDepth = 8

// Queue carries commands from the control endpoints to the single motion
// consumer. Submit never blocks.
type Queue struct {
	mu     sync.RWMutex
	ch     chan Command
	closed bool
}

func NewQueue(depth int) *Queue {
	if depth < 1 {
		depth = DefaultDepth
	}
	return &Queue{ch: make(chan Command, depth)}
}

// Submit enqueues c or fails immediately.
func (q *Queue) Submit(c Command) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- c:
		return nil
	default:
		return ErrQueueFull
	}
}

// Commands is the consumer side. It is closed by Close.
func (q *Queue) Commands() <-chan Command {
	return q.ch
}

// Len reports the number of commands waiting.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting commands. Commands already queued stay readable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}
