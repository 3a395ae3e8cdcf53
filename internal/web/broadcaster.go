package web

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/RampGo/internal/logic/motion"
)

// Status levels carried in StatusEvent.Level.
const (
	LevelInfo     = "info"
	LevelError    = "error"
	LevelProgress = "progress"
)

// subscriberBuffer is the per-client backlog before events are dropped.
const subscriberBuffer = 64

// StatusEvent is one line of the status stream (SSE and /ws). Progress is
// set only on "progress" events.
type StatusEvent struct {
	Time     string           `json:"t"`
	Level    string           `json:"l,omitempty"`
	Msg      string           `json:"msg"`
	Progress *motion.Progress `json:"progress,omitempty"`
}

// StatusBroadcaster fans motion status out to every SSE and WebSocket
// client. It implements motion.Reporter.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
}

func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel of encoded StatusEvents and its cleanup
// function, which the caller must call on disconnect.
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, subscriberBuffer)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Broadcast publishes a free-text message.
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	b.publish(StatusEvent{Level: level, Msg: msg})
}

// Progress publishes a structured sample of the running move.
func (b *StatusBroadcaster) Progress(p motion.Progress) {
	b.publish(StatusEvent{Level: LevelProgress, Msg: progressText(p), Progress: &p})
}

func progressText(p motion.Progress) string {
	if p.Done {
		return fmt.Sprintf("step %d/%d, done", p.Step, p.Steps)
	}
	return fmt.Sprintf("step %d/%d at %d steps/s (%s)", p.Step, p.Steps, p.SPS, p.Phase)
}

// publish encodes evt once and offers it to every client without blocking;
// a client whose backlog is full misses the event.
func (b *StatusBroadcaster) publish(evt StatusEvent) {
	evt.Time = time.Now().Format(time.RFC3339)
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
		}
	}
}

// BroadcastWriter adapts b to an io.Writer for debug.SetOutput: every
// non-blank write becomes an info event.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		w.b.Broadcast(LevelInfo, msg)
	}
	return len(p), nil
}
