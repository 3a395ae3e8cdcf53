package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"time"

	"github.com/cjeanneret/RampGo/internal/control"
	"github.com/cjeanneret/RampGo/internal/debug"
	"github.com/cjeanneret/RampGo/internal/logic/motion"
)

// DefaultMaxBodyBytes bounds a control request body.
const DefaultMaxBodyBytes = 4 << 10

// Submitter accepts decoded commands (*control.Queue).
type Submitter interface {
	Submit(c control.Command) error
}

// StatusFunc returns the current motion status.
type StatusFunc func() motion.Status

// FormConfig holds the motion defaults shown on the control page.
type FormConfig struct {
	ControlPath  string `json:"control_path"`
	Accel        uint64 `json:"accel"`
	MaxSPS       uint64 `json:"max_sps"`
	PulseWidthUs uint32 `json:"pulse_width_us"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster  *StatusBroadcaster
	Queue        Submitter
	Status       StatusFunc
	FormDefaults FormConfig
	MaxBodyBytes int64
	staticFS     fs.FS
}

// NewHandlers creates handlers with the given dependencies.
// If queue is nil, control requests return 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, queue Submitter, status StatusFunc, formDefaults FormConfig, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster:  broadcaster,
		Queue:        queue,
		Status:       status,
		FormDefaults: formDefaults,
		MaxBodyBytes: DefaultMaxBodyBytes,
		staticFS:     staticFS,
	}
}

// HandleConfig returns the motion defaults (from config) as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.FormDefaults)
}

// HandleStatus returns the motion status as JSON.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	var s motion.Status
	if h.Status != nil {
		s = h.Status()
	}
	writeJSON(w, http.StatusOK, s)
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleControl decodes a motion command and hands it to the queue. The
// request returns as soon as the command is queued.
func (h *Handlers) HandleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", limit))
			return
		}
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	contentType := r.Header.Get("Content-Type")
	status, resp := h.submit(contentType, body, "http")
	writeJSON(w, status, resp)
}

// submit is shared by the HTTP and WebSocket control paths.
func (h *Handlers) submit(contentType string, body []byte, source string) (int, map[string]string) {
	cmd, err := control.Decode(contentType, body)
	if err != nil {
		debug.Live("Rejected %s command: %v", source, err)
		return http.StatusBadRequest, map[string]string{"error": decodeLabel(contentType) + " error: " + err.Error()}
	}
	if h.Queue == nil {
		return http.StatusServiceUnavailable, map[string]string{"error": "motor not configured"}
	}
	cmd.Source = source
	if err := h.Queue.Submit(cmd); err != nil {
		debug.Live("Dropped %s command: %v", source, err)
		return http.StatusServiceUnavailable, map[string]string{"error": err.Error()}
	}
	return http.StatusAccepted, map[string]string{"status": "Moving motor"}
}

func decodeLabel(contentType string) string {
	if control.IsCBOR(contentType) {
		return "CBOR"
	}
	return "JSON"
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
