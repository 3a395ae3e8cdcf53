package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cjeanneret/RampGo/internal/debug"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr        string
	controlPath string
	handlers    *Handlers
}

// Options configure NewServer. Zero values pick the defaults.
type Options struct {
	ControlPath  string
	MaxBodyBytes int64
}

// NewServer creates a server configured for the given address and dependencies.
func NewServer(addr string, broadcaster *StatusBroadcaster, queue Submitter, status StatusFunc, formDefaults FormConfig, opts Options) (*Server, error) {
	subFS, err := staticRoot()
	if err != nil {
		return nil, err
	}
	if opts.ControlPath == "" {
		opts.ControlPath = "/stepper"
	}
	formDefaults.ControlPath = opts.ControlPath

	handlers := NewHandlers(broadcaster, queue, status, formDefaults, subFS)
	if opts.MaxBodyBytes > 0 {
		handlers.MaxBodyBytes = opts.MaxBodyBytes
	}

	return &Server{
		addr:        addr,
		controlPath: opts.ControlPath,
		handlers:    handlers,
	}, nil
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST "+s.controlPath, s.handlers.HandleControl)
	mux.HandleFunc("GET /config", s.handlers.HandleConfig)
	mux.HandleFunc("GET /status", s.handlers.HandleStatus)
	mux.HandleFunc("GET /status/stream", s.handlers.HandleStatusStream)
	mux.HandleFunc("GET /ws", s.handlers.HandleWebSocket)
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(s.handlers.staticFS))))
	mux.HandleFunc("GET /{$}", s.handlers.ServeIndex) // exact match for root only

	return mux
}

// Run starts the server and blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		debug.Info("Web server listening on %s (control: POST %s)", s.addr, s.controlPath)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
