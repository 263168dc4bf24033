package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"herald/internal/eventbus"
	"herald/internal/schedule"
	logx "herald/pkg/logx"
)

// Config controls the HTTP command surface.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Sender is the slice of the executor the diagnostics endpoint needs.
type Sender interface {
	DirectSend(ctx context.Context, roomName, text string) error
}

// Server exposes the scheduler over HTTP: task CRUD, an immediate-send
// endpoint, and a server-sent-events stream of task status updates.
type Server struct {
	log    logx.Logger
	mgr    *schedule.Manager
	sender Sender
	bus    eventbus.Bus
	srv    *http.Server
}

func New(cfg Config, mgr *schedule.Manager, sender Sender, bus eventbus.Bus, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:8787"
	}
	s := &Server{log: log, mgr: mgr, sender: sender, bus: bus}
	s.srv = &http.Server{
		Addr:        addr,
		Handler:     s.routes(),
		ReadTimeout: cfg.ReadTimeout,
		// WriteTimeout stays 0 unless configured: the event stream is
		// long-lived and must not be cut off by the server.
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/tasks", s.handleListTasks).Methods(http.MethodGet)
	r.HandleFunc("/api/tasks", s.handleCreateTask).Methods(http.MethodPost)
	r.HandleFunc("/api/tasks/{id}", s.handleUpdateTask).Methods(http.MethodPatch)
	r.HandleFunc("/api/tasks/{id}", s.handleDeleteTask).Methods(http.MethodDelete)
	r.HandleFunc("/api/tasks/{id}/toggle", s.handleToggleTask).Methods(http.MethodPost)
	r.HandleFunc("/api/send", s.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/api/events", s.handleEvents).Methods(http.MethodGet)
	return r
}

// Run serves until ctx is cancelled, then drains with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", logx.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shCtx); err != nil {
		return err
	}
	return <-errCh
}
