package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"herald/internal/schedule"
	logx "herald/pkg/logx"
)

type apiError struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type sendRequest struct {
	Room    string `json:"room"`
	Message string `json:"message"`
}

type sendResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// taskRequest is the mutable surface of a task. Pointers distinguish
// "omitted" from zero values on PATCH.
type taskRequest struct {
	Rooms   []string `json:"rooms"`
	Message *string  `json:"message"`
	Repeat  *string  `json:"repeat"`
	Enabled *bool    `json:"enabled"`
}

type taskView struct {
	schedule.Task
	NextFire *time.Time `json:"next_fire,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("response encode failed", logx.Err(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, apiError{Error: err.Error()})
}

func decodeStrict(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) taskView(t schedule.Task) taskView {
	v := taskView{Task: t}
	if next, ok := s.mgr.NextFire(t.ID); ok {
		v.NextFire = &next
	}
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = r
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "tasks": len(s.mgr.Tasks())})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	view := r.URL.Query().Get("view")
	switch view {
	case "", "all", "pending", "archived":
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("unknown view %q", view))
		return
	}

	tasks := s.mgr.Tasks()
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		if view == "pending" && t.Archived {
			continue
		}
		if view == "archived" && !t.Archived {
			continue
		}
		views = append(views, s.taskView(t))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := decodeStrict(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Repeat == nil || strings.TrimSpace(*req.Repeat) == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("repeat rule is required"))
		return
	}
	t := schedule.Task{
		RoomNames:  req.Rooms,
		RepeatRule: *req.Repeat,
		Enabled:    true,
	}
	if req.Message != nil {
		t.Message = *req.Message
	}
	if req.Enabled != nil {
		t.Enabled = *req.Enabled
	}

	created, err := s.mgr.Add(r.Context(), t)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, s.taskView(created))
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req taskRequest
	if err := decodeStrict(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	cur, ok := s.findTask(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, schedule.ErrNotFound)
		return
	}
	if req.Rooms != nil {
		cur.RoomNames = req.Rooms
	}
	if req.Message != nil {
		cur.Message = *req.Message
	}
	if req.Repeat != nil {
		cur.RepeatRule = *req.Repeat
	}
	if req.Enabled != nil {
		cur.Enabled = *req.Enabled
	}

	updated, err := s.mgr.Update(r.Context(), cur)
	if err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, schedule.ErrNotFound) {
			code = http.StatusNotFound
		}
		s.writeError(w, code, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.taskView(updated))
}

func (s *Server) handleToggleTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeStrict(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.mgr.Toggle(r.Context(), id, req.Enabled); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	// Unknown IDs toggle to nothing; report what exists now.
	if t, ok := s.findTask(id); ok {
		s.writeJSON(w, http.StatusOK, s.taskView(t))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeStrict(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Room) == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("room is required"))
		return
	}
	if err := s.sender.DirectSend(r.Context(), req.Room, req.Message); err != nil {
		s.writeJSON(w, http.StatusBadGateway, sendResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, sendResponse{Success: true})
}

// handleEvents streams task status updates as server-sent events until the
// client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	sub, unsub := s.bus.Subscribe(32, schedule.EventTaskStatus)
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub:
			if !open {
				return
			}
			data, err := json.Marshal(ev.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

func (s *Server) findTask(id string) (schedule.Task, bool) {
	for _, t := range s.mgr.Tasks() {
		if t.ID == id {
			return t, true
		}
	}
	return schedule.Task{}, false
}
