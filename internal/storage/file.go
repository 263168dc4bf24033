package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"herald/internal/schedule"
	logx "herald/pkg/logx"
)

// fileStore is the dependency-free persistence backend: one JSON snapshot
// holding the complete task set. Writes go through a temp file and rename so
// a crash mid-write never leaves a torn snapshot behind.
type fileStore struct {
	log  logx.Logger
	path string

	mu     sync.Mutex
	tasks  []schedule.Task
	closed bool
}

type snapshot struct {
	Tasks []schedule.Task `json:"tasks"`
}

func openFile(cfg Config, log logx.Logger) (schedule.TaskStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	log.Info("file store opened", logx.String("path", path), logx.Int("tasks", len(s.tasks)))
	return s, nil
}

func (s *fileStore) load() error {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return errors.New("corrupt task snapshot: " + err.Error())
	}
	s.tasks = snap.Tasks
	return nil
}

func (s *fileStore) GetAll(ctx context.Context) ([]schedule.Task, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]schedule.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	return out, nil
}

func (s *fileStore) ReplaceAll(ctx context.Context, tasks []schedule.Task) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	b, err := json.MarshalIndent(snapshot{Tasks: tasks}, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}

	s.tasks = make([]schedule.Task, 0, len(tasks))
	for _, t := range tasks {
		s.tasks = append(s.tasks, t.Clone())
	}
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
