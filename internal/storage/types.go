package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("store closed")

// Config configures task persistence.
//
// Driver values:
//   - "file": JSON snapshot on disk (default when empty)
//   - "sqlite": SQLite database file (requires the sqlite build tag)
//   - "redis": shared Redis instance
type Config struct {
	Driver string `json:"driver"`

	// Path is the snapshot or database file (file and sqlite drivers).
	Path string `json:"path"`

	// Redis connection settings.
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`

	BusyTimeout time.Duration `json:"-"` // sqlite only; 0 means default
}
