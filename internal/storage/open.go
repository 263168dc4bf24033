package storage

import (
	"errors"
	"strings"

	"herald/internal/schedule"
	logx "herald/pkg/logx"
)

// Open initializes the configured task store. The scheduler cannot run
// without one, so an empty driver falls back to the file backend.
func Open(cfg Config, log logx.Logger) (schedule.TaskStore, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
