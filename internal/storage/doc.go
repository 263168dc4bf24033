package storage

// Package storage persists the scheduled task set across restarts.
//
// It currently supports:
//   - "file": dependency-free JSON snapshot (default)
//   - "sqlite": SQLite database file (optional build tag)
//   - "redis": shared Redis instance
