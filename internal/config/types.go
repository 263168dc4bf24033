package config

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	API      APIConfig      `json:"api"`
	Storage  StorageConfig  `json:"storage"`
	Schedule ScheduleConfig `json:"schedule"`
	Session  SessionConfig  `json:"session"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// APIConfig controls the HTTP command surface.
//
// Security note: prefer binding to localhost (the default). The API has no
// authentication layer of its own.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8787"

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 so
	// the long-lived event stream is not cut off.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// StorageConfig controls task persistence.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./herald_tasks.json" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	Addr        string `json:"addr,omitempty"`         // redis
	Password    string `json:"password,omitempty"`     // redis
	DB          int    `json:"db,omitempty"`           // redis
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// ScheduleConfig controls the scheduler facade and the delivery executor.
type ScheduleConfig struct {
	// Timezone is an IANA TZ name used for occurrence calculation.
	// Empty means the process-local zone.
	Timezone string `json:"timezone,omitempty"`

	// HistoryLimit caps each task's stored execution history. 0 means default.
	HistoryLimit int `json:"history_limit,omitempty"`

	// RatePerSec caps outbound sends across all tasks. 0 means default.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// SessionConfig selects the chat backend.
type SessionConfig struct {
	// Driver currently supports "console" (loopback, logs instead of
	// sending). Empty means "console".
	Driver string `json:"driver"`

	// Rooms lists the room names the console driver pretends to be in.
	Rooms []string `json:"rooms,omitempty"`
}
