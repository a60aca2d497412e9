package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// DefaultRetain is how many dispatch records a store keeps before pruning the
// oldest.
const DefaultRetain = 10000

// Config configures storage.
//
// Driver values:
//   - "file": jsonl file backend
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Retain      int           // 0 means DefaultRetain
}

// DispatchRecord is one report tick's selection.
type DispatchRecord struct {
	At       time.Time `json:"at"`
	Schedule string    `json:"schedule"`
	Messages []string  `json:"messages"`
	Selected []string  `json:"selected"`
}
