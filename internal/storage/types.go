package storage

import (
	"errors"
	"time"

	"github.com/spf13/afero"
)

var ErrDisabled = errors.New("storage disabled")

// maxEvents bounds the retained event history in both drivers.
const maxEvents = 5000

// Config configures storage.
//
// If Driver is empty or "none", Open returns ErrDisabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Fs backs the file driver; nil means the OS filesystem.
	Fs afero.Fs
}

// StreamStats is the persisted form of one stream's counters.
type StreamStats struct {
	Name         string    `json:"name"`
	Sent         uint64    `json:"sent"`
	Failed       uint64    `json:"failed"`
	ManualSent   uint64    `json:"manual_sent"`
	ManualFailed uint64    `json:"manual_failed"`
	Panics       uint64    `json:"panics"`
	IdleEpisodes uint64    `json:"idle_episodes"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Event is one recorded lifecycle event (idle, recovered, config applied).
type Event struct {
	At     time.Time `json:"at"`
	Type   string    `json:"type"`
	Stream string    `json:"stream,omitempty"`
	Data   string    `json:"data,omitempty"`
}
