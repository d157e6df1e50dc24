package storage

import (
	"context"
	"errors"
	"strings"

	logx "telemetryd/pkg/logx"
)

// Store is the persistence API used by the app.
type Store interface {
	// SaveStats upserts counters for the given streams.
	SaveStats(ctx context.Context, stats []StreamStats) error
	// LoadStats returns the last saved counters keyed by stream name.
	LoadStats(ctx context.Context) (map[string]StreamStats, error)
	AppendEvent(ctx context.Context, e Event) error
	// RecentEvents returns up to limit events, oldest first.
	RecentEvents(ctx context.Context, limit int) ([]Event, error)
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" || driver == "off" {
		return nil, ErrDisabled
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
