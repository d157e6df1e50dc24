package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "telemetryd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	appends    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; SQLite serializes anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveStats(ctx context.Context, stats []StreamStats) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	for _, st := range stats {
		at := st.UpdatedAt
		if at.IsZero() {
			at = now
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO stream_stats(name, sent, failed, manual_sent, manual_failed, panics, idle_episodes, updated_at)
			 VALUES(?,?,?,?,?,?,?,?)
			 ON CONFLICT(name) DO UPDATE SET
			   sent=excluded.sent, failed=excluded.failed,
			   manual_sent=excluded.manual_sent, manual_failed=excluded.manual_failed,
			   panics=excluded.panics, idle_episodes=excluded.idle_episodes,
			   updated_at=excluded.updated_at`,
			st.Name, int64(st.Sent), int64(st.Failed), int64(st.ManualSent), int64(st.ManualFailed),
			int64(st.Panics), int64(st.IdleEpisodes), at.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("save %s: %w", st.Name, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) LoadStats(ctx context.Context) (map[string]StreamStats, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, sent, failed, manual_sent, manual_failed, panics, idle_episodes, updated_at FROM stream_stats`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]StreamStats{}
	for rows.Next() {
		var (
			st                                   StreamStats
			sent, failed, mSent, mFailed, panics int64
			idle                                 int64
			at                                   string
		)
		if err := rows.Scan(&st.Name, &sent, &failed, &mSent, &mFailed, &panics, &idle, &at); err != nil {
			return nil, err
		}
		st.Sent, st.Failed = uint64(sent), uint64(failed)
		st.ManualSent, st.ManualFailed = uint64(mSent), uint64(mFailed)
		st.Panics, st.IdleEpisodes = uint64(panics), uint64(idle)
		st.UpdatedAt, _ = time.Parse(time.RFC3339Nano, at)
		out[st.Name] = st
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendEvent(ctx context.Context, e Event) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(at, type, stream, data) VALUES(?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.Type, nullStr(e.Stream), nullStr(e.Data),
	)
	if err == nil && s.appends.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if perr := s.prune(pctx); perr != nil {
			s.log.Debug("event prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = maxEvents
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, type, COALESCE(stream, ''), COALESCE(data, '')
		 FROM (SELECT * FROM events ORDER BY id DESC LIMIT ?) ORDER BY id ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e  Event
			at string
		)
		if err := rows.Scan(&at, &e.Type, &e.Stream, &e.Data); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE id <= (SELECT COALESCE(MAX(id), 0) - ? FROM events)`, maxEvents)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
