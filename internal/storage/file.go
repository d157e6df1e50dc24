package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	logx "telemetryd/pkg/logx"
)

// fileStore keeps state in two files next to Path:
//   - <prefix>.stats.json    snapshot, rewritten atomically on save
//   - <prefix>.events.jsonl  append-only, compacted to the newest maxEvents
type fileStore struct {
	fs  afero.Fs
	log logx.Logger

	mu         sync.Mutex
	statsPath  string
	eventsPath string
	events     afero.File
	eventLines int
	stats      map[string]StreamStats
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	fs := cfg.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		fs:         fs,
		log:        log,
		statsPath:  prefix + ".stats.json",
		eventsPath: prefix + ".events.jsonl",
		stats:      map[string]StreamStats{},
	}
	if err := s.loadStats(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("stats snapshot unreadable; starting empty", logx.Err(err))
	}
	lines, err := s.readEvents()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	s.eventLines = len(lines)

	f, err := fs.OpenFile(s.eventsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.events = f
	return s, nil
}

func (s *fileStore) loadStats() error {
	b, err := afero.ReadFile(s.fs, s.statsPath)
	if err != nil {
		return err
	}
	var list []StreamStats
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	for _, st := range list {
		s.stats[st.Name] = st
	}
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		return nil
	}
	err := s.events.Close()
	s.events = nil
	return err
}

func (s *fileStore) SaveStats(ctx context.Context, stats []StreamStats) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		return errors.New("store closed")
	}
	now := time.Now()
	for _, st := range stats {
		if st.UpdatedAt.IsZero() {
			st.UpdatedAt = now
		}
		s.stats[st.Name] = st
	}
	list := make([]StreamStats, 0, len(s.stats))
	for _, st := range s.stats {
		list = append(list, st)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	b, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	return s.writeAtomic(s.statsPath, b)
}

func (s *fileStore) writeAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, b, 0o600); err != nil {
		return err
	}
	return s.fs.Rename(tmp, path)
}

func (s *fileStore) LoadStats(ctx context.Context) (map[string]StreamStats, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]StreamStats, len(s.stats))
	for k, v := range s.stats {
		out[k] = v
	}
	return out, nil
}

func (s *fileStore) AppendEvent(ctx context.Context, e Event) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		return errors.New("store closed")
	}
	if err := json.NewEncoder(s.events).Encode(e); err != nil {
		return err
	}
	s.eventLines++
	if s.eventLines > 2*maxEvents {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("event log compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	_ = ctx
	s.mu.Lock()
	lines, err := s.readEvents()
	s.mu.Unlock()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	out := make([]Event, 0, len(lines))
	for _, l := range lines {
		var e Event
		if err := json.Unmarshal([]byte(l), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *fileStore) readEvents() ([]string, error) {
	f, err := s.fs.Open(s.eventsPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if l := strings.TrimSpace(sc.Text()); l != "" {
			lines = append(lines, l)
		}
	}
	return lines, sc.Err()
}

// compactLocked keeps the newest maxEvents lines.
func (s *fileStore) compactLocked() error {
	lines, err := s.readEvents()
	if err != nil {
		return err
	}
	if len(lines) > maxEvents {
		lines = lines[len(lines)-maxEvents:]
	}
	if err := s.events.Close(); err != nil {
		return err
	}
	s.events = nil
	body := strings.Join(lines, "\n") + "\n"
	werr := s.writeAtomic(s.eventsPath, []byte(body))
	f, err := s.fs.OpenFile(s.eventsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	s.events = f
	if werr != nil {
		return werr
	}
	s.eventLines = len(lines)
	return nil
}
