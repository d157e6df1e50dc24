package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"

	logx "telemetryd/pkg/logx"
)

func openStores(t *testing.T) map[string]func() Store {
	t.Helper()
	memfs := afero.NewMemMapFs()
	dbPath := filepath.Join(t.TempDir(), "telemetryd.db")
	open := func(cfg Config) Store {
		st, err := Open(cfg, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%s): %v", cfg.Driver, err)
		}
		return st
	}
	return map[string]func() Store{
		"file":   func() Store { return open(Config{Driver: "file", Path: "state/telemetryd", Fs: memfs}) },
		"sqlite": func() Store { return open(Config{Driver: "sqlite", Path: dbPath}) },
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " off "} {
		if _, err := Open(Config{Driver: d}, logx.Nop()); !errors.Is(err, ErrDisabled) {
			t.Fatalf("Open(%q) err = %v, want ErrDisabled", d, err)
		}
	}
	if _, err := Open(Config{Driver: "etcd", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("file driver without path accepted")
	}
}

func TestStatsSurviveReopen(t *testing.T) {
	t.Parallel()
	for name, open := range openStores(t) {
		name, open := name, open
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open()
			if err := st.SaveStats(ctx, []StreamStats{
				{Name: "heartbeat", Sent: 10, Failed: 2},
				{Name: "sys_status", Sent: 4, IdleEpisodes: 1},
			}); err != nil {
				t.Fatalf("SaveStats: %v", err)
			}
			if err := st.SaveStats(ctx, []StreamStats{{Name: "heartbeat", Sent: 12, Failed: 2, ManualSent: 1}}); err != nil {
				t.Fatalf("SaveStats update: %v", err)
			}
			if err := st.Close(); err != nil {
				t.Fatal(err)
			}

			st = open()
			defer st.Close()
			got, err := st.LoadStats(ctx)
			if err != nil {
				t.Fatalf("LoadStats: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("loaded %d streams, want 2", len(got))
			}
			hb := got["heartbeat"]
			if hb.Sent != 12 || hb.Failed != 2 || hb.ManualSent != 1 || hb.UpdatedAt.IsZero() {
				t.Fatalf("heartbeat = %+v", hb)
			}
			if got["sys_status"].IdleEpisodes != 1 {
				t.Fatalf("sys_status = %+v", got["sys_status"])
			}
		})
	}
}

func TestEventsAppendAndTail(t *testing.T) {
	t.Parallel()
	for name, open := range openStores(t) {
		name, open := name, open
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open()
			defer st.Close()
			for i := 0; i < 5; i++ {
				if err := st.AppendEvent(ctx, Event{Type: "stream.idle", Stream: fmt.Sprintf("s%d", i)}); err != nil {
					t.Fatalf("AppendEvent: %v", err)
				}
			}
			got, err := st.RecentEvents(ctx, 3)
			if err != nil {
				t.Fatalf("RecentEvents: %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("got %d events, want 3", len(got))
			}
			for i, want := range []string{"s2", "s3", "s4"} {
				if got[i].Stream != want || got[i].Type != "stream.idle" || got[i].At.IsZero() {
					t.Fatalf("event %d = %+v, want stream %s", i, got[i], want)
				}
			}
		})
	}
}

func TestFileEventLogCompacts(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	st, err := Open(Config{Driver: "file", Path: "db/state.json", Fs: fs}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	ctx := context.Background()
	for i := 0; i < 2*maxEvents+1; i++ {
		if err := st.AppendEvent(ctx, Event{Type: "config.applied"}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := st.RecentEvents(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != maxEvents {
		t.Fatalf("retained %d events, want %d", len(got), maxEvents)
	}
	if err := st.AppendEvent(ctx, Event{Type: "after"}); err != nil {
		t.Fatalf("append after compaction: %v", err)
	}
}
