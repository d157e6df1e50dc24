package config

import (
	"reflect"
	"sort"
	"strings"

	logx "telemetryd/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections, log fields
// describing them (never the status token), and the names of streams whose
// settings changed, were added or were removed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.tick", strings.TrimSpace(newCfg.Scheduler.Tick)),
			logx.String("scheduler.start_policy", strings.TrimSpace(newCfg.Scheduler.StartPolicy)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Link, newCfg.Link) {
		changed = append(changed, "link")
		attrs = append(attrs,
			logx.String("link.bandwidth", strings.TrimSpace(newCfg.Link.Bandwidth)),
			logx.String("link.output", strings.TrimSpace(newCfg.Link.Output)),
			logx.Bool("link.probe", newCfg.Link.Probe.Enabled),
		)
	}

	streamChanged := diffStreams(oldCfg.Streams, newCfg.Streams)
	if len(streamChanged) > 0 {
		changed = append(changed, "streams")
		attrs = append(attrs,
			logx.Int("streams.changed_count", len(streamChanged)),
			logx.Int("streams.count", len(newCfg.Streams)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Triggers, newCfg.Triggers) {
		changed = append(changed, "triggers")
		attrs = append(attrs, logx.Int("triggers.count", len(newCfg.Triggers)))
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	oSt, nSt := oldCfg.Status, newCfg.Status
	tokenChanged := oSt.Token != nSt.Token
	oSt.Token, nSt.Token = "", ""
	if tokenChanged || oSt != nSt {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", nSt.Enabled),
			logx.String("status.addr", strings.TrimSpace(nSt.Addr)),
			logx.Bool("status.token_set", strings.TrimSpace(newCfg.Status.Token) != ""),
			logx.Bool("status.pprof", nSt.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs, streamChanged
}

func diffStreams(oldL, newL []StreamConfig) []string {
	index := func(l []StreamConfig) map[string]StreamConfig {
		m := make(map[string]StreamConfig, len(l))
		for _, s := range l {
			m[strings.TrimSpace(s.Name)] = s
		}
		return m
	}
	oldM, newM := index(oldL), index(newL)

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		o, inOld := oldM[name]
		n, inNew := newM[name]
		if inOld != inNew || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
