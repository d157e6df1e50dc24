package app

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"telemetryd/internal/config"
	"telemetryd/internal/link"
	"telemetryd/internal/observability/status"
	"telemetryd/internal/storage"
	"telemetryd/internal/streams"
	"telemetryd/internal/trigger"
)

const statusPushEvery = time.Second

// validate resolves cfg and checks what the config package cannot know:
// stream kinds, floors on const-rate kinds and trigger schedules.
func validate(_ context.Context, cfg *config.Config) (*config.Resolved, error) {
	res, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	var errs *multierror.Error
	for _, s := range res.Streams {
		if !streams.KnownKind(s.Kind) {
			errs = multierror.Append(errs, fmt.Errorf("streams.%s.kind: %w %q (known: %v)", s.Name, streams.ErrUnknownKind, s.Kind, streams.Kinds()))
			continue
		}
		if s.MinInterval > 0 && streams.ConstRateKind(s.Kind) {
			errs = multierror.Append(errs, fmt.Errorf("streams.%s.min_interval: %w (%s)", s.Name, streams.ErrFloorOnConstRate, s.Kind))
		}
	}
	if err := trigger.Validate(triggerSpecs(res)); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return res, nil
}

func triggerSpecs(res *config.Resolved) []trigger.Spec {
	out := make([]trigger.Spec, 0, len(res.Triggers))
	for _, t := range res.Triggers {
		out = append(out, trigger.Spec{Name: t.Name, Schedule: t.Schedule, Stream: t.Stream})
	}
	return out
}

func mapLinkConfig(res *config.Resolved) link.Config {
	return link.Config{
		Bandwidth:     res.Link.Bandwidth,
		Burst:         res.Link.Burst,
		MinMultiplier: res.Link.MinMultiplier,
		MaxMultiplier: res.Link.MaxMultiplier,
		Session:       res.Link.Session,
	}
}

func mapStatusConfig(res *config.Resolved) status.Config {
	s := res.Status
	return status.Config{
		Enabled:       s.Enabled,
		Addr:          s.Addr,
		Token:         s.Token,
		AllowInsecure: s.AllowInsecure,
		Pprof:         s.Pprof,
		ReadTimeout:   s.ReadTimeout,
		IdleTimeout:   s.IdleTimeout,
		PushEvery:     statusPushEvery,
	}
}

func mapStorageConfig(res *config.Resolved) (storage.Config, bool) {
	s := res.Storage
	if s.Driver == "" {
		return storage.Config{}, false
	}
	return storage.Config{Driver: s.Driver, Path: s.Path, BusyTimeout: s.BusyTimeout}, true
}

func paramSet(res *config.Resolved, rev uint64, hash string) streams.ParamSet {
	return streams.ParamSet{Revision: rev, Hash: hash, Values: res.Params()}
}

func streamSpec(s config.StreamSettings) streams.Spec {
	return streams.Spec{Name: s.Name, Kind: s.Kind, MinInterval: s.MinInterval}
}

// Check loads and validates the config at path without building anything.
func Check(path string) (*config.Resolved, error) {
	cfg, err := config.NewConfigManager(path).Parse()
	if err != nil {
		return nil, err
	}
	return validate(context.Background(), cfg)
}
