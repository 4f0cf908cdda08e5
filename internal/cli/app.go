package cli

import (
	"errors"
	"fmt"

	"festcal/internal/calendar"
	"festcal/internal/config"
	"festcal/internal/failures"
	"festcal/internal/generate"
	appLog "festcal/internal/log"
	"festcal/internal/lunar"
	"festcal/internal/maintenance"
	"festcal/internal/model"
	"festcal/internal/solarterm"
	"festcal/internal/store"
	"festcal/internal/store/rediscache"
)

// app holds the wired services of one CLI invocation.
type app struct {
	cfg      *config.Config
	store    *store.Store
	redis    *rediscache.Cache
	chain    *lunar.Chain
	terms    *solarterm.Table
	recorder *failures.Recorder
	cal      *calendar.Service
	orch     *maintenance.Orchestrator
}

// openApp loads the configuration and wires every component on top of the
// sqlite store.
func openApp(opts *RootOptions) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	if !opts.Verbose {
		appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))
	}

	appLog.Debug("effective config",
		"config_path", opts.ConfigPath,
		"database", cfg.Database,
		"timezone", cfg.Timezone,
		"extend_years", cfg.ExtendYears,
		"cache_expiry_days", cfg.CacheExpiryDays,
		"sources", len(cfg.Converter.Sources),
		"redis", cfg.RedisURL != "",
	)

	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	a := &app{cfg: cfg, store: st}

	var cache lunar.Cache = st
	if cfg.RedisURL != "" {
		rc, err := rediscache.New(cfg.RedisURL, st, cfg.CacheExpiry())
		if err != nil {
			// sqlite stays authoritative; run without the shared layer.
			appLog.Error("redis cache unavailable; using sqlite cache only", err)
		} else {
			a.redis = rc
			cache = rc
		}
	}

	a.chain = lunar.NewChain(lunar.ChainConfig{
		Strategies:      strategies(cfg),
		Cache:           cache,
		Leap:            lunar.Calculator{},
		Expiry:          cfg.CacheExpiry(),
		StrategyTimeout: cfg.Converter.StrategyTimeout,
		Attempts:        cfg.Converter.Attempts,
	})
	a.terms = solarterm.NewTable(st, nil)
	a.recorder = failures.NewRecorder(st, nil)

	gen := generate.New(generate.Config{Converter: a.chain, Terms: a.terms})
	a.cal = calendar.New(calendar.Config{
		Store:       st,
		Generator:   gen,
		Recorder:    a.recorder,
		ExtendYears: cfg.ExtendYears,
		Location:    cfg.Location(),
	})
	a.orch = maintenance.New(maintenance.Config{
		Store:    st,
		Calendar: a.cal,
		Terms:    a.terms,
		Recorder: a.recorder,
		Workers:  cfg.Workers,
	})
	return a, nil
}

// strategies orders the converter chain: authoritative sources, the
// built-in calculator, secondary sources, then the static table.
func strategies(cfg *config.Config) []lunar.Strategy {
	var primary, secondary []lunar.Strategy
	for _, src := range cfg.Converter.Sources {
		switch src.Name {
		case "authoritative":
			primary = append(primary, lunar.NewRemoteSource(model.SourceAuthoritative, src.Name, src.URL, src.Timeout))
		case "secondary":
			secondary = append(secondary, lunar.NewRemoteSource(model.SourceSecondary, src.Name, src.URL, src.Timeout))
		}
	}

	out := append(primary, lunar.Calculator{})
	out = append(out, secondary...)
	if cfg.Converter.UseStaticFallback() {
		out = append(out, lunar.StaticFallback{})
	}
	return out
}

func (a *app) Close() error {
	var errs []error
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}
