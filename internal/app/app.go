// Package app assembles the store, registry, and engine from configuration.
// Both binaries start from here.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/seantiz/taskd/internal/config"
	"github.com/seantiz/taskd/internal/demo"
	"github.com/seantiz/taskd/internal/engine"
	"github.com/seantiz/taskd/internal/store"
	"github.com/seantiz/taskd/internal/task"
)

// Runtime is a configured engine together with what it depends on.
type Runtime struct {
	Store    store.Store
	Registry *task.Registry
	Engine   *engine.Engine
}

// LoadConfig reads the environment, merges the config file selected by args,
// and validates the result.
func LoadConfig(args []string) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}

	path, err := config.ResolveConfigPath(args)
	if err != nil {
		return cfg, err
	}
	fileCfg, err := config.LoadFileConfig(path)
	if err != nil {
		return cfg, err
	}
	if err := config.ApplyFileConfig(&cfg, fileCfg); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// OpenStore opens the result store named by cfg.StoreDriver.
func OpenStore(cfg config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreMemory:
		return store.NewMemoryStore(), nil
	case config.StoreSQLite:
		s, err := store.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// Build opens the store, registers the built-in tasks, and applies per-kind
// settings. The engine is returned unstarted.
func Build(cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	st, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}

	reg := task.NewRegistry()
	if err := demo.Register(reg); err != nil {
		st.Close()
		return nil, err
	}

	eng := engine.NewEngine(st, reg, logger, engine.Options{
		DefaultTimeout: cfg.DefaultTimeout,
		ResultTTL:      cfg.ResultTTL,
		EvictSchedule:  cfg.EvictSchedule,
	})

	for kind, tc := range cfg.Tasks {
		if tc.Timeout > 0 {
			if err := reg.Configure(kind, task.WithTimeout(tc.Timeout)); err != nil {
				st.Close()
				return nil, fmt.Errorf("tasks.%s: %w", kind, err)
			}
		}
		if tc.Concurrency > 0 {
			if err := eng.SetConcurrencyLimit(kind, tc.Concurrency); err != nil {
				st.Close()
				return nil, fmt.Errorf("tasks.%s: %w", kind, err)
			}
		}
	}

	return &Runtime{Store: st, Registry: reg, Engine: eng}, nil
}

// Close shuts the engine down and closes the store.
func (r *Runtime) Close(ctx context.Context) error {
	return errors.Join(r.Engine.Shutdown(ctx), r.Store.Close())
}
