package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/seantiz/taskd/internal/config"
	"github.com/seantiz/taskd/internal/demo"
	"github.com/seantiz/taskd/internal/model"
	"github.com/seantiz/taskd/internal/store"
	"github.com/seantiz/taskd/internal/task"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	t.Setenv("TASKD_CONFIG", "")
	t.Chdir(t.TempDir())
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	cfg.StoreDriver = config.StoreMemory
	return cfg
}

func TestOpenStore(t *testing.T) {
	cfg := testConfig(t)

	s, err := OpenStore(cfg)
	if err != nil {
		t.Fatalf("OpenStore(memory): %v", err)
	}
	if _, ok := s.(*store.MemoryStore); !ok {
		t.Errorf("OpenStore(memory) = %T", s)
	}

	cfg.StoreDriver = config.StoreSQLite
	cfg.DBPath = filepath.Join(t.TempDir(), "taskd.db")
	s, err = OpenStore(cfg)
	if err != nil {
		t.Fatalf("OpenStore(sqlite): %v", err)
	}
	defer s.Close()
	if _, ok := s.(*store.SQLiteStore); !ok {
		t.Errorf("OpenStore(sqlite) = %T", s)
	}

	cfg.StoreDriver = "bolt"
	if _, err := OpenStore(cfg); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestBuildAppliesTaskSettings(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tasks = map[string]config.TaskConfig{
		demo.KindSleep: {Concurrency: 3, Timeout: 50 * time.Millisecond},
	}

	rt, err := Build(cfg, discardLogger())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	def, err := rt.Registry.Resolve(demo.KindSleep)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if def.Timeout != 50*time.Millisecond {
		t.Errorf("sleep timeout = %v, want 50ms", def.Timeout)
	}

	ctx := context.Background()
	stats, err := rt.Engine.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Limits[demo.KindSleep] != 3 {
		t.Errorf("sleep limit = %d, want 3", stats.Limits[demo.KindSleep])
	}

	if err := rt.Engine.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec := rt.Engine.Submit(ctx, demo.KindSleep, task.Args{"seconds": 5.0})

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	snap, err := rt.Engine.Wait(waitCtx, rec.ID(), false)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if snap.Status != model.StatusTimeout {
		t.Errorf("status = %q, want %q", snap.Status, model.StatusTimeout)
	}

	if err := rt.Close(ctx); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestBuildRejectsUnknownKind(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tasks = map[string]config.TaskConfig{"missing": {Timeout: time.Second}}

	if _, err := Build(cfg, discardLogger()); !errors.Is(err, task.ErrNotRegistered) {
		t.Errorf("Build = %v, want ErrNotRegistered", err)
	}
}

func TestLoadConfigMergesFile(t *testing.T) {
	t.Setenv("TASKD_CONFIG", "")
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "custom.yaml")
	data := []byte("listen_addr: \":9999\"\nstore:\n  driver: memory\ntasks:\n  echo:\n    concurrency: 4\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig([]string{"--config", path})
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q, want :9999", cfg.ListenAddr)
	}
	if cfg.Tasks["echo"].Concurrency != 4 {
		t.Errorf("echo concurrency = %d, want 4", cfg.Tasks["echo"].Concurrency)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Setenv("TASKD_CONFIG", "")
	t.Chdir(t.TempDir())

	if _, err := LoadConfig([]string{"--config", "nope.yaml"}); err == nil {
		t.Error("expected error for missing config file")
	}
}
