// Command taskd runs the task engine behind its HTTP API.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seantiz/taskd/internal/api"
	"github.com/seantiz/taskd/internal/app"
	"github.com/seantiz/taskd/internal/config"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := app.LoadConfig(os.Args[1:])
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("taskd: starting",
		"listen_addr", cfg.ListenAddr,
		"store", cfg.StoreDriver,
		"db_path", cfg.DBPath,
		"result_ttl", cfg.ResultTTL.String(),
	)

	rt, err := app.Build(cfg, logger)
	if err != nil {
		log.Fatalf("build engine: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.Engine.Start(ctx); err != nil {
		log.Fatalf("start engine: %v", err)
	}

	srv := api.NewServer(cfg.ListenAddr, rt.Engine, rt.Registry, logger, api.Options{
		SubmitRate:  cfg.SubmitRate,
		SubmitBurst: cfg.SubmitBurst,
	})
	runErr := srv.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rt.Close(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}

	if runErr != nil {
		log.Fatalf("server error: %v", runErr)
	}
	logger.Info("taskd: stopped")
}
