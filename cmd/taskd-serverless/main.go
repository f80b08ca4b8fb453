// Command taskd-serverless runs the task engine as a worker for a job
// platform. With the tcp or vsock transport it serves length-prefixed job
// envelopes; with the asynq transport it consumes tasks from redis.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/seantiz/taskd/internal/app"
	"github.com/seantiz/taskd/internal/asynqbridge"
	"github.com/seantiz/taskd/internal/config"
	"github.com/seantiz/taskd/internal/serverless"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := app.LoadConfig(os.Args[1:])
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	rt, err := app.Build(cfg, logger)
	if err != nil {
		log.Fatalf("build engine: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.Engine.Start(ctx); err != nil {
		log.Fatalf("start engine: %v", err)
	}

	logger.Info("taskd-serverless: starting", "transport", cfg.ServerlessTransport)

	var runErr error
	switch cfg.ServerlessTransport {
	case config.TransportAsynq:
		runErr = runAsynq(ctx, cfg, rt, logger)
	default:
		runErr = runAgent(ctx, cfg, rt, logger)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rt.Close(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}

	if runErr != nil {
		log.Fatalf("serve: %v", runErr)
	}
}

func runAgent(ctx context.Context, cfg config.Config, rt *app.Runtime, logger *slog.Logger) error {
	l, err := serverless.Listen(cfg.ServerlessTransport, cfg.ServerlessAddr, cfg.VsockPort)
	if err != nil {
		return err
	}
	defer l.Close()

	return serverless.New(l, rt.Engine, logger).Serve(ctx)
}

func runAsynq(ctx context.Context, cfg config.Config, rt *app.Runtime, logger *slog.Logger) error {
	bridge := asynqbridge.New(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, rt.Engine, logger, asynqbridge.Config{
		Queue:       cfg.AsynqQueue,
		Concurrency: cfg.AsynqConcurrency,
	})
	if err := bridge.Start(); err != nil {
		return err
	}
	logger.Info("asynq bridge consuming", "redis_addr", cfg.RedisAddr, "queue", cfg.AsynqQueue)

	<-ctx.Done()
	bridge.Shutdown()
	return nil
}
