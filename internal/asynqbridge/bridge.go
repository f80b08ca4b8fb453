// Package asynqbridge runs engine tasks delivered through an asynq (redis)
// queue. The asynq task type names the task kind and the payload is the JSON
// argument object.
package asynqbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/seantiz/taskd/internal/engine"
	"github.com/seantiz/taskd/internal/model"
	"github.com/seantiz/taskd/internal/task"
)

const timeoutGrace = 2 * time.Second

// Config controls the asynq server the bridge runs.
type Config struct {
	Queue       string
	Concurrency int
}

// Bridge is an asynq.Handler backed by an engine.
type Bridge struct {
	engine *engine.Engine
	logger *slog.Logger
	server *asynq.Server
}

// New creates a bridge consuming cfg.Queue on the redis server in redisOpt.
func New(redisOpt asynq.RedisClientOpt, eng *engine.Engine, logger *slog.Logger, cfg Config) *Bridge {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.Queue == "" {
		cfg.Queue = "default"
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      map[string]int{cfg.Queue: 1},
		Logger:      &asynqLogger{logger: logger},
	})
	return &Bridge{engine: eng, logger: logger, server: server}
}

// ProcessTask runs t on the engine and waits for it. The final snapshot is
// written as the task result. Failed and timed-out jobs are not retried.
// Jobs refused because their kind is full or the engine is stopping return a
// retryable error.
func (b *Bridge) ProcessTask(ctx context.Context, t *asynq.Task) error {
	args, err := decodeArgs(t.Payload())
	if err != nil {
		return fmt.Errorf("decode payload for %q: %v: %w", t.Type(), err, asynq.SkipRetry)
	}

	var opts []engine.SubmitOption
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			opts = append(opts, engine.WithTimeout(d))
		}
	}

	rec := b.engine.Submit(ctx, t.Type(), args, opts...)
	logger := b.logger.With("job_id", rec.ID(), "task_kind", t.Type())
	if id, ok := asynq.GetTaskID(ctx); ok {
		logger = logger.With("asynq_id", id)
	}

	if cause := transientRejection(rec); cause != nil {
		// The refusal is transient. Drop the retained snapshot and let asynq
		// redeliver the task later.
		if _, err := b.engine.Get(ctx, rec.ID(), false); err != nil {
			logger.Warn("discard rejected job", "error", err)
		}
		return fmt.Errorf("job %s not admitted: %w", rec.ID(), cause)
	}

	snap, err := b.engine.Wait(ctx, rec.ID(), false)
	if errors.Is(err, context.DeadlineExceeded) {
		// The job shares the task deadline; give the engine a moment to
		// record the timeout.
		graceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeoutGrace)
		snap, err = b.engine.Wait(graceCtx, rec.ID(), false)
		cancel()
	}
	if err != nil {
		return fmt.Errorf("wait for job %s: %w", rec.ID(), err)
	}

	if w := t.ResultWriter(); w != nil {
		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			logger.Warn("write task result", "error", err)
		}
	}

	switch snap.Status {
	case model.StatusFinished:
		return nil
	case model.StatusTimeout:
		return fmt.Errorf("job %s timed out: %w", rec.ID(), asynq.SkipRetry)
	default:
		msg := "job failed"
		if snap.Message != nil {
			msg = *snap.Message
		}
		return fmt.Errorf("job %s: %s: %w", rec.ID(), msg, asynq.SkipRetry)
	}
}

// Start begins processing tasks in the background.
func (b *Bridge) Start() error {
	return b.server.Start(b.lifecycleMiddleware(b))
}

// Shutdown stops fetching tasks and waits for active ones.
func (b *Bridge) Shutdown() { b.server.Shutdown() }

// lifecycleMiddleware logs the start and outcome of each task.
func (b *Bridge) lifecycleMiddleware(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		start := time.Now()
		id, _ := asynq.GetTaskID(ctx)
		b.logger.Debug("asynq task started", "asynq_id", id, "task_kind", t.Type())

		err := next.ProcessTask(ctx, t)
		if err != nil {
			b.logger.Warn("asynq task failed",
				"asynq_id", id,
				"task_kind", t.Type(),
				"duration_ms", time.Since(start).Milliseconds(),
				"error", err,
			)
			return err
		}
		b.logger.Info("asynq task completed",
			"asynq_id", id,
			"task_kind", t.Type(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil
	})
}

// transientRejection returns the admission refusal of rec when a later
// delivery could succeed.
func transientRejection(rec *engine.Record) error {
	err := rec.Rejection()
	if errors.Is(err, engine.ErrAtCapacity) || errors.Is(err, engine.ErrShuttingDown) {
		return err
	}
	return nil
}

func decodeArgs(payload []byte) (task.Args, error) {
	if len(payload) == 0 {
		return task.Args{}, nil
	}
	var args task.Args
	if err := json.Unmarshal(payload, &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = task.Args{}
	}
	return args, nil
}
