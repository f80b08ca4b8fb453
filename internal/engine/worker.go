package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/taskd/internal/model"
)

// execute runs one job to completion on the calling goroutine and records its
// terminal status. The supervisor may already have marked it Timeout, in which
// case the late outcome is discarded.
func (e *Engine) execute(ctx context.Context, rec *Record) {
	logger := e.logger.With("job_id", rec.id, "task_kind", rec.kind)
	logger.Info("job started")

	result, err := invoke(ctx, rec)
	now := time.Now().UTC()

	switch {
	case !now.Before(rec.deadline) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		if rec.markTimeout(now) {
			logger.Warn("job timed out")
		}
	case err != nil:
		if rec.finish(model.StatusFailed, nil, err.Error(), now) {
			logger.Warn("job failed", "error", err)
		}
	default:
		if rec.finish(model.StatusFinished, result, "", now) {
			logger.Info("job finished", "duration_ms", now.Sub(rec.createdAt).Milliseconds())
		}
	}
}

// invoke calls the task and turns a panic into an error.
func invoke(ctx context.Context, rec *Record) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	if rec.def == nil {
		return nil, fmt.Errorf("task %q is not registered", rec.kind)
	}
	return rec.def.Invoke(ctx, rec.args, rec.progress)
}
