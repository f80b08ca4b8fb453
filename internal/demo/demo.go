// Package demo provides small built-in tasks used for smoke testing a
// deployment and for exercising the engine end to end.
package demo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/taskd/internal/task"
)

const (
	KindEcho  = "echo"
	KindSleep = "sleep"
	KindCount = "count"
	KindFail  = "fail"
)

// maxCount bounds the count task so a single request cannot pin a goroutine
// for hours.
const maxCount = 10_000

// Register adds every demo task to reg.
func Register(reg *task.Registry) error {
	defs := []struct {
		kind string
		impl any
		desc string
	}{
		{KindEcho, task.HandlerFunc(Echo), "returns the text argument unchanged"},
		{KindSleep, task.HandlerFunc(Sleep), "sleeps for the given number of seconds"},
		{KindCount, task.ProgressHandlerFunc(Count), "counts to n, reporting progress at each step"},
		{KindFail, task.HandlerFunc(Fail), "always fails with the given message"},
	}

	for _, d := range defs {
		if err := reg.Register(d.kind, d.impl, task.WithDescription(d.desc)); err != nil {
			return fmt.Errorf("register %s: %w", d.kind, err)
		}
	}
	return nil
}

// Echo returns args["text"].
func Echo(_ context.Context, args task.Args) (any, error) {
	return args.String("text", ""), nil
}

// Sleep waits args["seconds"] (default 1) and returns "done". It stops early
// when ctx is cancelled.
func Sleep(ctx context.Context, args task.Args) (any, error) {
	d, err := args.Seconds("seconds", time.Second)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return "done", nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Count steps from 1 to args["n"] (default 10), waiting args["interval_s"]
// (default 0.1) between steps, and returns n.
func Count(ctx context.Context, args task.Args, progress task.ProgressSink) (any, error) {
	n, err := args.Int("n", 10)
	if err != nil {
		return nil, err
	}
	if n < 1 || n > maxCount {
		return nil, fmt.Errorf("n must be between 1 and %d, got %d", maxCount, n)
	}
	interval, err := args.Seconds("interval_s", 100*time.Millisecond)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(max(interval, time.Millisecond))
	defer ticker.Stop()

	for i := 1; i <= n; i++ {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		progress.SetStatus(float64(i)/float64(n), fmt.Sprintf("step %d of %d", i, n))
	}
	return n, nil
}

// Fail returns an error carrying args["message"].
func Fail(_ context.Context, args task.Args) (any, error) {
	return nil, errors.New(args.String("message", "task failed"))
}
