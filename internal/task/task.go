package task

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Handler is implemented by every task kind.
type Handler interface {
	// Run executes one invocation. The context is cancelled when the job's
	// deadline passes or the engine shuts down; long-running work should
	// observe it and return promptly.
	Run(ctx context.Context, args Args) (any, error)
}

// ProgressSink receives intermediate progress from a running task.
// progress is a fraction in [0, 1]; an empty message means no message.
type ProgressSink interface {
	SetStatus(progress float64, message string)
}

// ProgressHandler is implemented by task kinds that report progress while
// running. It is detected once, when the kind is registered.
type ProgressHandler interface {
	RunWithProgress(ctx context.Context, args Args, progress ProgressSink) (any, error)
}

// HandlerFunc adapts an ordinary function to Handler.
type HandlerFunc func(ctx context.Context, args Args) (any, error)

// Run calls f(ctx, args).
func (f HandlerFunc) Run(ctx context.Context, args Args) (any, error) {
	return f(ctx, args)
}

// ProgressHandlerFunc adapts a function to ProgressHandler.
type ProgressHandlerFunc func(ctx context.Context, args Args, progress ProgressSink) (any, error)

// RunWithProgress calls f(ctx, args, progress).
func (f ProgressHandlerFunc) RunWithProgress(ctx context.Context, args Args, progress ProgressSink) (any, error) {
	return f(ctx, args, progress)
}

// Args is the named parameter set bound to a job at submission time.
type Args map[string]any

// Clone returns a shallow copy so the caller's map can be reused safely.
func (a Args) Clone() Args {
	out := make(Args, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// String returns the string argument key, or def when it is missing.
// Non-string values are formatted with %v.
func (a Args) String(key, def string) string {
	v, ok := a[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Float returns the numeric argument key, or def when it is missing.
func (a Args) Float(key string, def float64) (float64, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("argument %q: expected number, got %T", key, v)
	}
}

// Int returns the integer argument key, or def when it is missing.
// JSON numbers arrive as float64 and are truncated.
func (a Args) Int(key string, def int) (int, error) {
	f, err := a.Float(key, float64(def))
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

// Bool returns the boolean argument key, or def when it is missing.
func (a Args) Bool(key string, def bool) (bool, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("argument %q: expected bool, got %T", key, v)
	}
	return b, nil
}

// Seconds reads a number of seconds and returns it as a duration.
func (a Args) Seconds(key string, def time.Duration) (time.Duration, error) {
	f, err := a.Float(key, def.Seconds())
	if err != nil {
		return 0, err
	}
	return SecondsToDuration(f), nil
}

// SecondsToDuration converts seconds to a duration, saturating at the largest
// and smallest representable durations instead of wrapping.
func SecondsToDuration(secs float64) time.Duration {
	d := secs * float64(time.Second)
	switch {
	case math.IsNaN(d):
		return 0
	case d >= math.MaxInt64:
		return math.MaxInt64
	case d <= math.MinInt64:
		return math.MinInt64
	}
	return time.Duration(d)
}
