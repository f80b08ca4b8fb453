package asynqbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/hibiken/asynq"

	"github.com/seantiz/taskd/internal/task"
)

// Client enqueues engine tasks onto an asynq queue.
type Client struct {
	client *asynq.Client
	queue  string
}

// NewClient creates a client that enqueues onto queue.
func NewClient(redisOpt asynq.RedisClientOpt, queue string) *Client {
	if queue == "" {
		queue = "default"
	}
	return &Client{client: asynq.NewClient(redisOpt), queue: queue}
}

// Enqueue schedules kind with args. The task result, once processed, holds the
// job snapshot as JSON.
func (c *Client) Enqueue(ctx context.Context, kind string, args task.Args, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if args == nil {
		args = task.Args{}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal args: %w", err)
	}
	t := asynq.NewTask(kind, payload)
	info, err := c.client.EnqueueContext(ctx, t, append(opts, asynq.Queue(c.queue))...)
	if err != nil {
		return nil, fmt.Errorf("enqueue %q: %w", kind, err)
	}
	return info, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// asynqLogger routes asynq's internal logging through slog.
type asynqLogger struct {
	logger *slog.Logger
}

func (l *asynqLogger) Debug(args ...any) { l.logger.Debug(fmt.Sprint(args...), "component", "asynq") }
func (l *asynqLogger) Info(args ...any)  { l.logger.Info(fmt.Sprint(args...), "component", "asynq") }
func (l *asynqLogger) Warn(args ...any)  { l.logger.Warn(fmt.Sprint(args...), "component", "asynq") }
func (l *asynqLogger) Error(args ...any) { l.logger.Error(fmt.Sprint(args...), "component", "asynq") }

func (l *asynqLogger) Fatal(args ...any) {
	l.logger.Error(fmt.Sprint(args...), "component", "asynq")
	os.Exit(1)
}
