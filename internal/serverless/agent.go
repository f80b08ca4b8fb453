package serverless

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/seantiz/taskd/internal/engine"
	"github.com/seantiz/taskd/internal/model"
	"github.com/seantiz/taskd/internal/task"
)

// progressBuffer is how many progress frames may queue behind a slow caller
// before further updates are dropped.
const progressBuffer = 64

// Agent serves job envelopes from a listener and runs them on the engine.
type Agent struct {
	listener net.Listener
	engine   *engine.Engine
	logger   *slog.Logger

	conns sync.WaitGroup
}

// New creates an agent that accepts connections from listener.
func New(listener net.Listener, eng *engine.Engine, logger *slog.Logger) *Agent {
	return &Agent{
		listener: listener,
		engine:   eng,
		logger:   logger,
	}
}

// Serve accepts connections until ctx is cancelled or the listener fails, then
// waits for open connections to finish.
func (a *Agent) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		a.listener.Close()
	})
	defer stop()

	a.logger.Info("serverless agent listening", "addr", a.listener.Addr().String())

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			a.conns.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		a.conns.Go(func() {
			a.handleConnection(ctx, conn)
		})
	}
}

// handleConnection processes a single job envelope on conn.
func (a *Agent) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var req Request
	if err := ReadMessage(conn, &req); err != nil {
		a.logger.Warn("read request", "error", err)
		a.sendResult(conn, failedSnapshot(fmt.Sprintf("read request: %v", err)))
		return
	}

	kind, args, err := req.Route()
	if err != nil {
		a.sendResult(conn, failedSnapshot(err.Error()))
		return
	}

	logger := a.logger.With("request_id", req.ID, "task_kind", kind)

	// Progress frames are written by one goroutine so the task never blocks
	// on the connection.
	updates := make(chan engine.Update, progressBuffer)
	var writer sync.WaitGroup
	writer.Go(func() {
		for u := range updates {
			if err := WriteMessage(conn, &Message{Type: MsgTypeProgress, Progress: &u}); err != nil {
				logger.Warn("write progress", "error", err)
				return
			}
		}
	})

	var closeOnce sync.Once
	var hookMu sync.Mutex
	closed := false
	hook := func(u engine.Update) {
		hookMu.Lock()
		defer hookMu.Unlock()
		if closed {
			return
		}
		select {
		case updates <- u:
		default:
		}
	}
	closeUpdates := func() {
		closeOnce.Do(func() {
			hookMu.Lock()
			closed = true
			close(updates)
			hookMu.Unlock()
		})
	}

	opts := []engine.SubmitOption{engine.WithProgressHook(hook)}
	if req.TimeoutS > 0 {
		opts = append(opts, engine.WithTimeout(task.SecondsToDuration(req.TimeoutS)))
	}

	rec := a.engine.Submit(ctx, kind, args, opts...)
	logger.Info("serverless job submitted", "job_id", rec.ID())

	snap, err := a.engine.Wait(ctx, rec.ID(), false)
	closeUpdates()
	writer.Wait()

	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.Canceled) {
			msg = "agent is shutting down"
		}
		snap = rec.Snapshot()
		snap.Status = model.StatusFailed
		snap.Message = &msg
	}

	a.sendResult(conn, snap)
}

func (a *Agent) sendResult(conn net.Conn, snap model.Snapshot) {
	if err := WriteMessage(conn, &Message{Type: MsgTypeResult, Result: &snap}); err != nil {
		a.logger.Warn("write result", "error", err)
	}
}

func failedSnapshot(message string) model.Snapshot {
	return model.Snapshot{
		Status:           model.StatusFailed,
		Message:          &message,
		EndpointProtocol: model.EndpointProtocol,
	}
}
