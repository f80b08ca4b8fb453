package serverless

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/mdlayher/vsock"

	"github.com/seantiz/taskd/internal/engine"
	"github.com/seantiz/taskd/internal/model"
)

// Listener transports.
const (
	TransportTCP   = "tcp"
	TransportVsock = "vsock"
)

// Listen opens the listener the agent serves on. For vsock, addr is ignored
// and port is used; for tcp, port is ignored.
func Listen(transport, addr string, port uint32) (net.Listener, error) {
	switch transport {
	case TransportTCP:
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("tcp listen on %s: %w", addr, err)
		}
		return l, nil
	case TransportVsock:
		l, err := vsock.Listen(port, nil)
		if err != nil {
			return nil, fmt.Errorf("vsock listen on port %d: %w", port, err)
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", transport)
	}
}

// Call sends req over conn and reads frames until the result arrives. Each
// progress update is passed to onProgress, which may be nil.
func Call(ctx context.Context, conn net.Conn, req Request, onProgress func(engine.Update)) (model.Snapshot, error) {
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	if err := WriteMessage(conn, &req); err != nil {
		return model.Snapshot{}, fmt.Errorf("send request: %w", err)
	}

	for {
		var msg Message
		if err := ReadMessage(conn, &msg); err != nil {
			if ctx.Err() != nil {
				return model.Snapshot{}, ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return model.Snapshot{}, fmt.Errorf("connection closed before result: %w", err)
			}
			return model.Snapshot{}, fmt.Errorf("read message: %w", err)
		}

		switch msg.Type {
		case MsgTypeProgress:
			if onProgress != nil && msg.Progress != nil {
				onProgress(*msg.Progress)
			}
		case MsgTypeResult:
			if msg.Result == nil {
				return model.Snapshot{}, fmt.Errorf("received result message with nil result")
			}
			return *msg.Result, nil
		default:
			return model.Snapshot{}, fmt.Errorf("unknown message type: %q", msg.Type)
		}
	}
}
