// Package serverless adapts the engine to platforms that hand a worker one job
// envelope at a time over a stream connection. Each connection carries one
// request frame; the agent answers with progress frames and a final result
// frame.
package serverless

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/seantiz/taskd/internal/engine"
	"github.com/seantiz/taskd/internal/model"
	"github.com/seantiz/taskd/internal/task"
)

// MaxMessageSize is the maximum allowed frame payload (16 MiB).
const MaxMessageSize = 16 << 20

// Agent→caller message types.
const (
	MsgTypeProgress = "progress"
	MsgTypeResult   = "result"
)

// pathKey is the input field naming the task when Request.Path is empty.
const pathKey = "path"

// Request is the job envelope sent to the agent.
type Request struct {
	// ID is the platform's job id. It is only used for logging.
	ID string `json:"id,omitempty"`
	// Path names the task kind. A leading slash is ignored.
	Path string `json:"path,omitempty"`
	// Input holds the task arguments. When Path is empty, Input["path"]
	// names the task and is removed from the arguments.
	Input    map[string]any `json:"input"`
	TimeoutS float64        `json:"timeout_s,omitempty"`
}

// Message is the envelope for all agent→caller frames. While the job runs the
// agent sends progress messages; it finishes with exactly one result message.
type Message struct {
	Type     string          `json:"type"`
	Progress *engine.Update  `json:"progress,omitempty"`
	Result   *model.Snapshot `json:"result,omitempty"`
}

// Route resolves the task kind and arguments carried by r.
func (r Request) Route() (kind string, args task.Args, err error) {
	args = task.Args(r.Input).Clone()
	kind = r.Path
	if kind == "" {
		p, ok := args[pathKey].(string)
		if !ok || p == "" {
			return "", nil, fmt.Errorf("no path provided")
		}
		kind = p
		delete(args, pathKey)
	}
	kind = strings.TrimPrefix(kind, "/")
	if kind == "" {
		return "", nil, fmt.Errorf("no path provided")
	}
	return kind, args, nil
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	// One write per frame keeps frames intact on connections without buffering.
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}
