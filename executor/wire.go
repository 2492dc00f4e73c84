package executor

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/bottomsky/algoserve/protocol"
	"github.com/bottomsky/algoserve/taskctx"
)

// maxFrameSize is the maximum allowed worker message payload (16 MiB).
const maxFrameSize = 16 << 20

// Frame types for the parent↔worker pipe protocol.
const (
	frameReady  = "ready"
	frameTask   = "task"
	frameResult = "result"
	frameStop   = "stop"
)

// frame is the envelope for all messages crossing a worker pipe. The parent
// sends task and stop frames on stdin; the worker answers with one ready
// frame at boot and one result frame per task on stdout.
type frame struct {
	Type   string     `json:"type"`
	Ready  *readyMsg  `json:"ready,omitempty"`
	Task   *taskMsg   `json:"task,omitempty"`
	Result *resultMsg `json:"result,omitempty"`
}

// readyMsg signals that a worker finished booting.
type readyMsg struct {
	PID int `json:"pid"`
}

// taskMsg is the task message written to a worker.
type taskMsg struct {
	TaskID      string                     `json:"taskId"`
	Name        string                     `json:"name"`
	Version     string                     `json:"version"`
	Input       json.RawMessage            `json:"input"`
	Hyperparams json.RawMessage            `json:"hyperparams,omitempty"`
	RequestID   string                     `json:"requestId"`
	TraceID     string                     `json:"traceId,omitempty"`
	Context     *protocol.AlgorithmContext `json:"context,omitempty"`
	RequestTime time.Time                  `json:"requestDatetime"`
	Stateful    bool                       `json:"stateful"`
}

// wireError mirrors Error across the pipe.
type wireError struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	Traceback string `json:"traceback,omitempty"`
}

// resultMsg is the result message a worker writes after each task.
type resultMsg struct {
	TaskID       string                `json:"taskId"`
	Success      bool                  `json:"success"`
	Data         json.RawMessage       `json:"data,omitempty"`
	Error        *wireError            `json:"error,omitempty"`
	ResponseMeta *taskctx.ResponseMeta `json:"responseMeta,omitempty"`
	StartedAt    time.Time             `json:"startedAt"`
	EndedAt      time.Time             `json:"endedAt"`
	PID          int                   `json:"pid"`
}

// writeFrame writes a length-prefixed JSON frame to w.
// The format is a 4-byte big-endian length followed by the JSON payload.
func writeFrame(w io.Writer, f *frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	length := uint32(len(data))
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}

	return nil
}

// readFrame reads one length-prefixed JSON frame from r.
func readFrame(r io.Reader) (*frame, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}

	if length > maxFrameSize {
		return nil, fmt.Errorf("frame size %d exceeds maximum %d", length, maxFrameSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}

	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}

	return &f, nil
}
