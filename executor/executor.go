// Package executor hosts the execution backends behind the HTTP dispatcher:
// an inline executor for in-process runs, supervised worker pools (shared and
// per-algorithm), and the routing executor that picks between them. Execution
// failures are values carried in Result, never errors thrown across the HTTP
// boundary.
package executor

import (
	"context"
	"time"

	"github.com/bottomsky/algoserve/algorithm"
	"github.com/bottomsky/algoserve/protocol"
	"github.com/bottomsky/algoserve/taskctx"
)

// ErrorKind classifies an execution failure.
type ErrorKind string

// Error kinds, mapped onto the response code catalog by the HTTP layer.
const (
	KindValidation ErrorKind = "validation"
	KindTimeout    ErrorKind = "timeout"
	KindRejected   ErrorKind = "rejected"
	KindRuntime    ErrorKind = "runtime"
	KindSystem     ErrorKind = "system"
)

// Error is a typed execution failure.
type Error struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Traceback string    `json:"traceback,omitempty"`
}

// Request is the internal submit payload built by the HTTP dispatcher. The
// payload has already been validated against the spec's input model;
// RawPayload is its encoded form for the worker boundary.
type Request struct {
	Spec           *algorithm.Spec
	Payload        any
	RawPayload     []byte
	RawHyperparams []byte

	RequestID   string
	RequestTime time.Time
	TraceID     string
	CallContext *protocol.AlgorithmContext

	// TimeoutS is the caller's requested timeout; nil means "use the spec's".
	TimeoutS *float64
}

// Result is the single terminal record for an accepted submit.
type Result struct {
	Success bool
	Data    any    // decoded output model instance, nil on failure
	RawData []byte // encoded output, nil on failure
	Err     *Error

	StartedAt time.Time
	EndedAt   time.Time
	WorkerPID int

	ResponseMeta *taskctx.ResponseMeta
}

// Executor is the uniform submit contract the HTTP layer consumes.
type Executor interface {
	// Start brings up the backend's workers. It must be called before Submit.
	Start() error

	// Started reports whether the backend is accepting submissions.
	Started() bool

	// Submit runs the request to completion and returns its single terminal
	// result. Failures are carried inside the result, never as an error.
	Submit(ctx context.Context, req *Request) *Result

	// Shutdown stops the backend. With wait, in-flight tasks drain first;
	// without, workers are killed after the grace period.
	Shutdown(ctx context.Context, wait bool) error
}

// effectiveTimeout merges the request and spec timeouts: the minimum of the
// two, with nil meaning "fall through". When neither is set the configured
// default applies; zero disables the deadline entirely.
func effectiveTimeout(req *Request, fallback time.Duration) time.Duration {
	var chosen *float64
	if req.TimeoutS != nil {
		chosen = req.TimeoutS
	}
	if specTimeout := req.Spec.Execution.TimeoutS; specTimeout != nil {
		if chosen == nil || *specTimeout < *chosen {
			chosen = specTimeout
		}
	}
	if chosen == nil {
		return fallback
	}
	return time.Duration(*chosen * float64(time.Second))
}

// failure builds an error result stamped with timing.
func failure(kind ErrorKind, message, details string, startedAt time.Time) *Result {
	return &Result{
		Err:       &Error{Kind: kind, Message: message, Details: details},
		StartedAt: startedAt,
		EndedAt:   time.Now().UTC(),
	}
}
