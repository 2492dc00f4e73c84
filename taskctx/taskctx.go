// Package taskctx provides the per-task context store visible to algorithm
// code during a single run. Executors install a Store into the
// context.Context passed to the entrypoint and collect whatever response
// metadata the algorithm staged once the run finishes, on every exit path.
//
// The store is strictly task-local: a fresh Store is installed for each
// execution and cleared state never leaks across tasks.
package taskctx

import (
	"context"
	"sync"
	"time"

	"github.com/bottomsky/algoserve/protocol"
)

type ctxKey struct{}

// ResponseMeta carries user-staged overrides of the response envelope.
// Nil fields were never set.
type ResponseMeta struct {
	Code    *int                       `json:"code,omitempty"`
	Message *string                    `json:"message,omitempty"`
	Context *protocol.AlgorithmContext `json:"context,omitempty"`
}

// Store holds the request bindings and staged response metadata for one task.
type Store struct {
	requestID   string
	traceID     string
	callContext *protocol.AlgorithmContext
	requestTime time.Time

	mu   sync.Mutex
	meta ResponseMeta
}

// NewStore creates a store bound to one request. The response meta starts
// cleared.
func NewStore(requestID, traceID string, callCtx *protocol.AlgorithmContext, requestTime time.Time) *Store {
	return &Store{
		requestID:   requestID,
		traceID:     traceID,
		callContext: callCtx,
		requestTime: requestTime,
	}
}

// Meta returns the staged response metadata, or nil if nothing was staged.
func (s *Store) Meta() *ResponseMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta.Code == nil && s.meta.Message == nil && s.meta.Context == nil {
		return nil
	}
	m := s.meta
	return &m
}

// With returns a context carrying the store.
func With(ctx context.Context, s *Store) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

func from(ctx context.Context) *Store {
	s, _ := ctx.Value(ctxKey{}).(*Store)
	return s
}

// RequestID returns the current request id, or "" outside an execution.
func RequestID(ctx context.Context) string {
	if s := from(ctx); s != nil {
		return s.requestID
	}
	return ""
}

// TraceID returns the current trace id, or "" if none was supplied.
func TraceID(ctx context.Context) string {
	if s := from(ctx); s != nil {
		return s.traceID
	}
	return ""
}

// CallContext returns the caller-supplied context, or nil.
func CallContext(ctx context.Context) *protocol.AlgorithmContext {
	if s := from(ctx); s != nil {
		return s.callContext
	}
	return nil
}

// RequestTime returns the request timestamp, or the zero time outside an
// execution.
func RequestTime(ctx context.Context) time.Time {
	if s := from(ctx); s != nil {
		return s.requestTime
	}
	return time.Time{}
}

// SetResponseCode stages an override for the response code. Repeated calls
// within a task replace the previous value.
func SetResponseCode(ctx context.Context, code int) {
	if s := from(ctx); s != nil {
		s.mu.Lock()
		s.meta.Code = &code
		s.mu.Unlock()
	}
}

// SetResponseMessage stages an override for the response message.
func SetResponseMessage(ctx context.Context, message string) {
	if s := from(ctx); s != nil {
		s.mu.Lock()
		s.meta.Message = &message
		s.mu.Unlock()
	}
}

// SetResponseContext stages the response context. The response envelope
// carries a context only when one was staged here.
func SetResponseContext(ctx context.Context, callCtx *protocol.AlgorithmContext) {
	if s := from(ctx); s != nil {
		s.mu.Lock()
		s.meta.Context = callCtx
		s.mu.Unlock()
	}
}
