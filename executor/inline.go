package executor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bottomsky/algoserve/algorithm"
	"github.com/bottomsky/algoserve/taskctx"
)

// Inline executes algorithms in the calling goroutine. It exists for
// development and for specs declaring in-process execution; without a worker
// process there is no hard timeout, so the deadline is advisory — it reaches
// user code through the context but nothing enforces it.
type Inline struct {
	logger         *slog.Logger
	defaultTimeout time.Duration
	started        atomic.Bool

	mu    sync.Mutex
	cache map[string]algorithm.Instance // stateful instances by spec key
}

// NewInline creates an inline executor.
func NewInline(defaultTimeout time.Duration, logger *slog.Logger) *Inline {
	return &Inline{
		logger:         logger,
		defaultTimeout: defaultTimeout,
		cache:          make(map[string]algorithm.Instance),
	}
}

// Start marks the executor ready; there is nothing to spawn.
func (e *Inline) Start() error {
	e.started.Store(true)
	return nil
}

// Started reports readiness.
func (e *Inline) Started() bool {
	return e.started.Load()
}

// Shutdown releases cached stateful instances.
func (e *Inline) Shutdown(ctx context.Context, _ bool) error {
	e.started.Store(false)

	e.mu.Lock()
	cache := e.cache
	e.cache = make(map[string]algorithm.Instance)
	e.mu.Unlock()

	for key, instance := range cache {
		if sd, ok := instance.(algorithm.Shutdowner); ok {
			if err := sd.Shutdown(ctx); err != nil {
				e.logger.Warn("inline instance shutdown failed", "algorithm", key, "error", err)
			}
		}
	}
	return nil
}

// Submit runs the request in the calling goroutine with the task context
// installed.
func (e *Inline) Submit(ctx context.Context, req *Request) *Result {
	startedAt := time.Now().UTC()
	if !e.Started() {
		return failure(KindRejected, "executor is not accepting work", "", startedAt)
	}

	if timeout := effectiveTimeout(req, e.defaultTimeout); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	store := taskctx.NewStore(req.RequestID, req.TraceID, req.CallContext, req.RequestTime)
	ctx = taskctx.With(ctx, store)

	stateful := req.Spec.Execution.Stateful
	instance, created, err := e.instanceFor(ctx, req.Spec, stateful)
	if err != nil {
		res := failure(KindRuntime, "initialize failed", err.Error(), startedAt)
		res.ResponseMeta = store.Meta()
		return res
	}

	var params any
	if req.Spec.Hyperparams != nil && len(req.RawHyperparams) > 0 {
		params, err = req.Spec.Hyperparams.Decode(req.RawHyperparams)
		if err != nil {
			return failure(KindValidation, "hyperparams validation failed", err.Error(), startedAt)
		}
	}

	output, execErr := invoke(ctx, instance, req.Payload, params)

	if !stateful && created {
		if sd, ok := instance.(algorithm.Shutdowner); ok {
			if shutdownErr := sd.Shutdown(ctx); shutdownErr != nil && execErr == nil {
				execErr = &Error{Kind: KindRuntime, Message: "shutdown hook failed", Details: shutdownErr.Error()}
			}
		}
	}

	res := &Result{
		StartedAt:    startedAt,
		EndedAt:      time.Now().UTC(),
		ResponseMeta: store.Meta(),
	}
	if execErr != nil {
		res.Err = execErr
		return res
	}

	raw, err := req.Spec.Output.Encode(output)
	if err != nil {
		res.Err = &Error{Kind: KindRuntime, Message: "output encoding failed", Details: err.Error()}
		return res
	}

	res.Success = true
	res.Data = output
	res.RawData = raw
	return res
}

// instanceFor returns the instance to run: the cached one for stateful specs,
// a fresh one otherwise. Initialize runs once per materialized instance.
func (e *Inline) instanceFor(ctx context.Context, spec *algorithm.Spec, stateful bool) (algorithm.Instance, bool, error) {
	if stateful {
		e.mu.Lock()
		defer e.mu.Unlock()
		if instance, ok := e.cache[spec.Key()]; ok {
			return instance, false, nil
		}
	}

	instance := spec.Entrypoint.NewInstance()
	if init, ok := instance.(algorithm.Initializer); ok {
		if err := init.Initialize(ctx); err != nil {
			return nil, false, err
		}
	}
	if stateful {
		e.cache[spec.Key()] = instance
	}
	return instance, true, nil
}

// invoke drives one run with panic recovery, shared by the inline executor's
// submit path.
func invoke(ctx context.Context, instance algorithm.Instance, input, params any) (output any, execErr *Error) {
	defer func() {
		if r := recover(); r != nil {
			output = nil
			execErr = &Error{
				Kind:      KindRuntime,
				Message:   fmt.Sprintf("panic: %v", r),
				Traceback: string(debug.Stack()),
			}
		}
	}()

	out, err := instance.Run(ctx, input, params)
	if err != nil {
		return nil, &Error{Kind: KindRuntime, Message: err.Error()}
	}

	if after, ok := instance.(algorithm.AfterRunner); ok {
		if err := after.AfterRun(ctx); err != nil {
			return nil, &Error{Kind: KindRuntime, Message: "after-run hook failed", Details: err.Error()}
		}
	}

	return out, nil
}
