package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/bottomsky/algoserve/algorithm"
	"github.com/bottomsky/algoserve/taskctx"
)

// Environment markers set on spawned worker processes.
const (
	workerModeEnv = "ALGOSERVE_WORKER"
	workerPoolEnv = "ALGOSERVE_WORKER_POOL"
)

var hookInstalled atomic.Bool

func workerHookInstalled() bool {
	return hookInstalled.Load()
}

// MaybeWorker is the worker-mode hook. Call it first thing in main, after
// algorithms are registered: when the process was spawned as a pool worker it
// runs the worker loop and exits; otherwise it arms the pools and returns.
// The registry must contain the same algorithms in parent and worker, which
// holds automatically when both run the same registration code.
func MaybeWorker(reg *algorithm.Registry) {
	hookInstalled.Store(true)

	if os.Getenv(workerModeEnv) != "1" {
		return
	}

	// The frame protocol owns the real stdout; stray prints from user code
	// go to stderr instead of corrupting frames.
	out := os.Stdout
	os.Stdout = os.Stderr

	runWorker(reg, os.Stdin, out)
	os.Exit(0)
}

// instanceCache holds materialized algorithm instances for stateful specs,
// keyed by entrypoint reference. One instance per worker process per key.
type instanceCache map[string]algorithm.Instance

// runWorker is the worker process main loop: announce readiness, then serve
// task frames until the stop sentinel or pipe close.
func runWorker(reg *algorithm.Registry, in io.Reader, out io.Writer) {
	pid := os.Getpid()
	cache := instanceCache{}

	if err := writeFrame(out, &frame{Type: frameReady, Ready: &readyMsg{PID: pid}}); err != nil {
		return
	}

	for {
		f, err := readFrame(in)
		if err != nil {
			return // parent went away or killed us mid-read
		}

		switch f.Type {
		case frameStop:
			shutdownCache(cache)
			return
		case frameTask:
			if f.Task == nil {
				continue
			}
			result := executeTask(reg, cache, f.Task, pid)
			if err := writeFrame(out, &frame{Type: frameResult, Result: result}); err != nil {
				return
			}
		}
	}
}

// executeTask runs one task inside the worker, converting every failure mode
// into a typed result. The worker never exits because of user code: panics
// are recovered and reported as runtime errors.
func executeTask(reg *algorithm.Registry, cache instanceCache, task *taskMsg, pid int) *resultMsg {
	startedAt := time.Now().UTC()
	result := &resultMsg{
		TaskID:    task.TaskID,
		StartedAt: startedAt,
		PID:       pid,
	}

	fail := func(kind ErrorKind, message, details, traceback string) *resultMsg {
		result.EndedAt = time.Now().UTC()
		result.Error = &wireError{
			Kind:      string(kind),
			Message:   message,
			Details:   details,
			Traceback: traceback,
		}
		return result
	}

	spec, err := reg.Get(task.Name, task.Version)
	if err != nil {
		return fail(KindSystem, "algorithm missing from worker registry", err.Error(), "")
	}

	input, err := spec.Input.Decode(task.Input)
	if err != nil {
		return fail(KindValidation, "input validation failed", err.Error(), "")
	}

	var params any
	if spec.Hyperparams != nil && len(task.Hyperparams) > 0 {
		params, err = spec.Hyperparams.Decode(task.Hyperparams)
		if err != nil {
			return fail(KindValidation, "hyperparams validation failed", err.Error(), "")
		}
	}

	store := taskctx.NewStore(task.RequestID, task.TraceID, task.Context, task.RequestTime)
	ctx := taskctx.With(context.Background(), store)

	output, runErr := runInstance(ctx, cache, spec, task.Stateful, input, params)

	// Capture whatever the user staged, on success and on failure alike.
	result.ResponseMeta = store.Meta()

	if runErr != nil {
		return fail(runErr.Kind, runErr.Message, runErr.Details, runErr.Traceback)
	}

	data, err := spec.Output.Encode(output)
	if err != nil {
		return fail(KindRuntime, "output encoding failed", err.Error(), "")
	}

	result.Success = true
	result.Data = data
	result.EndedAt = time.Now().UTC()
	return result
}

// runInstance materializes the entrypoint (reusing the cached instance for
// stateful specs), drives the class lifecycle, and recovers panics.
func runInstance(ctx context.Context, cache instanceCache, spec *algorithm.Spec, stateful bool, input, params any) (output any, execErr *Error) {
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

	key := spec.Key()
	instance, cached := cache[key]
	if !cached {
		instance = spec.Entrypoint.NewInstance()
		if init, ok := instance.(algorithm.Initializer); ok {
			if err := init.Initialize(ctx); err != nil {
				return nil, &Error{Kind: KindRuntime, Message: "initialize failed", Details: err.Error()}
			}
		}
		if stateful {
			cache[key] = instance
		}
	}

	out, err := instance.Run(ctx, input, params)
	if err != nil {
		return nil, &Error{Kind: KindRuntime, Message: err.Error()}
	}

	if after, ok := instance.(algorithm.AfterRunner); ok {
		if err := after.AfterRun(ctx); err != nil {
			return nil, &Error{Kind: KindRuntime, Message: "after-run hook failed", Details: err.Error()}
		}
	}

	if !stateful {
		if sd, ok := instance.(algorithm.Shutdowner); ok {
			if err := sd.Shutdown(ctx); err != nil {
				return nil, &Error{Kind: KindRuntime, Message: "shutdown hook failed", Details: err.Error()}
			}
		}
	}

	return out, nil
}

// shutdownCache releases stateful instances on worker stop.
func shutdownCache(cache instanceCache) {
	ctx := context.Background()
	for key, instance := range cache {
		if sd, ok := instance.(algorithm.Shutdowner); ok {
			if err := sd.Shutdown(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "algoserve worker: shutdown %s: %v\n", key, err)
			}
		}
		delete(cache, key)
	}
}
