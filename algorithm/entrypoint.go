package algorithm

import (
	"context"
	"fmt"
)

// Instance is the normalized execution surface the worker loop drives. The
// generic constructors below adapt typed user code onto it; user code never
// implements Instance directly.
type Instance interface {
	Run(ctx context.Context, input, params any) (any, error)
}

// Initializer is implemented by class-based algorithms that need one-time
// setup before the first run. It is invoked once per instance.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// AfterRunner is implemented by class-based algorithms that want a hook after
// each successful run. It must not modify the returned output.
type AfterRunner interface {
	AfterRun(ctx context.Context) error
}

// Shutdowner is implemented by class-based algorithms that hold resources.
// Shutdown must be idempotent.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Entrypoint is the tagged variant an algorithm executes through: a stateless
// function, or a class instantiated per worker. For class entrypoints the
// factory is called once per instantiation; statefulness is governed by the
// spec's execution config, not by the entrypoint itself.
type Entrypoint struct {
	isClass    bool
	hasParams  bool
	fn         func(ctx context.Context, input, params any) (any, error)
	newFactory func() Instance
}

// IsClass reports whether the entrypoint is class-based and therefore
// participates in the instance lifecycle.
func (e Entrypoint) IsClass() bool { return e.isClass }

// HasParams reports whether the entrypoint declared a hyperparams parameter.
func (e Entrypoint) HasParams() bool { return e.hasParams }

// NewInstance materializes the entrypoint for a worker. Function entrypoints
// yield a stateless adapter; class entrypoints invoke their factory.
func (e Entrypoint) NewInstance() Instance {
	if e.isClass {
		return e.newFactory()
	}
	return funcInstance{fn: e.fn}
}

type funcInstance struct {
	fn func(ctx context.Context, input, params any) (any, error)
}

func (f funcInstance) Run(ctx context.Context, input, params any) (any, error) {
	return f.fn(ctx, input, params)
}

// Func adapts a stateless algorithm function.
func Func[I, O any](fn func(ctx context.Context, in *I) (*O, error)) Entrypoint {
	return Entrypoint{
		fn: func(ctx context.Context, input, _ any) (any, error) {
			in, err := assertInput[I](input)
			if err != nil {
				return nil, err
			}
			return fn(ctx, in)
		},
	}
}

// FuncWithParams adapts a stateless algorithm function that takes a
// hyperparams bag as its second parameter.
func FuncWithParams[I, P, O any](fn func(ctx context.Context, in *I, params *P) (*O, error)) Entrypoint {
	return Entrypoint{
		hasParams: true,
		fn: func(ctx context.Context, input, params any) (any, error) {
			in, err := assertInput[I](input)
			if err != nil {
				return nil, err
			}
			p, err := assertParams[P](params)
			if err != nil {
				return nil, err
			}
			return fn(ctx, in, p)
		},
	}
}

// Runner is the typed run contract for class-based algorithms. Implementations
// may additionally satisfy Initializer, AfterRunner, and Shutdowner.
type Runner[I, O any] interface {
	Run(ctx context.Context, in *I) (*O, error)
}

// RunnerWithParams is the typed run contract for class-based algorithms with
// a hyperparams parameter.
type RunnerWithParams[I, P, O any] interface {
	Run(ctx context.Context, in *I, params *P) (*O, error)
}

// Class adapts a class-based algorithm. The factory runs once per instance
// the pool materializes. The input and output types cannot be inferred from
// the runner, so call sites name them: Class[In, Out](newRunner).
func Class[I, O any, R Runner[I, O]](factory func() R) Entrypoint {
	return Entrypoint{
		isClass: true,
		newFactory: func() Instance {
			return &classInstance[I, O, R]{runner: factory()}
		},
	}
}

// ClassWithParams adapts a class-based algorithm with a hyperparams
// parameter. As with Class, name the model types at the call site.
func ClassWithParams[I, P, O any, R RunnerWithParams[I, P, O]](factory func() R) Entrypoint {
	return Entrypoint{
		isClass:   true,
		hasParams: true,
		newFactory: func() Instance {
			return &classParamsInstance[I, P, O, R]{runner: factory()}
		},
	}
}

type classInstance[I, O any, R Runner[I, O]] struct {
	runner R
}

func (c *classInstance[I, O, R]) Run(ctx context.Context, input, _ any) (any, error) {
	in, err := assertInput[I](input)
	if err != nil {
		return nil, err
	}
	return c.runner.Run(ctx, in)
}

func (c *classInstance[I, O, R]) Initialize(ctx context.Context) error {
	return initialize(ctx, c.runner)
}

func (c *classInstance[I, O, R]) AfterRun(ctx context.Context) error {
	return afterRun(ctx, c.runner)
}

func (c *classInstance[I, O, R]) Shutdown(ctx context.Context) error {
	return shutdown(ctx, c.runner)
}

type classParamsInstance[I, P, O any, R RunnerWithParams[I, P, O]] struct {
	runner R
}

func (c *classParamsInstance[I, P, O, R]) Run(ctx context.Context, input, params any) (any, error) {
	in, err := assertInput[I](input)
	if err != nil {
		return nil, err
	}
	p, err := assertParams[P](params)
	if err != nil {
		return nil, err
	}
	return c.runner.Run(ctx, in, p)
}

func (c *classParamsInstance[I, P, O, R]) Initialize(ctx context.Context) error {
	return initialize(ctx, c.runner)
}

func (c *classParamsInstance[I, P, O, R]) AfterRun(ctx context.Context) error {
	return afterRun(ctx, c.runner)
}

func (c *classParamsInstance[I, P, O, R]) Shutdown(ctx context.Context) error {
	return shutdown(ctx, c.runner)
}

func initialize(ctx context.Context, runner any) error {
	if init, ok := runner.(Initializer); ok {
		return init.Initialize(ctx)
	}
	return nil
}

func afterRun(ctx context.Context, runner any) error {
	if after, ok := runner.(AfterRunner); ok {
		return after.AfterRun(ctx)
	}
	return nil
}

func shutdown(ctx context.Context, runner any) error {
	if sd, ok := runner.(Shutdowner); ok {
		return sd.Shutdown(ctx)
	}
	return nil
}

func assertInput[I any](input any) (*I, error) {
	in, ok := input.(*I)
	if !ok {
		return nil, fmt.Errorf("entrypoint input: got %T, want %T", input, new(I))
	}
	return in, nil
}

// assertParams tolerates a nil params value by substituting the zero bag, so
// algorithms with optional hyperparams run without the caller supplying any.
func assertParams[P any](params any) (*P, error) {
	if params == nil {
		return new(P), nil
	}
	p, ok := params.(*P)
	if !ok {
		return nil, fmt.Errorf("entrypoint hyperparams: got %T, want %T", params, new(P))
	}
	return p, nil
}
