package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bottomsky/algoserve/algorithm"
)

// Config carries the process-wide executor settings, normally sourced from
// the environment.
type Config struct {
	GlobalMaxWorkers int
	GlobalQueueSize  int
	AdmitTimeout     time.Duration
	DefaultTimeout   time.Duration
	KillGrace        time.Duration
	KillTree         bool
}

// SharedPool is the executor backed by the single pool all algorithms share.
type SharedPool struct {
	pool *Pool
}

// NewSharedPool builds the shared-pool executor from the global settings.
func NewSharedPool(cfg Config, logger *slog.Logger) *SharedPool {
	return &SharedPool{
		pool: NewPool(PoolOptions{
			Name:           "shared",
			Size:           cfg.GlobalMaxWorkers,
			QueueSize:      cfg.GlobalQueueSize,
			AdmitTimeout:   cfg.AdmitTimeout,
			DefaultTimeout: cfg.DefaultTimeout,
			KillGrace:      cfg.KillGrace,
			KillTree:       cfg.KillTree,
			Logger:         logger,
		}),
	}
}

func (e *SharedPool) Start() error  { return e.pool.Start() }
func (e *SharedPool) Started() bool { return e.pool.Started() }

func (e *SharedPool) Submit(ctx context.Context, req *Request) *Result {
	return e.pool.Submit(ctx, req)
}

func (e *SharedPool) Shutdown(ctx context.Context, wait bool) error {
	return e.pool.Shutdown(ctx, wait)
}

// Pool exposes the underlying pool for observation.
func (e *SharedPool) Pool() *Pool { return e.pool }

// IsolatedPool lazily creates one supervised pool per (name, version), sized
// from the spec, so a misbehaving algorithm cannot starve the others.
type IsolatedPool struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	pools   map[string]*Pool
	started bool
	closed  bool
}

// NewIsolatedPool builds the per-algorithm pool executor.
func NewIsolatedPool(cfg Config, logger *slog.Logger) *IsolatedPool {
	return &IsolatedPool{
		cfg:    cfg,
		logger: logger,
		pools:  make(map[string]*Pool),
	}
}

// Start marks the executor ready. Pools spawn on first use per algorithm.
func (e *IsolatedPool) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = true
	return nil
}

func (e *IsolatedPool) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started && !e.closed
}

func (e *IsolatedPool) Submit(ctx context.Context, req *Request) *Result {
	pool, err := e.poolFor(req.Spec)
	if err != nil {
		return failure(KindRejected, "executor is not accepting work", err.Error(), time.Now().UTC())
	}
	return pool.Submit(ctx, req)
}

// poolFor returns the pool for a spec, creating and starting it on first use.
func (e *IsolatedPool) poolFor(spec *algorithm.Spec) (*Pool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started || e.closed {
		return nil, errors.New("isolated executor not started")
	}

	key := spec.Key()
	if pool, ok := e.pools[key]; ok {
		return pool, nil
	}

	killGrace := e.cfg.KillGrace
	if spec.Execution.KillGraceS > 0 {
		killGrace = time.Duration(spec.Execution.KillGraceS * float64(time.Second))
	}

	pool := NewPool(PoolOptions{
		Name:           key,
		Size:           spec.Execution.MaxWorkers,
		QueueSize:      e.cfg.GlobalQueueSize,
		AdmitTimeout:   e.cfg.AdmitTimeout,
		DefaultTimeout: e.cfg.DefaultTimeout,
		KillGrace:      killGrace,
		KillTree:       e.cfg.KillTree || spec.Execution.KillTree,
		Logger:         e.logger,
	})
	if err := pool.Start(); err != nil {
		return nil, fmt.Errorf("start isolated pool %s: %w", key, err)
	}

	e.pools[key] = pool
	return pool, nil
}

// Shutdown stops every per-algorithm pool.
func (e *IsolatedPool) Shutdown(ctx context.Context, wait bool) error {
	e.mu.Lock()
	e.closed = true
	pools := make([]*Pool, 0, len(e.pools))
	for _, pool := range e.pools {
		pools = append(pools, pool)
	}
	e.mu.Unlock()

	var firstErr error
	for _, pool := range pools {
		if err := pool.Shutdown(ctx, wait); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Dispatching routes each request by the spec's execution hints: in-process
// mode goes inline, isolated-pool specs get their own pool, everything else
// shares the global pool. It never executes user code itself.
type Dispatching struct {
	inline   *Inline
	shared   *SharedPool
	isolated *IsolatedPool
}

// NewDispatching builds the routing executor over the three backends.
func NewDispatching(cfg Config, logger *slog.Logger) *Dispatching {
	return &Dispatching{
		inline:   NewInline(cfg.DefaultTimeout, logger),
		shared:   NewSharedPool(cfg, logger),
		isolated: NewIsolatedPool(cfg, logger),
	}
}

// Start brings up all three backends. The shared pool spawning its workers is
// the expensive part; failure there is fatal.
func (d *Dispatching) Start() error {
	if err := d.inline.Start(); err != nil {
		return err
	}
	if err := d.isolated.Start(); err != nil {
		return err
	}
	return d.shared.Start()
}

func (d *Dispatching) Started() bool {
	return d.inline.Started() && d.shared.Started() && d.isolated.Started()
}

func (d *Dispatching) Submit(ctx context.Context, req *Request) *Result {
	return d.route(req.Spec).Submit(ctx, req)
}

func (d *Dispatching) route(spec *algorithm.Spec) Executor {
	if spec.Execution.Mode == algorithm.ModeInProcess {
		return d.inline
	}
	if spec.Execution.IsolatedPool {
		return d.isolated
	}
	return d.shared
}

// Shutdown stops the backends, pools first.
func (d *Dispatching) Shutdown(ctx context.Context, wait bool) error {
	var firstErr error
	for _, e := range []Executor{d.shared, d.isolated, d.inline} {
		if err := e.Shutdown(ctx, wait); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Shared exposes the shared pool backend for observation.
func (d *Dispatching) Shared() *SharedPool { return d.shared }
