package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"

	"github.com/bottomsky/algoserve/algorithm"
)

// Pool defaults.
const (
	defaultAdmitTimeout = 2 * time.Second
	defaultKillGrace    = 3 * time.Second
	spawnReadyTimeout   = 30 * time.Second
	drainPollInterval   = 25 * time.Millisecond
)

// PoolOptions configures a supervised worker pool.
type PoolOptions struct {
	// Name labels the pool in logs and metrics ("shared" or an algorithm key).
	Name string

	// Size is the fixed worker count N.
	Size int

	// QueueSize bounds admission: at most QueueSize tasks may be in flight
	// (queued or executing) at once.
	QueueSize int

	// AdmitTimeout bounds how long Submit waits for an admission slot before
	// rejecting.
	AdmitTimeout time.Duration

	// DefaultTimeout applies when neither request nor spec set one. Zero
	// disables the deadline.
	DefaultTimeout time.Duration

	// KillGrace is the window between SIGTERM and SIGKILL.
	KillGrace time.Duration

	// KillTree kills the worker's whole process group on timeout.
	KillTree bool

	Logger *slog.Logger
}

func (o *PoolOptions) fillDefaults() {
	if o.Size < 1 {
		o.Size = 1
	}
	if o.QueueSize < 1 {
		o.QueueSize = o.Size
	}
	if o.AdmitTimeout <= 0 {
		o.AdmitTimeout = defaultAdmitTimeout
	}
	if o.KillGrace <= 0 {
		o.KillGrace = defaultKillGrace
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
}

// workerState tracks a worker slot's place in its lifecycle.
type workerState int

const (
	stateSpawning workerState = iota
	stateIdle
	stateBusy
	stateDead
)

// worker is the parent-side record of one OS-process worker.
type worker struct {
	index int
	pid   int
	cmd   *exec.Cmd
	stdin io.WriteCloser

	// Guarded by Pool.mu.
	state    workerState
	taskID   string
	deadline time.Time

	ready  chan struct{} // closed by the reader when the ready frame arrives
	exited chan struct{} // closed by the watcher after cmd.Wait returns

	exitCode int // valid once exited is closed
}

// poolTask is one in-flight execution owned by the pool.
type poolTask struct {
	id       string
	spec     *algorithm.Spec
	msg      *taskMsg
	deadline time.Time // zero when no timeout applies
	resultCh chan *Result
}

// poolEvent wakes the supervisor.
type poolEvent struct {
	exited *worker // nil for a plain re-arm poke
}

// Pool is a supervised pool of OS-process workers with bounded admission, a
// single dispatcher, per-worker result readers, and a supervisor that
// enforces hard deadlines by killing and replacing workers.
type Pool struct {
	opts  PoolOptions
	admit *semaphore.Weighted

	queue  chan *poolTask
	idle   chan *worker
	events chan poolEvent
	stop   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	workers []*worker
	pending map[string]*poolTask
	started bool
	closed  bool
}

// NewPool creates a pool; Start must be called before Submit.
func NewPool(opts PoolOptions) *Pool {
	opts.fillDefaults()
	return &Pool{
		opts:    opts,
		admit:   semaphore.NewWeighted(int64(opts.QueueSize)),
		queue:   make(chan *poolTask, opts.QueueSize+opts.Size),
		idle:    make(chan *worker, opts.Size+1),
		events:  make(chan poolEvent, opts.Size*4),
		stop:    make(chan struct{}),
		workers: make([]*worker, opts.Size),
		pending: make(map[string]*poolTask),
	}
}

// Start spawns the pool's workers and waits for each to signal readiness,
// then launches the dispatcher and supervisor. Failing to bring up the
// initial workers is fatal to the pool.
func (p *Pool) Start() error {
	if !workerHookInstalled() {
		return fmt.Errorf("pool %s: executor.MaybeWorker was not called at process start", p.opts.Name)
	}

	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("pool %s: already started", p.opts.Name)
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.opts.Size; i++ {
		w, err := p.spawnWorker(i)
		if err != nil {
			p.killAllWorkers()
			return fmt.Errorf("pool %s: spawn worker %d: %w", p.opts.Name, i, err)
		}
		p.registerWorker(w)
	}

	p.wg.Add(2)
	go p.dispatcher()
	go p.supervisor()

	poolWorkers.WithLabelValues(p.opts.Name).Set(float64(p.opts.Size))
	p.opts.Logger.Info("pool started",
		"pool", p.opts.Name,
		"workers", p.opts.Size,
		"queue_size", p.opts.QueueSize,
	)
	return nil
}

// Started reports whether the pool accepts submissions.
func (p *Pool) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.closed
}

// Submit admits the request, dispatches it to a worker, and blocks for the
// single terminal result.
func (p *Pool) Submit(ctx context.Context, req *Request) *Result {
	if !p.Started() {
		return failure(KindRejected, "executor is not accepting work", "", time.Now().UTC())
	}

	admitCtx, cancel := context.WithTimeout(ctx, p.opts.AdmitTimeout)
	defer cancel()
	if err := p.admit.Acquire(admitCtx, 1); err != nil {
		poolTasksTotal.WithLabelValues(p.opts.Name, "rejected").Inc()
		return failure(KindRejected,
			fmt.Sprintf("admission queue full (capacity %d)", p.opts.QueueSize), "", time.Now().UTC())
	}

	// The deadline is fixed at admission and never extended; queue wait
	// counts against it.
	timeout := effectiveTimeout(req, p.opts.DefaultTimeout)
	task := &poolTask{
		id:       ulid.Make().String(),
		spec:     req.Spec,
		msg:      buildTaskMsg(req),
		resultCh: make(chan *Result, 1),
	}
	task.msg.TaskID = task.id
	if timeout > 0 {
		task.deadline = time.Now().Add(timeout)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.admit.Release(1)
		return failure(KindRejected, "executor shutting down", "", time.Now().UTC())
	}
	p.pending[task.id] = task
	p.mu.Unlock()

	poolQueueDepth.WithLabelValues(p.opts.Name).Inc()
	p.queue <- task

	res := <-task.resultCh
	return res
}

// buildTaskMsg translates an execution request into the wire form.
func buildTaskMsg(req *Request) *taskMsg {
	return &taskMsg{
		Name:        req.Spec.Name,
		Version:     req.Spec.Version,
		Input:       req.RawPayload,
		Hyperparams: req.RawHyperparams,
		RequestID:   req.RequestID,
		TraceID:     req.TraceID,
		Context:     req.CallContext,
		RequestTime: req.RequestTime,
		Stateful:    req.Spec.Execution.Stateful,
	}
}

// dispatcher pulls queued tasks and hands each to an idle worker. It is the
// only goroutine writing task frames.
func (p *Pool) dispatcher() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stop:
			return
		case task := <-p.queue:
			poolQueueDepth.WithLabelValues(p.opts.Name).Dec()
			w := p.claimIdle()
			if w == nil {
				return // pool stopping
			}

			p.mu.Lock()
			if _, live := p.pending[task.id]; !live {
				// Task already resolved (shutdown); return the worker.
				w.state = stateIdle
				p.mu.Unlock()
				p.idle <- w
				continue
			}
			w.state = stateBusy
			w.taskID = task.id
			w.deadline = task.deadline
			p.mu.Unlock()

			if err := writeFrame(w.stdin, &frame{Type: frameTask, Task: task.msg}); err != nil {
				p.opts.Logger.Error("write task to worker failed",
					"pool", p.opts.Name, "worker_pid", w.pid, "error", err)
				// The worker pipe is broken; resolve the task and let the
				// exit watcher replace the worker.
				p.resolve(task.id, failure(KindSystem,
					"worker unavailable", err.Error(), time.Now().UTC()))
				p.killWorker(w)
				continue
			}

			p.poke()
		}
	}
}

// claimIdle blocks for an idle worker, discarding dead handles. A killed
// worker's handle never re-enters rotation; only replacements do.
func (p *Pool) claimIdle() *worker {
	for {
		select {
		case <-p.stop:
			return nil
		case w := <-p.idle:
			p.mu.Lock()
			live := w.state == stateIdle
			p.mu.Unlock()
			if live {
				return w
			}
		}
	}
}

// resolve delivers the terminal result for a task exactly once. The caller
// that removes the pending entry wins; later attempts are no-ops.
func (p *Pool) resolve(taskID string, res *Result) bool {
	p.mu.Lock()
	task, ok := p.pending[taskID]
	if ok {
		delete(p.pending, taskID)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}

	outcome := "success"
	if res.Err != nil {
		outcome = string(res.Err.Kind)
	}
	poolTasksTotal.WithLabelValues(p.opts.Name, outcome).Inc()
	if !res.StartedAt.IsZero() && !res.EndedAt.IsZero() {
		poolTaskDuration.WithLabelValues(p.opts.Name).Observe(res.EndedAt.Sub(res.StartedAt).Seconds())
	}

	task.resultCh <- res
	p.admit.Release(1)
	return true
}

// handleResult processes a result frame from a worker's reader goroutine.
func (p *Pool) handleResult(w *worker, msg *resultMsg) {
	p.mu.Lock()
	task := p.pending[msg.TaskID]
	if w.state == stateBusy && w.taskID == msg.TaskID {
		w.state = stateIdle
		w.taskID = ""
		w.deadline = time.Time{}
	}
	p.mu.Unlock()

	if task != nil {
		p.resolve(msg.TaskID, resultFromWire(task.spec, msg))
	}

	p.mu.Lock()
	idle := w.state == stateIdle
	p.mu.Unlock()
	if idle {
		p.idle <- w
	}
	p.poke()
}

// resultFromWire converts a worker result, decoding successful output through
// the spec's output model.
func resultFromWire(spec *algorithm.Spec, msg *resultMsg) *Result {
	res := &Result{
		Success:      msg.Success,
		StartedAt:    msg.StartedAt,
		EndedAt:      msg.EndedAt,
		WorkerPID:    msg.PID,
		ResponseMeta: msg.ResponseMeta,
	}

	if msg.Error != nil {
		res.Success = false
		res.Err = &Error{
			Kind:      errorKind(msg.Error.Kind),
			Message:   msg.Error.Message,
			Details:   msg.Error.Details,
			Traceback: msg.Error.Traceback,
		}
		return res
	}

	decoded, err := spec.Output.Decode(msg.Data)
	if err != nil {
		res.Success = false
		res.Err = &Error{Kind: KindSystem, Message: "worker produced undecodable output", Details: err.Error()}
		return res
	}
	res.Data = decoded
	res.RawData = msg.Data
	return res
}

// errorKind validates a wire error kind, defaulting unknown values to system.
func errorKind(kind string) ErrorKind {
	switch k := ErrorKind(kind); k {
	case KindValidation, KindTimeout, KindRejected, KindRuntime, KindSystem:
		return k
	default:
		return KindSystem
	}
}

// poke nudges the supervisor to recompute the nearest deadline.
func (p *Pool) poke() {
	select {
	case p.events <- poolEvent{}:
	default:
	}
}

// WorkerPIDs returns the pids of the pool's current live workers.
func (p *Pool) WorkerPIDs() []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	pids := make([]int, 0, len(p.workers))
	for _, w := range p.workers {
		if w != nil && w.state != stateDead {
			pids = append(pids, w.pid)
		}
	}
	return pids
}

// Shutdown closes admission and stops the workers. With wait, pending tasks
// drain first (bounded by ctx); without, anything still pending resolves as
// rejected and workers get the grace period before a force kill.
func (p *Pool) Shutdown(ctx context.Context, wait bool) error {
	p.mu.Lock()
	if !p.started || p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if wait {
		p.drain(ctx)
	}

	close(p.stop)

	// Resolve anything still pending so no admitted task leaks.
	p.mu.Lock()
	stranded := make([]string, 0, len(p.pending))
	for id := range p.pending {
		stranded = append(stranded, id)
	}
	p.mu.Unlock()
	for _, id := range stranded {
		p.resolve(id, failure(KindRejected, "executor shutting down", "", time.Now().UTC()))
	}

	p.stopWorkers()
	p.wg.Wait()
	poolWorkers.WithLabelValues(p.opts.Name).Set(0)
	p.opts.Logger.Info("pool stopped", "pool", p.opts.Name)
	return nil
}

// drain waits for in-flight tasks to resolve, bounded by ctx.
func (p *Pool) drain(ctx context.Context) {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		p.mu.Lock()
		remaining := len(p.pending)
		p.mu.Unlock()
		if remaining == 0 {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// stopWorkers sends each live worker the stop sentinel and force-kills any
// that outlive the grace period.
func (p *Pool) stopWorkers() {
	p.mu.Lock()
	workers := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		if w != nil && w.state != stateDead {
			w.state = stateDead
			workers = append(workers, w)
		}
	}
	p.mu.Unlock()

	for _, w := range workers {
		if err := writeFrame(w.stdin, &frame{Type: frameStop}); err != nil {
			p.opts.Logger.Debug("stop frame write failed", "pool", p.opts.Name, "worker_pid", w.pid)
		}
	}

	deadline := time.After(p.opts.KillGrace)
	for _, w := range workers {
		select {
		case <-w.exited:
		case <-deadline:
			p.forceKill(w)
			<-w.exited
		}
	}
}

func (p *Pool) killAllWorkers() {
	p.mu.Lock()
	workers := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		if w != nil {
			w.state = stateDead
			workers = append(workers, w)
		}
	}
	p.mu.Unlock()

	for _, w := range workers {
		p.forceKill(w)
	}
}
