package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jpalmerr/webpecker/internal/metrics"
)

// DefaultIdleTimeout is how long a worker waits for work before exiting.
const DefaultIdleTimeout = 60 * time.Second

var (
	// ErrPoolClosed is returned when submitting to a pool that was shut down.
	ErrPoolClosed = errors.New("pool closed")

	// ErrInvalidBounds is returned by a size update that would leave
	// core > max or a bound below one.
	ErrInvalidBounds = errors.New("invalid pool bounds")
)

// Job is a unit of work run by a pool worker. ctx is cancelled when the job
// handle is cancelled or the pool shuts down.
type Job func(ctx context.Context)

type job struct {
	fn     Job
	ctx    context.Context
	cancel context.CancelFunc
}

// Handle controls a submitted job.
type Handle struct {
	pool *Pool
	job  *job
}

// Cancel cancels the job's context. A job still waiting in the queue is
// removed and never runs.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.job.cancel()
	h.pool.remove(h.job)
}

// PoolStats is a snapshot of pool sizing.
type PoolStats struct {
	Core    int `json:"core"`
	Max     int `json:"max"`
	Workers int `json:"workers"`
	Idle    int `json:"idle"`
	Queued  int `json:"queued"`
}

// PoolOptions configures a [Pool].
type PoolOptions struct {
	// Size is the initial core and maximum worker count. Defaults to 1.
	Size int

	// IdleTimeout defaults to [DefaultIdleTimeout].
	IdleTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Pool runs jobs on a bounded, resizable set of worker goroutines.
//
// Jobs wait in an unbounded FIFO queue; Submit never rejects for capacity.
// Workers are started on demand up to the maximum and exit after staying
// idle for the idle timeout, or as soon as they exceed a lowered maximum.
type Pool struct {
	idleTimeout time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	core    int
	max     int
	workers int
	idle    int
	queue   []*job
	notify  chan struct{}
	closed  bool
}

// NewPool creates a pool with core = max = opts.Size.
func NewPool(opts PoolOptions) *Pool {
	if opts.Size < 1 {
		opts.Size = 1
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		idleTimeout: opts.IdleTimeout,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		ctx:         ctx,
		cancel:      cancel,
		core:        opts.Size,
		max:         opts.Size,
		notify:      make(chan struct{}),
	}
}

// Submit queues fn and returns a handle to cancel it.
func (p *Pool) Submit(fn Job) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	ctx, cancel := context.WithCancel(p.ctx)
	j := &job{fn: fn, ctx: ctx, cancel: cancel}
	p.queue = append(p.queue, j)

	if p.workers < p.core || (len(p.queue) > p.idle && p.workers < p.max) {
		p.spawnLocked()
	}
	p.broadcastLocked()
	p.reportLocked()
	return &Handle{pool: p, job: j}, nil
}

// SetMax changes the maximum worker count. It fails with [ErrInvalidBounds]
// when n is below one or below the current core size.
func (p *Pool) SetMax(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n < 1 || n < p.core {
		return fmt.Errorf("%w: max %d with core %d", ErrInvalidBounds, n, p.core)
	}
	p.max = n
	p.fillLocked()
	p.broadcastLocked()
	return nil
}

// SetCore changes the core worker count. It fails with [ErrInvalidBounds]
// when n is below one or above the current maximum.
func (p *Pool) SetCore(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n < 1 || n > p.max {
		return fmt.Errorf("%w: core %d with max %d", ErrInvalidBounds, n, p.max)
	}
	p.core = n
	p.fillLocked()
	return nil
}

// Resize sets core and max to n. Growing raises max first, shrinking lowers
// core first, so no intermediate state has core > max.
func (p *Pool) Resize(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: size %d", ErrInvalidBounds, n)
	}
	p.mu.Lock()
	grow := n > p.max
	p.mu.Unlock()

	if grow {
		if err := p.SetMax(n); err != nil {
			return err
		}
		return p.SetCore(n)
	}
	if err := p.SetCore(n); err != nil {
		return err
	}
	return p.SetMax(n)
}

// Stats returns the current sizing.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Core:    p.core,
		Max:     p.max,
		Workers: p.workers,
		Idle:    p.idle,
		Queued:  len(p.queue),
	}
}

// Shutdown cancels running jobs, drops queued ones and waits for all
// workers to exit. It is idempotent.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		for _, j := range p.queue {
			j.cancel()
		}
		p.queue = nil
		p.cancel()
		p.broadcastLocked()
		p.reportLocked()
	}
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Pool) remove(j *job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, q := range p.queue {
		if q == j {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			p.reportLocked()
			return
		}
	}
}

// fillLocked starts workers for queued jobs no idle worker can take.
func (p *Pool) fillLocked() {
	for need := len(p.queue) - p.idle; need > 0 && p.workers < p.max; need-- {
		p.spawnLocked()
	}
	p.reportLocked()
}

func (p *Pool) spawnLocked() {
	p.workers++
	p.wg.Add(1)
	go p.work()
}

// broadcastLocked wakes every idle worker.
func (p *Pool) broadcastLocked() {
	close(p.notify)
	p.notify = make(chan struct{})
}

func (p *Pool) reportLocked() {
	p.metrics.SetPoolStats(p.workers, len(p.queue))
}

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		j, ok := p.take()
		if !ok {
			return
		}
		if j.ctx.Err() != nil {
			continue
		}
		p.run(j)
		j.cancel()
	}
}

// take returns the next job, or false when the worker should exit.
func (p *Pool) take() (*job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.closed || p.workers > p.max {
			p.exitLocked()
			return nil, false
		}
		if len(p.queue) > 0 {
			j := p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
			p.reportLocked()
			return j, true
		}

		notify := p.notify
		p.idle++
		p.mu.Unlock()

		timer := time.NewTimer(p.idleTimeout)
		timedOut := false
		select {
		case <-notify:
		case <-timer.C:
			timedOut = true
		}
		timer.Stop()

		p.mu.Lock()
		p.idle--
		if timedOut && len(p.queue) == 0 {
			p.exitLocked()
			return nil, false
		}
	}
}

func (p *Pool) exitLocked() {
	p.workers--
	p.reportLocked()
}

// run executes a job, recovering panics so the worker survives.
func (p *Pool) run(j *job) {
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			p.logger.Error("task panic",
				"correlation_id", correlationID,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
			p.metrics.PoolPanicked()
		}
	}()
	j.fn(j.ctx)
}
