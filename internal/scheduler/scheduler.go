package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jpalmerr/webpecker/internal/events"
	"github.com/jpalmerr/webpecker/internal/httpexec"
	"github.com/jpalmerr/webpecker/internal/metrics"
	"github.com/jpalmerr/webpecker/internal/probe"
)

// Settings a fresh service starts with.
const (
	DefaultDelay         = 100 * time.Millisecond
	DefaultMaxConcurrent = 3
	DefaultTimeout       = 600 * time.Millisecond
	DefaultRepeat        = 1000
)

// Config holds the runtime probe settings.
type Config struct {
	// Delay is the wait between iterations of every task.
	Delay time.Duration

	// MaxConcurrent bounds how many tasks run at once.
	MaxConcurrent int

	// Timeout bounds each call issued after it is set.
	Timeout time.Duration

	// DefaultRepeat is the last repeat count a client submitted. It is
	// reported in settings snapshots; tasks submitted without a repeat run
	// once.
	DefaultRepeat uint32
}

// DefaultConfig returns the settings a fresh scheduler starts with.
func DefaultConfig() Config {
	return Config{
		Delay:         DefaultDelay,
		MaxConcurrent: DefaultMaxConcurrent,
		Timeout:       DefaultTimeout,
		DefaultRepeat: DefaultRepeat,
	}
}

// Settings converts c into its wire event.
func (c Config) Settings() events.Settings {
	return events.Settings{
		Delay:         c.Delay.Milliseconds(),
		MaxConcurrent: c.MaxConcurrent,
		Timeout:       c.Timeout.Milliseconds(),
		Repeat:        c.DefaultRepeat,
	}
}

// ConfigDelta is a partial [Config] update. Nil fields are left unchanged.
type ConfigDelta struct {
	Delay         *time.Duration
	MaxConcurrent *int
	Timeout       *time.Duration
	DefaultRepeat *uint32
}

// Snapshot is the state of all live tasks plus the current settings.
type Snapshot struct {
	Tasks  []probe.State `json:"tasks"`
	Config Config        `json:"-"`
}

// Options configures a [Scheduler].
type Options struct {
	Config Config

	// Executor receives timeout changes. It also issues calls unless Caller
	// is set.
	Executor *httpexec.Executor

	// Caller overrides the executor for issuing calls.
	Caller probe.Caller

	// Sink receives task events.
	Sink events.Publisher

	// IdleTimeout of pool workers, defaults to [DefaultIdleTimeout].
	IdleTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type entry struct {
	task   *probe.Task
	handle *Handle
}

// Scheduler owns the task directory, the worker pool and the runtime
// settings. All methods are safe for concurrent use.
type Scheduler struct {
	exec    *httpexec.Executor
	caller  probe.Caller
	sink    events.Publisher
	pool    *Pool
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	cfg    Config
	tasks  map[int]*entry
	closed bool
}

// New creates a scheduler. A zero MaxConcurrent or DefaultRepeat takes its
// default; a zero Delay or Timeout disables the wait or the call timeout.
func New(opts Options) (*Scheduler, error) {
	cfg := opts.Config
	def := DefaultConfig()
	if cfg.Delay < 0 {
		return nil, fmt.Errorf("delay must not be negative, got %s", cfg.Delay)
	}
	if cfg.MaxConcurrent < 0 {
		return nil, fmt.Errorf("max concurrent must be at least 1, got %d", cfg.MaxConcurrent)
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("timeout must not be negative, got %s", cfg.Timeout)
	}
	if cfg.DefaultRepeat == 0 {
		cfg.DefaultRepeat = def.DefaultRepeat
	}

	caller := opts.Caller
	if caller == nil {
		if opts.Executor == nil {
			return nil, errors.New("an executor or a caller is required")
		}
		caller = probe.ExecutorCaller(opts.Executor)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Scheduler{
		exec:    opts.Executor,
		caller:  caller,
		sink:    opts.Sink,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		cfg:     cfg,
		tasks:   make(map[int]*entry),
		pool: NewPool(PoolOptions{
			Size:        cfg.MaxConcurrent,
			IdleTimeout: opts.IdleTimeout,
			Logger:      opts.Logger,
			Metrics:     opts.Metrics,
		}),
	}
	if s.exec != nil {
		s.exec.SetTimeout(cfg.Timeout)
	}
	return s, nil
}

// Submit creates a task probing url and queues it. A nil repeat runs the
// task once; a given repeat also becomes the reported default. A live task
// with the same id is cancelled without waiting and replaced.
func (s *Scheduler) Submit(id int, url string, repeat *uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrPoolClosed
	}

	n := uint32(1)
	if repeat != nil {
		n = *repeat
		s.cfg.DefaultRepeat = *repeat
	}

	if prev, ok := s.tasks[id]; ok {
		prev.task.CancelCall()
		prev.handle.Cancel()
		s.logger.Debug("task replaced", "task_id", id)
	}

	task := probe.New(probe.Options{
		ID:      id,
		URL:     url,
		Repeat:  n,
		Delay:   s.cfg.Delay,
		Caller:  s.caller,
		Sink:    s.sink,
		Metrics: s.metrics,
		Logger:  s.logger,
	})
	handle, err := s.pool.Submit(task.Run)
	if err != nil {
		delete(s.tasks, id)
		s.metrics.SetLiveTasks(len(s.tasks))
		return fmt.Errorf("failed to submit task %d: %w", id, err)
	}
	s.tasks[id] = &entry{task: task, handle: handle}
	s.metrics.SetLiveTasks(len(s.tasks))

	s.logger.Info("task submitted", "task_id", id, "url", url, "repeat", n)
	return nil
}

// Cancel cancels and forgets the task with the given id, or every task when
// id is nil. Unknown ids are ignored.
func (s *Scheduler) Cancel(id *int) {
	s.mu.Lock()
	var victims []*entry
	if id == nil {
		for k, e := range s.tasks {
			victims = append(victims, e)
			delete(s.tasks, k)
		}
	} else if e, ok := s.tasks[*id]; ok {
		victims = append(victims, e)
		delete(s.tasks, *id)
	}
	s.metrics.SetLiveTasks(len(s.tasks))
	s.mu.Unlock()

	for _, e := range victims {
		e.task.CancelCall()
		e.handle.Cancel()
	}
	if len(victims) > 0 {
		s.logger.Debug("tasks cancelled", "count", len(victims))
	}
}

// Reconfigure applies a partial settings update. The delay applies to the
// next wait of every live task; the timeout applies to calls issued
// afterwards.
func (s *Scheduler) Reconfigure(delta ConfigDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if delta.Delay != nil && *delta.Delay < 0 {
		return fmt.Errorf("delay must not be negative, got %s", *delta.Delay)
	}
	if delta.MaxConcurrent != nil && *delta.MaxConcurrent < 1 {
		return fmt.Errorf("%w: max concurrent must be at least 1, got %d", ErrInvalidBounds, *delta.MaxConcurrent)
	}
	if delta.Timeout != nil && *delta.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %s", *delta.Timeout)
	}

	if delta.MaxConcurrent != nil && *delta.MaxConcurrent != s.cfg.MaxConcurrent {
		if err := s.pool.Resize(*delta.MaxConcurrent); err != nil {
			return fmt.Errorf("failed to resize pool: %w", err)
		}
		s.cfg.MaxConcurrent = *delta.MaxConcurrent
	}
	if delta.Delay != nil {
		s.cfg.Delay = *delta.Delay
		for _, e := range s.tasks {
			e.task.SetDelay(*delta.Delay)
		}
	}
	if delta.Timeout != nil {
		s.cfg.Timeout = *delta.Timeout
		if s.exec != nil {
			s.exec.SetTimeout(*delta.Timeout)
		}
	}
	if delta.DefaultRepeat != nil {
		s.cfg.DefaultRepeat = *delta.DefaultRepeat
	}

	s.logger.Info("probe settings changed",
		"delay", s.cfg.Delay.String(),
		"max_concurrent", s.cfg.MaxConcurrent,
		"timeout", s.cfg.Timeout.String(),
		"repeat", s.cfg.DefaultRepeat,
	)
	return nil
}

// Config returns the current settings.
func (s *Scheduler) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Snapshot returns every live task ordered by id, plus the settings.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	tasks := make([]*probe.Task, 0, len(s.tasks))
	for _, e := range s.tasks {
		tasks = append(tasks, e.task)
	}
	cfg := s.cfg
	s.mu.Unlock()

	states := make([]probe.State, 0, len(tasks))
	for _, t := range tasks {
		states = append(states, t.State())
	}
	sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })
	return Snapshot{Tasks: states, Config: cfg}
}

// Restore publishes the task list followed by the settings to the sink.
func (s *Scheduler) Restore() {
	if s.sink == nil {
		return
	}
	snap := s.Snapshot()
	s.sink.Push(events.StateList{States: snap.Tasks})
	s.sink.Push(snap.Config.Settings())
}

// PoolStats returns the worker pool sizing.
func (s *Scheduler) PoolStats() PoolStats {
	return s.pool.Stats()
}

// Shutdown cancels every task and stops the pool. It is idempotent.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.Cancel(nil)
	s.pool.Shutdown()
	s.logger.Info("scheduler stopped")
}
