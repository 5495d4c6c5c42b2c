package probe

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpalmerr/webpecker/internal/events"
	"github.com/jpalmerr/webpecker/internal/httpexec"
	"github.com/jpalmerr/webpecker/internal/metrics"
)

// Lifecycle is the state of a [Task].
type Lifecycle string

const (
	NotStarted Lifecycle = "not-started"
	Running    Lifecycle = "running"
	Cancelled  Lifecycle = "cancelled"
	Done       Lifecycle = "done"
)

// Terminal reports whether no further transition is possible from l.
func (l Lifecycle) Terminal() bool {
	return l == Cancelled || l == Done
}

// Iteration outcomes reported instead of a status code.
const (
	ResultConnectReadTimeout = "timeout:connect/read"
	ResultTimeout            = "timeout"
	ResultNetworkError       = "network error"
)

// Call is a single cancellable request issued by a task.
type Call interface {
	Execute(ctx context.Context) (int, error)
	Cancel()
}

// Caller creates calls tagged with the issuing task iteration.
type Caller interface {
	NewCall(url string, tag events.Tag) Call
}

// ExecutorCaller adapts an [httpexec.Executor] to [Caller].
func ExecutorCaller(e *httpexec.Executor) Caller {
	return executorCaller{e}
}

type executorCaller struct {
	exec *httpexec.Executor
}

func (c executorCaller) NewCall(url string, tag events.Tag) Call {
	return c.exec.NewCall(url, tag)
}

// State is a point-in-time snapshot of a task.
type State struct {
	ID        int       `json:"id"`
	Delay     int64     `json:"delay"`
	Iteration uint32    `json:"iteration"`
	Repeat    uint32    `json:"repeat"`
	URL       string    `json:"url"`
	State     Lifecycle `json:"state"`
}

// Options configures a [Task].
type Options struct {
	ID  int
	URL string

	// Repeat is the number of iterations. Zero means one.
	Repeat uint32

	// Delay is the wait between iterations.
	Delay time.Duration

	Caller  Caller
	Sink    events.Publisher
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Task repeatedly issues a GET against one URL.
//
// A task moves not-started → running → done | cancelled exactly once; every
// transition is published as an [events.StateChanged]. Each finished
// iteration is published as an [events.IterationResult] unless the task was
// cancelled while the call was in flight.
type Task struct {
	id      int
	url     string
	repeat  uint32
	caller  Caller
	sink    events.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger

	delay     atomic.Int64
	iteration atomic.Uint32

	mu        sync.Mutex
	state     Lifecycle
	call      Call
	cancelled bool

	cancelCh chan struct{}
	finished chan struct{}
}

// New creates a task in the not-started state.
func New(opts Options) *Task {
	if opts.Repeat == 0 {
		opts.Repeat = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sink == nil {
		opts.Sink = discard{}
	}
	t := &Task{
		id:       opts.ID,
		url:      opts.URL,
		repeat:   opts.Repeat,
		caller:   opts.Caller,
		sink:     opts.Sink,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		state:    NotStarted,
		cancelCh: make(chan struct{}),
		finished: make(chan struct{}),
	}
	t.delay.Store(int64(opts.Delay))
	return t
}

// ID returns the task id.
func (t *Task) ID() int { return t.id }

// Finished is closed once the task reaches a terminal state.
func (t *Task) Finished() <-chan struct{} { return t.finished }

// SetDelay changes the wait before the next iteration. A wait already in
// progress keeps its original length.
func (t *Task) SetDelay(d time.Duration) {
	if d < 0 {
		d = 0
	}
	t.delay.Store(int64(d))
}

// State returns a snapshot of the task. Safe from any goroutine.
func (t *Task) State() State {
	t.mu.Lock()
	st := t.state
	t.mu.Unlock()
	return State{
		ID:        t.id,
		Delay:     time.Duration(t.delay.Load()).Milliseconds(),
		Iteration: t.iteration.Load(),
		Repeat:    t.repeat,
		URL:       t.url,
		State:     st,
	}
}

// CancelCall requests cancellation and aborts the in-flight call, if any.
// A task that has not started yet becomes cancelled immediately. Cancelling
// a finished task has no effect.
func (t *Task) CancelCall() {
	t.mu.Lock()
	first := !t.cancelled
	t.cancelled = true
	call := t.call
	t.mu.Unlock()

	if first {
		close(t.cancelCh)
	}
	if call != nil {
		call.Cancel()
	}
	t.transition(NotStarted, Cancelled)
}

func (t *Task) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// transition moves the task from one state to another and publishes the
// change. It reports false if the task was not in state from.
func (t *Task) transition(from, to Lifecycle) bool {
	t.mu.Lock()
	if t.state != from {
		t.mu.Unlock()
		return false
	}
	t.state = to
	t.mu.Unlock()

	if to.Terminal() {
		close(t.finished)
	}
	t.sink.Push(events.StateChanged{ID: t.id, State: string(to)})
	t.metrics.TaskTransitioned(string(to))
	t.logger.Debug("task state changed", "task_id", t.id, "state", string(to))
	return true
}

// setCall registers the in-flight call. It reports false when cancellation
// was requested first, in which case the call must not be executed.
func (t *Task) setCall(c Call) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return false
	}
	t.call = c
	return true
}

func (t *Task) clearCall() {
	t.mu.Lock()
	t.call = nil
	t.mu.Unlock()
}

// Run executes the iteration loop until repeat is exhausted, CancelCall is
// invoked or ctx is done. It returns immediately if the task already left
// the not-started state.
func (t *Task) Run(ctx context.Context) {
	if !t.transition(NotStarted, Running) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.transition(Running, Cancelled)
			panic(r)
		}
	}()

	for t.iteration.Load() < t.repeat {
		if t.isCancelled() || ctx.Err() != nil {
			t.transition(Running, Cancelled)
			return
		}

		iter := t.iteration.Add(1)
		call := t.caller.NewCall(t.url, events.Tag{ID: t.id, Iteration: iter})
		if !t.setCall(call) {
			t.transition(Running, Cancelled)
			return
		}
		code, err := call.Execute(ctx)
		t.clearCall()

		if err != nil && (t.isCancelled() || ctx.Err() != nil || errors.Is(err, httpexec.ErrCanceled)) {
			t.transition(Running, Cancelled)
			return
		}

		result := strconv.Itoa(code)
		if err != nil {
			result = Classify(err)
			t.logger.Debug("probe iteration failed", "task_id", t.id, "iteration", iter, "error", err)
		}
		t.sink.Push(events.IterationResult{ID: t.id, Iteration: iter, Result: result})
		t.metrics.IterationCompleted(result)

		if iter >= t.repeat {
			break
		}
		if !t.wait(ctx) {
			t.transition(Running, Cancelled)
			return
		}
	}

	t.transition(Running, Done)
}

// wait sleeps for the current delay. It reports false if cancellation
// interrupted the wait.
func (t *Task) wait(ctx context.Context) bool {
	d := time.Duration(t.delay.Load())
	if d <= 0 {
		return !t.isCancelled()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.cancelCh:
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		return !t.isCancelled()
	}
}

// Classify maps a failed call to its reported outcome.
func Classify(err error) string {
	if errors.Is(err, httpexec.ErrCallTimeout) {
		return ResultTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ResultConnectReadTimeout
	}
	return ResultNetworkError
}

type discard struct{}

func (discard) Push(events.Event) {}
