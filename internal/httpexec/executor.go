package httpexec

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptrace"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpalmerr/webpecker/internal/events"
	"github.com/jpalmerr/webpecker/internal/metrics"
)

// response bodies are drained (never inspected) so connections can be reused
const maxDrainBytes = 1 << 20 // 1MB

// connection pooling limits
const (
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	defaultIdleConnTimeout     = 60 * time.Second
	defaultKeepAlive           = 30 * time.Second
)

const (
	// DefaultTimeout bounds a whole call, from start to body drained.
	DefaultTimeout = 600 * time.Millisecond

	// DefaultConnectTimeout bounds dialing and the TLS handshake.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultReadTimeout bounds the wait for response headers and for each
	// read of the response body.
	DefaultReadTimeout = 10 * time.Second
)

var (
	// ErrCallTimeout marks a call aborted because its overall timeout elapsed.
	ErrCallTimeout = errors.New("call timeout exceeded")

	// ErrCanceled marks a call aborted by [Call.Cancel] or by its context.
	ErrCanceled = errors.New("call canceled")
)

// Sink receives lifecycle phase events while it reports itself active.
type Sink interface {
	events.Publisher
	Active() bool
}

// Options configures an [Executor].
type Options struct {
	// Timeout is the initial per-call timeout. Zero disables it.
	Timeout time.Duration

	// ConnectTimeout defaults to [DefaultConnectTimeout].
	ConnectTimeout time.Duration

	// ReadTimeout defaults to [DefaultReadTimeout].
	ReadTimeout time.Duration

	// InsecureSkipVerify disables TLS certificate verification of targets.
	InsecureSkipVerify bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics may be nil.
	Metrics *metrics.Metrics
}

// clientConfig is never mutated after it has been installed.
type clientConfig struct {
	version   uint64
	client    *http.Client
	transport *http.Transport
	timeout   time.Duration
	readIdle  time.Duration
	sink      Sink
	instr     *Instrumentation
}

// Executor issues tagged GET requests through a hot-swappable client
// configuration.
//
// The configuration is an immutable snapshot behind an atomic pointer.
// Mutations build a new snapshot from the current one and install it with
// compare-and-swap; every call borrows the snapshot that was current when it
// was created, so reconfiguration never disturbs calls already in flight.
type Executor struct {
	current atomic.Pointer[clientConfig]
	callSeq atomic.Uint64

	connectTimeout time.Duration
	readTimeout    time.Duration
	insecure       bool
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

// New creates an [Executor].
func New(opts Options) *Executor {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	e := &Executor{
		connectTimeout: opts.ConnectTimeout,
		readTimeout:    opts.ReadTimeout,
		insecure:       opts.InsecureSkipVerify,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
	}

	transport := e.newTransport()
	e.current.Store(&clientConfig{
		version:   1,
		client:    &http.Client{Transport: transport},
		transport: transport,
		timeout:   opts.Timeout,
		readIdle:  opts.ReadTimeout,
	})
	return e
}

func (e *Executor) newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   e.connectTimeout,
		KeepAlive: defaultKeepAlive,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: e.insecure}, //nolint:gosec // probing self-signed targets is a feature
		TLSHandshakeTimeout:   e.connectTimeout,
		ResponseHeaderTimeout: e.readTimeout,
		MaxIdleConns:          defaultMaxIdleConns,
		MaxIdleConnsPerHost:   defaultMaxIdleConnsPerHost,
		IdleConnTimeout:       defaultIdleConnTimeout,
		ForceAttemptHTTP2:     true,
	}
}

// update installs the configuration returned by fn. fn receives a copy of
// the current configuration and returns false to abort. It may run more
// than once under contention.
func (e *Executor) update(fn func(next *clientConfig) bool) (installed, previous *clientConfig, ok bool) {
	for {
		cur := e.current.Load()
		next := *cur
		if !fn(&next) {
			return nil, cur, false
		}
		next.version = cur.version + 1
		if e.current.CompareAndSwap(cur, &next) {
			return &next, cur, true
		}
	}
}

// AttachEventSink routes lifecycle phases of subsequently created calls to
// sink. It refuses (returns false) while a different sink is attached and
// still active. Attaching the current sink again is a successful no-op.
func (e *Executor) AttachEventSink(sink Sink) bool {
	if sink == nil {
		return false
	}
	already := false
	_, _, ok := e.update(func(next *clientConfig) bool {
		if next.sink == sink {
			already = true
			return false
		}
		if next.sink != nil && next.sink.Active() {
			return false
		}
		next.sink = sink
		next.instr = NewInstrumentation(sink, e.metrics)
		return true
	})
	return ok || already
}

// DetachEventSink removes sink if it is the attached one.
func (e *Executor) DetachEventSink(sink Sink) {
	e.update(func(next *clientConfig) bool {
		if next.sink == nil || next.sink != sink {
			return false
		}
		next.sink = nil
		next.instr = nil
		return true
	})
}

// SetTimeout changes the per-call timeout for calls created afterwards.
func (e *Executor) SetTimeout(timeout time.Duration) {
	if timeout < 0 {
		timeout = 0
	}
	installed, _, _ := e.update(func(next *clientConfig) bool {
		next.timeout = timeout
		return true
	})
	e.logger.Debug("http client timeout changed", "timeout", timeout.String(), "version", installed.version)
}

// ResetConnectionPool installs a fresh transport and closes the idle
// connections of the previous one. Calls in flight keep their connections.
func (e *Executor) ResetConnectionPool() {
	transport := e.newTransport()
	installed, previous, _ := e.update(func(next *clientConfig) bool {
		next.transport = transport
		next.client = &http.Client{Transport: transport}
		return true
	})
	previous.transport.CloseIdleConnections()
	e.logger.Info("http connection pool reset", "version", installed.version)
}

// Timeout returns the per-call timeout of the current configuration.
func (e *Executor) Timeout() time.Duration {
	return e.current.Load().timeout
}

// Version returns the generation of the current configuration. It grows by
// one with every installed change.
func (e *Executor) Version() uint64 {
	return e.current.Load().version
}

// Instrumentation returns the observer of the current configuration, or nil
// when no sink is attached.
func (e *Executor) Instrumentation() *Instrumentation {
	return e.current.Load().instr
}

// Close releases idle connections of the current configuration.
func (e *Executor) Close() {
	if e == nil {
		return
	}
	e.current.Load().transport.CloseIdleConnections()
}

// NewCall prepares a GET of url bound to the current configuration. tag is
// copied verbatim onto every phase event of the call.
func (e *Executor) NewCall(url string, tag events.Tag) *Call {
	return &Call{
		cfg: e.current.Load(),
		id:  e.callSeq.Add(1),
		url: url,
		tag: tag,
	}
}

// Call is a single cancellable GET request.
type Call struct {
	cfg *clientConfig
	id  uint64
	url string
	tag events.Tag

	mu       sync.Mutex
	cancel   context.CancelCauseFunc
	canceled bool
	executed bool
}

// Tag returns the correlation tag of the call.
func (c *Call) Tag() events.Tag {
	return c.tag
}

// Cancel aborts the call. Cancelling before Execute makes Execute fail
// immediately; cancelling after it returned has no effect.
func (c *Call) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.canceled = true
	if c.cancel != nil {
		c.cancel(ErrCanceled)
	}
}

// Execute performs the request and returns the response status code.
//
// The response body is drained and discarded. Errors caused by the call
// timeout wrap [ErrCallTimeout]; errors caused by cancellation of the call or
// of ctx wrap [ErrCanceled]. Execute may be called once.
func (c *Call) Execute(ctx context.Context) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	c.mu.Lock()
	if c.executed {
		c.mu.Unlock()
		return 0, errors.New("call already executed")
	}
	c.executed = true
	if c.canceled {
		c.mu.Unlock()
		return 0, ErrCanceled
	}
	c.cancel = cancel
	c.mu.Unlock()

	if c.cfg.timeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeoutCause(ctx, c.cfg.timeout, ErrCallTimeout)
		defer stop()
	}

	instr := c.cfg.instr
	instr.Start(c.id, c.tag)
	if trace := instr.trace(c.id); trace != nil {
		ctx = httptrace.WithClientTrace(ctx, trace)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		instr.End(c.id, PhaseCallFailed)
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.cfg.client.Do(req)
	if err != nil {
		return 0, c.fail(ctx, err)
	}
	instr.Phase(c.id, PhaseResponseHeadersEnd)

	instr.Phase(c.id, PhaseResponseBodyStart)
	body := &idleGuard{r: resp.Body, after: c.cfg.readIdle, expire: func() { cancel(errReadIdle) }}
	_, err = io.Copy(io.Discard, io.LimitReader(body, maxDrainBytes))
	_ = resp.Body.Close()
	if err != nil {
		return resp.StatusCode, c.fail(ctx, fmt.Errorf("failed to read response body: %w", err))
	}
	instr.Phase(c.id, PhaseResponseBodyEnd)
	// the drained and closed body hands the connection back to the pool
	instr.Phase(c.id, PhaseConnectionReleased)

	instr.End(c.id, PhaseCallEnd)
	return resp.StatusCode, nil
}

// fail classifies err by the state of ctx and reports the terminal phase.
func (c *Call) fail(ctx context.Context, err error) error {
	instr := c.cfg.instr
	if ctx.Err() != nil {
		if errors.Is(context.Cause(ctx), errReadIdle) {
			instr.End(c.id, PhaseCallFailed)
			return fmt.Errorf("failed to read response body: %w", readTimeoutError{after: c.cfg.readIdle})
		}
		if errors.Is(context.Cause(ctx), ErrCallTimeout) {
			instr.End(c.id, PhaseCallFailed)
			return fmt.Errorf("%w: %w", ErrCallTimeout, err)
		}
		instr.End(c.id, PhaseCanceled)
		return fmt.Errorf("%w: %w", ErrCanceled, err)
	}
	instr.End(c.id, PhaseCallFailed)
	return err
}

// errReadIdle is the cancel cause used when the body stalls.
var errReadIdle = errors.New("response body read timed out")

// readTimeoutError reports a body read that saw no data within the read
// timeout. It is a net.Error so it classifies like a socket timeout.
type readTimeoutError struct {
	after time.Duration
}

var _ net.Error = readTimeoutError{}

func (e readTimeoutError) Error() string {
	return fmt.Sprintf("read timeout: no response data for %s", e.after)
}

func (readTimeoutError) Timeout() bool   { return true }
func (readTimeoutError) Temporary() bool { return true }

// idleGuard calls expire when a single Read blocks longer than after.
type idleGuard struct {
	r      io.Reader
	after  time.Duration
	expire func()
}

func (g *idleGuard) Read(p []byte) (int, error) {
	if g.after <= 0 {
		return g.r.Read(p)
	}
	t := time.AfterFunc(g.after, g.expire)
	n, err := g.r.Read(p)
	t.Stop()
	return n, err
}
