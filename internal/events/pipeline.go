package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jpalmerr/webpecker/internal/metrics"
)

const (
	// DefaultMaxBatchSize caps the number of events in one batch. Reaching it
	// triggers an immediate flush.
	DefaultMaxBatchSize = 200

	// DefaultFlushInterval is the period of the background flush.
	DefaultFlushInterval = 100 * time.Millisecond

	// deliveryQueueSize bounds the batches waiting for the delivery goroutine.
	deliveryQueueSize = 1024
)

// drop reasons reported to metrics
const (
	dropNoChannel  = "no_channel"
	dropClosed     = "channel_closed"
	dropQueueFull  = "queue_full"
	dropEncode     = "encode_error"
	dropPipeClosed = "pipeline_stopped"
)

// Channel is the outbound side of a client connection.
//
// Implementations must be comparable (typically a pointer) because the
// pipeline identifies the registered channel by equality.
type Channel interface {
	// Send writes one encoded batch. It is only called from the delivery
	// goroutine.
	Send(payload []byte) error

	// Open reports whether the channel can still accept writes.
	Open() bool
}

// Options configures a [Pipeline].
type Options struct {
	// MaxBatchSize defaults to [DefaultMaxBatchSize].
	MaxBatchSize int

	// FlushInterval defaults to [DefaultFlushInterval].
	FlushInterval time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics may be nil.
	Metrics *metrics.Metrics
}

type delivery struct {
	ch      Channel
	payload []byte
	size    int
}

// Pipeline is a multi-producer, single-consumer batching buffer.
//
// Push and Flush are safe for concurrent use. Start launches the periodic
// flusher and the delivery goroutine; Stop flushes what remains and waits
// for queued batches to be written.
type Pipeline struct {
	maxBatch int
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu  sync.Mutex
	buf []Event

	// flushMu serializes drain and enqueue so batches reach the delivery
	// queue in the order their events were drained.
	flushMu    sync.Mutex
	closed     bool
	deliveries chan delivery

	chMu    sync.RWMutex
	channel Channel

	lifeMu  sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ Publisher = (*Pipeline)(nil)

// New creates a [Pipeline]. Events pushed before [Pipeline.Start] are
// buffered and size-triggered flushes are queued for delivery.
func New(opts Options) *Pipeline {
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = DefaultMaxBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Pipeline{
		maxBatch:   opts.MaxBatchSize,
		interval:   opts.FlushInterval,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		buf:        make([]Event, 0, opts.MaxBatchSize),
		deliveries: make(chan delivery, deliveryQueueSize),
	}
}

// Start launches the flush ticker and the delivery goroutine.
//
// Start is idempotent. If Stop was called first, Start is a no-op.
func (p *Pipeline) Start(ctx context.Context) {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.deliver()
	}()
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Flush()
			}
		}
	}()
}

// Stop halts the ticker, performs a final flush and waits until every queued
// batch has been handed to its channel. Safe to call multiple times and
// before Start.
func (p *Pipeline) Stop() {
	p.lifeMu.Lock()
	if p.stopped {
		p.lifeMu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	if p.cancel != nil {
		p.cancel()
	}
	p.lifeMu.Unlock()

	p.Flush()

	p.flushMu.Lock()
	p.closed = true
	close(p.deliveries)
	p.flushMu.Unlock()

	if !started {
		// nobody will consume the queue
		for d := range p.deliveries {
			p.metrics.EventsDropped(dropPipeClosed, d.size)
		}
	}
	p.wg.Wait()
}

// Push appends an event to the buffer. When the buffer reaches the batch
// cap the caller performs the flush.
func (p *Pipeline) Push(e Event) {
	if e == nil {
		return
	}
	p.mu.Lock()
	p.buf = append(p.buf, e)
	full := len(p.buf) >= p.maxBatch
	p.mu.Unlock()

	if full {
		p.Flush()
	}
}

// Flush drains the buffer and queues the drained events as one batch for
// the registered channel. Concurrent flushes partition the buffered events
// between them; no event is delivered twice.
func (p *Pipeline) Flush() {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	for {
		batch := p.drain()
		if len(batch) == 0 {
			return
		}
		p.enqueue(batch)
	}
}

// drain removes at most one batch worth of events from the buffer.
func (p *Pipeline) drain() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.buf) == 0 {
		return nil
	}
	n := len(p.buf)
	if n > p.maxBatch {
		n = p.maxBatch
	}
	batch := make([]Event, n)
	copy(batch, p.buf[:n])

	rest := len(p.buf) - n
	copy(p.buf, p.buf[n:])
	clear(p.buf[rest:])
	p.buf = p.buf[:rest]
	return batch
}

// enqueue must be called with flushMu held.
func (p *Pipeline) enqueue(batch []Event) {
	if p.closed {
		p.metrics.EventsDropped(dropPipeClosed, len(batch))
		return
	}

	ch := p.Channel()
	if ch == nil {
		p.metrics.EventsDropped(dropNoChannel, len(batch))
		return
	}
	if !ch.Open() {
		p.metrics.EventsDropped(dropClosed, len(batch))
		return
	}

	payload, err := json.Marshal(batch)
	if err != nil {
		p.logger.Error("failed to encode event batch", "events", len(batch), "error", err)
		p.metrics.EventsDropped(dropEncode, len(batch))
		return
	}

	select {
	case p.deliveries <- delivery{ch: ch, payload: payload, size: len(batch)}:
	default:
		p.logger.Warn("delivery queue full, dropping batch", "events", len(batch))
		p.metrics.EventsDropped(dropQueueFull, len(batch))
	}
}

// deliver writes queued batches in order until the queue is closed.
func (p *Pipeline) deliver() {
	for d := range p.deliveries {
		if !d.ch.Open() {
			p.metrics.EventsDropped(dropClosed, d.size)
			continue
		}
		if err := d.ch.Send(d.payload); err != nil {
			p.logger.Warn("event batch delivery failed", "events", d.size, "error", err)
			p.metrics.DeliveryFailed()
			continue
		}
		p.metrics.BatchDelivered(d.size)
	}
}

// Attach registers ch as the sole delivery channel.
//
// Attach refuses (returns false) while a different channel is registered and
// still open, so a second connection cannot take over delivery from a live
// one. Attaching the already registered channel returns true.
func (p *Pipeline) Attach(ch Channel) bool {
	if ch == nil {
		return false
	}
	p.chMu.Lock()
	defer p.chMu.Unlock()

	if p.channel != nil && p.channel != ch && p.channel.Open() {
		return false
	}
	p.channel = ch
	return true
}

// Detach deregisters ch if it is the registered channel. Detaching any other
// channel is a no-op.
func (p *Pipeline) Detach(ch Channel) {
	p.chMu.Lock()
	defer p.chMu.Unlock()
	if p.channel == ch {
		p.channel = nil
	}
}

// Channel returns the registered delivery channel, or nil.
func (p *Pipeline) Channel() Channel {
	p.chMu.RLock()
	defer p.chMu.RUnlock()
	return p.channel
}

// Active reports whether an open channel is registered.
func (p *Pipeline) Active() bool {
	ch := p.Channel()
	return ch != nil && ch.Open()
}

// Buffered returns the number of events waiting for the next flush.
func (p *Pipeline) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}
