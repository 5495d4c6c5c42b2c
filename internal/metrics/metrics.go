// Package metrics exposes Prometheus collectors for the probe scheduler,
// the HTTP executor and the event pipeline.
//
// All recording methods are safe to call on a nil *Metrics, which lets
// components run without instrumentation in tests.
package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace prefixes every metric name when none is given.
const DefaultNamespace = "webpecker"

// Metrics bundles the collectors used across the service.
type Metrics struct {
	iterations       *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	liveTasks        prometheus.Gauge
	poolWorkers      prometheus.Gauge
	poolQueued       prometheus.Gauge
	poolPanics       prometheus.Counter
	callDuration     prometheus.Histogram
	batchesDelivered prometheus.Counter
	batchSize        prometheus.Histogram
	eventsDropped    *prometheus.CounterVec
	deliveryFailures prometheus.Counter
}

// New creates the collectors and registers them with reg.
//
// If reg is nil the default registerer is used. Registering twice against the
// same registry reuses the already registered collectors.
func New(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iterations_total",
			Help:      "Completed probe iterations by outcome.",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Probe task lifecycle transitions by target state.",
		}, []string{"state"}),
		liveTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_tasks",
			Help:      "Probe tasks currently held in the task directory.",
		}),
		poolWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_workers",
			Help:      "Worker goroutines currently alive in the pool.",
		}),
		poolQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_queued",
			Help:      "Submitted tasks waiting for a free worker.",
		}),
		poolPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_panics_total",
			Help:      "Task panics recovered by pool workers.",
		}),
		callDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Duration of probe HTTP calls from start to terminal phase.",
			Buckets:   prometheus.DefBuckets,
		}),
		batchesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_delivered_total",
			Help:      "Event batches written to the delivery channel.",
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size_events",
			Help:      "Number of events per delivered batch.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 200},
		}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events discarded before delivery, by reason.",
		}, []string{"reason"}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Batches that failed to write to the delivery channel.",
		}),
	}

	var err error
	if m.iterations, err = register(reg, m.iterations); err != nil {
		return nil, err
	}
	if m.transitions, err = register(reg, m.transitions); err != nil {
		return nil, err
	}
	if m.liveTasks, err = register(reg, m.liveTasks); err != nil {
		return nil, err
	}
	if m.poolWorkers, err = register(reg, m.poolWorkers); err != nil {
		return nil, err
	}
	if m.poolQueued, err = register(reg, m.poolQueued); err != nil {
		return nil, err
	}
	if m.poolPanics, err = register(reg, m.poolPanics); err != nil {
		return nil, err
	}
	if m.callDuration, err = register(reg, m.callDuration); err != nil {
		return nil, err
	}
	if m.batchesDelivered, err = register(reg, m.batchesDelivered); err != nil {
		return nil, err
	}
	if m.batchSize, err = register(reg, m.batchSize); err != nil {
		return nil, err
	}
	if m.eventsDropped, err = register(reg, m.eventsDropped); err != nil {
		return nil, err
	}
	if m.deliveryFailures, err = register(reg, m.deliveryFailures); err != nil {
		return nil, err
	}

	return m, nil
}

// IterationCompleted counts one reported iteration outcome.
func (m *Metrics) IterationCompleted(outcome string) {
	if m == nil {
		return
	}
	m.iterations.WithLabelValues(outcome).Inc()
}

// TaskTransitioned counts a lifecycle transition into state.
func (m *Metrics) TaskTransitioned(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
}

// SetLiveTasks records the task directory size.
func (m *Metrics) SetLiveTasks(n int) {
	if m == nil {
		return
	}
	m.liveTasks.Set(float64(n))
}

// SetPoolStats records the pool's worker and queue sizes.
func (m *Metrics) SetPoolStats(workers, queued int) {
	if m == nil {
		return
	}
	m.poolWorkers.Set(float64(workers))
	m.poolQueued.Set(float64(queued))
}

// PoolPanicked counts a recovered task panic.
func (m *Metrics) PoolPanicked() {
	if m == nil {
		return
	}
	m.poolPanics.Inc()
}

// ObserveCall records the duration of a finished HTTP call in milliseconds.
func (m *Metrics) ObserveCall(elapsedMs int64) {
	if m == nil {
		return
	}
	m.callDuration.Observe(float64(elapsedMs) / 1000)
}

// BatchDelivered counts a batch of size events written to the channel.
func (m *Metrics) BatchDelivered(size int) {
	if m == nil {
		return
	}
	m.batchesDelivered.Inc()
	m.batchSize.Observe(float64(size))
}

// EventsDropped counts n events discarded for reason.
func (m *Metrics) EventsDropped(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Add(float64(n))
}

// DeliveryFailed counts a failed channel write.
func (m *Metrics) DeliveryFailed() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}

func register[T prometheus.Collector](reg prometheus.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		existing, ok := are.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
