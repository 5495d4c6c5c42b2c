// Package events collects telemetry from many producers and delivers it to a
// single consumer channel in ordered batches.
//
// Producers (probe tasks and call instrumentation) push immutable [Event]
// values into a [Pipeline]. The pipeline flushes its buffer when it reaches
// the batch cap or on a fixed tick, encodes the drained events as one JSON
// array and hands it to a dedicated delivery goroutine, which writes batches
// to the registered [Channel] in submission order.
//
// Delivery is best-effort: when no channel is registered, or the registered
// one is closed, drained events are discarded.
package events
