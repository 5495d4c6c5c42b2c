// Package httpexec wraps net/http for probe calls.
//
// An [Executor] owns one immutable client configuration (timeout,
// connection pool, instrumentation) that can be replaced atomically while
// calls are in flight. [Executor.NewCall] returns a cancellable [Call] bound
// to the configuration current at creation time.
//
// When an event sink is attached, every call is observed by an
// [Instrumentation] that converts httptrace callbacks into lifecycle phase
// events tagged with the call's correlation tag.
package httpexec
