// Package probe implements the repeating GET loop of a single probe task.
//
// A [Task] issues its iterations through a [Caller], publishes lifecycle
// transitions and per-iteration results to an event publisher, and can be
// cancelled from any goroutine while a call or an inter-iteration wait is in
// progress.
package probe
