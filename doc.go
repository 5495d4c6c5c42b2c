// Package webpecker provides an embeddable HTTP probe repeater with live
// per-call telemetry.
//
// A connected client submits probes over a WebSocket control channel. Each
// probe repeatedly issues GET requests against one URL; the client can tune
// the delay between iterations, the number of probes running at once and
// the call timeout while probes are running, and receives a near-real-time
// stream of task transitions, iteration results and call lifecycle phases
// (DNS, connect, TLS, headers, body, completion) in JSON batches.
//
// # Quick Start
//
//	wp, _ := webpecker.New(webpecker.WithPort(8080))
//
//	// Set up graceful shutdown on SIGINT/SIGTERM
//	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer stop()
//
//	wp.Start(ctx) // blocks until context is cancelled
//
// # Configuration
//
// Webpecker uses the functional options pattern for configuration:
//
//	wp, err := webpecker.New(
//	    webpecker.WithPort(9090),
//	    webpecker.WithDelay(250 * time.Millisecond),
//	    webpecker.WithMaxConcurrent(8),
//	    webpecker.WithTimeout(2 * time.Second),
//	    webpecker.WithInsecureSkipVerify(false),
//	)
//
// # Control Protocol
//
// Inbound messages are JSON objects with an "action" field:
//
//   - {"action":"send-request","id":1,"url":"https://example.com","repeat":10}
//   - {"action":"cancel-request","id":1} or {"action":"cancel-request"} for all
//   - {"action":"update-config","delay":100,"maxConcurrent":3,"timeout":600}
//   - {"action":"restore-state"}
//   - {"action":"reset-http-client"}
//
// Outbound messages are JSON arrays of events such as {"id":1,"state":"running"},
// {"id":1,"iteration":2,"result":"200"} and
// {"id":1,"iteration":2,"event":"dnsStart","time":1700000000000,"msFromStart":3}.
//
// # Architecture
//
// Webpecker consists of several internal packages (under internal/):
//
//   - internal/scheduler: Task directory and resizable worker pool
//   - internal/probe: The repeating request loop of a single task
//   - internal/httpexec: Hot-swappable HTTP client with call instrumentation
//   - internal/events: Batching event pipeline with a single delivery channel
//   - internal/server: WebSocket control channel, REST API and metrics
//   - dashboard: Embedded web UI assets
//
// The internal packages are not part of the public API and may change
// without notice.
package webpecker
