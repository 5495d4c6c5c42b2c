// Package server provides the HTTP surface of webpecker.
//
// It serves:
//
//   - Control socket: a WebSocket at "/req" (configurable) carrying JSON
//     commands in and JSON event batches out
//   - REST API: JSON snapshot at "/api/state"
//   - Metrics: Prometheus exposition at "/metrics"
//   - Dashboard: the embedded control page at "/"
//
// Only one control client is served at a time. While connected, its session
// is the event pipeline's delivery channel and receives the lifecycle phases
// of every call the executor issues.
//
// The server supports graceful shutdown via context cancellation, with a
// 5-second timeout for in-flight requests.
package server
