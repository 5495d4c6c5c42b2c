// Package scheduler runs probe tasks on a resizable worker pool.
//
// A [Scheduler] keeps a directory of tasks keyed by client-chosen id, the
// runtime settings (delay, concurrency, timeout, remembered repeat) and a
// [Pool] whose size follows the concurrency setting. Finished tasks stay in
// the directory until they are cancelled or replaced by a new submission
// with the same id.
package scheduler
