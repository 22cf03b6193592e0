// Package scheduler turns "run this later" and "run this repeatedly" requests into a
// single time-ordered dispatch stream.
//
// A single dispatcher goroutine owns the timer queue and hands due payloads to the
// worker pool in internal/task/engine. The scheduler is responsible for:
//   - ordering pending work by fire time (ties keep submission order)
//   - fixed-delay rescheduling of periodic and cron-driven tasks
//   - best-effort cancellation
//   - introspection of pending and running work
//
// Payloads are never preempted: cancellation only prevents future occurrences.
package scheduler
