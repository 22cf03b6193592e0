package engine

import (
	"context"
	"time"

	rtsup "pacer/internal/runtime/supervisor"
)

// Config controls the worker pool.
type Config struct {
	// Workers is fixed for the pool's lifetime. <= 0 means runtime.NumCPU().
	Workers int

	HistorySize int

	// FailureLogEvery throttles "task.failed" warnings per task name.
	// Failures are always counted and recorded in history.
	FailureLogEvery time.Duration
}

// WorkerID identifies the pool slot a worker goroutine serves.
// A worker restarted by the supervisor keeps its slot.
type WorkerID int

// Job is a unit of work posted to the pool.
//
// OnStart and OnFinish run on the executing worker, immediately before and
// after Run. OnFinish runs even when Run returned an error or panicked.
type Job struct {
	ID   uint64
	Name string
	Run  func(ctx context.Context) error

	OnStart  func(w WorkerID)
	OnFinish func(w WorkerID, err error)

	postedAt time.Time
}

type HistoryItem struct {
	ID         uint64        `json:"id"`
	Name       string        `json:"name"`
	Worker     WorkerID      `json:"worker"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         uint64        `json:"id"`
	Name       string        `json:"name"`
	Worker     int           `json:"worker"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Panicked   bool          `json:"panicked,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Workers int `json:"workers"`
	Queued  int `json:"queued"`
	Busy    int `json:"busy"`

	Posted    uint64 `json:"posted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Panicked  uint64 `json:"panicked"`

	History []HistoryItem `json:"history,omitempty"`

	// Supervisor covers the worker goroutines ("worker.N"): restarts, panics, last error.
	Supervisor rtsup.Snapshot `json:"supervisor"`
}
