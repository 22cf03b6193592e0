package scheduler

import (
	"context"
	"fmt"
	"time"

	rtsup "pacer/internal/runtime/supervisor"
	"pacer/internal/task/engine"
)

// TaskID identifies a submitted task for the scheduler's lifetime. IDs are never reused.
type TaskID uint64

// InvalidID is returned when a submission is rejected.
const InvalidID TaskID = 0

// Payload is a unit of work. A returned error (or a panic) is logged and recorded
// but never reaches the dispatcher or the submitter.
type Payload interface {
	Run(ctx context.Context) error
}

// Func adapts a plain function to Payload.
type Func func()

func (f Func) Run(context.Context) error {
	f()
	return nil
}

// ErrFunc adapts a context-aware, error-returning function to Payload.
type ErrFunc func(ctx context.Context) error

func (f ErrFunc) Run(ctx context.Context) error { return f(ctx) }

// Config controls the scheduler and its worker pool.
type Config struct {
	Workers int // <= 0 means runtime.NumCPU()

	// MinPeriod is the floor applied to periodic submissions. Default 1ms.
	MinPeriod time.Duration

	Timezone        string // IANA TZ for cron schedules, e.g. "Europe/Berlin"
	HistorySize     int
	FailureLogEvery time.Duration
}

func (c Config) engineConfig() engine.Config {
	return engine.Config{
		Workers:         c.Workers,
		HistorySize:     c.HistorySize,
		FailureLogEvery: c.FailureLogEvery,
	}
}

type State int32

const (
	StateRunning State = iota
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Kind describes how a task recurs.
type Kind int

const (
	KindOnce Kind = iota
	KindPeriodic
	KindCron
)

func (k Kind) String() string {
	switch k {
	case KindOnce:
		return "once"
	case KindPeriodic:
		return "periodic"
	case KindCron:
		return "cron"
	default:
		return "unknown"
	}
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "once":
		*k = KindOnce
	case "periodic":
		*k = KindPeriodic
	case "cron":
		*k = KindCron
	default:
		return fmt.Errorf("unknown task kind %q", b)
	}
	return nil
}

// PendingInfo describes a queued task. TimeUntilFire is negative for overdue items.
type PendingInfo struct {
	ID            TaskID        `json:"id"`
	Label         string        `json:"label,omitempty"`
	Periodic      bool          `json:"periodic"`
	TimeUntilFire time.Duration `json:"time_until_fire"`
	Period        time.Duration `json:"period,omitempty"`
	Kind          Kind          `json:"kind"`
	Spec          string        `json:"spec,omitempty"`
}

// RunningInfo describes an executing task. WorkerIndex is the stable display index
// of the worker, in [0, ObservedWorkerCount()).
type RunningInfo struct {
	ID          TaskID    `json:"id"`
	Label       string    `json:"label,omitempty"`
	WorkerIndex int       `json:"worker_index"`
	Started     time.Time `json:"started"`
}

type Counters struct {
	Submitted  uint64 `json:"submitted"`
	Rejected   uint64 `json:"rejected"`
	Dispatched uint64 `json:"dispatched"`
	Cancelled  uint64 `json:"cancelled"`
}

// Snapshot is a point-in-time view for monitors and debug endpoints.
type Snapshot struct {
	State           string          `json:"state"`
	Timezone        string          `json:"timezone"`
	ObservedWorkers int             `json:"observed_workers"`
	Counters        Counters        `json:"counters"`
	Pending         []PendingInfo   `json:"pending"`
	Running         []RunningInfo   `json:"running"`
	Engine          engine.Snapshot `json:"engine"`

	// Dispatcher is the supervisor view of the dispatcher goroutine.
	Dispatcher rtsup.Snapshot `json:"dispatcher"`
}

// Goroutines lists the dispatcher and worker goroutines together.
func (s Snapshot) Goroutines() []rtsup.GoroutineStats {
	out := make([]rtsup.GoroutineStats, 0, len(s.Dispatcher.Goroutines)+len(s.Engine.Supervisor.Goroutines))
	out = append(out, s.Dispatcher.Goroutines...)
	return append(out, s.Engine.Supervisor.Goroutines...)
}
