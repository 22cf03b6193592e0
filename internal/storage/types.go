package storage

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrDisabled = errors.New("storage disabled")

const defaultMaxRuns = 10000

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// MaxRuns bounds retained run records. <= 0 means 10000.
	MaxRuns int
}

// RunRecord is one finished task execution.
type RunRecord struct {
	ID         string        `json:"id"`
	TaskID     uint64        `json:"task_id"`
	Label      string        `json:"label"`
	Worker     int           `json:"worker"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	OK         bool          `json:"ok"`
	Panicked   bool          `json:"panicked,omitempty"`
	Error      string        `json:"error,omitempty"`
}

func (r *RunRecord) normalize() {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Started.IsZero() {
		r.Started = time.Now()
	}
}

func maxRuns(cfg Config) int {
	if cfg.MaxRuns <= 0 {
		return defaultMaxRuns
	}
	return cfg.MaxRuns
}
