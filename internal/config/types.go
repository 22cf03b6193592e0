package config

// Config is the on-disk configuration (YAML or JSON).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Monitor   MonitorConfig   `json:"monitor"`
	Pprof     PprofConfig     `json:"pprof,omitempty"`
	Jobs      []JobConfig     `json:"jobs,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Stderr  LoggingStderr `json:"stderr"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingStderr mirrors high-severity records to stderr as compact JSON,
// rate limited so a failing job can't flood the terminal.
type LoggingStderr struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the scheduler and its worker pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: number of CPUs
//   - min_period: "1ms"
//   - timezone: local
//   - history_size: 200
//   - failure_log_every: "5s"
type SchedulerConfig struct {
	Workers         int    `json:"workers"`
	MinPeriod       string `json:"min_period,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
	HistorySize     int    `json:"history_size,omitempty"`
	FailureLogEvery string `json:"failure_log_every,omitempty"`
}

// StorageConfig controls run-history persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./pacer.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	MaxRuns     int    `json:"max_runs,omitempty"`
}

// MonitorConfig controls the log-based worker timeline.
type MonitorConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval,omitempty"` // default "1s"
	Columns  int    `json:"columns,omitempty"`  // default 60
}

// PprofConfig controls the optional debug HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// JobConfig declares a built-in job. Exactly one of Schedule, Delay or At is set.
//
//   - schedule: periodic ("10s", "02:30", "every:5m") or cron ("cron:0 3 * * *", "@hourly")
//   - delay: one-shot after a duration
//   - at: one-shot at an RFC 3339 timestamp
type JobConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule,omitempty"`
	Delay    string `json:"delay,omitempty"`
	At       string `json:"at,omitempty"`

	// Action is one of: log, sleep, fail, panic.
	Action  string `json:"action"`
	Message string `json:"message,omitempty"`
	Sleep   string `json:"sleep,omitempty"` // for action=sleep

	Disabled bool `json:"disabled,omitempty"`
}

// Job actions.
const (
	ActionLog   = "log"
	ActionSleep = "sleep"
	ActionFail  = "fail"
	ActionPanic = "panic"
)

// Default returns the configuration used for omitted keys.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Stderr:  LoggingStderr{MinLevel: "error", RatePerSec: 5},
		},
		Monitor: MonitorConfig{Interval: "1s", Columns: 60},
	}
}
