package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"pacer/internal/observability/pprof"
	"pacer/internal/task/scheduler"
)

var validLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true,
}

// Validate checks the config for structural errors. All problems are reported together.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if lvl := strings.ToLower(strings.TrimSpace(c.Logging.Level)); lvl != "" && !validLevels[lvl] {
		add(fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if lvl := strings.ToLower(strings.TrimSpace(c.Logging.Stderr.MinLevel)); lvl != "" && !validLevels[lvl] {
		add(fmt.Errorf("logging.stderr.min_level: unknown level %q", c.Logging.Stderr.MinLevel))
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when file logging is enabled"))
	}

	if c.Scheduler.Workers < 0 {
		add(errors.New("scheduler.workers must be >= 0"))
	}
	_, err := ParseDurationField("scheduler.min_period", c.Scheduler.MinPeriod)
	add(err)
	_, err = ParseDurationField("scheduler.failure_log_every", c.Scheduler.FailureLogEvery)
	add(err)
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add(errors.New("storage.path is required"))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		_, err = ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		add(err)
	}

	_, err = ParseDurationField("monitor.interval", c.Monitor.Interval)
	add(err)

	if c.Pprof.Enabled {
		add(validatePprof(c.Pprof))
	}

	seen := map[string]bool{}
	for i, j := range c.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		name := strings.TrimSpace(j.Name)
		if name == "" {
			add(fmt.Errorf("%s.name is required", path))
		} else if seen[name] {
			add(fmt.Errorf("%s.name: duplicate job %q", path, name))
		}
		seen[name] = true
		add(validateJob(path, j))
	}

	return errors.Join(errs...)
}

func validateJob(path string, j JobConfig) error {
	set := 0
	for _, v := range []string{j.Schedule, j.Delay, j.At} {
		if strings.TrimSpace(v) != "" {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%s: exactly one of schedule, delay or at is required", path)
	}
	if strings.TrimSpace(j.Schedule) != "" {
		if _, err := scheduler.ParseSchedule(j.Schedule); err != nil {
			return fmt.Errorf("%s.schedule: %w", path, err)
		}
	}
	if _, err := ParseDurationField(path+".delay", j.Delay); err != nil {
		return err
	}
	if at := strings.TrimSpace(j.At); at != "" {
		if _, err := time.Parse(time.RFC3339, at); err != nil {
			return fmt.Errorf("%s.at: %w", path, err)
		}
	}
	switch strings.ToLower(strings.TrimSpace(j.Action)) {
	case ActionLog, ActionFail, ActionPanic:
	case ActionSleep:
		if _, err := ParseDurationField(path+".sleep", j.Sleep); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%s.action: unknown action %q (use log, sleep, fail or panic)", path, j.Action)
	}
	return nil
}

func validatePprof(p PprofConfig) error {
	if err := pprof.CheckPrefix(p.Prefix); err != nil {
		return fmt.Errorf("pprof.prefix: %w", err)
	}
	addr := strings.TrimSpace(p.Addr)
	if addr == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("pprof.addr: %w", err)
	}
	loopback := host == "localhost"
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		loopback = true
	}
	if !loopback && strings.TrimSpace(p.Token) == "" && !p.AllowInsecure {
		return fmt.Errorf("pprof.addr %q is not loopback: set pprof.token or pprof.allow_insecure", addr)
	}
	for _, f := range []struct{ name, v string }{
		{"pprof.read_timeout", p.ReadTimeout},
		{"pprof.write_timeout", p.WriteTimeout},
		{"pprof.idle_timeout", p.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.name, f.v); err != nil {
			return err
		}
	}
	return nil
}
