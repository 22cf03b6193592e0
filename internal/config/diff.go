package config

import (
	"reflect"
	"sort"
	"strings"

	logx "pacer/pkg/logx"
)

// JobChanges lists jobs by name that differ between two configs.
type JobChanges struct {
	Added   []string
	Removed []string
	Changed []string
}

func (c JobChanges) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Changed) == 0
}

// SummarizeConfigChange returns (1) a sorted list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the job-level diff.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, JobChanges) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.stderr_enabled", newCfg.Logging.Stderr.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.min_period", strings.TrimSpace(newCfg.Scheduler.MinPeriod)),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if oldCfg.Monitor != newCfg.Monitor {
		changed = append(changed, "monitor")
		attrs = append(attrs,
			logx.Bool("monitor.enabled", newCfg.Monitor.Enabled),
			logx.String("monitor.interval", strings.TrimSpace(newCfg.Monitor.Interval)),
		)
	}

	// Pprof (never log token)
	if oldCfg.Pprof != newCfg.Pprof {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
		)
	}

	jobs := DiffJobs(oldCfg.Jobs, newCfg.Jobs)
	if !jobs.Empty() {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.added", len(jobs.Added)),
			logx.Int("jobs.removed", len(jobs.Removed)),
			logx.Int("jobs.changed", len(jobs.Changed)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, jobs
}

// DiffJobs compares job lists by name. Disabling a job counts as removing it.
func DiffJobs(oldJobs, newJobs []JobConfig) JobChanges {
	index := func(js []JobConfig) map[string]JobConfig {
		m := make(map[string]JobConfig, len(js))
		for _, j := range js {
			if j.Disabled {
				continue
			}
			m[strings.TrimSpace(j.Name)] = j
		}
		return m
	}
	om, nm := index(oldJobs), index(newJobs)

	var out JobChanges
	for name, nj := range nm {
		oj, ok := om[name]
		switch {
		case !ok:
			out.Added = append(out.Added, name)
		case hashJob(oj) != hashJob(nj):
			out.Changed = append(out.Changed, name)
		}
	}
	for name := range om {
		if _, ok := nm[name]; !ok {
			out.Removed = append(out.Removed, name)
		}
	}
	sort.Strings(out.Added)
	sort.Strings(out.Removed)
	sort.Strings(out.Changed)
	return out
}
