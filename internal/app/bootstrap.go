package app

import (
	"time"

	"pacer/internal/config"
	"pacer/internal/monitor"
	"pacer/internal/observability/pprof"
	"pacer/internal/task/scheduler"
	logx "pacer/pkg/logx"
)

// ---- Config ----

type Config = config.Config

type ConfigManager = config.ConfigManager

var NewConfigManager = config.NewConfigManager

var SummarizeConfigChange = config.SummarizeConfigChange

func parseDurationField(path, raw string) (time.Duration, error) {
	return config.ParseDurationField(path, raw)
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}

// ---- Mapping: file config -> component config ----

func mapLogConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Stderr.Enabled,
			MinLevel:   cfg.Logging.Stderr.MinLevel,
			RatePerSec: cfg.Logging.Stderr.RatePerSec,
		},
	}
}

func mapSchedulerConfig(cfg *Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	minPeriod, err := parseDurationField("scheduler.min_period", sc.MinPeriod)
	if err != nil {
		return scheduler.Config{}, err
	}
	failEvery, err := parseDurationField("scheduler.failure_log_every", sc.FailureLogEvery)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Workers:         sc.Workers,
		MinPeriod:       minPeriod,
		Timezone:        sc.Timezone,
		HistorySize:     sc.HistorySize,
		FailureLogEvery: failEvery,
	}, nil
}

func mapMonitorConfig(cfg *Config) (monitor.Config, bool, error) {
	mc := cfg.Monitor
	interval, err := parseDurationOrDefault("monitor.interval", mc.Interval, time.Second)
	if err != nil {
		return monitor.Config{}, false, err
	}
	return monitor.Config{Interval: interval, Columns: mc.Columns}, mc.Enabled, nil
}

func mapPprofConfig(cfg *Config) (pprof.Config, error) {
	pc := cfg.Pprof
	read, err := parseDurationOrDefault("pprof.read_timeout", pc.ReadTimeout, 5*time.Second)
	if err != nil {
		return pprof.Config{}, err
	}
	// CPU profiles and traces stream for their full ?seconds= window.
	write, err := parseDurationOrDefault("pprof.write_timeout", pc.WriteTimeout, 60*time.Second)
	if err != nil {
		return pprof.Config{}, err
	}
	idle, err := parseDurationOrDefault("pprof.idle_timeout", pc.IdleTimeout, 60*time.Second)
	if err != nil {
		return pprof.Config{}, err
	}
	return pprof.Config{
		Enabled:              pc.Enabled,
		Addr:                 pc.Addr,
		Prefix:               pc.Prefix,
		Token:                pc.Token,
		AllowInsecure:        pc.AllowInsecure,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: pc.MutexProfileFraction,
		BlockProfileRate:     pc.BlockProfileRate,
		MemProfileRate:       pc.MemProfileRate,
	}, nil
}
