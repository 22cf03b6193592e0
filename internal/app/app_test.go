package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pacer/internal/config"
	"pacer/internal/eventbus"
	"pacer/internal/storage"
	"pacer/internal/task/engine"
	"pacer/internal/task/scheduler"
	logx "pacer/pkg/logx"
)

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newScheduler(t *testing.T) *scheduler.Service {
	t.Helper()
	s := scheduler.New(scheduler.Config{Workers: 2}, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func TestJobRunnerReconcile(t *testing.T) {
	t.Parallel()
	s := newScheduler(t)
	r := newJobRunner(s, logx.Nop())

	r.Apply([]config.JobConfig{
		{Name: "a", Schedule: "1h", Action: config.ActionLog},
		{Name: "b", Delay: "1h", Action: config.ActionLog},
	})
	first := r.IDs()
	if len(first) != 2 || first["a"] == scheduler.InvalidID || first["b"] == scheduler.InvalidID {
		t.Fatalf("ids = %v", first)
	}

	diff := r.Apply([]config.JobConfig{
		{Name: "a", Schedule: "2h", Action: config.ActionLog},
		{Name: "c", Delay: "1h", Action: config.ActionSleep, Sleep: "1ms"},
	})
	if strings.Join(diff.Added, ",") != "c" || strings.Join(diff.Removed, ",") != "b" || strings.Join(diff.Changed, ",") != "a" {
		t.Fatalf("diff = %+v", diff)
	}
	second := r.IDs()
	if _, ok := second["b"]; ok {
		t.Fatal("removed job still tracked")
	}
	if second["a"] == first["a"] {
		t.Fatal("changed job kept its old task")
	}

	pending := s.ListPending()
	if len(pending) != 2 {
		t.Fatalf("pending = %+v, want 2", pending)
	}
	labels := map[string]bool{}
	for _, p := range pending {
		labels[p.Label] = true
	}
	if !labels["a"] || !labels["c"] {
		t.Fatalf("pending labels = %v", labels)
	}
}

func TestJobRunnerAfterStop(t *testing.T) {
	t.Parallel()
	s := scheduler.New(scheduler.Config{Workers: 1}, logx.Nop(), nil)
	s.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	r := newJobRunner(s, logx.Nop())
	r.Apply([]config.JobConfig{
		{Name: "late", Delay: "1s", Action: config.ActionLog},
		{Name: "late-periodic", Schedule: "1s", Action: config.ActionLog},
	})
	if ids := r.IDs(); len(ids) != 0 {
		t.Fatalf("ids = %v, want none after stop", ids)
	}
}

func TestJobPayloadActions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	p, err := jobPayload(config.JobConfig{Name: "l", Action: "log"}, logx.Nop())
	if err != nil || p.Run(ctx) != nil {
		t.Fatalf("log: %v", err)
	}

	p, err = jobPayload(config.JobConfig{Name: "s", Action: "sleep", Sleep: "5ms"}, logx.Nop())
	if err != nil {
		t.Fatalf("sleep: %v", err)
	}
	start := time.Now()
	if err := p.Run(ctx); err != nil || time.Since(start) < 5*time.Millisecond {
		t.Fatalf("sleep run: %v after %v", err, time.Since(start))
	}

	p, _ = jobPayload(config.JobConfig{Name: "f", Action: "fail", Message: "disk full"}, logx.Nop())
	if err := p.Run(ctx); !errors.Is(err, errJobFailed) || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("fail run = %v", err)
	}

	p, _ = jobPayload(config.JobConfig{Name: "p", Action: "panic"}, logx.Nop())
	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("panic action did not panic")
			}
		}()
		_ = p.Run(ctx)
	}()

	if _, err := jobPayload(config.JobConfig{Name: "x", Action: "explode"}, logx.Nop()); err == nil {
		t.Fatal("unknown action accepted")
	}
}

func TestRunRecord(t *testing.T) {
	t.Parallel()
	started := time.Now()
	ev := engine.TaskEvent{ID: 7, Name: "tick", Worker: 1, Started: started, Duration: time.Millisecond, Panicked: true, Error: "boom"}

	rec, ok := runRecord(eventbus.Event{Type: eventbus.TaskFailed, Data: ev})
	if !ok || rec.TaskID != 7 || rec.Label != "tick" || rec.OK || !rec.Panicked || rec.Error != "boom" || !rec.Started.Equal(started) {
		t.Fatalf("failed record = %+v", rec)
	}
	rec, ok = runRecord(eventbus.Event{Type: eventbus.TaskFinished, Data: engine.TaskEvent{ID: 8}})
	if !ok || !rec.OK {
		t.Fatalf("finished record = %+v", rec)
	}
	if _, ok := runRecord(eventbus.Event{Type: eventbus.TaskStarted, Data: ev}); ok {
		t.Fatal("started event recorded")
	}
	if _, ok := runRecord(eventbus.Event{Type: eventbus.TaskFinished, Data: "junk"}); ok {
		t.Fatal("foreign payload recorded")
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		sc      *config.StorageConfig
		enabled bool
		driver  string
		wantErr bool
	}{
		{"nil", nil, false, "", false},
		{"none", &config.StorageConfig{Driver: "none"}, false, "", false},
		{"file", &config.StorageConfig{Driver: "file", Path: "runs"}, true, "file", false},
		{"sqlite", &config.StorageConfig{Driver: "SQLite", Path: "p.db"}, true, "sqlite", false},
		{"no path", &config.StorageConfig{Driver: "file"}, false, "", true},
		{"bad busy", &config.StorageConfig{Driver: "sqlite", Path: "p.db", BusyTimeout: "soon"}, false, "", true},
		{"unknown", &config.StorageConfig{Driver: "redis", Path: "x"}, false, "", true},
	}
	for _, tt := range tests {
		cfg := config.Default()
		cfg.Storage = tt.sc
		sc, enabled, err := mapStorageConfig(cfg)
		if (err != nil) != tt.wantErr || enabled != tt.enabled || sc.Driver != tt.driver {
			t.Fatalf("%s: got (%+v, %v, %v)", tt.name, sc, enabled, err)
		}
	}
}

func TestMapSchedulerConfig(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Scheduler = config.SchedulerConfig{Workers: 3, MinPeriod: "5ms", Timezone: "UTC", FailureLogEvery: "1s"}
	sc, err := mapSchedulerConfig(cfg)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if sc.Workers != 3 || sc.MinPeriod != 5*time.Millisecond || sc.Timezone != "UTC" || sc.FailureLogEvery != time.Second {
		t.Fatalf("scheduler config = %+v", sc)
	}
	cfg.Scheduler.MinPeriod = "often"
	if _, err := mapSchedulerConfig(cfg); err == nil {
		t.Fatal("bad min_period accepted")
	}
}

const appYAML = `
logging:
  level: error
  console: false
scheduler:
  workers: 2
storage:
  driver: file
  path: %s
monitor:
  enabled: true
  interval: 10ms
  columns: 5
jobs:
  - name: tick
    schedule: "every:20ms"
    action: log
  - name: boom
    delay: 10ms
    action: fail
    message: expected
`

func TestAppRecordsRuns(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "pacer.yaml")
	body := strings.Replace(appYAML, "%s", filepath.Join(dir, "runs"), 1)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	a, err := NewApp(p)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var failed, ok int
	waitFor(t, 5*time.Second, "run history", func() bool {
		runs, err := a.Store().RecentRuns(context.Background(), 100)
		if err != nil {
			t.Fatalf("RecentRuns: %v", err)
		}
		failed, ok = 0, 0
		for _, r := range runs {
			switch {
			case r.Label == "boom" && !r.OK:
				failed++
			case r.Label == "tick" && r.OK:
				ok++
			}
		}
		return failed == 1 && ok >= 3
	})

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if st := a.Scheduler().State(); st != scheduler.StateStopped {
		t.Fatalf("state = %v, want stopped", st)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}

	// History survives the process.
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "runs")}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	runs, err := st.RecentRuns(context.Background(), 100)
	if err != nil || len(runs) < failed+ok {
		t.Fatalf("reopened runs = %d (%v), want >= %d", len(runs), err, failed+ok)
	}
}

func TestApplyConfigReconcilesJobs(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "pacer.yaml")
	if err := os.WriteFile(p, []byte("logging:\n  level: error\njobs:\n  - name: a\n    schedule: 1h\n    action: log\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	a, err := NewApp(p)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	}()

	oldCfg := a.cfgm.Get()
	newCfg := *oldCfg
	newCfg.Jobs = []config.JobConfig{{Name: "b", Schedule: "2h", Action: config.ActionLog}}
	a.applyConfig(context.Background(), oldCfg, &newCfg)

	pending := a.Scheduler().ListPending()
	if len(pending) != 1 || pending[0].Label != "b" || pending[0].Period != 2*time.Hour {
		t.Fatalf("pending = %+v", pending)
	}
}
