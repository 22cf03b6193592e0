package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pacer/internal/config"
	"pacer/internal/task/scheduler"
	logx "pacer/pkg/logx"
)

// jobScheduler is the subset of the scheduler used to run configured jobs.
type jobScheduler interface {
	SubmitDelayed(p scheduler.Payload, delay time.Duration, label string) scheduler.TaskID
	SubmitAt(p scheduler.Payload, at time.Time, label string) scheduler.TaskID
	SubmitScheduleE(p scheduler.Payload, schedule, label string) (scheduler.TaskID, error)
	Cancel(id scheduler.TaskID) bool
}

// jobRunner keeps configured jobs submitted, one task per job name.
type jobRunner struct {
	mu    sync.Mutex
	sched jobScheduler
	log   logx.Logger

	jobs []config.JobConfig
	ids  map[string]scheduler.TaskID
}

func newJobRunner(sched jobScheduler, log logx.Logger) *jobRunner {
	return &jobRunner{sched: sched, log: log, ids: map[string]scheduler.TaskID{}}
}

// Apply reconciles submitted tasks with jobs: removed and changed jobs are
// cancelled, added and changed jobs are submitted.
func (r *jobRunner) Apply(jobs []config.JobConfig) config.JobChanges {
	r.mu.Lock()
	defer r.mu.Unlock()

	diff := config.DiffJobs(r.jobs, jobs)
	for _, name := range append(append([]string(nil), diff.Removed...), diff.Changed...) {
		id, ok := r.ids[name]
		if !ok {
			continue
		}
		delete(r.ids, name)
		if r.sched.Cancel(id) {
			r.log.Info("job cancelled", logx.String("job", name), logx.Uint64("id", uint64(id)))
		}
	}

	byName := make(map[string]config.JobConfig, len(jobs))
	for _, j := range jobs {
		byName[strings.TrimSpace(j.Name)] = j
	}
	for _, name := range append(append([]string(nil), diff.Added...), diff.Changed...) {
		j := byName[name]
		id, err := r.submit(j)
		if err != nil {
			r.log.Warn("job not scheduled", logx.String("job", name), logx.Err(err))
			continue
		}
		r.ids[name] = id
		r.log.Info("job scheduled", logx.String("job", name), logx.Uint64("id", uint64(id)), logx.String("action", j.Action))
	}

	r.jobs = append([]config.JobConfig(nil), jobs...)
	return diff
}

// IDs returns the task id of each scheduled job.
func (r *jobRunner) IDs() map[string]scheduler.TaskID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]scheduler.TaskID, len(r.ids))
	for k, v := range r.ids {
		out[k] = v
	}
	return out
}

func (r *jobRunner) submit(j config.JobConfig) (scheduler.TaskID, error) {
	name := strings.TrimSpace(j.Name)
	p, err := jobPayload(j, r.log.With(logx.String("job", name)))
	if err != nil {
		return scheduler.InvalidID, err
	}

	var id scheduler.TaskID
	switch {
	case strings.TrimSpace(j.Schedule) != "":
		return r.sched.SubmitScheduleE(p, j.Schedule, name)
	case strings.TrimSpace(j.At) != "":
		at, err := time.Parse(time.RFC3339, strings.TrimSpace(j.At))
		if err != nil {
			return scheduler.InvalidID, fmt.Errorf("at: %w", err)
		}
		id = r.sched.SubmitAt(p, at, name)
	default:
		d, err := parseDurationField("delay", j.Delay)
		if err != nil {
			return scheduler.InvalidID, err
		}
		id = r.sched.SubmitDelayed(p, d, name)
	}
	if id == scheduler.InvalidID {
		return id, scheduler.ErrStopped
	}
	return id, nil
}

var errJobFailed = errors.New("job failed")

// jobPayload builds the payload for a built-in action.
func jobPayload(j config.JobConfig, log logx.Logger) (scheduler.Payload, error) {
	msg := j.Message
	switch strings.ToLower(strings.TrimSpace(j.Action)) {
	case config.ActionLog:
		if msg == "" {
			msg = "tick"
		}
		return scheduler.ErrFunc(func(ctx context.Context) error {
			ti, _ := scheduler.TaskFromContext(ctx)
			log.Info(msg, logx.Uint64("id", uint64(ti.ID)))
			return nil
		}), nil
	case config.ActionSleep:
		d, err := parseDurationField("sleep", j.Sleep)
		if err != nil {
			return nil, err
		}
		return scheduler.ErrFunc(func(ctx context.Context) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}), nil
	case config.ActionFail:
		if msg == "" {
			msg = j.Name
		}
		return scheduler.ErrFunc(func(context.Context) error {
			return fmt.Errorf("%w: %s", errJobFailed, msg)
		}), nil
	case config.ActionPanic:
		if msg == "" {
			msg = "job " + j.Name + " panicked"
		}
		return scheduler.Func(func() { panic(msg) }), nil
	default:
		return nil, fmt.Errorf("unknown action %q", j.Action)
	}
}
