package engine

import (
	"context"
	"runtime/debug"
	"sync/atomic"
	"time"

	"pacer/internal/eventbus"
	logx "pacer/pkg/logx"
)

func (s *Service) worker(ctx context.Context, id WorkerID) error {
	for {
		if j, ok := s.next(); ok {
			s.execOne(ctx, id, j)
			continue
		}
		select {
		case <-s.wake:
		case <-s.closing:
			// Drain what was posted before Stop, then exit.
			for {
				j, ok := s.next()
				if !ok {
					return nil
				}
				s.execOne(ctx, id, j)
			}
		}
	}
}

func (s *Service) execOne(ctx context.Context, w WorkerID, j Job) {
	start := time.Now()
	queueDelay := start.Sub(j.postedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}

	atomic.AddInt32(&s.busy, 1)
	defer atomic.AddInt32(&s.busy, -1)

	if j.OnStart != nil {
		j.OnStart(w)
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskStarted, Time: start, Data: TaskEvent{ID: j.ID, Name: j.Name, Worker: int(w), Started: start, QueueDelay: queueDelay}})
	}

	err := runGuarded(ctx, j)
	dur := time.Since(start)

	if j.OnFinish != nil {
		j.OnFinish(w, err)
	}

	item := HistoryItem{ID: j.ID, Name: j.Name, Worker: w, Started: start, QueueDelay: queueDelay, Duration: dur}
	ev := TaskEvent{ID: j.ID, Name: j.Name, Worker: int(w), Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		atomic.AddUint64(&s.failed, 1)

		var stack string
		if pe, ok := err.(*PanicError); ok {
			atomic.AddUint64(&s.panicked, 1)
			ev.Panicked = true
			stack = pe.Stack
		}
		if s.allowFailureLog(j.Name) {
			if stack != "" {
				s.log.Error("task.panic", logx.String("task", j.Name), logx.Uint64("id", j.ID), logx.Int("worker", int(w)), logx.Err(err), logx.Stack(stack))
			} else {
				s.log.Warn("task.failed", logx.String("task", j.Name), logx.Uint64("id", j.ID), logx.Int("worker", int(w)), logx.Err(err), logx.Duration("dur", dur))
			}
		}
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Data: ev})
		}
	} else {
		atomic.AddUint64(&s.completed, 1)
		if dur >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("task", j.Name), logx.Uint64("id", j.ID), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		} else {
			s.log.Trace("task.completed", logx.String("task", j.Name), logx.Uint64("id", j.ID), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		}
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TaskFinished, Data: ev})
		}
	}
	s.record(item)
}

// runGuarded is the failure boundary: a panic becomes a *PanicError so one bad
// job can't kill its worker.
func runGuarded(ctx context.Context, j Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return j.Run(ctx)
}
