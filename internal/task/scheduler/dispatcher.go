package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"time"

	"pacer/internal/eventbus"
	"pacer/internal/task/engine"
	logx "pacer/pkg/logx"
)

// dispatch is the only goroutine that pops from the queue.
func (s *Service) dispatch(ctx context.Context) error {
	for {
		due, dropped, wait, ok := s.collectDue(time.Now())
		if !ok {
			return nil
		}
		for _, it := range dropped {
			s.log.Debug("cancelled task discarded", logx.Uint64("id", uint64(it.id)), logx.String("label", it.label))
			if s.bus != nil {
				s.bus.Publish(eventbus.Event{Type: eventbus.TaskCancelled, Data: TaskInfo{ID: it.id, Label: it.label, Kind: it.kind}})
			}
		}
		for _, it := range due {
			s.post(it)
		}

		var timer *time.Timer
		var timerC <-chan time.Time
		if wait >= 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
		select {
		case <-s.wake:
		case <-timerC:
		case <-s.stopCh:
		case <-ctx.Done():
			// Owner context gone: stop accepting work so Stop only has to drain.
			s.beginStop()
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// collectDue pops every item due at now. wait is the time until the next head is
// due, or -1 when the queue is empty. ok is false once stopping began.
func (s *Service) collectDue(now time.Time) (due, dropped []*item, wait time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return nil, nil, 0, false
	}
	wait = -1
	for {
		head := s.queue.peek()
		if head == nil {
			break
		}
		if head.fireAt.After(now) {
			wait = head.fireAt.Sub(now)
			break
		}
		heap.Pop(&s.queue)
		if _, c := s.cancelled[head.id]; c {
			delete(s.cancelled, head.id)
			delete(s.live, head.id)
			dropped = append(dropped, head)
			continue
		}
		if head.kind == KindOnce {
			delete(s.live, head.id)
		}
		s.counters.Dispatched++
		due = append(due, head)
	}
	return due, dropped, wait, true
}

func (s *Service) post(it *item) {
	dispatchedAt := time.Now()
	job := engine.Job{
		ID:   uint64(it.id),
		Name: it.displayName(),
		Run: func(ctx context.Context) error {
			return it.payload.Run(withTask(ctx, it))
		},
		OnStart: func(w engine.WorkerID) {
			s.markRunning(it, w)
		},
		OnFinish: func(engine.WorkerID, error) {
			s.finish(it, dispatchedAt)
		},
	}
	if err := s.pool.Post(job); err != nil {
		s.log.Warn("task dropped; worker pool unavailable", logx.Uint64("id", uint64(it.id)), logx.String("label", it.label), logx.Err(err))
		s.mu.Lock()
		delete(s.live, it.id)
		delete(s.cancelled, it.id)
		s.mu.Unlock()
	}
}

func (s *Service) markRunning(it *item, w engine.WorkerID) {
	s.mu.Lock()
	if _, ok := s.workers[w]; !ok {
		s.workers[w] = len(s.workers)
	}
	s.running[it.id] = runningEntry{label: it.label, worker: w, started: time.Now()}
	s.mu.Unlock()
}

// finish unregisters a completed run and, for recurring tasks, queues the next
// occurrence. Failed runs are rescheduled like successful ones.
func (s *Service) finish(it *item, dispatchedAt time.Time) {
	s.mu.Lock()
	delete(s.running, it.id)
	if it.kind == KindOnce {
		s.mu.Unlock()
		return
	}
	if _, c := s.cancelled[it.id]; c {
		delete(s.cancelled, it.id)
		delete(s.live, it.id)
		s.mu.Unlock()
		s.log.Debug("recurring task not rescheduled; cancelled", logx.Uint64("id", uint64(it.id)), logx.String("label", it.label))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TaskCancelled, Data: TaskInfo{ID: it.id, Label: it.label, Kind: it.kind}})
		}
		return
	}
	if s.state != StateRunning {
		delete(s.live, it.id)
		s.mu.Unlock()
		return
	}

	switch it.kind {
	case KindPeriodic:
		it.fireAt = dispatchedAt.Add(it.period)
	case KindCron:
		next := it.sched.Next(time.Now().In(s.loc))
		if next.IsZero() {
			delete(s.live, it.id)
			s.mu.Unlock()
			s.log.Info("cron schedule exhausted", logx.Uint64("id", uint64(it.id)), logx.String("spec", it.spec))
			return
		}
		it.fireAt = next
	}
	s.seq++
	it.seq = s.seq
	heap.Push(&s.queue, it)
	head := s.queue.peek() == it
	s.mu.Unlock()

	if head {
		s.signal()
	}
}

func (it *item) displayName() string {
	if it.label != "" {
		return it.label
	}
	return fmt.Sprintf("task-%d", it.id)
}
