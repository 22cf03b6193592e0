package scheduler

import (
	"container/heap"
	"fmt"
	"strings"
	"time"

	"pacer/internal/eventbus"
	logx "pacer/pkg/logx"
)

// SubmitDelayed runs p once after delay. A negative delay means "now".
func (s *Service) SubmitDelayed(p Payload, delay time.Duration, label string) TaskID {
	if delay < 0 {
		delay = 0
	}
	return s.submit(&item{payload: p, label: label, kind: KindOnce, fireAt: time.Now().Add(delay)})
}

// SubmitAt runs p once at the given instant. Past instants fire immediately.
func (s *Service) SubmitAt(p Payload, at time.Time, label string) TaskID {
	return s.submit(&item{payload: p, label: label, kind: KindOnce, fireAt: at})
}

// SubmitPeriodic runs p every period with fixed-delay semantics: the first run is
// one period from now, each following run one period after the previous dispatch,
// and never while the previous run is still executing. Periods below the
// configured minimum are raised to it.
func (s *Service) SubmitPeriodic(p Payload, period time.Duration, label string) TaskID {
	if period < s.cfg.MinPeriod {
		period = s.cfg.MinPeriod
	}
	return s.submit(&item{payload: p, label: label, kind: KindPeriodic, period: period, fireAt: time.Now().Add(period)})
}

// SubmitCron runs p on a cron schedule in the scheduler's timezone. The returned id
// stays valid for every occurrence; Cancel stops the whole chain.
func (s *Service) SubmitCron(p Payload, spec, label string) TaskID {
	id, err := s.SubmitCronE(p, spec, label)
	if err != nil {
		s.log.Warn("cron submission rejected", logx.String("label", label), logx.String("spec", spec), logx.Err(err))
	}
	return id
}

func (s *Service) SubmitCronE(p Payload, spec, label string) (TaskID, error) {
	spec = strings.TrimSpace(spec)
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return InvalidID, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, spec, err)
	}
	next := sched.Next(time.Now().In(s.loc))
	if next.IsZero() {
		return InvalidID, fmt.Errorf("%w: %q never fires", ErrInvalidSchedule, spec)
	}
	id := s.submit(&item{payload: p, label: label, kind: KindCron, sched: sched, spec: spec, fireAt: next})
	if id == InvalidID {
		return InvalidID, s.rejectErr(p)
	}
	return id, nil
}

// SubmitSchedule parses schedule (see ParseSchedule) and submits either a periodic
// task or a cron chain.
func (s *Service) SubmitSchedule(p Payload, schedule, label string) TaskID {
	id, err := s.SubmitScheduleE(p, schedule, label)
	if err != nil {
		s.log.Warn("schedule submission rejected", logx.String("label", label), logx.String("schedule", schedule), logx.Err(err))
	}
	return id
}

func (s *Service) SubmitScheduleE(p Payload, schedule, label string) (TaskID, error) {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return InvalidID, err
	}
	switch ps.Kind {
	case SpecCron:
		return s.SubmitCronE(p, ps.Cron, label)
	case SpecInterval:
		id := s.SubmitPeriodic(p, ps.Every, label)
		if id == InvalidID {
			return InvalidID, s.rejectErr(p)
		}
		return id, nil
	default:
		return InvalidID, fmt.Errorf("%w: unsupported kind", ErrInvalidSchedule)
	}
}

// Cancel prevents future occurrences of id. It reports true only the first time a
// task that can still run is cancelled; unknown, finished and already cancelled
// ids give false. A running payload is not interrupted.
func (s *Service) Cancel(id TaskID) bool {
	s.mu.Lock()
	if _, ok := s.live[id]; !ok {
		s.mu.Unlock()
		return false
	}
	if _, ok := s.cancelled[id]; ok {
		s.mu.Unlock()
		return false
	}
	s.cancelled[id] = struct{}{}
	s.counters.Cancelled++
	_, running := s.running[id]
	s.mu.Unlock()

	s.log.Debug("task cancelled", logx.Uint64("id", uint64(id)), logx.Bool("running", running))
	return true
}

func (s *Service) submit(it *item) TaskID {
	if it.payload == nil {
		s.log.Warn("submission rejected", logx.String("label", it.label), logx.Err(ErrNilPayload))
		s.reject(it)
		return InvalidID
	}

	s.mu.Lock()
	if s.state != StateRunning {
		s.counters.Rejected++
		s.mu.Unlock()
		s.log.Debug("submission rejected", logx.String("label", it.label), logx.Err(ErrStopped))
		s.publishRejected(it)
		return InvalidID
	}
	s.nextID++
	it.id = s.nextID
	s.seq++
	it.seq = s.seq
	heap.Push(&s.queue, it)
	s.live[it.id] = struct{}{}
	s.counters.Submitted++
	head := s.queue.peek() == it
	// Recurring items are rewritten by finish once they leave the lock.
	id, in := it.id, time.Until(it.fireAt)
	s.mu.Unlock()

	if head {
		s.signal()
	}
	s.log.Debug("task submitted",
		logx.Uint64("id", uint64(id)),
		logx.String("label", it.label),
		logx.String("kind", it.kind.String()),
		logx.Duration("in", in),
	)
	return id
}

func (s *Service) reject(it *item) {
	s.mu.Lock()
	s.counters.Rejected++
	s.mu.Unlock()
	s.publishRejected(it)
}

func (s *Service) rejectErr(p Payload) error {
	if p == nil {
		return ErrNilPayload
	}
	return ErrStopped
}

func (s *Service) publishRejected(it *item) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskRejected, Data: TaskInfo{Label: it.label, Kind: it.kind}})
}
