package scheduler

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"
)

// ListPending returns queued tasks in dispatch order. Cancelled tasks are omitted.
func (s *Service) ListPending() []PendingInfo {
	now := time.Now()
	s.mu.Lock()
	items := make([]*item, 0, len(s.queue))
	for _, it := range s.queue {
		if _, c := s.cancelled[it.id]; c {
			continue
		}
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return timerHeap(items).Less(i, j) })
	out := make([]PendingInfo, 0, len(items))
	for _, it := range items {
		out = append(out, PendingInfo{
			ID:            it.id,
			Label:         it.label,
			Periodic:      it.kind != KindOnce,
			TimeUntilFire: it.fireAt.Sub(now),
			Period:        it.period,
			Kind:          it.kind,
			Spec:          it.spec,
		})
	}
	s.mu.Unlock()
	return out
}

// ListRunning returns executing tasks ordered by worker index.
func (s *Service) ListRunning() []RunningInfo {
	s.mu.Lock()
	out := make([]RunningInfo, 0, len(s.running))
	for id, r := range s.running {
		out = append(out, RunningInfo{ID: id, Label: r.label, WorkerIndex: s.workers[r.worker], Started: r.started})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].WorkerIndex != out[j].WorkerIndex {
			return out[i].WorkerIndex < out[j].WorkerIndex
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ObservedWorkerCount is the number of distinct workers seen executing a task.
func (s *Service) ObservedWorkerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	state := s.state
	counters := s.counters
	observed := len(s.workers)
	sup := s.sup
	s.mu.Unlock()

	return Snapshot{
		State:           state.String(),
		Timezone:        s.loc.String(),
		ObservedWorkers: observed,
		Counters:        counters,
		Pending:         s.ListPending(),
		Running:         s.ListRunning(),
		Engine:          s.pool.Snapshot(),
		Dispatcher:      sup.Snapshot(),
	}
}

// DebugDump writes a human-readable view of the scheduler state to w.
func (s *Service) DebugDump(w io.Writer) error {
	snap := s.Snapshot()
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "state=%s tz=%s workers=%d observed=%d submitted=%d dispatched=%d cancelled=%d rejected=%d\n",
		snap.State, snap.Timezone, snap.Engine.Workers, snap.ObservedWorkers,
		snap.Counters.Submitted, snap.Counters.Dispatched, snap.Counters.Cancelled, snap.Counters.Rejected)

	fmt.Fprintf(tw, "pending (%d):\n", len(snap.Pending))
	fmt.Fprintln(tw, "  ID\tLABEL\tKIND\tIN\tPERIOD/SPEC")
	for _, p := range snap.Pending {
		every := "-"
		switch p.Kind {
		case KindPeriodic:
			every = p.Period.String()
		case KindCron:
			every = p.Spec
		}
		fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\t%s\n", p.ID, p.Label, p.Kind, p.TimeUntilFire.Round(time.Millisecond), every)
	}

	fmt.Fprintf(tw, "running (%d):\n", len(snap.Running))
	fmt.Fprintln(tw, "  WORKER\tID\tLABEL\tFOR")
	for _, r := range snap.Running {
		fmt.Fprintf(tw, "  %d\t%d\t%s\t%s\n", r.WorkerIndex, r.ID, r.Label, time.Since(r.Started).Round(time.Millisecond))
	}

	gs := snap.Goroutines()
	fmt.Fprintf(tw, "goroutines (%d):\n", len(gs))
	fmt.Fprintln(tw, "  NAME\tACTIVE\tRESTARTS\tPANICS\tLAST ERROR")
	for _, g := range gs {
		last := g.LastErr
		if last == "" {
			last = "-"
		}
		fmt.Fprintf(tw, "  %s\t%d\t%d\t%d\t%s\n", g.Name, g.Active, g.Restarts, g.Panics, last)
	}
	return tw.Flush()
}
