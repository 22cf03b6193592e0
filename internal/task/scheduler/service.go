package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pacer/internal/eventbus"
	rtsup "pacer/internal/runtime/supervisor"
	"pacer/internal/task/engine"
	logx "pacer/pkg/logx"
)

const defaultMinPeriod = time.Millisecond

type runningEntry struct {
	label   string
	worker  engine.WorkerID
	started time.Time
}

// Service is the time-ordered scheduler. Create it with New, then Start it.
type Service struct {
	// mu guards everything below up to the counters, including the heap.
	mu    sync.Mutex
	state State
	queue timerHeap
	seq   uint64
	// nextID is the last id handed out.
	nextID TaskID

	// live holds every id that may still run in the future: queued items and
	// in-flight periodic/cron items.
	live      map[TaskID]struct{}
	cancelled map[TaskID]struct{}
	running   map[TaskID]runningEntry
	workers   map[engine.WorkerID]int
	counters  Counters

	cfg    Config
	loc    *time.Location
	parser cron.Parser
	log    logx.Logger
	bus    eventbus.Bus
	pool   *engine.Service

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	sup      *rtsup.Supervisor
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.MinPeriod <= 0 {
		cfg.MinPeriod = defaultMinPeriod
	}
	s := &Service{
		state:     StateRunning,
		live:      map[TaskID]struct{}{},
		cancelled: map[TaskID]struct{}{},
		running:   map[TaskID]runningEntry{},
		workers:   map[engine.WorkerID]int{},
		cfg:       cfg,
		log:       log,
		bus:       bus,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
	s.loc = s.loadLocation()
	s.pool = engine.New(cfg.engineConfig(), log.With(logx.String("comp", "engine")), bus)
	return s
}

// Run is New followed by Start.
func Run(ctx context.Context, cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	s := New(cfg, log, bus)
	s.Start(ctx)
	return s
}

// Start launches the worker pool and the dispatcher. Tasks submitted before Start
// are kept and dispatched once it runs.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup != nil || s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup := s.sup
	pending := s.queue.Len()
	s.mu.Unlock()

	s.pool.Start(ctx)
	sup.GoRestart("scheduler.dispatcher", s.dispatch)
	s.log.Info("service started",
		logx.Int("workers", s.pool.Workers()),
		logx.String("tz", s.loc.String()),
		logx.Int("pending", pending),
	)
}

// Stop stops the dispatcher and waits for in-flight payloads to finish.
// Submissions are rejected from the first call on. Safe to call concurrently
// and more than once; every caller waits (bounded by ctx).
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	if s.beginStop() {
		s.log.Info("stop requested")
	}

	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()

	if sup != nil {
		if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
			return err
		}
	}
	if err := s.pool.Stop(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	already := s.state == StateStopped
	s.state = StateStopped
	dropped := 0
	for _, it := range s.queue {
		if _, ok := s.cancelled[it.id]; !ok {
			dropped++
		}
	}
	s.queue = nil
	s.live = map[TaskID]struct{}{}
	s.cancelled = map[TaskID]struct{}{}
	s.mu.Unlock()

	if !already {
		s.log.Info("service stopped", logx.Duration("took", time.Since(start)), logx.Int("dropped_pending", dropped))
	}
	return nil
}

// beginStop flips Running to Stopping and wakes the dispatcher. It reports whether
// this call made the transition.
func (s *Service) beginStop() bool {
	first := false
	s.stopOnce.Do(func() {
		s.mu.Lock()
		if s.state == StateRunning {
			s.state = StateStopping
		}
		s.mu.Unlock()
		close(s.stopCh)
		first = true
	})
	return first
}

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Workers returns the worker pool size.
func (s *Service) Workers() int { return s.pool.Workers() }

// Location is the timezone used for cron schedules.
func (s *Service) Location() *time.Location { return s.loc }

func (s *Service) loadLocation() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
