package engine

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"pacer/internal/eventbus"
	rtsup "pacer/internal/runtime/supervisor"
	logx "pacer/pkg/logx"
)

const (
	defaultHistorySize     = 200
	defaultFailureLogEvery = 5 * time.Second
)

// Service is a fixed-size worker pool fed by an unbounded FIFO.
//
// Post never blocks and never drops: when every worker is busy the job waits
// in the FIFO. Stop drains queued and in-flight jobs before returning.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	pending []Job
	wake    chan struct{}
	closing chan struct{}
	closed  bool
	sup     *rtsup.Supervisor

	busy      int32
	posted    uint64
	completed uint64
	failed    uint64
	panicked  uint64

	hmu     sync.Mutex
	history []HistoryItem

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.FailureLogEvery <= 0 {
		cfg.FailureLogEvery = defaultFailureLogEvery
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		wake:     make(chan struct{}, cfg.Workers),
		closing:  make(chan struct{}),
		limiters: map[string]*rate.Limiter{},
	}
}

// Workers returns the fixed pool size.
func (s *Service) Workers() int { return s.cfg.Workers }

// Start launches the workers. Start is idempotent; a stopped pool cannot be restarted.
//
// Jobs run with a context derived from ctx that is never canceled by the pool:
// cancellation is not preemption.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup != nil || s.closed {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup := s.sup
	s.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		id := WorkerID(i)
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(context.Context) error {
			return s.worker(runCtx, id)
		})
	}
	s.log.Info("worker pool started", logx.Int("workers", s.cfg.Workers))
}

// Post appends j to the FIFO. It fails only once Stop has begun.
func (s *Service) Post(j Job) error {
	if j.Run == nil {
		return ErrNilRun
	}
	j.postedAt = time.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStopped
	}
	s.pending = append(s.pending, j)
	s.mu.Unlock()

	atomic.AddUint64(&s.posted, 1)
	select {
	case s.wake <- struct{}{}:
	default:
		// Every worker already has a pending wakeup.
	}
	return nil
}

// Stop rejects further posts and waits until queued and in-flight jobs finished
// or ctx is done. Safe to call more than once.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()

	s.mu.Lock()
	first := !s.closed
	if first {
		s.closed = true
		close(s.closing)
	}
	sup := s.sup
	dropped := 0
	if sup == nil {
		dropped = len(s.pending)
		s.pending = nil
	}
	s.mu.Unlock()

	if sup == nil {
		if dropped > 0 {
			s.log.Warn("worker pool stopped before start; jobs dropped", logx.Int("dropped", dropped))
		}
		return nil
	}
	if err := sup.Wait(ctx); err != nil {
		s.log.Warn("worker pool stop timed out", logx.Err(err), logx.Int("busy", int(atomic.LoadInt32(&s.busy))))
		return err
	}
	sup.Cancel()
	if first {
		s.log.Info("worker pool stopped", logx.Duration("took", time.Since(start)))
	}
	return nil
}

func (s *Service) next() (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return Job{}, false
	}
	j := s.pending[0]
	s.pending[0] = Job{}
	s.pending = s.pending[1:]
	return j, true
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	queued := len(s.pending)
	sup := s.sup
	s.mu.Unlock()

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Workers:   s.cfg.Workers,
		Queued:    queued,
		Busy:      int(atomic.LoadInt32(&s.busy)),
		Posted:    atomic.LoadUint64(&s.posted),
		Completed: atomic.LoadUint64(&s.completed),
		Failed:    atomic.LoadUint64(&s.failed),
		Panicked:  atomic.LoadUint64(&s.panicked),
		History:   h,

		Supervisor: sup.Snapshot(),
	}
}

func (s *Service) record(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

// allowFailureLog throttles failure warnings per task name.
func (s *Service) allowFailureLog(name string) bool {
	s.limMu.Lock()
	defer s.limMu.Unlock()
	lim := s.limiters[name]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(s.cfg.FailureLogEvery), 1)
		s.limiters[name] = lim
	}
	return lim.Allow()
}
