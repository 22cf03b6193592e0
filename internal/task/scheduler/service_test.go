package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "pacer/pkg/logx"
)

func newTestScheduler(t *testing.T, workers int) *Service {
	t.Helper()
	s := Run(context.Background(), Config{Workers: workers}, logx.Nop(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", d)
}

type recorder struct {
	mu    sync.Mutex
	order []string
	times []time.Time
}

func (r *recorder) add(label string) {
	r.mu.Lock()
	r.order = append(r.order, label)
	r.times = append(r.times, time.Now())
	r.mu.Unlock()
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

func (r *recorder) snapshot() ([]string, []time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...), append([]time.Time(nil), r.times...)
}

func TestDispatchFollowsFireTime(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, 1)
	var rec recorder

	s.SubmitDelayed(Func(func() { rec.add("B") }), 80*time.Millisecond, "B")
	s.SubmitDelayed(Func(func() { rec.add("A") }), 40*time.Millisecond, "A")
	s.SubmitDelayed(Func(func() { rec.add("C") }), 120*time.Millisecond, "C")

	waitFor(t, 2*time.Second, func() bool { return rec.len() == 3 })
	order, _ := rec.snapshot()
	if got := strings.Join(order, ""); got != "ABC" {
		t.Fatalf("order = %s, want ABC", got)
	}
}

func TestEqualFireTimeKeepsSubmissionOrder(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, 1)
	var rec recorder

	at := time.Now().Add(30 * time.Millisecond)
	labels := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, l := range labels {
		l := l
		s.SubmitAt(Func(func() { rec.add(l) }), at, l)
	}
	waitFor(t, 2*time.Second, func() bool { return rec.len() == len(labels) })
	order, _ := rec.snapshot()
	if got, want := strings.Join(order, ""), strings.Join(labels, ""); got != want {
		t.Fatalf("order = %s, want %s", got, want)
	}
}

func TestPeriodicIsFixedDelay(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, 4)
	var rec recorder

	id := s.SubmitPeriodic(Func(func() {
		rec.add("p")
		time.Sleep(150 * time.Millisecond)
	}), 100*time.Millisecond, "slow")
	if id == InvalidID {
		t.Fatal("SubmitPeriodic returned InvalidID")
	}

	waitFor(t, 3*time.Second, func() bool { return rec.len() >= 5 })
	s.Cancel(id)

	_, times := rec.snapshot()
	for i := 1; i < 5; i++ {
		if gap := times[i].Sub(times[i-1]); gap < 150*time.Millisecond {
			t.Fatalf("gap[%d] = %s, want >= 150ms", i, gap)
		}
	}
}

func TestCancelBeforeFire(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, 2)
	var ran atomic.Bool

	id := s.SubmitDelayed(Func(func() { ran.Store(true) }), 200*time.Millisecond, "doomed")
	time.Sleep(50 * time.Millisecond)
	if !s.Cancel(id) {
		t.Fatal("Cancel = false, want true")
	}
	for _, p := range s.ListPending() {
		if p.ID == id {
			t.Fatalf("cancelled task still pending: %+v", p)
		}
	}
	time.Sleep(300 * time.Millisecond)
	if ran.Load() {
		t.Fatal("cancelled task executed")
	}
}

func TestCancelDuringExecution(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, 2)

	var runs, completed atomic.Int32
	started := make(chan struct{}, 4)
	id := s.SubmitPeriodic(Func(func() {
		runs.Add(1)
		started <- struct{}{}
		time.Sleep(300 * time.Millisecond)
		completed.Add(1)
	}), 20*time.Millisecond, "long")

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("periodic task never started")
	}
	if !s.Cancel(id) {
		t.Fatal("Cancel = false, want true")
	}
	waitFor(t, 2*time.Second, func() bool { return completed.Load() == 1 })
	time.Sleep(150 * time.Millisecond)

	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
	for _, p := range s.ListPending() {
		if p.ID == id {
			t.Fatalf("cancelled periodic task rescheduled: %+v", p)
		}
	}
	if s.Cancel(id) {
		t.Fatal("Cancel after chain ended = true, want false")
	}
}

func TestSubmitAfterStopReturnsInvalidID(t *testing.T) {
	t.Parallel()
	s := Run(context.Background(), Config{Workers: 1}, logx.Nop(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if id := s.SubmitDelayed(Func(func() {}), time.Millisecond, "late"); id != InvalidID {
		t.Fatalf("SubmitDelayed after Stop = %d, want InvalidID", id)
	}
	if id := s.SubmitPeriodic(Func(func() {}), time.Second, "late"); id != InvalidID {
		t.Fatalf("SubmitPeriodic after Stop = %d, want InvalidID", id)
	}
	if _, err := s.SubmitScheduleE(Func(func() {}), "1m", "late"); !errors.Is(err, ErrStopped) {
		t.Fatalf("SubmitScheduleE after Stop = %v, want ErrStopped", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if st := s.State(); st != StateStopped {
		t.Fatalf("State = %s, want stopped", st)
	}
}

func TestIntrospectionWhileRunning(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, 3)

	release := make(chan struct{})
	s.SubmitDelayed(Func(func() { <-release }), time.Millisecond, "X")

	waitFor(t, 2*time.Second, func() bool { return len(s.ListRunning()) == 1 })
	running := s.ListRunning()
	if running[0].Label != "X" {
		t.Fatalf("running label = %q, want X", running[0].Label)
	}
	if idx, n := running[0].WorkerIndex, s.ObservedWorkerCount(); idx < 0 || idx >= n {
		t.Fatalf("WorkerIndex = %d, want in [0,%d)", idx, n)
	}

	close(release)
	waitFor(t, 2*time.Second, func() bool { return len(s.ListRunning()) == 0 })
}

func TestCancelIsIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, 1)

	id := s.SubmitDelayed(Func(func() {}), time.Hour, "later")
	if !s.Cancel(id) {
		t.Fatal("first Cancel = false, want true")
	}
	if s.Cancel(id) {
		t.Fatal("second Cancel = true, want false")
	}
	if s.Cancel(TaskID(9999)) {
		t.Fatal("Cancel(unknown) = true, want false")
	}
}

func TestCancelAfterOneShotFiredReturnsFalse(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, 1)

	done := make(chan struct{})
	id := s.SubmitDelayed(Func(func() { close(done) }), 0, "quick")
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
	if s.Cancel(id) {
		t.Fatal("Cancel(fired) = true, want false")
	}
}

func TestPanickingPeriodicKeepsRunning(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, 1)

	var runs atomic.Int32
	s.SubmitPeriodic(Func(func() {
		runs.Add(1)
		panic("boom")
	}), 10*time.Millisecond, "panicky")

	waitFor(t, 2*time.Second, func() bool { return s.Snapshot().Engine.Panicked >= 3 })
	if got := runs.Load(); got < 3 {
		t.Fatalf("runs = %d, want >= 3", got)
	}
}

func TestFailingPayloadIsRescheduled(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, 1)

	var runs atomic.Int32
	s.SubmitPeriodic(ErrFunc(func(context.Context) error {
		runs.Add(1)
		return errors.New("flaky")
	}), 10*time.Millisecond, "failing")
	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 3 })
}

func TestStopWaitsForInFlight(t *testing.T) {
	t.Parallel()
	s := Run(context.Background(), Config{Workers: 1}, logx.Nop(), nil)

	started := make(chan struct{})
	var finished atomic.Bool
	s.SubmitDelayed(Func(func() {
		close(started)
		time.Sleep(100 * time.Millisecond)
		finished.Store(true)
	}), 0, "inflight")
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !finished.Load() {
		t.Fatal("Stop returned before in-flight payload finished")
	}
}

func TestSubmitBeforeStart(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1}, logx.Nop(), nil)
	done := make(chan struct{})
	if id := s.SubmitDelayed(Func(func() { close(done) }), 0, "early"); id == InvalidID {
		t.Fatal("SubmitDelayed before Start = InvalidID")
	}
	s.Start(context.Background())
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task submitted before Start never ran")
	}
}

func TestPeriodClampedToMinimum(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1}, logx.Nop(), nil)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	s.SubmitPeriodic(Func(func() {}), 0, "zero")
	s.SubmitPeriodic(Func(func() {}), -time.Second, "negative")
	for _, p := range s.ListPending() {
		if p.Period != time.Millisecond {
			t.Fatalf("Period = %s, want 1ms", p.Period)
		}
	}
}

func TestNilPayloadRejected(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, 1)
	if id := s.SubmitDelayed(nil, 0, "nil"); id != InvalidID {
		t.Fatalf("SubmitDelayed(nil) = %d, want InvalidID", id)
	}
	if _, err := s.SubmitScheduleE(nil, "1m", "nil"); !errors.Is(err, ErrNilPayload) {
		t.Fatalf("SubmitScheduleE(nil) = %v, want ErrNilPayload", err)
	}
}

func TestListPendingOrder(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1}, logx.Nop(), nil)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	c := s.SubmitDelayed(Func(func() {}), 3*time.Hour, "c")
	a := s.SubmitDelayed(Func(func() {}), time.Hour, "a")
	b := s.SubmitPeriodic(Func(func() {}), 2*time.Hour, "b")

	got := s.ListPending()
	if len(got) != 3 || got[0].ID != a || got[1].ID != b || got[2].ID != c {
		t.Fatalf("ListPending = %+v", got)
	}
	if !got[1].Periodic || got[1].Period != 2*time.Hour {
		t.Fatalf("periodic entry = %+v", got[1])
	}
	if got[0].TimeUntilFire <= 0 || got[0].TimeUntilFire > time.Hour {
		t.Fatalf("TimeUntilFire = %s", got[0].TimeUntilFire)
	}
}

func TestTaskFromContext(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, 1)

	got := make(chan TaskInfo, 1)
	id := s.SubmitDelayed(ErrFunc(func(ctx context.Context) error {
		ti, _ := TaskFromContext(ctx)
		got <- ti
		return nil
	}), 0, "ctx")

	select {
	case ti := <-got:
		if ti.ID != id || ti.Label != "ctx" || ti.Kind != KindOnce {
			t.Fatalf("TaskFromContext = %+v, want id %d label ctx", ti, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("payload never ran")
	}
}

func TestSubmitScheduleInterval(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, 1)

	var runs atomic.Int32
	id, err := s.SubmitScheduleE(Func(func() { runs.Add(1) }), "every:20ms", "tick")
	if err != nil || id == InvalidID {
		t.Fatalf("SubmitScheduleE = %d, %v", id, err)
	}
	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 2 })
}

func TestSubmitCronKeepsID(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, 1)

	ids := make(chan TaskID, 4)
	id, err := s.SubmitCronE(ErrFunc(func(ctx context.Context) error {
		ti, _ := TaskFromContext(ctx)
		select {
		case ids <- ti.ID:
		default:
		}
		return nil
	}), "* * * * * *", "every-second")
	if err != nil {
		t.Fatalf("SubmitCronE: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case got := <-ids:
			if got != id {
				t.Fatalf("occurrence id = %d, want %d", got, id)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("cron occurrence %d never ran", i+1)
		}
	}
	if !s.Cancel(id) {
		t.Fatal("Cancel(cron) = false, want true")
	}
}

func TestSubmitCronInvalid(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, 1)
	if _, err := s.SubmitCronE(Func(func() {}), "not a cron", "bad"); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("SubmitCronE = %v, want ErrInvalidSchedule", err)
	}
	if id := s.SubmitCron(Func(func() {}), "61 * * * *", "bad"); id != InvalidID {
		t.Fatalf("SubmitCron = %d, want InvalidID", id)
	}
}

func TestDebugDump(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 2}, logx.Nop(), nil)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	s.SubmitPeriodic(Func(func() {}), time.Minute, "heartbeat")

	var buf bytes.Buffer
	if err := s.DebugDump(&buf); err != nil {
		t.Fatalf("DebugDump: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"state=running", "pending (1)", "heartbeat", "1m0s"} {
		if !strings.Contains(out, want) {
			t.Fatalf("DebugDump missing %q:\n%s", want, out)
		}
	}
}

func TestStartContextCancelStopsAccepting(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	s := Run(ctx, Config{Workers: 1}, logx.Nop(), nil)
	cancel()

	waitFor(t, 2*time.Second, func() bool { return s.State() != StateRunning })
	if id := s.SubmitDelayed(Func(func() {}), 0, "late"); id != InvalidID {
		t.Fatalf("SubmitDelayed = %d, want InvalidID", id)
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

// Submission logging must not observe an item the dispatcher is already rescheduling.
func TestSubmitLogsWhileRescheduling(t *testing.T) {
	t.Parallel()
	var buf lockedBuffer
	s := Run(context.Background(), Config{Workers: 4, MinPeriod: time.Microsecond}, logx.NewWriter(&buf, "debug"), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})

	var runs atomic.Int64
	for i := 0; i < 50; i++ {
		if id := s.SubmitPeriodic(Func(func() { runs.Add(1) }), time.Microsecond, "fast"); id == InvalidID {
			t.Fatal("SubmitPeriodic rejected")
		}
	}
	waitFor(t, 3*time.Second, func() bool { return runs.Load() >= 200 })
	if got := strings.Count(buf.String(), `"message":"task submitted"`); got != 50 {
		t.Fatalf("submit log lines = %d, want 50", got)
	}
}

func TestSnapshotIncludesSupervisedGoroutines(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, 2)
	done := make(chan struct{})
	s.SubmitDelayed(Func(func() { close(done) }), 0, "one")
	<-done

	snap := s.Snapshot()
	if len(snap.Dispatcher.Goroutines) != 1 || snap.Dispatcher.Goroutines[0].Name != "scheduler.dispatcher" || snap.Dispatcher.Goroutines[0].Active != 1 {
		t.Fatalf("dispatcher = %+v", snap.Dispatcher)
	}
	var names []string
	for _, g := range snap.Goroutines() {
		names = append(names, g.Name)
	}
	if got := strings.Join(names, ","); got != "scheduler.dispatcher,worker.0,worker.1" {
		t.Fatalf("goroutines = %s", got)
	}

	var buf bytes.Buffer
	if err := s.DebugDump(&buf); err != nil {
		t.Fatalf("DebugDump: %v", err)
	}
	for _, want := range []string{"goroutines (3)", "scheduler.dispatcher", "worker.1"} {
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("DebugDump missing %q:\n%s", want, buf.String())
		}
	}
}

func TestKindTextRoundTrip(t *testing.T) {
	t.Parallel()
	for _, k := range []Kind{KindOnce, KindPeriodic, KindCron} {
		b, err := json.Marshal(PendingInfo{ID: 1, Kind: k})
		if err != nil {
			t.Fatalf("marshal %v: %v", k, err)
		}
		var got PendingInfo
		if err := json.Unmarshal(b, &got); err != nil || got.Kind != k {
			t.Fatalf("round trip %s = %v (%v)", b, got.Kind, err)
		}
	}
	var k Kind
	if err := k.UnmarshalText([]byte("hourly")); err == nil {
		t.Fatal("unknown kind accepted")
	}
}
