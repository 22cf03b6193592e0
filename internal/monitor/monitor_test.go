package monitor

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	rtsup "pacer/internal/runtime/supervisor"
	"pacer/internal/task/scheduler"
	logx "pacer/pkg/logx"
)

type fakeSource struct {
	mu       sync.Mutex
	running  []scheduler.RunningInfo
	observed int
}

func (f *fakeSource) set(observed int, running ...scheduler.RunningInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observed = observed
	f.running = running
}

func (f *fakeSource) ListRunning() []scheduler.RunningInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scheduler.RunningInfo(nil), f.running...)
}

func (f *fakeSource) ListPending() []scheduler.PendingInfo { return nil }

func (f *fakeSource) ObservedWorkerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.observed
}

func cells(line string) []string { return strings.Fields(line)[1:] }

func TestTickShiftsAndFills(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}
	m := New(src, Config{Columns: 5, CellWidth: 3}, logx.Nop())

	src.set(0)
	m.Tick()
	src.set(2, scheduler.RunningInfo{ID: 7, WorkerIndex: 1})
	m.Tick()
	src.set(2,
		scheduler.RunningInfo{ID: 3, WorkerIndex: 0},
		scheduler.RunningInfo{ID: 4, WorkerIndex: 0},
	)
	m.Tick()

	lines := m.Lines()
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want header + 2 rows:\n%s", len(lines), strings.Join(lines, "\n"))
	}
	if got := strings.Join(cells(lines[1]), " "); got != ". . . . *" {
		t.Fatalf("W0 = %q", got)
	}
	if got := strings.Join(cells(lines[2]), " "); got != ". . . 7 ." {
		t.Fatalf("W1 = %q", got)
	}
	if !strings.HasPrefix(lines[1], "W0") || !strings.HasPrefix(lines[2], "W1") {
		t.Fatalf("row labels: %q %q", lines[1], lines[2])
	}
}

func TestTickIgnoresUnknownWorker(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}
	m := New(src, Config{Columns: 5}, logx.Nop())
	src.set(1, scheduler.RunningInfo{ID: 1, WorkerIndex: 9}, scheduler.RunningInfo{ID: 2, WorkerIndex: -1})
	m.Tick()
	for _, c := range cells(m.Lines()[1]) {
		if c != "." {
			t.Fatalf("unexpected cell %q", c)
		}
	}
}

func TestColumnsFloor(t *testing.T) {
	t.Parallel()
	m := New(&fakeSource{}, Config{Columns: 2}, logx.Nop())
	m.Tick()
	if got := len(cells(m.Lines()[1])); got != minColumns {
		t.Fatalf("columns = %d, want %d", got, minColumns)
	}
}

func TestRunLogsFrames(t *testing.T) {
	t.Parallel()
	var buf syncBuffer
	src := &fakeSource{}
	src.set(1, scheduler.RunningInfo{ID: 5, WorkerIndex: 0})
	m := New(src, Config{Interval: 5 * time.Millisecond, Columns: 5}, logx.NewWriter(&buf, "debug"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { m.Run(ctx); close(done) }()

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(buf.String(), "worker timeline") {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("no timeline logged: %s", buf.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if !strings.Contains(buf.String(), `"running":1`) {
		t.Fatalf("summary missing: %s", buf.String())
	}
}

func TestRender(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}
	src.set(1, scheduler.RunningInfo{ID: 12, WorkerIndex: 0})
	m := New(src, Config{Columns: 5}, logx.Nop())
	m.Tick()
	var b bytes.Buffer
	if err := m.Render(&b); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(b.String(), "12") || strings.Count(b.String(), "\n") != 2 {
		t.Fatalf("render:\n%s", b.String())
	}
}

func TestWideIDsAreMarked(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}
	src.set(2,
		scheduler.RunningInfo{ID: 12345, WorkerIndex: 0},
		scheduler.RunningInfo{ID: 123, WorkerIndex: 1},
	)
	m := New(src, Config{Columns: 5, CellWidth: 4}, logx.Nop())
	m.Tick()

	lines := m.Lines()
	if got := cells(lines[1]); got[len(got)-1] != "12+" {
		t.Fatalf("W0 = %q, want overflow marker", lines[1])
	}
	if got := cells(lines[2]); got[len(got)-1] != "123" {
		t.Fatalf("W1 = %q", lines[2])
	}
}

func TestFit(t *testing.T) {
	t.Parallel()
	for _, tt := range []struct {
		in   string
		w    int
		want string
	}{
		{".", 3, ".  "},
		{"42", 3, "42 "},
		{"123", 3, "1+ "},
		{"12345", 4, "12+ "},
	} {
		if got := fit(tt.in, tt.w); got != tt.want {
			t.Fatalf("fit(%q, %d) = %q, want %q", tt.in, tt.w, got, tt.want)
		}
	}
}

type snapshotSource struct {
	fakeSource
	snap scheduler.Snapshot
}

func (s *snapshotSource) Snapshot() scheduler.Snapshot { return s.snap }

func TestStatusIncludesGoroutineHealth(t *testing.T) {
	t.Parallel()
	var buf syncBuffer
	src := &snapshotSource{}
	src.snap.Dispatcher.Goroutines = []rtsup.GoroutineStats{{Name: "scheduler.dispatcher", Restarts: 1}}
	src.snap.Engine.Supervisor.Goroutines = []rtsup.GoroutineStats{
		{Name: "worker.0", Restarts: 2, Panics: 2},
		{Name: "worker.1"},
	}
	m := New(src, Config{Columns: 5}, logx.NewWriter(&buf, "info"))
	m.logFrame()

	out := buf.String()
	if !strings.Contains(out, `"goroutine_restarts":3`) || !strings.Contains(out, `"goroutine_panics":2`) {
		t.Fatalf("status = %s", out)
	}
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}
