// Package monitor samples scheduler introspection into a per-worker timeline.
//
// Each tick shifts the timeline one column left and fills the newest column with
// the task running on each worker: its id, "*" when several tasks were seen on the
// same worker, "." when idle. Ids wider than a cell are cut and end in "+".
// A full frame is logged every Columns ticks.
package monitor

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"pacer/internal/task/scheduler"
	logx "pacer/pkg/logx"
)

const (
	defaultInterval  = time.Second
	defaultColumns   = 60
	defaultCellWidth = 4
	minCellWidth     = 3
	minColumns       = 5
)

// Source is the introspection surface the monitor polls.
type Source interface {
	ListRunning() []scheduler.RunningInfo
	ListPending() []scheduler.PendingInfo
	ObservedWorkerCount() int
}

// snapshotter is implemented by sources that also expose supervisor state.
type snapshotter interface {
	Snapshot() scheduler.Snapshot
}

type Config struct {
	Interval  time.Duration
	Columns   int
	CellWidth int
}

type Monitor struct {
	src Source
	cfg Config
	log logx.Logger

	mu    sync.Mutex
	grid  [][]string // grid[worker][column]
	ticks uint64
}

func New(src Source, cfg Config, log logx.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Columns <= 0 {
		cfg.Columns = defaultColumns
	}
	cfg.Columns = max(cfg.Columns, minColumns)
	if cfg.CellWidth <= 0 {
		cfg.CellWidth = defaultCellWidth
	}
	cfg.CellWidth = max(cfg.CellWidth, minCellWidth)
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Monitor{src: src, cfg: cfg, log: log}
}

// Run samples every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if m.Tick()%uint64(m.cfg.Columns) == 0 {
				m.logFrame()
			}
		}
	}
}

// Tick takes one sample and returns the number of samples taken so far.
func (m *Monitor) Tick() uint64 {
	observed := max(1, m.src.ObservedWorkerCount())
	running := m.src.ListRunning()

	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.grid) < observed {
		m.grid = append(m.grid, idleRow(m.cfg.Columns))
	}
	last := m.cfg.Columns - 1
	for _, row := range m.grid {
		copy(row, row[1:])
		row[last] = "."
	}
	for _, r := range running {
		if r.WorkerIndex < 0 || r.WorkerIndex >= len(m.grid) {
			continue
		}
		cell := &m.grid[r.WorkerIndex][last]
		if *cell == "." {
			*cell = strconv.FormatUint(uint64(r.ID), 10)
		} else {
			*cell = "*"
		}
	}
	m.ticks++
	return m.ticks
}

// Lines renders the timeline: a header row, then one row per observed worker.
func (m *Monitor) Lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.cfg.CellWidth
	var b strings.Builder
	b.WriteString("     ")
	for c := 0; c < m.cfg.Columns; c++ {
		b.WriteString(fit(strconv.Itoa(c), w))
	}
	lines := []string{strings.TrimRight(b.String(), " ")}

	for i, row := range m.grid {
		b.Reset()
		fmt.Fprintf(&b, "%-5s", "W"+strconv.Itoa(i))
		for _, cell := range row {
			b.WriteString(fit(cell, w))
		}
		lines = append(lines, strings.TrimRight(b.String(), " "))
	}
	return lines
}

// Render writes the timeline to w.
func (m *Monitor) Render(w io.Writer) error {
	for _, l := range m.Lines() {
		if _, err := io.WriteString(w, l+"\n"); err != nil {
			return err
		}
	}
	return nil
}

func (m *Monitor) logFrame() {
	pending := m.src.ListPending()
	running := m.src.ListRunning()
	fields := []logx.Field{
		logx.Int("pending", len(pending)),
		logx.Int("running", len(running)),
		logx.Int("workers_observed", m.src.ObservedWorkerCount()),
	}
	if ss, ok := m.src.(snapshotter); ok {
		var restarts, panics uint64
		for _, g := range ss.Snapshot().Goroutines() {
			restarts += g.Restarts
			panics += g.Panics
		}
		fields = append(fields, logx.Uint64("goroutine_restarts", restarts), logx.Uint64("goroutine_panics", panics))
	}
	m.log.Info("scheduler status", fields...)
	if !m.log.Enabled(logx.LevelDebug) {
		return
	}
	m.log.Debug("worker timeline\n" + strings.Join(m.Lines(), "\n"))
}

func idleRow(n int) []string {
	row := make([]string, n)
	for i := range row {
		row[i] = "."
	}
	return row
}

// fit renders s in w columns, the last always blank. Text that does not fit is
// cut and marked with a trailing "+".
func fit(s string, w int) string {
	if len(s) > w-1 {
		s = s[:w-2] + "+"
	}
	return s + strings.Repeat(" ", w-len(s))
}
