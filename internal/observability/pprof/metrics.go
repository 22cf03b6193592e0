package pprof

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pacer"

// schedulerCollector exports one scheduler snapshot per scrape.
type schedulerCollector struct {
	src StatusSource

	submitted, rejected, dispatched, cancelled *prometheus.Desc
	pending, running, observed                 *prometheus.Desc
	workers, queued, busy                      *prometheus.Desc
	completed, failed, panicked                *prometheus.Desc

	// Per supervised goroutine, labelled by name.
	gActive, gRestarts, gPanics *prometheus.Desc
}

func newSchedulerCollector(src StatusSource) *schedulerCollector {
	d := func(sub, name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, sub, name), help, nil, nil)
	}
	g := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "goroutine", name), help, []string{"name"}, nil)
	}
	return &schedulerCollector{
		src:        src,
		submitted:  d("scheduler", "tasks_submitted_total", "Tasks accepted by the scheduler."),
		rejected:   d("scheduler", "tasks_rejected_total", "Submissions rejected (stopped scheduler or nil payload)."),
		dispatched: d("scheduler", "tasks_dispatched_total", "Task occurrences handed to the worker pool."),
		cancelled:  d("scheduler", "tasks_cancelled_total", "Successful cancellation requests."),
		pending:    d("scheduler", "pending", "Tasks waiting in the timer queue."),
		running:    d("scheduler", "running", "Tasks currently executing."),
		observed:   d("scheduler", "observed_workers", "Distinct workers seen executing a task."),
		workers:    d("engine", "workers", "Worker pool size."),
		queued:     d("engine", "queued", "Jobs posted to the pool and not yet started."),
		busy:       d("engine", "busy", "Workers executing a job."),
		completed:  d("engine", "jobs_completed_total", "Jobs that returned without error."),
		failed:     d("engine", "jobs_failed_total", "Jobs that returned an error or panicked."),
		panicked:   d("engine", "jobs_panicked_total", "Jobs that panicked."),
		gActive:    g("active", "Running instances of a supervised goroutine."),
		gRestarts:  g("restarts_total", "Restarts of a supervised goroutine after an error or panic."),
		gPanics:    g("panics_total", "Panics recovered in a supervised goroutine."),
	}
}

func (c *schedulerCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.submitted, c.rejected, c.dispatched, c.cancelled,
		c.pending, c.running, c.observed,
		c.workers, c.queued, c.busy,
		c.completed, c.failed, c.panicked,
		c.gActive, c.gRestarts, c.gPanics,
	} {
		ch <- d
	}
}

func (c *schedulerCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.src.Snapshot()
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v int) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}

	counter(c.submitted, snap.Counters.Submitted)
	counter(c.rejected, snap.Counters.Rejected)
	counter(c.dispatched, snap.Counters.Dispatched)
	counter(c.cancelled, snap.Counters.Cancelled)
	gauge(c.pending, len(snap.Pending))
	gauge(c.running, len(snap.Running))
	gauge(c.observed, snap.ObservedWorkers)

	e := snap.Engine
	gauge(c.workers, e.Workers)
	gauge(c.queued, e.Queued)
	gauge(c.busy, e.Busy)
	counter(c.completed, e.Completed)
	counter(c.failed, e.Failed)
	counter(c.panicked, e.Panicked)

	for _, gs := range snap.Goroutines() {
		ch <- prometheus.MustNewConstMetric(c.gActive, prometheus.GaugeValue, float64(gs.Active), gs.Name)
		ch <- prometheus.MustNewConstMetric(c.gRestarts, prometheus.CounterValue, float64(gs.Restarts), gs.Name)
		ch <- prometheus.MustNewConstMetric(c.gPanics, prometheus.CounterValue, float64(gs.Panics), gs.Name)
	}
}

// metricsHandler serves scheduler metrics plus the Go and process collectors
// from a private registry.
func metricsHandler(src StatusSource) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	if src != nil {
		reg.MustRegister(newSchedulerCollector(src))
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
