package app

import (
	"context"
	"time"

	"pacer/internal/eventbus"
	"pacer/internal/storage"
	"pacer/internal/task/engine"
	logx "pacer/pkg/logx"
)

const historyWriteTimeout = 2 * time.Second

// recordRuns appends a storage.RunRecord for every finished or failed run seen on
// events until ctx is done or events is closed.
func recordRuns(ctx context.Context, events <-chan eventbus.Event, store storage.Store, log logx.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			rec, ok := runRecord(e)
			if !ok {
				continue
			}
			// Write with a fresh context so records in flight at shutdown still land.
			wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyWriteTimeout)
			if err := store.AppendRun(wctx, rec); err != nil {
				log.Warn("run history append failed", logx.Uint64("task_id", rec.TaskID), logx.Err(err))
			}
			cancel()
		}
	}
}

func runRecord(e eventbus.Event) (storage.RunRecord, bool) {
	if e.Type != eventbus.TaskFinished && e.Type != eventbus.TaskFailed {
		return storage.RunRecord{}, false
	}
	ev, ok := e.Data.(engine.TaskEvent)
	if !ok {
		return storage.RunRecord{}, false
	}
	return storage.RunRecord{
		TaskID:     ev.ID,
		Label:      ev.Name,
		Worker:     ev.Worker,
		Started:    ev.Started,
		QueueDelay: ev.QueueDelay,
		Duration:   ev.Duration,
		OK:         e.Type == eventbus.TaskFinished,
		Panicked:   ev.Panicked,
		Error:      ev.Error,
	}, true
}

// logEvents mirrors bus events to the debug log.
func logEvents(ctx context.Context, events <-chan eventbus.Event, log logx.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if !log.Enabled(logx.LevelTrace) {
				continue
			}
			log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
		}
	}
}
