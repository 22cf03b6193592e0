package scheduler

import "context"

type taskCtxKey struct{}

// TaskInfo identifies the task a payload is running for.
type TaskInfo struct {
	ID    TaskID
	Label string
	Kind  Kind
}

func withTask(ctx context.Context, it *item) context.Context {
	return context.WithValue(ctx, taskCtxKey{}, TaskInfo{ID: it.id, Label: it.label, Kind: it.kind})
}

// TaskFromContext returns the task a payload was invoked for.
func TaskFromContext(ctx context.Context) (TaskInfo, bool) {
	if ctx == nil {
		return TaskInfo{}, false
	}
	ti, ok := ctx.Value(taskCtxKey{}).(TaskInfo)
	return ti, ok
}
