package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// item is a queued task occurrence. Periodic and cron items are reused across
// occurrences and keep their id.
type item struct {
	id      TaskID
	label   string
	payload Payload
	kind    Kind
	fireAt  time.Time
	period  time.Duration

	sched cron.Schedule
	spec  string

	seq   uint64 // insertion order, breaks fireAt ties
	index int    // heap index, -1 when not queued
}

// timerHeap implements heap.Interface ordered by (fireAt, seq).
type timerHeap []*item

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if !h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].fireAt.Before(h[j].fireAt)
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

func (h timerHeap) peek() *item {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}
