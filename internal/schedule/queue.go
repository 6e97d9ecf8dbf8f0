// Package schedule holds the priority queue of scheduled checks ordered by
// their next due time.
package schedule

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dandantas/lookout/internal/model"
)

var (
	// ErrEmpty signals an empty queue; callers back off for a fixed period
	ErrEmpty = errors.New("schedule queue is empty")

	// ErrNotDue signals that the caller's deadline arrived before any check was due
	ErrNotDue = errors.New("no check due before deadline")
)

// Queue is a min-heap of scheduled checks keyed by NextDue
type Queue struct {
	mu     sync.Mutex
	items  itemHeap
	seq    uint64
	clock  clock.Clock
	jitter func(max int64) int64
	wake   chan struct{}
}

// NewQueue creates an empty schedule queue
func NewQueue(clk clock.Clock) *Queue {
	return &Queue{
		clock:  clk,
		jitter: rand.Int63n,
		wake:   make(chan struct{}, 1),
	}
}

// Add inserts a check with a first due time drawn uniformly from [now, now+interval]
func (q *Queue) Add(check model.ScheduledCheck) *model.ScheduledCheck {
	interval := int64(check.IntervalMinutes) * 60
	if interval < 0 {
		interval = 0
	}
	delay := time.Duration(q.jitter(interval+1)) * time.Second

	item := check
	item.NextDue = q.clock.Now().Add(delay)
	q.Push(&item)

	slog.Info("Scheduled check",
		"check_id", item.CheckID,
		"delay_seconds", int64(delay.Seconds()),
		"next_due", item.NextDue,
	)
	return &item
}

// Push inserts an item as is
func (q *Queue) Push(item *model.ScheduledCheck) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.items, &entry{check: item, seq: q.seq})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Reschedule advances NextDue by whole intervals until it is strictly in the
// future and reinserts the item. Missed cycles are dropped, not caught up.
func (q *Queue) Reschedule(item *model.ScheduledCheck) time.Time {
	interval := item.Interval()
	if interval <= 0 {
		interval = time.Minute
	}

	now := q.clock.Now()
	if !item.NextDue.After(now) {
		missed := now.Sub(item.NextDue)/interval + 1
		item.NextDue = item.NextDue.Add(missed * interval)
	}

	q.Push(item)
	return item.NextDue
}

// PopDue blocks until the earliest item is due and removes it. It returns
// ErrEmpty straight away on an empty queue and ErrNotDue once until passes
// with nothing due. A zero until means no deadline.
func (q *Queue) PopDue(ctx context.Context, until time.Time) (*model.ScheduledCheck, error) {
	for {
		q.mu.Lock()
		if q.items.Len() == 0 {
			q.mu.Unlock()
			return nil, ErrEmpty
		}

		now := q.clock.Now()
		head := q.items[0].check
		if !head.NextDue.After(now) {
			heap.Pop(&q.items)
			q.mu.Unlock()
			return head, nil
		}

		wakeAt := head.NextDue
		if !until.IsZero() {
			if !until.After(now) {
				q.mu.Unlock()
				return nil, ErrNotDue
			}
			if until.Before(wakeAt) {
				wakeAt = until
			}
		}
		q.mu.Unlock()

		timer := q.clock.Timer(wakeAt.Sub(now))
		select {
		case <-timer.C:
		case <-q.wake:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of queued items
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

type entry struct {
	check *model.ScheduledCheck
	seq   uint64
}

type itemHeap []*entry

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].check.NextDue.Equal(h[j].check.NextDue) {
		return h[i].seq < h[j].seq
	}
	return h[i].check.NextDue.Before(h[j].check.NextDue)
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
