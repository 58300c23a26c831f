package frontier

import (
	"time"

	"github.com/JakeFAU/continuous-crawler/internal/crawler"
)

type unit struct {
	cu  *crawler.CrawlURI
	seq uint64
}

// unitHeap orders units by priority tier, then arrival.
type unitHeap []unit

func (h unitHeap) Len() int { return len(h) }

func (h unitHeap) Less(i, j int) bool {
	if h[i].cu.Priority != h[j].cu.Priority {
		return h[i].cu.Priority > h[j].cu.Priority
	}
	return h[i].seq < h[j].seq
}

func (h unitHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *unitHeap) Push(x any) { *h = append(*h, x.(unit)) }

func (h *unitHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = unit{}
	*h = old[:n-1]
	return item
}

type placement int

const (
	placeNone placement = iota
	placeReady
	placeSnoozed
)

// dispatched remembers an in-flight unit's arrival order and its state when
// it left the queue. Snapshots record the copy because the worker owns the
// live unit until it is returned.
type dispatched struct {
	seq        uint64
	unit       crawler.CrawlURI
	lastServed time.Time
}

// workQueue holds the pending units and politeness state for one queue key.
type workQueue struct {
	key        string
	units      unitHeap
	inFlight   map[*crawler.CrawlURI]dispatched
	wake       time.Time
	lastServed time.Time
	admitted   int64
	served     int64
	retired    int64

	where placement
	index int
}

func newWorkQueue(key string) *workQueue {
	return &workQueue{
		key:      key,
		inFlight: make(map[*crawler.CrawlURI]dispatched),
		index:    -1,
	}
}

func (q *workQueue) priority() crawler.Priority {
	if len(q.units) == 0 {
		return crawler.PriorityNormal
	}
	return q.units[0].cu.Priority
}

// Queue states as shown in reports.
const (
	StateInProcess = "in-process"
	StateReady     = "ready"
	StateSnoozed   = "snoozed"
	StateRetired   = "retired"
	StateExhausted = "exhausted"
)

func (q *workQueue) state(now time.Time, budget int64) string {
	switch {
	case len(q.inFlight) > 0:
		return StateInProcess
	case len(q.units) > 0 && q.wake.After(now):
		return StateSnoozed
	case len(q.units) > 0:
		return StateReady
	case budget > 0 && q.admitted >= budget:
		return StateRetired
	default:
		return StateExhausted
	}
}

// queueHeap is a heap of work queues that tracks each queue's index.
type queueHeap struct {
	qs    []*workQueue
	less  func(a, b *workQueue) bool
	place placement
}

func (h *queueHeap) Len() int { return len(h.qs) }

func (h *queueHeap) Less(i, j int) bool { return h.less(h.qs[i], h.qs[j]) }

func (h *queueHeap) Swap(i, j int) {
	h.qs[i], h.qs[j] = h.qs[j], h.qs[i]
	h.qs[i].index = i
	h.qs[j].index = j
}

func (h *queueHeap) Push(x any) {
	q := x.(*workQueue)
	q.index = len(h.qs)
	q.where = h.place
	h.qs = append(h.qs, q)
}

func (h *queueHeap) Pop() any {
	old := h.qs
	n := len(old)
	q := old[n-1]
	old[n-1] = nil
	h.qs = old[:n-1]
	q.index = -1
	q.where = placeNone
	return q
}

func (h *queueHeap) peek() *workQueue {
	if len(h.qs) == 0 {
		return nil
	}
	return h.qs[0]
}

// readyLess serves higher priority first, then the least recently served queue.
func readyLess(a, b *workQueue) bool {
	if pa, pb := a.priority(), b.priority(); pa != pb {
		return pa > pb
	}
	if !a.lastServed.Equal(b.lastServed) {
		return a.lastServed.Before(b.lastServed)
	}
	return a.key < b.key
}

func snoozedLess(a, b *workQueue) bool {
	if !a.wake.Equal(b.wake) {
		return a.wake.Before(b.wake)
	}
	return a.key < b.key
}
