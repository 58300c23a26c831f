package frontier

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/JakeFAU/continuous-crawler/internal/crawler"
)

// Snapshot is the serializable state of a frontier. Units in flight when the
// snapshot was taken are recorded as pending so a restore crawls them again.
type Snapshot struct {
	TakenAt time.Time    `json:"taken_at"`
	Stats   Stats        `json:"stats"`
	Queues  []QueueState `json:"queues"`
	Seen    []string     `json:"seen,omitempty"`
}

// QueueState is one work queue inside a Snapshot.
type QueueState struct {
	Key        string             `json:"key"`
	Wake       time.Time          `json:"wake"`
	LastServed time.Time          `json:"last_served"`
	Admitted   int64              `json:"admitted"`
	Served     int64              `json:"served"`
	Retired    int64              `json:"retired"`
	Units      []crawler.CrawlURI `json:"units"`
}

// Pending counts units across all queues in the snapshot.
func (s Snapshot) Pending() int {
	n := 0
	for _, q := range s.Queues {
		n += len(q.Units)
	}
	return n
}

// Snapshot captures the frontier state. It is safe to call while workers run;
// callers that need a consistent cut hold dispatch first.
func (f *Frontier) Snapshot() Snapshot {
	f.mu.Lock()
	snap := Snapshot{TakenAt: f.clock.Now(), Stats: f.stats}
	snap.Stats.Queued = f.queued + f.inFlight
	snap.Stats.Queues = len(f.queues)
	keys := make([]string, 0, len(f.queues))
	for key := range f.queues {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		q := f.queues[key]
		units := make([]unit, 0, len(q.units)+len(q.inFlight))
		units = append(units, q.units...)
		for _, d := range q.inFlight {
			cu := d.unit
			units = append(units, unit{cu: &cu, seq: d.seq})
		}
		sort.Sort(unitHeap(units))
		state := QueueState{
			Key:        q.key,
			Wake:       q.wake,
			LastServed: q.lastServed,
			Admitted:   q.admitted,
			Served:     q.served,
			Retired:    q.retired,
			Units:      make([]crawler.CrawlURI, 0, len(units)),
		}
		for _, u := range units {
			state.Units = append(state.Units, *u.cu)
		}
		snap.Queues = append(snap.Queues, state)
	}
	f.mu.Unlock()

	if ks, ok := f.seen.(KeySnapshotter); ok {
		snap.Seen = ks.Keys()
	}
	return snap
}

// Restore replaces the frontier contents with snap. It is only valid before
// the crawl starts.
func (f *Frontier) Restore(_ context.Context, snap Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return fmt.Errorf("restore frontier: crawl already started")
	}
	if f.inFlight > 0 {
		return fmt.Errorf("restore frontier: %d units in flight", f.inFlight)
	}
	f.queues = make(map[string]*workQueue, len(snap.Queues))
	f.ready.qs = nil
	f.snoozed.qs = nil
	f.queued = 0
	f.stats = snap.Stats
	f.stats.Queued, f.stats.InFlight, f.stats.Queues = 0, 0, 0

	now := f.clock.Now()
	for _, state := range snap.Queues {
		q := newWorkQueue(state.Key)
		q.wake = state.Wake
		q.lastServed = state.LastServed
		q.admitted = state.Admitted
		q.served = state.Served
		q.retired = state.Retired
		for i := range state.Units {
			cu := state.Units[i]
			if cu.QueueKey == "" {
				cu.QueueKey = state.Key
			}
			f.seq++
			heap.Push(&q.units, unit{cu: &cu, seq: f.seq})
			f.queued++
		}
		f.queues[q.key] = q
		f.repositionLocked(q, now)
	}
	if ks, ok := f.seen.(KeySnapshotter); ok && len(snap.Seen) > 0 {
		ks.Load(snap.Seen)
	}
	f.signalLocked()
	return nil
}
