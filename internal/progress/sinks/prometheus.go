package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/continuous-crawler/internal/progress"
)

// Phases the sinks treat as run boundaries.
const (
	phasePreparing = "PREPARING"
	phaseRunning   = "RUNNING"
	phaseFinished  = "FINISHED"
)

// PrometheusSink exports run lifecycle metrics. It owns the collectors for
// runs started/finished/active, the current phase, and event counts.
type PrometheusSink struct {
	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	runsActive   prometheus.Gauge
	runDuration  *prometheus.HistogramVec
	phase        *prometheus.GaugeVec
	events       *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_runs_started_total",
			Help: "Crawl runs that reached RUNNING.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_runs_finished_total",
			Help: "Crawl runs that reached FINISHED, partitioned by exit class.",
		}, []string{"exit"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_runs_active",
			Help: "Crawl runs between RUNNING and FINISHED.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_run_duration_seconds",
			Help:    "Wall time from RUNNING to FINISHED.",
			Buckets: []float64{60, 300, 900, 3600, 4 * 3600, 12 * 3600, 24 * 3600, 7 * 24 * 3600},
		}, []string{"exit"}),
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crawler_phase",
			Help: "1 for the controller's current phase.",
		}, []string{"phase"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_lifecycle_events_total",
			Help: "Lifecycle events partitioned by level and kind.",
		}, []string{"level", "kind"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsFinished,
		s.runsActive,
		s.runDuration,
		s.phase,
		s.events,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register lifecycle collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.events.WithLabelValues(string(evt.Level), string(evt.Kind)).Inc()
		if evt.Kind == progress.KindTransition {
			s.handleTransition(evt)
		}
	}
	return nil
}

func (s *PrometheusSink) handleTransition(evt progress.Event) {
	s.phase.Reset()
	s.phase.WithLabelValues(evt.Phase).Set(1)
	switch evt.Phase {
	case phaseRunning:
		if s.tracker.start(evt.RunID, evt.TS) {
			s.runsStarted.Inc()
			s.runsActive.Inc()
		}
	case phaseFinished:
		exit := evt.Exit
		if exit == "" {
			exit = "unknown"
		}
		s.runsFinished.WithLabelValues(exit).Inc()
		if started, ok := s.tracker.complete(evt.RunID); ok {
			s.runsActive.Dec()
			if d := evt.TS.Sub(started); d > 0 {
				s.runDuration.WithLabelValues(exit).Observe(d.Seconds())
			}
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]time.Time
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]time.Time)}
}

// start records the first RUNNING of a run; resumes report false.
func (t *runTracker) start(id [16]byte, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = at
	return true
}

func (t *runTracker) complete(id [16]byte) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	started, ok := t.running[id]
	if !ok {
		return time.Time{}, false
	}
	delete(t.running, id)
	return started, true
}
