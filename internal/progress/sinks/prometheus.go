package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/slotwatch/internal/monitor"
)

// PrometheusSink derives session metrics from the event stream.
type PrometheusSink struct {
	events       *prometheus.CounterVec
	running      prometheus.Gauge
	sessionsDone *prometheus.CounterVec
	timeToSlot   prometheus.Histogram

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slotwatch_events_total",
			Help: "Status events delivered, by kind.",
		}, []string{"event"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "slotwatch_sessions_running",
			Help: "Monitoring sessions that have captured a baseline and not yet ended.",
		}),
		sessionsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slotwatch_sessions_ended_total",
			Help: "Monitoring sessions ended, by terminal event.",
		}, []string{"event"}),
		timeToSlot: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "slotwatch_time_to_slot_seconds",
			Help:    "Time from baseline capture to the first slot change.",
			Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 21600, 86400},
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{s.events, s.running, s.sessionsDone, s.timeToSlot} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []monitor.Event) error {
	for _, evt := range batch {
		s.events.WithLabelValues(string(evt.Kind)).Inc()
		if evt.RunID == "" {
			continue
		}
		switch {
		case evt.Kind == monitor.EventMonitorStarted:
			if s.tracker.start(evt.RunID, evt.Timestamp) {
				s.running.Inc()
			}
		case evt.Kind == monitor.EventSlotsFound:
			if since, ok := s.tracker.firstChange(evt.RunID, evt.Timestamp); ok {
				s.timeToSlot.Observe(since.Seconds())
			}
		case evt.Terminal():
			s.sessionsDone.WithLabelValues(string(evt.Kind)).Inc()
			if s.tracker.complete(evt.RunID) {
				s.running.Dec()
			}
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runState struct {
	startedAt time.Time
	changed   bool
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]*runState
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]*runState)}
}

func (t *runTracker) start(runID string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[runID]; ok {
		return false
	}
	t.running[runID] = &runState{startedAt: at}
	return true
}

// firstChange returns the time since baseline for the first change of a run.
func (t *runTracker) firstChange(runID string, at time.Time) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.running[runID]
	if !ok || st.changed {
		return 0, false
	}
	st.changed = true
	return at.Sub(st.startedAt), true
}

func (t *runTracker) complete(runID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[runID]; !ok {
		return false
	}
	delete(t.running, runID)
	return true
}
