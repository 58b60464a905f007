package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dougmens/handelsregister-abruf/internal/progress"
)

// PrometheusSink derives lifecycle metrics from the event stream.
type PrometheusSink struct {
	events      *prometheus.CounterVec
	inFlight    prometheus.Gauge
	turnaround  *prometheus.HistogramVec
	completions *prometheus.CounterVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "regiscan_progress_events_total",
			Help: "Job lifecycle events partitioned by stage.",
		}, []string{"stage"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "regiscan_jobs_in_flight",
			Help: "Jobs accepted but not yet finished (queued or running).",
		}),
		turnaround: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "regiscan_job_turnaround_seconds",
			Help:    "Time from submission to the terminal state, including queue wait.",
			Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"result"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "regiscan_job_completions_total",
			Help: "Finished jobs partitioned by result and execution mode.",
		}, []string{"result", "mode"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{s.events, s.inFlight, s.turnaround, s.completions} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.events.WithLabelValues(string(evt.Stage)).Inc()
		switch evt.Stage {
		case progress.StageJobQueued:
			if s.tracker.start(evt.JobID) {
				s.inFlight.Inc()
			}
		case progress.StageJobDone, progress.StageJobError, progress.StageJobCached:
			result := resultLabel(evt.Stage)
			s.completions.WithLabelValues(result, string(evt.Mode)).Inc()
			if evt.Job != nil && !evt.Job.CreatedAt.IsZero() {
				s.turnaround.WithLabelValues(result).Observe(evt.TS.Sub(evt.Job.CreatedAt).Seconds())
			}
			if s.tracker.complete(evt.JobID) {
				s.inFlight.Dec()
			}
		}
	}
	return nil
}

func resultLabel(stage progress.Stage) string {
	switch stage {
	case progress.StageJobError:
		return "error"
	case progress.StageJobCached:
		return "cached"
	default:
		return "success"
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
