package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dougmens/handelsregister-abruf/internal/clock/system"
	"github.com/dougmens/handelsregister-abruf/internal/lookup"
)

// DefaultMaxJobs bounds the registry when no limit is configured.
const DefaultMaxJobs = 500

// JobStore is the in-process job registry. Reads return deep copies.
type JobStore struct {
	mu      sync.RWMutex
	jobs    map[string]lookup.Job
	order   []string
	maxJobs int
}

// NewJobStore constructs a JobStore holding at most maxJobs entries.
// Only terminal jobs are evicted, oldest first.
func NewJobStore(maxJobs int) *JobStore {
	if maxJobs <= 0 {
		maxJobs = DefaultMaxJobs
	}
	return &JobStore{
		jobs:    make(map[string]lookup.Job),
		maxJobs: maxJobs,
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job lookup.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("create job %s: already exists", job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	s.order = append(s.order, job.ID)
	s.evictLocked()
	return nil
}

// UpdateJob applies fn to the stored job and returns the updated copy.
// If fn fails the stored job is left untouched.
func (s *JobStore) UpdateJob(_ context.Context, jobID string, fn func(*lookup.Job) error) (lookup.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return lookup.Job{}, lookup.NewError(lookup.KindNotFound, "update job", fmt.Errorf("%s", jobID))
	}
	working := job.Clone()
	if err := fn(&working); err != nil {
		return lookup.Job{}, fmt.Errorf("update job %s: %w", jobID, err)
	}
	s.jobs[jobID] = working
	return working.Clone(), nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (lookup.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return lookup.Job{}, lookup.NewError(lookup.KindNotFound, "get job", fmt.Errorf("%s", jobID))
	}
	return job.Clone(), nil
}

// ListJobs returns the principal's jobs, most recent first.
func (s *JobStore) ListJobs(_ context.Context, principalID string, limit int) ([]lookup.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]lookup.Job, 0, min(limit, len(s.order)))
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		job := s.jobs[s.order[i]]
		if job.PrincipalID == principalID {
			out = append(out, job.Clone())
		}
	}
	return out, nil
}

// FindCached returns the newest done job for the company created on day's calendar day.
func (s *JobStore) FindCached(_ context.Context, principalID, companyID string, day time.Time) (lookup.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		job := s.jobs[s.order[i]]
		if job.PrincipalID != principalID || job.CompanyID != companyID {
			continue
		}
		if job.Status != lookup.JobStatusDone || job.Result == nil {
			continue
		}
		if system.SameDay(job.CreatedAt, day) {
			return job.Clone(), true, nil
		}
	}
	return lookup.Job{}, false, nil
}

// Len returns the number of retained jobs.
func (s *JobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

func (s *JobStore) evictLocked() {
	for i := 0; len(s.jobs) > s.maxJobs && i < len(s.order); {
		id := s.order[i]
		if !s.jobs[id].Status.Terminal() {
			i++
			continue
		}
		delete(s.jobs, id)
		s.order = append(s.order[:i], s.order[i+1:]...)
	}
}
