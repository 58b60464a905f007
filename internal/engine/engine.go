// Package engine owns the lookup job lifecycle: admission, same-day caching,
// FIFO queueing and the single worker that drives the execution strategy.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dougmens/handelsregister-abruf/internal/lookup"
	"github.com/dougmens/handelsregister-abruf/internal/metrics"
	"github.com/dougmens/handelsregister-abruf/internal/progress"
)

// Defaults applied when Config fields are zero.
const (
	DefaultCooldown     = time.Second
	DefaultHistoryLimit = 10
	DocumentURLPrefix   = "/api/pdf/"
)

// Protocol messages recorded on jobs.
const (
	msgQueued   = "Job in Warteschlange eingereiht."
	msgStarted  = "Worker gestartet. Task reserviert."
	msgFinished = "Abruf erfolgreich beendet."
	msgCached   = "Ergebnis aus dem Tages-Cache geladen (Abruf vom %s)."
)

// Limiter is the admission policy consulted by Submit and charged by the worker.
type Limiter interface {
	Admit(principalID string) (bool, lookup.RateLimitState)
	Record(principalID string)
	State(principalID string) lookup.RateLimitState
}

// ArtifactReader serves stored documents by content hash.
type ArtifactReader interface {
	Get(ctx context.Context, hash string) ([]byte, error)
}

// Config tunes the engine.
type Config struct {
	// Cooldown is the pause between two jobs. Negative disables it.
	Cooldown     time.Duration
	HistoryLimit int
	Principal    lookup.Principal
}

// Dependencies are the collaborators the engine drives.
type Dependencies struct {
	Jobs      lookup.JobStore
	Queue     lookup.Queue
	Limiter   Limiter
	Strategy  lookup.Strategy
	Artifacts ArtifactReader
	IDs       lookup.IDGenerator
	Clock     lookup.Clock
	Emitter   progress.Emitter
	Logger    *zap.Logger
}

// Engine is the single owner of job state. Create one per process.
type Engine struct {
	cfg       Config
	jobs      lookup.JobStore
	queue     lookup.Queue
	limiter   Limiter
	strategy  lookup.Strategy
	artifacts ArtifactReader
	ids       lookup.IDGenerator
	clock     lookup.Clock
	emitter   progress.Emitter
	logger    *zap.Logger

	// admitMu makes admission, the cache lookup and enqueueing atomic per submission.
	admitMu sync.Mutex
}

// New validates deps and constructs an Engine.
func New(cfg Config, deps Dependencies) (*Engine, error) {
	switch {
	case deps.Jobs == nil:
		return nil, errors.New("job store is required")
	case deps.Queue == nil:
		return nil, errors.New("queue is required")
	case deps.Limiter == nil:
		return nil, errors.New("limiter is required")
	case deps.Strategy == nil:
		return nil, errors.New("strategy is required")
	case deps.Artifacts == nil:
		return nil, errors.New("artifact reader is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Principal.Role == "" {
		cfg.Principal.Role = "user"
	}
	emitter := deps.Emitter
	if emitter == nil {
		emitter = nopEmitter{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:       cfg,
		jobs:      deps.Jobs,
		queue:     deps.Queue,
		limiter:   deps.Limiter,
		strategy:  deps.Strategy,
		artifacts: deps.Artifacts,
		ids:       deps.IDs,
		clock:     deps.Clock,
		emitter:   emitter,
		logger:    logger,
	}, nil
}

// Submit admits a lookup for company on behalf of principalID. A same-day
// result for the same company is returned as an already finished job.
func (e *Engine) Submit(ctx context.Context, company lookup.Company, principalID string) (lookup.Job, error) {
	company.ID = strings.TrimSpace(company.ID)
	company.Name = strings.TrimSpace(company.Name)
	if company.ID == "" || company.Name == "" {
		return lookup.Job{}, lookup.NewError(lookup.KindBadRequest, "submit", errors.New("company id and name are required"))
	}
	if principalID == "" {
		principalID = e.cfg.Principal.ID
	}

	e.admitMu.Lock()
	defer e.admitMu.Unlock()

	allowed, state := e.limiter.Admit(principalID)
	if !allowed {
		e.logger.Info("submission rejected by rate limit",
			zap.String("principal_id", principalID),
			zap.Int("user_current", state.UserCurrent),
			zap.Int("global_current", state.GlobalCurrent),
		)
		return lookup.Job{}, lookup.NewError(lookup.KindRateLimit, "submit",
			fmt.Errorf("user %d/%d, global %d/%d per hour", state.UserCurrent, state.UserMax, state.GlobalCurrent, state.GlobalMax))
	}

	now := e.clock.Now()
	id, err := e.ids.NewID()
	if err != nil {
		return lookup.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	job := lookup.Job{
		ID:          id,
		PrincipalID: principalID,
		CompanyID:   company.ID,
		CompanyName: company.Name,
		CreatedAt:   now,
		Metadata: lookup.Metadata{
			ExecutionMode: e.strategy.Mode(),
			Audit: &lookup.Audit{
				RateLimitGlobalAtStart: state.GlobalCurrent,
				RateLimitUserAtStart:   state.UserCurrent,
			},
		},
	}

	cached, ok, err := e.jobs.FindCached(ctx, principalID, company.ID, now)
	if err != nil {
		return lookup.Job{}, fmt.Errorf("find cached job: %w", err)
	}
	if ok {
		return e.answerFromCache(ctx, job, cached, now)
	}

	job.Status = lookup.JobStatusQueued
	job.AppendProtocol(now, lookup.SeverityInfo, msgQueued)
	if err := e.jobs.CreateJob(ctx, job); err != nil {
		return lookup.Job{}, fmt.Errorf("create job: %w", err)
	}
	if err := e.queue.Enqueue(ctx, job.ID); err != nil {
		e.failUnqueued(ctx, job.ID, err)
		return lookup.Job{}, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	metrics.SetQueueDepth(e.queue.Len())
	e.emitter.Emit(progress.Event{
		JobID:       job.ID,
		PrincipalID: principalID,
		TS:          now,
		Stage:       progress.StageJobQueued,
		Mode:        job.Metadata.ExecutionMode,
		Note:        msgQueued,
	})
	e.logger.Info("job queued",
		zap.String("job_id", job.ID),
		zap.String("company_id", company.ID),
		zap.Int("queue_len", e.queue.Len()),
	)

	job.QueuePosition = e.queue.Position(job.ID)
	return job, nil
}

func (e *Engine) answerFromCache(ctx context.Context, job, cached lookup.Job, now time.Time) (lookup.Job, error) {
	job.Status = lookup.JobStatusDone
	job.Progress = 100
	res := cached.Clone().Result
	job.Result = res
	job.Metadata.ExecutionMode = cached.Metadata.ExecutionMode
	job.Metadata.CacheHit = true
	job.Metadata.FetchedAt = cached.Metadata.FetchedAt
	job.Metadata.ContentHash = cached.Metadata.ContentHash
	job.AppendProtocol(now, lookup.SeveritySuccess, fmt.Sprintf(msgCached, cached.Metadata.FetchedAt.Format("02.01.2006 15:04")))
	if err := e.jobs.CreateJob(ctx, job); err != nil {
		return lookup.Job{}, fmt.Errorf("create cached job: %w", err)
	}
	metrics.ObserveCacheHit()
	metrics.ObserveJob(string(job.Status), "")
	e.emitter.Emit(progress.Finished(job, now, 0))
	e.logger.Info("job answered from cache",
		zap.String("job_id", job.ID),
		zap.String("source_job_id", cached.ID),
	)
	return job, nil
}

func (e *Engine) failUnqueued(ctx context.Context, jobID string, cause error) {
	now := e.clock.Now()
	job, err := e.jobs.UpdateJob(ctx, jobID, func(j *lookup.Job) error {
		j.Status = lookup.JobStatusError
		j.ErrorKind = lookup.KindProviderError
		j.AppendProtocol(now, lookup.SeverityError, "Fehler: "+string(lookup.KindProviderError))
		return nil
	})
	if err != nil {
		e.logger.Error("mark unqueued job failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	e.logger.Error("enqueue failed", zap.String("job_id", jobID), zap.Error(cause))
	e.emitter.Emit(progress.Finished(job, now, 0))
}

// Job returns a copy of the job; queued jobs carry their 1-based queue position.
func (e *Engine) Job(ctx context.Context, id string) (lookup.Job, error) {
	job, err := e.jobs.GetJob(ctx, id)
	if err != nil {
		return lookup.Job{}, err
	}
	return e.withPosition(ctx, job), nil
}

// History returns the principal's most recent jobs, newest first.
func (e *Engine) History(ctx context.Context, principalID string) ([]lookup.Job, error) {
	if principalID == "" {
		principalID = e.cfg.Principal.ID
	}
	jobs, err := e.jobs.ListJobs(ctx, principalID, e.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	for i := range jobs {
		jobs[i] = e.withPosition(ctx, jobs[i])
	}
	return jobs, nil
}

// RateLimitState reports limiter usage for principalID.
func (e *Engine) RateLimitState(principalID string) lookup.RateLimitState {
	if principalID == "" {
		principalID = e.cfg.Principal.ID
	}
	return e.limiter.State(principalID)
}

// Artifact returns the stored document for hash.
func (e *Engine) Artifact(ctx context.Context, hash string) ([]byte, error) {
	return e.artifacts.Get(ctx, hash)
}

// Principal returns the fixed principal requests are attributed to.
func (e *Engine) Principal() lookup.Principal {
	return e.cfg.Principal
}

// Await polls until the job reaches a terminal state or ctx ends.
func (e *Engine) Await(ctx context.Context, id string, interval time.Duration) (lookup.Job, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := e.Job(ctx, id)
		if err != nil {
			return lookup.Job{}, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, fmt.Errorf("await job %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

// withPosition fills QueuePosition. A queued job missing from the queue was
// claimed after it was read; the worker marks it running before the claim
// completes, so one re-read observes the newer state.
func (e *Engine) withPosition(ctx context.Context, job lookup.Job) lookup.Job {
	if job.Status != lookup.JobStatusQueued {
		job.QueuePosition = 0
		return job
	}
	job.QueuePosition = e.queue.Position(job.ID)
	if job.QueuePosition > 0 {
		return job
	}
	if fresh, err := e.jobs.GetJob(ctx, job.ID); err == nil && fresh.Status != lookup.JobStatusQueued {
		fresh.QueuePosition = 0
		return fresh
	}
	return job
}

type nopEmitter struct{}

func (nopEmitter) Emit(progress.Event) {}
