package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/dougmens/handelsregister-abruf/internal/artifact"
	"github.com/dougmens/handelsregister-abruf/internal/logging"
	"github.com/dougmens/handelsregister-abruf/internal/lookup"
	"github.com/dougmens/handelsregister-abruf/internal/metrics"
	"github.com/dougmens/handelsregister-abruf/internal/progress"
	"github.com/dougmens/handelsregister-abruf/internal/telemetry"
)

// Run is the single worker loop. It processes one job at a time in FIFO order,
// pausing for the cooldown between jobs, until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("worker started", zap.String("mode", string(e.strategy.Mode())))
	defer e.logger.Info("worker stopped")
	for {
		var (
			job     lookup.Job
			started bool
		)
		id, err := e.queue.Claim(ctx, func(jobID string) {
			job, started = e.start(ctx, jobID)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("dequeue job: %w", err)
		}
		metrics.SetQueueDepth(e.queue.Len())
		e.logger.Debug("dequeued job", zap.String("job_id", id))

		if started {
			e.process(ctx, job)
		}

		if e.cfg.Cooldown > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(e.cfg.Cooldown):
			}
		}
	}
}

// start moves a job from queued to running. It runs while the id is still at
// the queue head, so readers never see a queued job without a position.
func (e *Engine) start(ctx context.Context, id string) (lookup.Job, bool) {
	job, err := e.jobs.UpdateJob(ctx, id, func(j *lookup.Job) error {
		if j.Status != lookup.JobStatusQueued {
			return fmt.Errorf("job is %s, not queued", j.Status)
		}
		j.Status = lookup.JobStatusRunning
		j.SetProgress(10)
		j.AppendProtocol(e.clock.Now(), lookup.SeverityInfo, msgStarted)
		return nil
	})
	if err != nil {
		e.logger.Error("start job failed", zap.String("job_id", id), zap.Error(err))
		return lookup.Job{}, false
	}
	return job, true
}

func (e *Engine) process(ctx context.Context, job lookup.Job) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	id := job.ID
	startedAt := e.clock.Now()
	e.limiter.Record(job.PrincipalID)
	e.emitter.Emit(progress.Event{
		JobID:       id,
		PrincipalID: job.PrincipalID,
		TS:          startedAt,
		Stage:       progress.StageJobStart,
		Progress:    job.Progress,
		Mode:        e.strategy.Mode(),
		Note:        msgStarted,
	})

	ctx, span := telemetry.Tracer().Start(ctx, "lookup.execute")
	span.SetAttributes(
		attribute.String("job.id", id),
		attribute.String("company.id", job.CompanyID),
		attribute.String("execution.mode", string(e.strategy.Mode())),
	)
	defer span.End()

	task := lookup.Task{JobID: id, CompanyID: job.CompanyID, CompanyName: job.CompanyName}
	began := time.Now()
	result, execErr := e.execute(ctx, task, &jobSink{engine: e, ctx: ctx, job: job})
	elapsed := time.Since(began)

	if execErr == nil && !artifact.ValidHash(result.DocumentHash) {
		execErr = lookup.NewError(lookup.KindProviderError, "execute", errors.New("strategy returned no document"))
	}
	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, string(lookup.KindOf(execErr)))
	}

	final, err := e.finish(ctx, id, result, execErr, elapsed)
	if err != nil {
		e.logger.Error("finish job failed", zap.String("job_id", id), zap.Error(err))
		return
	}
	metrics.ObserveJob(string(final.Status), string(final.ErrorKind))
	metrics.ObserveJobDuration(string(e.strategy.Mode()), elapsed)
	e.emitter.Emit(progress.Finished(final, e.clock.Now(), elapsed))

	fields := []zap.Field{
		zap.String("job_id", id),
		zap.String("status", string(final.Status)),
		zap.Duration("elapsed", elapsed),
	}
	if execErr != nil {
		e.logger.Warn("job failed", append(fields, zap.String("error_code", string(final.ErrorKind)), zap.Error(execErr))...)
		return
	}
	e.logger.Info("job finished", append(fields, zap.String("sha256", final.Metadata.ContentHash))...)
}

// execute runs the strategy, turning a panic into a PROVIDER_ERROR.
func (e *Engine) execute(ctx context.Context, task lookup.Task, sink lookup.Sink) (res lookup.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("strategy panicked", zap.String("job_id", task.JobID), zap.Any("panic", r), zap.Stack("stack"))
			err = lookup.NewError(lookup.KindProviderError, "execute", fmt.Errorf("strategy panic: %v", r))
		}
	}()
	return e.strategy.Execute(ctx, task, sink)
}

func (e *Engine) finish(ctx context.Context, id string, result lookup.Result, execErr error, elapsed time.Duration) (lookup.Job, error) {
	now := e.clock.Now()
	// Side effects below must not be skipped because the run context ended.
	ctx = context.WithoutCancel(ctx)
	return e.jobs.UpdateJob(ctx, id, func(j *lookup.Job) error {
		j.Metadata.DurationMs = elapsed.Milliseconds()
		if execErr != nil {
			j.Status = lookup.JobStatusError
			j.ErrorKind = lookup.KindOf(execErr)
			j.AppendProtocol(now, lookup.SeverityError, "Fehler: "+string(j.ErrorKind))
			return nil
		}
		res := result
		res.DocumentURL = DocumentURLPrefix + res.DocumentHash
		j.Result = &res
		j.Status = lookup.JobStatusDone
		j.SetProgress(100)
		j.Metadata.FetchedAt = now
		j.Metadata.ContentHash = res.DocumentHash
		j.AppendProtocol(now, lookup.SeveritySuccess, msgFinished)
		return nil
	})
}

// jobSink records strategy progress and protocol lines on the running job.
type jobSink struct {
	engine *Engine
	ctx    context.Context
	job    lookup.Job
}

func (s *jobSink) Progress(pct int) {
	job, err := s.engine.jobs.UpdateJob(s.ctx, s.job.ID, func(j *lookup.Job) error {
		j.SetProgress(pct)
		return nil
	})
	if err != nil {
		s.engine.logger.Warn("record progress failed", zap.String("job_id", s.job.ID), zap.Error(err))
		return
	}
	s.engine.emitter.Emit(progress.Event{
		JobID:       s.job.ID,
		PrincipalID: s.job.PrincipalID,
		TS:          s.engine.clock.Now(),
		Stage:       progress.StageJobProgress,
		Progress:    job.Progress,
		Mode:        s.engine.strategy.Mode(),
	})
}

func (s *jobSink) Log(severity lookup.Severity, msg string) {
	now := s.engine.clock.Now()
	_, err := s.engine.jobs.UpdateJob(s.ctx, s.job.ID, func(j *lookup.Job) error {
		j.AppendProtocol(now, severity, msg)
		return nil
	})
	if err != nil {
		s.engine.logger.Warn("record protocol failed", zap.String("job_id", s.job.ID), zap.Error(err))
		return
	}
	if ce := s.engine.logger.Check(logging.Severity(string(severity)), "job protocol"); ce != nil {
		ce.Write(zap.String("job_id", s.job.ID), zap.String("message", msg))
	}
}
