package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dougmens/handelsregister-abruf/internal/artifact"
	"github.com/dougmens/handelsregister-abruf/internal/hash/sha256"
	"github.com/dougmens/handelsregister-abruf/internal/id/uuid"
	"github.com/dougmens/handelsregister-abruf/internal/lookup"
	"github.com/dougmens/handelsregister-abruf/internal/policy/ratelimit"
	"github.com/dougmens/handelsregister-abruf/internal/progress"
	queuemem "github.com/dougmens/handelsregister-abruf/internal/queue/memory"
	"github.com/dougmens/handelsregister-abruf/internal/storage/memory"
	"github.com/dougmens/handelsregister-abruf/internal/strategy/synthetic"
)

const testPrincipal = "user_123"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 14, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) stages(jobID string) []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Stage
	for _, evt := range r.events {
		if evt.JobID == jobID {
			out = append(out, evt.Stage)
		}
	}
	return out
}

// waitFor blocks until the job's stages match want; terminal events are
// emitted just after the registry update that Await observes.
func (r *recordingEmitter) waitFor(t *testing.T, jobID string, want []progress.Stage) {
	t.Helper()
	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		assert.Equal(c, want, r.stages(jobID))
	}, 2*time.Second, 5*time.Millisecond)
}

// stubStrategy runs fn in place of a provider.
type stubStrategy struct {
	fn func(ctx context.Context, task lookup.Task, sink lookup.Sink) (lookup.Result, error)
}

func (stubStrategy) Mode() lookup.ExecutionMode { return lookup.ModeExternal }

func (s stubStrategy) Execute(ctx context.Context, task lookup.Task, sink lookup.Sink) (lookup.Result, error) {
	return s.fn(ctx, task, sink)
}

type harness struct {
	engine    *Engine
	clock     *fakeClock
	limiter   *ratelimit.Limiter
	jobs      *memory.JobStore
	queue     *queuemem.Queue
	artifacts *artifact.Store
	emitter   *recordingEmitter
}

type strategyFactory func(artifacts *artifact.Store) lookup.Strategy

func newHarness(t *testing.T, limits ratelimit.Config, build strategyFactory) *harness {
	t.Helper()
	clock := newFakeClock()
	artifacts := artifact.New(memory.NewBlobStore(), sha256.New(), "pdfs", nil)
	h := &harness{
		clock:     clock,
		limiter:   ratelimit.New(limits, clock),
		jobs:      memory.NewJobStore(0),
		queue:     queuemem.NewQueue(),
		artifacts: artifacts,
		emitter:   &recordingEmitter{},
	}
	eng, err := New(Config{
		Cooldown:  -1,
		Principal: lookup.Principal{ID: testPrincipal, Email: "demo@example.com"},
	}, Dependencies{
		Jobs:      h.jobs,
		Queue:     h.queue,
		Limiter:   h.limiter,
		Strategy:  build(artifacts),
		Artifacts: artifacts,
		IDs:       uuid.New(),
		Clock:     clock,
		Emitter:   h.emitter,
	})
	require.NoError(t, err)
	h.engine = eng
	return h
}

func syntheticStrategy(t *testing.T) strategyFactory {
	return func(artifacts *artifact.Store) lookup.Strategy {
		s, err := synthetic.New(synthetic.Config{StageDelay: -1}, artifacts, nil)
		require.NoError(t, err)
		return s
	}
}

func (h *harness) startWorker(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("worker did not stop")
		}
	})
}

func (h *harness) await(t *testing.T, id string) lookup.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := h.engine.Await(ctx, id, 5*time.Millisecond)
	require.NoError(t, err)
	return job
}

func company(id string) lookup.Company {
	return lookup.Company{ID: id, Name: "TechFlow GmbH", HRB: "HRB 12345", Court: "Amtsgericht München"}
}

func messages(job lookup.Job) []string {
	out := make([]string, 0, len(job.Protocol))
	for _, entry := range job.Protocol {
		out = append(out, entry.Message)
	}
	return out
}

func TestSyntheticLookupEndToEnd(t *testing.T) {
	h := newHarness(t, ratelimit.Config{}, syntheticStrategy(t))

	job, err := h.engine.Submit(context.Background(), company("c1"), testPrincipal)
	require.NoError(t, err)
	assert.Equal(t, lookup.JobStatusQueued, job.Status)
	assert.Equal(t, 1, job.QueuePosition)
	assert.Equal(t, lookup.ModeSynthetic, job.Metadata.ExecutionMode)
	require.NotNil(t, job.Metadata.Audit)
	assert.Equal(t, 0, job.Metadata.Audit.RateLimitUserAtStart)

	h.startWorker(t)
	final := h.await(t, job.ID)

	assert.Equal(t, lookup.JobStatusDone, final.Status)
	assert.Equal(t, 100, final.Progress)
	assert.Empty(t, final.ErrorKind)
	require.NotNil(t, final.Result)
	assert.True(t, artifact.ValidHash(final.Result.DocumentHash))
	assert.Equal(t, DocumentURLPrefix+final.Result.DocumentHash, final.Result.DocumentURL)
	assert.Equal(t, synthetic.FixedSummary(), final.Result.Summary)
	assert.False(t, final.Result.LiveAvailable)
	assert.False(t, final.Metadata.CacheHit)
	assert.Equal(t, final.Result.DocumentHash, final.Metadata.ContentHash)
	assert.Equal(t, h.clock.Now(), final.Metadata.FetchedAt)
	assert.Equal(t, []string{
		msgQueued,
		msgStarted,
		"Register-Schnittstelle antwortet.",
		"Strukturierte Daten transformiert.",
		"PDF gespeichert: " + final.Result.DocumentHash,
		msgFinished,
	}, messages(final))

	doc, err := h.engine.Artifact(context.Background(), final.Result.DocumentHash)
	require.NoError(t, err)
	assert.Equal(t, synthetic.PlaceholderPDF, doc)

	state := h.engine.RateLimitState(testPrincipal)
	assert.Equal(t, 1, state.UserCurrent)
	assert.Equal(t, 1, state.GlobalCurrent)

	h.emitter.waitFor(t, job.ID, []progress.Stage{
		progress.StageJobQueued,
		progress.StageJobStart,
		progress.StageJobProgress,
		progress.StageJobProgress,
		progress.StageJobDone,
	})
}

func TestWorkerRunsJobsInOrderOneAtATime(t *testing.T) {
	var (
		mu      sync.Mutex
		order   []string
		running atomic.Int32
		peak    atomic.Int32
	)
	h := newHarness(t, ratelimit.Config{}, func(artifacts *artifact.Store) lookup.Strategy {
		return stubStrategy{fn: func(ctx context.Context, task lookup.Task, _ lookup.Sink) (lookup.Result, error) {
			n := running.Add(1)
			defer running.Add(-1)
			if n > peak.Load() {
				peak.Store(n)
			}
			mu.Lock()
			order = append(order, task.CompanyID)
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			hash, err := artifacts.Put(ctx, []byte("%PDF-"+task.CompanyID))
			return lookup.Result{DocumentHash: hash}, err
		}}
	})

	var ids []string
	for _, c := range []string{"a", "b", "c"} {
		job, err := h.engine.Submit(context.Background(), company(c), testPrincipal)
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	h.startWorker(t)
	for _, id := range ids {
		assert.Equal(t, lookup.JobStatusDone, h.await(t, id).Status)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, int32(1), peak.Load())
}

func TestQueuePositions(t *testing.T) {
	h := newHarness(t, ratelimit.Config{}, syntheticStrategy(t))

	var ids []string
	for i, c := range []string{"a", "b", "c"} {
		job, err := h.engine.Submit(context.Background(), company(c), testPrincipal)
		require.NoError(t, err)
		assert.Equal(t, i+1, job.QueuePosition)
		ids = append(ids, job.ID)
	}
	for i, id := range ids {
		job, err := h.engine.Job(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, i+1, job.QueuePosition)
	}
}

func TestQueuePositionAdvancesWhenFirstJobCompletes(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, ratelimit.Config{}, func(artifacts *artifact.Store) lookup.Strategy {
		return stubStrategy{fn: func(ctx context.Context, task lookup.Task, _ lookup.Sink) (lookup.Result, error) {
			if task.CompanyID != "a" {
				select {
				case <-release:
				case <-ctx.Done():
					return lookup.Result{}, ctx.Err()
				}
			}
			hash, err := artifacts.Put(ctx, []byte("%PDF-"+task.CompanyID))
			return lookup.Result{DocumentHash: hash}, err
		}}
	})
	// Hold the worker between jobs so the second job stays queued.
	h.engine.cfg.Cooldown = time.Hour
	t.Cleanup(func() { close(release) })

	var ids []string
	for _, c := range []string{"a", "b", "c"} {
		job, err := h.engine.Submit(context.Background(), company(c), testPrincipal)
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	second, err := h.engine.Job(context.Background(), ids[1])
	require.NoError(t, err)
	assert.Equal(t, 2, second.QueuePosition)

	h.startWorker(t)
	assert.Equal(t, lookup.JobStatusDone, h.await(t, ids[0]).Status)

	second, err = h.engine.Job(context.Background(), ids[1])
	require.NoError(t, err)
	assert.Equal(t, lookup.JobStatusQueued, second.Status)
	assert.Equal(t, 1, second.QueuePosition)

	third, err := h.engine.Job(context.Background(), ids[2])
	require.NoError(t, err)
	assert.Equal(t, 2, third.QueuePosition)
}

func TestQueuedJobAlwaysReportsPosition(t *testing.T) {
	h := newHarness(t, ratelimit.Config{UserMax: 100, GlobalMax: 100}, syntheticStrategy(t))

	var ids []string
	for i := 0; i < 20; i++ {
		job, err := h.engine.Submit(context.Background(), company(fmt.Sprintf("c%d", i)), testPrincipal)
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	h.startWorker(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for ctx.Err() == nil {
		finished := 0
		for _, id := range ids {
			job, err := h.engine.Job(ctx, id)
			require.NoError(t, err)
			if job.Status == lookup.JobStatusQueued {
				require.Positive(t, job.QueuePosition, "queued job %s has no position", id)
			} else {
				require.Zero(t, job.QueuePosition)
			}
			if job.Status.Terminal() {
				finished++
			}
		}
		if finished == len(ids) {
			return
		}
	}
	t.Fatal("jobs did not finish")
}

func TestSubmitRejectedByRateLimitCreatesNoJob(t *testing.T) {
	h := newHarness(t, ratelimit.Config{UserMax: 2, GlobalMax: 10}, syntheticStrategy(t))
	h.limiter.Record(testPrincipal)
	h.limiter.Record(testPrincipal)

	_, err := h.engine.Submit(context.Background(), company("c1"), testPrincipal)
	require.Error(t, err)
	assert.Equal(t, lookup.KindRateLimit, lookup.KindOf(err))
	assert.Equal(t, 0, h.jobs.Len())
	assert.Equal(t, 0, h.queue.Len())

	// another principal is only bound by the global window
	job, err := h.engine.Submit(context.Background(), company("c1"), "user_456")
	require.NoError(t, err)
	assert.Equal(t, lookup.JobStatusQueued, job.Status)
}

func TestSubmitRejectedByGlobalLimit(t *testing.T) {
	h := newHarness(t, ratelimit.Config{UserMax: 10, GlobalMax: 1}, syntheticStrategy(t))
	h.limiter.Record("someone_else")

	_, err := h.engine.Submit(context.Background(), company("c1"), testPrincipal)
	assert.True(t, errors.Is(err, lookup.ErrRateLimit))
}

func TestSameDayCache(t *testing.T) {
	h := newHarness(t, ratelimit.Config{}, syntheticStrategy(t))
	h.startWorker(t)

	first, err := h.engine.Submit(context.Background(), company("c1"), testPrincipal)
	require.NoError(t, err)
	done := h.await(t, first.ID)
	require.Equal(t, lookup.JobStatusDone, done.Status)

	h.clock.Set(h.clock.Now().Add(3 * time.Hour))
	cached, err := h.engine.Submit(context.Background(), company("c1"), testPrincipal)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, cached.ID)
	assert.Equal(t, lookup.JobStatusDone, cached.Status)
	assert.Equal(t, 100, cached.Progress)
	assert.True(t, cached.Metadata.CacheHit)
	assert.Equal(t, done.Result, cached.Result)
	assert.Equal(t, done.Metadata.FetchedAt, cached.Metadata.FetchedAt)
	assert.Equal(t, []string{
		fmt.Sprintf(msgCached, done.Metadata.FetchedAt.Format("02.01.2006 15:04")),
	}, messages(cached))
	assert.Equal(t, []progress.Stage{progress.StageJobCached}, h.emitter.stages(cached.ID))

	// cache hits do not consume quota
	assert.Equal(t, 1, h.engine.RateLimitState(testPrincipal).UserCurrent)

	// another principal does not share the cache
	other, err := h.engine.Submit(context.Background(), company("c1"), "user_456")
	require.NoError(t, err)
	assert.False(t, other.Metadata.CacheHit)
	h.await(t, other.ID)

	h.clock.Set(time.Date(2024, 3, 15, 0, 0, 1, 0, time.UTC))
	next, err := h.engine.Submit(context.Background(), company("c1"), testPrincipal)
	require.NoError(t, err)
	assert.False(t, next.Metadata.CacheHit)
	assert.NotEqual(t, lookup.JobStatusDone, next.Status)
	assert.Equal(t, lookup.JobStatusDone, h.await(t, next.ID).Status)
}

func TestFailedJobIsNotCached(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, ratelimit.Config{}, func(*artifact.Store) lookup.Strategy {
		return stubStrategy{fn: func(context.Context, lookup.Task, lookup.Sink) (lookup.Result, error) {
			calls.Add(1)
			return lookup.Result{}, errors.New("boom")
		}}
	})
	h.startWorker(t)

	for range 2 {
		job, err := h.engine.Submit(context.Background(), company("c1"), testPrincipal)
		require.NoError(t, err)
		assert.Equal(t, lookup.JobStatusError, h.await(t, job.ID).Status)
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		res  lookup.Result
		err  error
		want lookup.ErrorKind
	}{
		{name: "timeout", err: lookup.NewError(lookup.KindTimeout, "run", context.DeadlineExceeded), want: lookup.KindTimeout},
		{name: "docker missing", err: lookup.NewError(lookup.KindDockerMissing, "run", errors.New("exec: not found")), want: lookup.KindDockerMissing},
		{name: "parse changed", err: fmt.Errorf("collect: %w", lookup.ErrParseChanged), want: lookup.KindParseChanged},
		{name: "unclassified", err: errors.New("connection reset"), want: lookup.KindProviderError},
		{name: "missing document", res: lookup.Result{}, want: lookup.KindProviderError},
		{name: "malformed hash", res: lookup.Result{DocumentHash: "nothex"}, want: lookup.KindProviderError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, ratelimit.Config{}, func(*artifact.Store) lookup.Strategy {
				return stubStrategy{fn: func(context.Context, lookup.Task, lookup.Sink) (lookup.Result, error) {
					return tt.res, tt.err
				}}
			})
			h.startWorker(t)

			job, err := h.engine.Submit(context.Background(), company("c1"), testPrincipal)
			require.NoError(t, err)
			final := h.await(t, job.ID)

			assert.Equal(t, lookup.JobStatusError, final.Status)
			assert.Equal(t, tt.want, final.ErrorKind)
			assert.Nil(t, final.Result)
			last := final.Protocol[len(final.Protocol)-1]
			assert.Equal(t, "Fehler: "+string(tt.want), last.Message)
			assert.Equal(t, lookup.SeverityError, last.Severity)
			h.emitter.waitFor(t, job.ID, []progress.Stage{progress.StageJobQueued, progress.StageJobStart, progress.StageJobError})
		})
	}
}

func TestWorkerSurvivesStrategyPanic(t *testing.T) {
	h := newHarness(t, ratelimit.Config{}, func(artifacts *artifact.Store) lookup.Strategy {
		return stubStrategy{fn: func(ctx context.Context, task lookup.Task, _ lookup.Sink) (lookup.Result, error) {
			if task.CompanyID == "bad" {
				panic("provider exploded")
			}
			hash, err := artifacts.Put(ctx, []byte("%PDF-ok"))
			return lookup.Result{DocumentHash: hash}, err
		}}
	})

	bad, err := h.engine.Submit(context.Background(), company("bad"), testPrincipal)
	require.NoError(t, err)
	good, err := h.engine.Submit(context.Background(), company("good"), testPrincipal)
	require.NoError(t, err)
	h.startWorker(t)

	failed := h.await(t, bad.ID)
	assert.Equal(t, lookup.JobStatusError, failed.Status)
	assert.Equal(t, lookup.KindProviderError, failed.ErrorKind)
	assert.Equal(t, lookup.JobStatusDone, h.await(t, good.ID).Status)
}

func TestSubmitValidatesCompany(t *testing.T) {
	h := newHarness(t, ratelimit.Config{}, syntheticStrategy(t))

	for _, c := range []lookup.Company{
		{ID: "", Name: "TechFlow GmbH"},
		{ID: "c1", Name: "   "},
	} {
		_, err := h.engine.Submit(context.Background(), c, testPrincipal)
		assert.Equal(t, lookup.KindBadRequest, lookup.KindOf(err))
	}
	assert.Equal(t, 0, h.jobs.Len())
}

func TestSubmitDefaultsToConfiguredPrincipal(t *testing.T) {
	h := newHarness(t, ratelimit.Config{}, syntheticStrategy(t))

	job, err := h.engine.Submit(context.Background(), company("c1"), "")
	require.NoError(t, err)
	assert.Equal(t, testPrincipal, job.PrincipalID)
	assert.Equal(t, "user", h.engine.Principal().Role)
}

func TestHistoryIsCappedNewestFirst(t *testing.T) {
	h := newHarness(t, ratelimit.Config{}, syntheticStrategy(t))

	var ids []string
	for i := range 12 {
		job, err := h.engine.Submit(context.Background(), company(fmt.Sprintf("c%d", i)), testPrincipal)
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	_, err := h.engine.Submit(context.Background(), company("other"), "user_456")
	require.NoError(t, err)

	history, err := h.engine.History(context.Background(), testPrincipal)
	require.NoError(t, err)
	require.Len(t, history, DefaultHistoryLimit)
	assert.Equal(t, ids[11], history[0].ID)
	assert.Equal(t, ids[2], history[9].ID)
	assert.Equal(t, 12, history[0].QueuePosition)
}

func TestJobNotFound(t *testing.T) {
	h := newHarness(t, ratelimit.Config{}, syntheticStrategy(t))

	_, err := h.engine.Job(context.Background(), "job_missing")
	assert.ErrorIs(t, err, lookup.ErrNotFound)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{}, Dependencies{})
	assert.Error(t, err)
}
