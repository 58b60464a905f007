// Package app assembles the long-lived services of the lookup service from
// configuration and runs them as one unit.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dougmens/handelsregister-abruf/internal/api"
	"github.com/dougmens/handelsregister-abruf/internal/artifact"
	"github.com/dougmens/handelsregister-abruf/internal/clock/system"
	"github.com/dougmens/handelsregister-abruf/internal/config"
	"github.com/dougmens/handelsregister-abruf/internal/engine"
	"github.com/dougmens/handelsregister-abruf/internal/hash/sha256"
	"github.com/dougmens/handelsregister-abruf/internal/id/uuid"
	"github.com/dougmens/handelsregister-abruf/internal/lookup"
	"github.com/dougmens/handelsregister-abruf/internal/policy/ratelimit"
	"github.com/dougmens/handelsregister-abruf/internal/progress"
	"github.com/dougmens/handelsregister-abruf/internal/progress/sinks"
	pubsubpublisher "github.com/dougmens/handelsregister-abruf/internal/publisher/pubsub"
	queuemem "github.com/dougmens/handelsregister-abruf/internal/queue/memory"
	"github.com/dougmens/handelsregister-abruf/internal/storage/gcs"
	"github.com/dougmens/handelsregister-abruf/internal/storage/local"
	"github.com/dougmens/handelsregister-abruf/internal/storage/memory"
	"github.com/dougmens/handelsregister-abruf/internal/storage/postgres"
	"github.com/dougmens/handelsregister-abruf/internal/strategy/external"
	"github.com/dougmens/handelsregister-abruf/internal/strategy/synthetic"
	"github.com/dougmens/handelsregister-abruf/internal/telemetry"
)

// ServiceName identifies the process in traces.
const ServiceName = "regiscan"

const shutdownTimeout = 10 * time.Second

// Options override collaborators that are otherwise built from configuration.
type Options struct {
	// Registerer receives the progress collectors. Defaults to the global registry.
	Registerer prometheus.Registerer
	// Publisher replaces the Pub/Sub client when set.
	Publisher lookup.Publisher
	// Archive replaces the Postgres archive when set.
	Archive lookup.Archive
}

// App holds the shared services of one process.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	engine *engine.Engine
	queue  *queuemem.Queue
	hub    *progress.Hub
	server *http.Server

	// closers run in reverse order on Close.
	closers []func()
}

// New builds every service and fails fast on the first error.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	built := false
	defer func() {
		if !built {
			a.runClosers()
		}
	}()

	tracer, err := telemetry.InitTracerProvider(ctx, ServiceName)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.closers = append(a.closers, func() {
		if err := tracer.Shutdown(context.Background()); err != nil {
			logger.Warn("shutdown tracer failed", zap.Error(err))
		}
	})

	blobs, err := a.newBlobStore(ctx)
	if err != nil {
		return nil, err
	}
	clock := system.New()
	artifacts := artifact.New(blobs, sha256.New(), cfg.Storage.Prefix, logger.Named("artifact"))

	strategy, err := a.newStrategy(artifacts)
	if err != nil {
		return nil, err
	}

	hubSinks, err := a.newSinks(ctx, opts)
	if err != nil {
		return nil, err
	}
	a.hub = progress.NewHub(progress.Config{Logger: logger.Named("progress")}, hubSinks...)

	a.queue = queuemem.NewQueue()
	a.engine, err = engine.New(engine.Config{
		Cooldown:     cfg.Engine.Cooldown,
		HistoryLimit: cfg.Engine.HistoryLimit,
		Principal: lookup.Principal{
			ID:    cfg.Principal.ID,
			Email: cfg.Principal.Email,
			Role:  "user",
		},
	}, engine.Dependencies{
		Jobs:  memory.NewJobStore(cfg.Registry.MaxJobs),
		Queue: a.queue,
		Limiter: ratelimit.New(ratelimit.Config{
			GlobalMax:    cfg.RateLimit.GlobalMax,
			UserMax:      cfg.RateLimit.UserMax,
			Window:       cfg.RateLimit.Window,
			WarningRatio: cfg.RateLimit.WarningRatio,
		}, clock),
		Strategy:  strategy,
		Artifacts: artifacts,
		IDs:       uuid.New(),
		Clock:     clock,
		Emitter:   a.hub,
		Logger:    logger.Named("engine"),
	})
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}

	srv := api.NewServer(a.engine, api.Config{CORSOrigin: cfg.Server.CORSOrigin}, logger.Named("api"))
	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	built = true
	logger.Info("application services initialized",
		zap.String("execution_mode", string(strategy.Mode())),
		zap.String("storage_provider", cfg.Storage.Provider),
		zap.Int("sinks", len(hubSinks)),
	)
	return a, nil
}

func (a *App) newBlobStore(ctx context.Context) (lookup.BlobStore, error) {
	switch a.cfg.Storage.Provider {
	case "memory":
		a.logger.Warn("using in-memory document storage; documents are lost on restart")
		return memory.NewBlobStore(), nil
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := client.Close(); err != nil {
				a.logger.Warn("close gcs client failed", zap.Error(err))
			}
		})
		a.logger.Info("using gcs document storage", zap.String("bucket", a.cfg.Storage.GCSBucket))
		store, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs storage: %w", err)
		}
		return store, nil
	default:
		store, err := local.New(local.Config{BaseDir: a.cfg.Storage.Dir})
		if err != nil {
			return nil, fmt.Errorf("init local storage: %w", err)
		}
		return store, nil
	}
}

func (a *App) newStrategy(artifacts *artifact.Store) (lookup.Strategy, error) {
	logger := a.logger.Named("strategy")
	if a.cfg.Execution.Mode == string(lookup.ModeExternal) {
		s, err := external.New(external.Config{
			Binary:     a.cfg.Execution.DockerBinary,
			Image:      a.cfg.Execution.Image,
			Timeout:    a.cfg.ExecutionTimeout(),
			ScratchDir: a.cfg.Execution.ScratchDir,
		}, artifacts, logger)
		if err != nil {
			return nil, fmt.Errorf("init external strategy: %w", err)
		}
		return s, nil
	}
	delay := a.cfg.Execution.SyntheticDelay
	if delay == 0 {
		delay = -1
	}
	s, err := synthetic.New(synthetic.Config{StageDelay: delay, SamplePath: a.cfg.Execution.SamplePath}, artifacts, logger)
	if err != nil {
		return nil, fmt.Errorf("init synthetic strategy: %w", err)
	}
	return s, nil
}

func (a *App) newSinks(ctx context.Context, opts Options) ([]progress.Sink, error) {
	promSink, err := sinks.NewPrometheusSink(opts.Registerer)
	if err != nil {
		return nil, err
	}
	out := []progress.Sink{sinks.NewLogSink(a.logger.Named("progress")), promSink}

	publisher := opts.Publisher
	if publisher == nil && a.cfg.PubSub.TopicName != "" {
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("create pubsub client: %w", err)
		}
		p, err := pubsubpublisher.New(client, a.cfg.PubSub.TopicName)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
		a.closers = append(a.closers, func() {
			p.Stop()
			if err := client.Close(); err != nil {
				a.logger.Warn("close pubsub client failed", zap.Error(err))
			}
		})
		a.logger.Info("publishing job completions", zap.String("topic", a.cfg.PubSub.TopicName))
		publisher = p
	}
	if publisher != nil {
		out = append(out, sinks.NewPublisherSink(publisher, a.cfg.PubSub.TopicName, a.logger.Named("publisher")))
	}

	archive := opts.Archive
	if archive == nil && a.cfg.DB.DSN != "" {
		store, err := postgres.NewArchiveStore(ctx, postgres.ArchiveStoreConfig{DSN: a.cfg.DB.DSN, Table: a.cfg.DB.Table})
		if err != nil {
			return nil, fmt.Errorf("init archive: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		a.logger.Info("archiving finished jobs", zap.String("table", a.cfg.DB.Table))
		archive = store
	}
	if archive != nil {
		out = append(out, sinks.NewArchiveSink(archive))
	}
	return out, nil
}

// Engine exposes the lookup engine.
func (a *App) Engine() *engine.Engine {
	return a.engine
}

// Handler exposes the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// RunWorker drives the engine's worker until ctx ends.
func (a *App) RunWorker(ctx context.Context) error {
	if err := a.engine.Run(ctx); err != nil {
		return fmt.Errorf("run worker: %w", err)
	}
	return nil
}

// Serve runs the HTTP server and the worker until ctx ends or either fails.
func (a *App) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.RunWorker(gctx)
	})
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Close flushes progress sinks and releases clients. Call it after Serve or
// RunWorker has returned.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("shutting down application services")
	a.queue.Close()
	var errs []error
	if err := a.hub.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	a.runClosers()
	return errors.Join(errs...)
}

func (a *App) runClosers() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
