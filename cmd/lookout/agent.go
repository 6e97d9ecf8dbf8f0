package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/dandantas/lookout/internal/checks"
	"github.com/dandantas/lookout/internal/config"
	"github.com/dandantas/lookout/internal/controlplane"
	"github.com/dandantas/lookout/internal/database"
	"github.com/dandantas/lookout/internal/handler"
	"github.com/dandantas/lookout/internal/metrics"
	"github.com/dandantas/lookout/internal/resource"
	"github.com/dandantas/lookout/internal/scheduler"
	"github.com/dandantas/lookout/internal/submission"
	"github.com/dandantas/lookout/internal/worker"
)

const shutdownTimeout = 30 * time.Second

// backend is the control plane the agent was configured with
type backend struct {
	source   scheduler.ControlPlane
	creds    checks.CredentialSource
	reporter scheduler.Reporter
	db       *database.MongoDB
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	switch cfg.ControlPlane {
	case config.ControlPlaneHTTP:
		client := controlplane.NewHTTPClient(cfg.ControlPlaneURL, cfg.DefaultAPITimeout, controlplane.RetryPolicy{})
		return &backend{
			source:   client,
			creds:    client,
			reporter: controlplane.MultiReporter{client, controlplane.LogReporter{}},
		}, nil

	case config.ControlPlaneMongo:
		db, err := database.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoTimeout)
		if err != nil {
			return nil, err
		}
		if err := database.CreateIndexes(ctx, db); err != nil {
			_ = db.Disconnect(context.Background())
			return nil, err
		}
		return &backend{
			source:   database.NewScheduleRepository(db),
			creds:    database.NewCredentialRepository(db),
			reporter: controlplane.MultiReporter{database.NewReportRepository(db), controlplane.LogReporter{}},
			db:       db,
		}, nil

	case config.ControlPlaneFile:
		source := controlplane.NewFileSource(cfg.ChecksFile)
		return &backend{
			source:   source,
			creds:    source,
			reporter: controlplane.LogReporter{},
		}, nil

	default:
		return nil, fmt.Errorf("unknown control plane %q", cfg.ControlPlane)
	}
}

func (b *backend) close() {
	if b.db == nil {
		return
	}
	if err := b.db.Disconnect(context.Background()); err != nil {
		slog.Error("Failed to disconnect from MongoDB", "error", err)
	}
}

func newPipeline(cfg *config.Config, clk clock.Clock, m *metrics.Metrics) (*submission.Pipeline, error) {
	collector := submission.NewCollectorClient(cfg.CollectorURL, cfg.DefaultAPITimeout, clk, m)
	return submission.NewPipeline(submission.Options{
		Dir:             cfg.SubmitDir(),
		Retention:       cfg.DedupRetention,
		DedupSize:       submission.DefaultDedupSize,
		ReplayRate:      float64(cfg.ReplayRatePerSec),
		RetrySchedule:   cfg.RetrySchedule,
		RecheckSchedule: cfg.RecheckSchedule,
		EventTimePath:   cfg.EventTimePath,
		CheckIDPath:     cfg.CheckIDPath,
	}, collector, clk, m)
}

// agent is every long-lived component of a running agent
type agent struct {
	cfg       *config.Config
	backend   *backend
	metrics   *metrics.Metrics
	pipeline  *submission.Pipeline
	resources *resource.Pool
	scheduler *scheduler.Scheduler
}

func newAgent(ctx context.Context, cfg *config.Config, clk clock.Clock) (*agent, error) {
	defs, err := checks.LoadCatalogue(cfg.ChecksFile)
	if err != nil {
		return nil, err
	}

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a := &agent{cfg: cfg, backend: b, metrics: metrics.New()}

	registry := checks.NewRegistry(checks.NewCredentialCache(b.creds, checks.DefaultCredentialTTL), cfg.DefaultAPITimeout)
	if err := registry.Load(defs, cfg.Region); err != nil {
		a.close()
		return nil, err
	}
	slog.Debug("Registered checks", "check_ids", registry.IDs())

	a.pipeline, err = newPipeline(cfg, clk, a.metrics)
	if err != nil {
		a.close()
		return nil, err
	}

	a.resources = resource.NewPool(
		resource.HTTPSessionFactory(cfg.DefaultAPITimeout),
		resource.Options{Min: cfg.ResourcePoolMin, Max: cfg.ResourcePoolMax},
		resource.NewRetryStrategy(resource.RetryConfig{}, clk),
	)

	a.scheduler, err = scheduler.NewScheduler(scheduler.Options{
		Region:            cfg.Region,
		RefreshSchedule:   cfg.RefreshSchedule,
		SkipThreshold:     cfg.SkipThreshold,
		EmptyQueueBackoff: cfg.EmptyQueueBackoff,
		MaxConnectionLoss: cfg.MaxConnectionLoss,
	}, scheduler.Dependencies{
		ControlPlane: b.source,
		Registry:     registry,
		Resources:    a.resources,
		Workers:      worker.NewWorkerPool(cfg.WorkerPoolSize, cfg.MaxQueuedJobs),
		Submitter:    a.pipeline,
		Reporter:     b.reporter,
		Metrics:      a.metrics,
		Clock:        clk,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *agent) close() {
	if a.resources != nil {
		a.resources.Close()
	}
	if a.pipeline != nil {
		if err := a.pipeline.Close(); err != nil {
			slog.Error("Failed to close submission logs", "error", err)
		}
	}
	a.backend.close()
}

func (a *agent) router() http.Handler {
	var db handler.Pinger
	if a.backend.db != nil {
		db = a.backend.db
	}
	return handler.NewRouter(
		handler.NewHealthHandler(db, a.scheduler, version),
		handler.NewStatusHandler(a.scheduler, a.pipeline),
		a.metrics.Handler(),
	).Handler()
}

// runAgent runs the scheduler and the status server until ctx is done, the
// scheduler stops, or runFor elapses when it is positive
func runAgent(ctx context.Context, cfg *config.Config, clk clock.Clock, runFor time.Duration) error {
	slog.Info("Starting Lookout agent", "version", version, "control_plane", cfg.ControlPlane)

	a, err := newAgent(ctx, cfg, clk)
	if err != nil {
		return err
	}
	defer a.close()

	var endTime time.Time
	if runFor > 0 {
		endTime = clk.Now().Add(runFor)
	} else {
		endTime = clk.Now().AddDate(100, 0, 0)
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(gctx)
	defer stop()

	g.Go(func() error {
		defer stop()
		return a.scheduler.Run(runCtx, endTime)
	})

	if cfg.StatusEnabled {
		server := &http.Server{
			Addr:         ":" + cfg.HTTPPort,
			Handler:      a.router(),
			ReadTimeout:  cfg.HTTPReadTimeout,
			WriteTimeout: cfg.HTTPWriteTimeout,
		}

		g.Go(func() error {
			slog.Info("Starting status server", "port", cfg.HTTPPort)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-runCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				slog.Error("Status server shutdown error", "error", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("Lookout agent stopped")
	return nil
}
