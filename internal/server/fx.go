// Package server builds the long-lived services shared by the CLI commands
// and the reference collector.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/JakeFAU/navtrack/internal/aggregate"
	"github.com/JakeFAU/navtrack/internal/api"
	"github.com/JakeFAU/navtrack/internal/clock/system"
	"github.com/JakeFAU/navtrack/internal/collector"
	"github.com/JakeFAU/navtrack/internal/config"
	"github.com/JakeFAU/navtrack/internal/durable"
	"github.com/JakeFAU/navtrack/internal/export"
	"github.com/JakeFAU/navtrack/internal/fsx"
	"github.com/JakeFAU/navtrack/internal/id/uuid"
	"github.com/JakeFAU/navtrack/internal/logging"
	"github.com/JakeFAU/navtrack/internal/metrics"
	memorypublisher "github.com/JakeFAU/navtrack/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/navtrack/internal/publisher/pubsub"
	blobstore "github.com/JakeFAU/navtrack/internal/storage"
	gcsstorage "github.com/JakeFAU/navtrack/internal/storage/gcs"
	localstorage "github.com/JakeFAU/navtrack/internal/storage/local"
	memorystorage "github.com/JakeFAU/navtrack/internal/storage/memory"
	pgstore "github.com/JakeFAU/navtrack/internal/storage/postgres"
	"github.com/JakeFAU/navtrack/internal/telemetry"
	"github.com/JakeFAU/navtrack/internal/track"
	"github.com/JakeFAU/navtrack/internal/tracker"
	"github.com/JakeFAU/navtrack/internal/upload"
)

const serviceName = "navtrack"

// App contains the application's dependencies.
type App struct {
	cfg         *config.Config
	logger      *zap.Logger
	clock       track.Clock
	registry    *prometheus.Registry
	pipeline    *metrics.Pipeline
	store       *durable.Store
	coordinator *upload.Coordinator
	exporter    *export.Exporter
	aggregator  *aggregate.Aggregator
	sessionIDs  track.IDGenerator

	mirror          track.BlobStore
	publisher       track.Publisher
	storage         *storage.Client
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	uploadStore     *pgstore.UploadStore
	tracerShutdown  func(context.Context) error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return build(ctx, cfg, logger)
}

func build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{
		cfg:        cfg,
		clock:      system.New(),
		registry:   prometheus.NewRegistry(),
		sessionIDs: uuid.NewWithPrefix("sess-"),
	}
	app.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	app.pipeline = metrics.NewPipeline(app.registry)

	tp, err := telemetry.InitTracerProvider(ctx, serviceName)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	if err := setupDurable(app, logger); err != nil {
		return nil, err
	}
	app.logger.Info("building application dependencies",
		zap.String("durable_dir", cfg.Durable.Dir),
		zap.String("results_path", cfg.Results.Path),
	)

	if err := setupCoordinator(app); err != nil {
		return nil, err
	}

	lock := app.lockOptions()
	app.exporter = export.New(cfg.Results.Path, lock, app.logger)
	app.aggregator = aggregate.New(cfg.Durable.Dir, app.logger)

	if app.mirror, err = setupMirror(ctx, app); err != nil {
		return nil, err
	}
	if app.publisher, err = setupPublisher(ctx, app); err != nil {
		return nil, err
	}
	return app, nil
}

func setupDurable(app *App, logger *zap.Logger) error {
	workerID := durable.ResolveWorkerID(app.cfg.Durable.WorkerID)
	app.logger = logging.ForWorker(logger, workerID)
	store, err := durable.New(durable.Config{
		Dir:         app.cfg.Durable.Dir,
		BackupDir:   app.cfg.Durable.BackupDir,
		WorkerID:    workerID,
		MaxAttempts: app.cfg.Durable.MaxAttempts,
		Lock:        app.lockOptions(),
		Clock:       app.clock,
	}, app.pipeline, app.logger)
	if err != nil {
		return fmt.Errorf("durable store init failed: %w", err)
	}
	app.store = store
	return nil
}

func setupCoordinator(app *App) error {
	cc := app.cfg.Collector
	client, err := collector.New(collector.Config{
		Endpoint: cc.Endpoint,
		APIKey:   cc.APIKey,
		Timeout:  app.cfg.CollectorTimeout(),
	}, nil, collector.NewExponentialRetryPolicy(
		cc.MaxRetries,
		time.Duration(cc.BackoffInitialMs)*time.Millisecond,
		time.Duration(cc.BackoffMaxMs)*time.Millisecond,
	), app.logger)
	if err != nil {
		return fmt.Errorf("collector client init failed: %w", err)
	}
	app.coordinator, err = upload.New(upload.Config{
		TeardownDeadline: app.cfg.TeardownDeadline(),
		MaxCompensating:  compensating(app.cfg.Upload.MaxCompensating),
		HistoryLimit:     app.cfg.Upload.HistoryLimit,
	}, upload.Deps{
		Collector: client,
		Writer:    app.store,
		IDs:       uuid.NewWithPrefix("up-"),
		Clock:     app.clock,
		Observer:  app.pipeline,
		Logger:    app.logger,
	})
	if err != nil {
		return fmt.Errorf("upload coordinator init failed: %w", err)
	}
	app.logger.Info("upload coordinator initialized",
		zap.String("endpoint", cc.Endpoint),
		zap.Duration("teardown_deadline", app.cfg.TeardownDeadline()),
		zap.Int("max_compensating", app.cfg.Upload.MaxCompensating),
	)
	return nil
}

// compensating maps the configured count onto the coordinator, where zero
// means the default and a negative value disables compensation.
func compensating(n int) int {
	if n == 0 {
		return -1
	}
	return n
}

func setupMirror(ctx context.Context, app *App) (track.BlobStore, error) {
	ac := app.cfg.Artifacts
	switch {
	case ac.GCSBucket != "":
		var err error
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		store, err := gcsstorage.New(app.storage, gcsstorage.Config{Bucket: ac.GCSBucket, Prefix: ac.Prefix})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Info("mirroring results to GCS", zap.String("bucket", ac.GCSBucket))
		return store, nil
	case ac.LocalDir != "":
		store, err := localstorage.New(localstorage.Config{BaseDir: ac.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("mirroring results locally", zap.String("path", ac.LocalDir))
		return store, nil
	default:
		app.logger.Debug("no artifact mirror configured")
		return nil, nil
	}
}

func setupPublisher(ctx context.Context, app *App) (track.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Debug("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = app.pubsubClient.Publisher(app.cfg.PubSub.TopicName)
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(app.pubsubPublisher, "navtrack-report"), nil
}

func (a *App) lockOptions() fsx.LockOptions {
	return fsx.LockOptions{
		MaxTries:   a.cfg.Durable.LockTries,
		BaseDelay:  a.cfg.LockBaseDelay(),
		StaleAfter: a.cfg.LockStaleAfter(),
	}
}

// Config returns the loaded configuration.
func (a *App) Config() *config.Config {
	return a.cfg
}

// Logger returns the worker-scoped logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Registry returns the Prometheus registry all collectors register on.
func (a *App) Registry() *prometheus.Registry {
	return a.registry
}

// Store returns this worker's durable store.
func (a *App) Store() *durable.Store {
	return a.store
}

// Coordinator returns the upload coordinator.
func (a *App) Coordinator() *upload.Coordinator {
	return a.coordinator
}

// Publisher returns the report publisher.
func (a *App) Publisher() track.Publisher {
	return a.publisher
}

// SessionOptions name one tracked test.
type SessionOptions struct {
	SessionID string
	TestName  string
	SpecFile  string
	Metadata  map[string]string
}

// NewTracker creates a tracker wired to the durable store and coordinator.
func (a *App) NewTracker(opts SessionOptions) (*tracker.Tracker, error) {
	if opts.SessionID == "" {
		id, err := a.sessionIDs.NewID()
		if err != nil {
			return nil, fmt.Errorf("session id: %w", err)
		}
		opts.SessionID = id
	}
	return tracker.New(tracker.Config{
		SessionID:         opts.SessionID,
		TestName:          opts.TestName,
		SpecFile:          opts.SpecFile,
		Metadata:          opts.Metadata,
		TrackHashChanges:  a.cfg.Tracking.TrackHashChanges,
		PreserveHistory:   a.cfg.Tracking.PreserveHistory,
		InactivityTimeout: a.cfg.InactivityTimeout(),
	}, tracker.Deps{
		Uploader:       a.coordinator,
		Writer:         a.store,
		Clock:          a.clock,
		LedgerObserver: a.pipeline,
		Observer:       a.pipeline,
		Logger:         a.logger,
	})
}

// FinalizeResult is what the end-of-run pass produced.
type FinalizeResult struct {
	Report     aggregate.Report `json:"report"`
	Export     export.Summary   `json:"export"`
	ResultsURI string           `json:"results_uri,omitempty"`
	MessageID  string           `json:"message_id,omitempty"`
}

// Finalize aggregates every worker's files, merges the results artifact,
// mirrors it and publishes the run notification. The error wraps
// aggregate.ErrUploadsFailed when the run must fail; the result is complete
// in that case too.
func (a *App) Finalize(ctx context.Context) (FinalizeResult, error) {
	report, runErr := a.aggregator.Run(ctx)
	if runErr != nil && !errors.Is(runErr, aggregate.ErrUploadsFailed) {
		return FinalizeResult{}, runErr
	}
	res := FinalizeResult{Report: report}

	summary, err := a.exporter.Export(ctx, report.Sessions)
	if err != nil {
		return res, fmt.Errorf("export results: %w", err)
	}
	res.Export = summary
	if abs, err := filepath.Abs(summary.Path); err == nil {
		res.ResultsURI = "file://" + abs
	}

	if a.mirror != nil {
		data, err := os.ReadFile(summary.Path)
		if err != nil {
			return res, fmt.Errorf("read results artifact: %w", err)
		}
		uri, err := a.mirror.PutObject(ctx, filepath.Base(summary.Path), "application/json", data)
		if err != nil {
			return res, fmt.Errorf("mirror results artifact: %w", err)
		}
		res.ResultsURI = uri
	}

	if a.publisher != nil {
		id, err := a.publisher.Publish(ctx, a.cfg.PubSub.TopicName, report.Notification(res.ResultsURI, a.clock.Now()))
		if err != nil {
			a.logger.Warn("report notification not published", zap.Error(err))
		} else {
			res.MessageID = id
		}
	}

	if path := a.cfg.Metrics.TextfilePath; path != "" {
		if err := metrics.WriteTextfile(path, a.registry); err != nil {
			a.logger.Warn("metrics textfile not written", zap.Error(err))
		}
	}

	a.logger.Info("run finalized",
		zap.Int("sessions", len(report.Sessions)),
		zap.Int("successes", report.Successes),
		zap.Int("errors", report.Errors),
		zap.Int("pending", report.Pending),
		zap.Int("silent_failures", len(report.SilentFailures)),
		zap.Bool("written", summary.Written),
		zap.String("results_uri", res.ResultsURI),
	)
	return res, runErr
}

// CollectorServer builds the reference collector. Uploads go to Postgres
// when server.database_dsn is set and stay in memory otherwise.
func (a *App) CollectorServer(ctx context.Context) (*api.Server, error) {
	var store blobstore.UploadStore
	if dsn := a.cfg.Server.DatabaseDSN; dsn != "" {
		pg, err := pgstore.NewUploadStore(ctx, pgstore.UploadStoreConfig{DSN: dsn})
		if err != nil {
			return nil, fmt.Errorf("upload store init failed: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		a.uploadStore = pg
		store = pg
		a.logger.Info("collector using postgres upload store")
	} else {
		a.logger.Warn("No DSN specified for database, collector keeps uploads in memory")
		store = memorystorage.NewUploadStore()
	}
	validator, err := upload.NewValidator()
	if err != nil {
		return nil, err
	}
	return api.NewServer(a.cfg.Server, api.Deps{
		Store:     store,
		Validator: validator,
		Clock:     a.clock,
		Metrics:   metrics.NewHTTP(a.registry),
		Gatherer:  a.registry,
		Logger:    a.logger,
	})
}

// Serve runs handler on the configured port until ctx is canceled.
func (a *App) Serve(ctx context.Context, handler http.Handler) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			errCh <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure()
	a.closeObservability(ctx)
	return nil
}

func (a *App) closeInfrastructure() {
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.uploadStore != nil {
		a.uploadStore.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
}
