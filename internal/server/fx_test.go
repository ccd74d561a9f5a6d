package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/navtrack/internal/aggregate"
	"github.com/JakeFAU/navtrack/internal/config"
	memorypublisher "github.com/JakeFAU/navtrack/internal/publisher/memory"
	memorystorage "github.com/JakeFAU/navtrack/internal/storage/memory"
	"github.com/JakeFAU/navtrack/internal/track"
	"github.com/JakeFAU/navtrack/internal/upload"
)

func testConfig(t *testing.T, endpoint string) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	dir := t.TempDir()
	cfg.Durable.Dir = filepath.Join(dir, "workers")
	cfg.Durable.BackupDir = filepath.Join(dir, "backup")
	cfg.Durable.WorkerID = "w1"
	cfg.Results.Path = filepath.Join(dir, "results", "url-tracking-results.json")
	cfg.Artifacts.LocalDir = filepath.Join(dir, "mirror")
	cfg.Metrics.TextfilePath = filepath.Join(dir, "navtrack.prom")
	cfg.Collector.Endpoint = endpoint
	cfg.Collector.MaxRetries = 1
	return &cfg
}

func recordSession(t *testing.T, app *App) upload.Outcome {
	t.Helper()
	ctx := context.Background()
	trk, err := app.NewTracker(SessionOptions{TestName: "logs in", SpecFile: "specs/login.spec.ts"})
	require.NoError(t, err)
	require.NoError(t, trk.Observe(ctx, track.DriverEvent{Kind: track.EventNavigated, URL: "https://app.example/login"}))
	require.NoError(t, trk.Observe(ctx, track.DriverEvent{
		Kind:  track.EventHistory,
		URL:   "https://app.example/home",
		Cause: track.CausePushState,
	}))
	return trk.EndTest(ctx)
}

func TestRecordAndFinalizeAgainstCollector(t *testing.T) {
	var handler http.Handler
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	defer ts.Close()

	ctx := context.Background()
	app, err := build(ctx, testConfig(t, ts.URL), zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = app.Close(ctx) }()

	srv, err := app.CollectorServer(ctx)
	require.NoError(t, err)
	handler = srv.Handler()

	out := recordSession(t, app)
	require.Equal(t, upload.StatusCompleted, out.Status, "upload error: %v", out.Err)
	require.NotEmpty(t, out.UploadID)

	res, err := app.Finalize(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Report.Successes)
	require.Len(t, res.Report.Sessions, 1)
	require.Len(t, res.Report.Sessions[0].Records, 2)
	require.True(t, res.Export.Written)
	require.Equal(t, 1, res.Export.Added)

	require.True(t, strings.HasPrefix(res.ResultsURI, "file://"))
	mirrored, err := os.ReadFile(filepath.Join(app.Config().Artifacts.LocalDir, "url-tracking-results.json"))
	require.NoError(t, err)
	require.Contains(t, string(mirrored), "https://app.example/home")

	textfile, err := os.ReadFile(app.Config().Metrics.TextfilePath)
	require.NoError(t, err)
	require.Contains(t, string(textfile), "navtrack_records_total")

	pub, ok := app.Publisher().(*memorypublisher.Publisher)
	require.True(t, ok)
	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "false", msgs[0].Attributes["failed"])
}

func TestFinalizeFailsOnConfirmedUploadErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "schema mismatch", http.StatusBadRequest)
	}))
	defer ts.Close()

	ctx := context.Background()
	app, err := build(ctx, testConfig(t, ts.URL), zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = app.Close(ctx) }()
	blobs := memorystorage.NewBlobStore()
	app.mirror = blobs

	out := recordSession(t, app)
	require.Equal(t, upload.StatusFailed, out.Status)

	res, err := app.Finalize(ctx)
	require.Error(t, err)
	require.True(t, errors.Is(err, aggregate.ErrUploadsFailed))
	require.True(t, res.Report.Failed())
	require.Len(t, res.Report.ConfirmedErrors, 1)
	require.Equal(t, "rejected", res.Report.ConfirmedErrors[0].ErrorClass)
	require.True(t, res.Export.Written)

	// The artifact is mirrored even when the run fails.
	require.Equal(t, "memory://url-tracking-results.json", res.ResultsURI)
	data, contentType, ok := blobs.Object("url-tracking-results.json")
	require.True(t, ok)
	require.Equal(t, "application/json", contentType)
	require.Contains(t, string(data), "https://app.example/login")
}

func TestCompensating(t *testing.T) {
	t.Parallel()

	require.Equal(t, -1, compensating(0))
	require.Equal(t, 2, compensating(2))
}
