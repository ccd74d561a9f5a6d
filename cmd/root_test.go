package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/navtrack/internal/upload"
)

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	results := filepath.Join(dir, "results", "urls.json")
	cfg := "logging:\n  development: false\n" +
		"durable:\n  dir: " + filepath.Join(dir, "workers") + "\n  worker_id: cli\n" +
		"results:\n  path: " + results + "\n"
	path := filepath.Join(dir, "navtrack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path, results
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestReportWithNoWorkers(t *testing.T) {
	cfgPath, results := writeConfig(t)

	out, err := run(t, "report", "--config", cfgPath)
	require.NoError(t, err)

	var res struct {
		Report struct {
			Successes int `json:"successes"`
		} `json:"report"`
		Export struct {
			Path string `json:"path"`
		} `json:"export"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res), out)
	require.Zero(t, res.Report.Successes)
	require.Equal(t, results, res.Export.Path)
}

func TestMissingConfigFile(t *testing.T) {
	_, err := run(t, "report", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorContains(t, err, "load config")
}

func TestRecordRequiresURL(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	_, err := run(t, "record", "--config", cfgPath, "--test-name", "login")
	require.ErrorContains(t, err, "required flag")
}

func TestResolveAppWithoutBuild(t *testing.T) {
	t.Parallel()
	_, err := resolveApp(context.Background())
	require.Error(t, err)
}

func TestDrainBackground(t *testing.T) {
	t.Parallel()
	require.Empty(t, drainBackground(nil))

	ch := make(chan upload.Outcome, 2)
	ch <- upload.Outcome{UploadID: "up-1", Status: upload.StatusCompleted}
	ch <- upload.Outcome{UploadID: "up-2", Status: upload.StatusFailed}
	require.Len(t, drainBackground(ch), 2)
	require.Empty(t, drainBackground(ch))
}

func TestResolveOutcome(t *testing.T) {
	t.Parallel()

	closeWon := upload.Outcome{UploadID: "up-1", Trigger: upload.TriggerClose, Status: upload.StatusFailed}
	require.Equal(t, closeWon, resolveOutcome(closeWon, nil))

	detached := upload.Outcome{UploadID: "up-2", Trigger: upload.TriggerEndTest, Status: upload.StatusBackground}
	require.Equal(t, detached, resolveOutcome(detached, []upload.Outcome{{UploadID: "up-9", Status: upload.StatusFailed}}))

	settled := upload.Outcome{UploadID: "up-2", Trigger: upload.TriggerEndTest, Status: upload.StatusFailed}
	got := resolveOutcome(detached, []upload.Outcome{settled})
	require.Equal(t, upload.StatusFailed, got.Status)
	require.Equal(t, upload.TriggerEndTest, got.Trigger)
}
