package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/JakeFAU/navtrack/internal/track"
)

func TestPipelineCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	p := NewPipeline(reg)

	p.RecordAppended(track.TypePageLoad)
	p.RecordAppended(track.TypePageLoad)
	p.RecordAppended(track.TypeHashChange)
	p.NavigationSuppressed()
	p.ObserveDurableWrite("session", "ok")
	p.ObserveLockWait(3 * time.Millisecond)
	p.WriteThroughFailed("session")
	p.UploadStarted()
	p.UploadStarted()
	p.UploadFinished("completed", 120*time.Millisecond)

	if val := testutil.ToFloat64(p.records.WithLabelValues("page_load")); val != 2 {
		t.Errorf("expected 2 page_load records, got %f", val)
	}
	if val := testutil.ToFloat64(p.suppressed); val != 1 {
		t.Errorf("expected 1 suppression, got %f", val)
	}
	if val := testutil.ToFloat64(p.durableWrites.WithLabelValues("session", "ok")); val != 1 {
		t.Errorf("expected 1 durable write, got %f", val)
	}
	if val := testutil.ToFloat64(p.inFlight); val != 1 {
		t.Errorf("expected 1 upload in flight, got %f", val)
	}
	if val := testutil.ToFloat64(p.uploads.WithLabelValues("completed")); val != 1 {
		t.Errorf("expected 1 completed upload, got %f", val)
	}
	if val := testutil.CollectAndCount(p.lockWait); val != 1 {
		t.Errorf("expected lock wait histogram, got %d", val)
	}
}

func TestWriteTextfile(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	p := NewPipeline(reg)
	p.ObserveDurableWrite("cleanup", "exhausted")

	path := filepath.Join(t.TempDir(), "navtrack.prom")
	if err := WriteTextfile(path, reg); err != nil {
		t.Fatalf("WriteTextfile() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	if !strings.Contains(string(data), `navtrack_durable_writes_total{kind="cleanup",result="exhausted"} 1`) {
		t.Fatalf("expected durable write sample, got:\n%s", data)
	}
}
