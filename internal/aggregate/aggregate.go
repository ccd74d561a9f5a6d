// Package aggregate merges every worker's durable files into one final
// report at process exit.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/navtrack/internal/durable"
	"github.com/JakeFAU/navtrack/internal/track"
	"github.com/JakeFAU/navtrack/internal/upload"
)

// ErrUploadsFailed is returned when confirmed upload errors remain and no
// background attempt could still compensate them.
var ErrUploadsFailed = errors.New("confirmed upload failures")

// Report is the cross-worker view.
type Report struct {
	// Sessions holds one variant per (spec file, test identity), sorted.
	Sessions []track.Session `json:"sessions"`

	Successes int `json:"successes"`
	Errors    int `json:"errors"`
	Skips     int `json:"skips"`
	// Compensated counts api-error entries whose session also has a success.
	Compensated int `json:"compensated"`
	// ConfirmedErrors lists errors without a compensating success and
	// without a pending attempt of the same session.
	ConfirmedErrors []track.UploadOutcome `json:"confirmed_errors,omitempty"`
	// DeferredErrors lists errors whose session still has a background
	// attempt that may succeed.
	DeferredErrors []track.UploadOutcome `json:"deferred_errors,omitempty"`
	// Pending counts background attempts with no terminal entry yet.
	Pending int `json:"pending"`
	// PendingSessions lists the sessions of those attempts, sorted.
	PendingSessions []string `json:"pending_sessions,omitempty"`
	// SilentFailures lists cleanups that produced no upload outcome.
	SilentFailures []track.CleanupMarker `json:"silent_failures,omitempty"`

	Workers           []string `json:"workers"`
	Malformed         int      `json:"malformed"`
	DuplicatesDropped int      `json:"duplicates_dropped"`
}

// Failed reports whether the run must fail.
func (r Report) Failed() bool {
	return len(r.ConfirmedErrors) > 0
}

// Aggregator reads a shared durable directory.
type Aggregator struct {
	dir    string
	logger *zap.Logger
}

// New returns an Aggregator over dir.
func New(dir string, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{dir: dir, logger: logger.Named("aggregate")}
}

// Run builds the report. The returned error wraps ErrUploadsFailed when the
// report failed; the report is valid in that case too.
func (a *Aggregator) Run(ctx context.Context) (Report, error) {
	snap, err := durable.ReadDir(a.dir)
	if err != nil {
		return Report{}, fmt.Errorf("read worker files: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	report := Report{Workers: snap.Workers, Malformed: snap.Malformed}
	if snap.Malformed > 0 {
		a.logger.Warn("malformed durable lines ignored", zap.Int("count", snap.Malformed))
	}

	report.Sessions, report.DuplicatesDropped = a.dedupe(snap.Of(track.KindSession))

	successes := decodeOutcomes(a.logger, snap.Of(track.KindAPISuccess))
	failures := decodeOutcomes(a.logger, snap.Of(track.KindAPIError))
	skips := decodeOutcomes(a.logger, snap.Of(track.KindAPISkip))
	report.Successes = len(successes)
	report.Errors = len(failures)
	report.Skips = len(skips)

	succeeded := make(map[string]struct{}, len(successes))
	outcomeSessions := make(map[string]struct{})
	terminal := make(map[string]struct{})
	var unresolved []track.UploadOutcome
	for _, o := range successes {
		succeeded[o.SessionID] = struct{}{}
		outcomeSessions[o.SessionID] = struct{}{}
		terminal[o.UploadID] = struct{}{}
	}
	for _, o := range failures {
		outcomeSessions[o.SessionID] = struct{}{}
		terminal[o.UploadID] = struct{}{}
		if _, ok := succeeded[o.SessionID]; ok {
			report.Compensated++
			continue
		}
		unresolved = append(unresolved, o)
	}
	for _, o := range skips {
		outcomeSessions[o.SessionID] = struct{}{}
	}

	pending := make(map[string]struct{})
	for _, e := range snap.Of(track.KindCleanup) {
		var marker track.CleanupMarker
		if err := e.Decode(&marker); err != nil {
			a.logger.Warn("undecodable cleanup entry", zap.String("worker", e.WorkerID), zap.Error(err))
			continue
		}
		if marker.UploadStatus == string(upload.StatusBackground) && marker.UploadID != "" {
			if _, done := terminal[marker.UploadID]; !done {
				report.Pending++
				pending[marker.SessionID] = struct{}{}
			}
			continue
		}
		if _, ok := outcomeSessions[marker.SessionID]; !ok {
			report.SilentFailures = append(report.SilentFailures, marker)
			a.logger.Warn("cleanup produced no upload outcome",
				zap.String("session_id", marker.SessionID),
				zap.String("trigger", marker.Trigger),
				zap.String("worker", e.WorkerID),
			)
		}
	}

	for id := range pending {
		report.PendingSessions = append(report.PendingSessions, id)
	}
	sort.Strings(report.PendingSessions)
	for _, o := range unresolved {
		if _, ok := pending[o.SessionID]; ok {
			report.DeferredErrors = append(report.DeferredErrors, o)
			continue
		}
		report.ConfirmedErrors = append(report.ConfirmedErrors, o)
	}

	a.logger.Info("aggregation complete",
		zap.Int("workers", len(report.Workers)),
		zap.Int("sessions", len(report.Sessions)),
		zap.Int("successes", report.Successes),
		zap.Int("errors", report.Errors),
		zap.Int("confirmed_errors", len(report.ConfirmedErrors)),
		zap.Int("deferred_errors", len(report.DeferredErrors)),
		zap.Int("skips", report.Skips),
		zap.Int("pending", report.Pending),
		zap.Int("silent_failures", len(report.SilentFailures)),
	)
	if report.Failed() {
		return report, fmt.Errorf("%w: %d", ErrUploadsFailed, len(report.ConfirmedErrors))
	}
	return report, nil
}

// dedupe keeps one session per (spec file, test identity): the variant with
// the most records, later snapshots winning ties.
func (a *Aggregator) dedupe(entries []durable.Entry) ([]track.Session, int) {
	best := make(map[string]track.Session)
	decoded := 0
	for _, e := range entries {
		var s track.Session
		if err := e.Decode(&s); err != nil {
			a.logger.Warn("undecodable session entry", zap.String("worker", e.WorkerID), zap.Error(err))
			continue
		}
		decoded++
		key := Identity(s)
		cur, ok := best[key]
		if !ok || len(s.Records) > len(cur.Records) ||
			(len(s.Records) == len(cur.Records) && !s.UpdatedAt.Before(cur.UpdatedAt)) {
			best[key] = s
		}
	}
	out := make([]track.Session, 0, len(best))
	for _, s := range best {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SpecFile != out[j].SpecFile {
			return out[i].SpecFile < out[j].SpecFile
		}
		if out[i].TestName != out[j].TestName {
			return out[i].TestName < out[j].TestName
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out, decoded - len(out)
}

// Identity is the dedup key of a session: spec file plus the explicit test
// ID, else the test name, else the session ID.
func Identity(s track.Session) string {
	id := upload.MetadataTestID(s)
	if id == "" {
		id = s.TestName
	}
	if id == "" {
		id = s.SessionID
	}
	return s.SpecFile + "\x00" + id
}

func decodeOutcomes(logger *zap.Logger, entries []durable.Entry) []track.UploadOutcome {
	out := make([]track.UploadOutcome, 0, len(entries))
	for _, e := range entries {
		var o track.UploadOutcome
		if err := e.Decode(&o); err != nil {
			logger.Warn("undecodable upload entry", zap.String("kind", string(e.Kind)), zap.Error(err))
			continue
		}
		out = append(out, o)
	}
	return out
}
