// Package tracker binds one browser session to the navigation pipeline:
// driver events flow through the normalizer into the ledger, and whichever
// end-of-session path fires first uploads the result.
package tracker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/navtrack/internal/clock/system"
	"github.com/JakeFAU/navtrack/internal/ledger"
	"github.com/JakeFAU/navtrack/internal/normalize"
	"github.com/JakeFAU/navtrack/internal/track"
	"github.com/JakeFAU/navtrack/internal/upload"
)

// Uploader runs session uploads; *upload.Coordinator satisfies it.
type Uploader interface {
	Upload(ctx context.Context, req upload.Request) upload.Outcome
}

// Observer is notified of dropped driver signals.
type Observer interface {
	NavigationSuppressed()
}

// Config describes the tracked session.
type Config struct {
	SessionID         string
	TestName          string
	SpecFile          string
	Metadata          map[string]string
	TrackHashChanges  bool
	PreserveHistory   bool
	InactivityTimeout time.Duration
}

// Deps are the tracker's collaborators.
type Deps struct {
	Uploader       Uploader
	Writer         track.EntryWriter
	Clock          track.Clock
	LedgerObserver ledger.Observer
	Observer       Observer
	Logger         *zap.Logger
}

// Tracker is safe for concurrent use.
type Tracker struct {
	cfg      Config
	ledger   *ledger.Ledger
	norm     *normalize.Normalizer
	uploader Uploader
	writer   track.EntryWriter
	clock    track.Clock
	observer Observer
	logger   *zap.Logger

	mu    sync.Mutex
	timer *time.Timer

	claimed atomic.Bool
	done    chan struct{}
	outcome upload.Outcome
}

// New creates a tracker for one session.
func New(cfg Config, deps Deps) (*Tracker, error) {
	if cfg.SessionID == "" {
		return nil, errors.New("tracker: session id is required")
	}
	if deps.Uploader == nil {
		return nil, errors.New("tracker: uploader is required")
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	logger := deps.Logger.Named("tracker").With(
		zap.String("session_id", cfg.SessionID),
		zap.String("test_name", cfg.TestName),
	)
	return &Tracker{
		cfg: cfg,
		ledger: ledger.New(ledger.Options{
			SessionID:       cfg.SessionID,
			TestName:        cfg.TestName,
			SpecFile:        cfg.SpecFile,
			Metadata:        cfg.Metadata,
			PreserveHistory: cfg.PreserveHistory,
			Clock:           deps.Clock,
		}, deps.Writer, deps.LedgerObserver, logger),
		norm:     normalize.New(normalize.Options{TrackHashChanges: cfg.TrackHashChanges}),
		uploader: deps.Uploader,
		writer:   deps.Writer,
		clock:    deps.Clock,
		observer: deps.Observer,
		logger:   logger,
		done:     make(chan struct{}),
	}, nil
}

// Ledger exposes the session ledger.
func (t *Tracker) Ledger() *ledger.Ledger {
	return t.ledger
}

// Done is closed once an end-of-session path has finished.
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}

// Outcome returns the upload outcome of the winning path. It is only
// meaningful after Done is closed.
func (t *Tracker) Outcome() upload.Outcome {
	<-t.done
	return t.outcome
}

// Consume handles events until the channel closes, a closed event arrives
// or ctx ends. A channel that closes without a closed event still ends the
// session.
func (t *Tracker) Consume(ctx context.Context, events <-chan track.DriverEvent) upload.Outcome {
	for {
		select {
		case <-ctx.Done():
			return t.Close(context.WithoutCancel(ctx))
		case ev, ok := <-events:
			if !ok || ev.Kind == track.EventClosed {
				return t.Close(ctx)
			}
			if err := t.Observe(ctx, ev); err != nil && !errors.Is(err, ledger.ErrSealed) {
				t.logger.Warn("driver event not recorded", zap.String("url", ev.URL), zap.Error(err))
			}
		}
	}
}

// Observe feeds one navigated or history event into the pipeline.
func (t *Tracker) Observe(ctx context.Context, ev track.DriverEvent) error {
	switch ev.Kind {
	case track.EventNavigated, track.EventHistory:
	case track.EventClosed:
		t.Close(ctx)
		return nil
	default:
		return nil
	}
	decision, ok := t.norm.Next(ev.URL, ev.Cause)
	if !ok {
		if t.observer != nil {
			t.observer.NavigationSuppressed()
		}
		return nil
	}
	at := ev.At
	if at.IsZero() {
		at = t.clock.Now()
	}
	err := t.ledger.Append(ctx, track.Record{
		PreviousURL:    decision.PreviousURL,
		CurrentURL:     decision.CurrentURL,
		NavigationType: decision.Type,
		Timestamp:      at,
	})
	if err != nil {
		return err
	}
	t.touch()
	return nil
}

// WillNavigate declares the type of the next navigation.
func (t *Tracker) WillNavigate(nt track.NavigationType) {
	t.norm.WillNavigate(nt)
}

// RecordManual records rawURL as a manual_record navigation.
func (t *Tracker) RecordManual(ctx context.Context, rawURL string) error {
	return t.Observe(ctx, track.DriverEvent{Kind: track.EventNavigated, URL: rawURL, Cause: track.CauseManual})
}

// Clear drops the recorded history unless history is preserved. The
// normalizer forgets the last URL too, so the next navigation is recorded.
func (t *Tracker) Clear() bool {
	if !t.ledger.Clear() {
		return false
	}
	t.norm.Reset()
	return true
}

// SetMetadata merges late session metadata. A specFile (or spec_file) key
// corrects the spec file on every record.
func (t *Tracker) SetMetadata(ctx context.Context, md map[string]string) {
	for _, key := range []string{"specFile", "spec_file"} {
		if v, ok := md[key]; ok && v != "" {
			if t.ledger.SetSpecFile(ctx, v) {
				t.logger.Debug("spec file corrected", zap.String("spec_file", v))
			}
			break
		}
	}
	t.ledger.SetMetadata(md)
}

// Close is the driver-close path.
func (t *Tracker) Close(ctx context.Context) upload.Outcome {
	return t.finish(ctx, upload.TriggerClose, true)
}

// EndTest is the explicit end-of-test path.
func (t *Tracker) EndTest(ctx context.Context) upload.Outcome {
	return t.finish(ctx, upload.TriggerEndTest, true)
}

func (t *Tracker) touch() {
	if t.cfg.InactivityTimeout <= 0 || t.claimed.Load() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer == nil {
		t.timer = time.AfterFunc(t.cfg.InactivityTimeout, t.inactive)
		return
	}
	t.timer.Reset(t.cfg.InactivityTimeout)
}

func (t *Tracker) inactive() {
	t.logger.Info("session inactive", zap.Duration("timeout", t.cfg.InactivityTimeout))
	t.finish(context.Background(), upload.TriggerInactivity, false)
}

func (t *Tracker) stopTimer() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
}

// finish runs one end-of-session path. Only the first caller uploads; the
// others return an already-claimed skip without touching the ledger.
func (t *Tracker) finish(ctx context.Context, trigger upload.Trigger, teardown bool) upload.Outcome {
	if !t.claimed.CompareAndSwap(false, true) {
		return upload.Outcome{
			SessionID: t.cfg.SessionID,
			Trigger:   trigger,
			Status:    upload.StatusSkipped,
			Reason:    upload.ReasonAlreadyClaimed,
		}
	}
	t.stopTimer()
	t.ledger.Seal(track.StatusCleanup)
	session := t.ledger.Snapshot()

	out := t.uploader.Upload(ctx, upload.Request{Session: session, Trigger: trigger, Teardown: teardown})
	t.ledger.Seal(track.StatusClosed)

	if t.writer != nil {
		marker := track.CleanupMarker{
			SessionID:    session.SessionID,
			TestID:       out.TestID,
			SpecFile:     session.SpecFile,
			TestName:     session.TestName,
			Trigger:      string(trigger),
			UploadID:     out.UploadID,
			UploadStatus: string(out.Status),
		}
		if err := t.writer.Write(context.WithoutCancel(ctx), track.KindCleanup, marker); err != nil {
			t.logger.Warn("cleanup marker not written", zap.Error(err))
		}
	}
	t.logger.Debug("session finished",
		zap.String("trigger", string(trigger)),
		zap.String("status", string(out.Status)),
		zap.Int("records", len(session.Records)),
	)
	t.outcome = out
	close(t.done)
	return out
}
