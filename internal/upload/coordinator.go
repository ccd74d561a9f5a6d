// Package upload delivers session ledgers to the remote collector at least
// once while tolerating teardown of the hosting process mid-flight.
package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/navtrack/internal/clock/system"
	"github.com/JakeFAU/navtrack/internal/track"
)

// Coordinator defaults.
const (
	DefaultTeardownDeadline = 5 * time.Second
	DefaultMaxCompensating  = 1
	backgroundBuffer        = 32
)

// Config tunes the Coordinator.
type Config struct {
	// TeardownDeadline bounds how long a teardown caller waits.
	TeardownDeadline time.Duration
	// MaxCompensating is the number of extra detached calls made after a
	// lost teardown race. Negative disables them.
	MaxCompensating int
	// HistoryLimit bounds the finished-attempt history.
	HistoryLimit int
}

// Request asks for one session upload.
type Request struct {
	Session track.Session
	Trigger Trigger
	// Teardown races the call against the teardown deadline.
	Teardown bool
	// Context is merged into the collector request context.
	Context map[string]string
}

// Outcome is what the caller learns about an upload.
type Outcome struct {
	UploadID  string
	TestID    string
	SessionID string
	Trigger   Trigger
	Status    Status
	Reason    string
	Err       error
	Duration  time.Duration
}

// Observer receives upload metrics.
type Observer interface {
	UploadStarted()
	UploadFinished(status string, d time.Duration)
}

// Deps are the Coordinator's collaborators.
type Deps struct {
	Collector track.Collector
	Writer    track.EntryWriter
	IDs       track.IDGenerator
	Clock     track.Clock
	Observer  Observer
	Logger    *zap.Logger
}

// ErrorClassifier is implemented by errors that carry a failure class.
type ErrorClassifier interface {
	ErrorClass() string
}

// Coordinator runs uploads and owns the in-flight registry.
type Coordinator struct {
	cfg       Config
	collector track.Collector
	writer    track.EntryWriter
	ids       track.IDGenerator
	clock     track.Clock
	observer  Observer
	logger    *zap.Logger
	registry  *Registry
	validator *Validator

	background chan Outcome
	wg         sync.WaitGroup
}

// New builds a Coordinator.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Collector == nil {
		return nil, errors.New("upload: collector is required")
	}
	if deps.IDs == nil {
		return nil, errors.New("upload: id generator is required")
	}
	if cfg.TeardownDeadline <= 0 {
		cfg.TeardownDeadline = DefaultTeardownDeadline
	}
	if cfg.MaxCompensating == 0 {
		cfg.MaxCompensating = DefaultMaxCompensating
	}
	if cfg.MaxCompensating < 0 {
		cfg.MaxCompensating = 0
	}
	validator, err := NewValidator()
	if err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:        cfg,
		collector:  deps.Collector,
		writer:     deps.Writer,
		ids:        deps.IDs,
		clock:      deps.Clock,
		observer:   deps.Observer,
		logger:     deps.Logger.Named("upload"),
		registry:   NewRegistry(cfg.HistoryLimit),
		validator:  validator,
		background: make(chan Outcome, backgroundBuffer),
	}, nil
}

// Registry exposes the in-flight registry.
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Background delivers outcomes of detached attempts.
func (c *Coordinator) Background() <-chan Outcome {
	return c.background
}

// Wait blocks until every detached call has returned or ctx ends.
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Upload runs one attempt for req.Session. Only the first trigger path per
// session reaches the collector. Durable write failures are logged and never
// change the returned outcome.
func (c *Coordinator) Upload(ctx context.Context, req Request) Outcome {
	session := req.Session
	out := Outcome{SessionID: session.SessionID, Trigger: req.Trigger, TestID: DeriveTestID(session)}

	if owner, ok := c.registry.Claim(session.SessionID, req.Trigger); !ok {
		c.logger.Debug("upload already claimed",
			zap.String("session_id", session.SessionID),
			zap.String("trigger", string(req.Trigger)),
			zap.String("owner", string(owner)),
		)
		out.Status = StatusSkipped
		out.Reason = ReasonAlreadyClaimed
		return out
	}

	if reason, detail := c.validator.Check(session); reason != "" {
		c.registry.Release(session.SessionID, req.Trigger)
		out.Status = StatusSkipped
		out.Reason = reason
		c.logger.Info("upload skipped",
			zap.String("session_id", session.SessionID),
			zap.String("reason", reason),
			zap.String("detail", detail),
		)
		c.persist(ctx, track.KindAPISkip, c.outcomeEntry(session, out, len(session.Records), detail))
		return out
	}

	uploadID, err := c.ids.NewID()
	if err != nil {
		c.registry.Release(session.SessionID, req.Trigger)
		out.Status = StatusSkipped
		out.Reason = "id_unavailable"
		out.Err = fmt.Errorf("generate upload id: %w", err)
		return out
	}
	out.UploadID = uploadID

	wire := track.UploadRequest{
		UploadID:  uploadID,
		TestID:    out.TestID,
		SessionID: session.SessionID,
		SpecFile:  session.SpecFile,
		TestName:  session.TestName,
		Records:   session.Records,
		Context:   mergeContext(session.Metadata, req.Context, req.Trigger),
	}

	start := c.clock.Now()
	c.registry.Start(Attempt{
		UploadID:  uploadID,
		TestID:    out.TestID,
		SessionID: session.SessionID,
		Trigger:   req.Trigger,
		StartTime: start,
	})
	if c.observer != nil {
		c.observer.UploadStarted()
	}

	if !req.Teardown {
		_, callErr := c.collector.Upload(ctx, wire)
		return c.finish(ctx, session, out, start, callErr, false)
	}

	// Teardown: the call outlives the caller, so it gets a context that is
	// never canceled by it.
	detached := context.WithoutCancel(ctx)
	results := make(chan error, 1+c.cfg.MaxCompensating)
	c.spawn(detached, wire, results)

	timer := time.NewTimer(c.cfg.TeardownDeadline)
	defer timer.Stop()
	select {
	case callErr := <-results:
		return c.finish(ctx, session, out, start, callErr, false)
	case <-timer.C:
	case <-ctx.Done():
	}

	c.registry.Demote(uploadID)
	c.logger.Warn("upload detached after teardown deadline",
		zap.String("session_id", session.SessionID),
		zap.String("upload_id", uploadID),
		zap.Duration("deadline", c.cfg.TeardownDeadline),
		zap.Int("compensating", c.cfg.MaxCompensating),
	)
	for i := 0; i < c.cfg.MaxCompensating; i++ {
		c.spawn(detached, wire, results)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.settle(detached, session, out, start, results, 1+c.cfg.MaxCompensating)
	}()

	out.Status = StatusBackground
	return out
}

func (c *Coordinator) spawn(ctx context.Context, wire track.UploadRequest, results chan<- error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_, err := c.collector.Upload(ctx, wire)
		results <- err
	}()
}

// settle waits for the detached calls sharing one upload ID. The first
// success wins; the attempt fails only when every call failed.
func (c *Coordinator) settle(ctx context.Context, session track.Session, out Outcome, start time.Time, results <-chan error, calls int) {
	var lastErr error
	for i := 0; i < calls; i++ {
		err := <-results
		if err == nil {
			c.publish(c.finish(ctx, session, out, start, nil, true))
			return
		}
		lastErr = err
	}
	c.publish(c.finish(ctx, session, out, start, lastErr, true))
}

func (c *Coordinator) finish(ctx context.Context, session track.Session, out Outcome, start time.Time, callErr error, background bool) Outcome {
	dur := c.clock.Now().Sub(start)
	out.Duration = dur
	status := StatusCompleted
	errMsg := ""
	if callErr != nil {
		status = StatusFailed
		errMsg = callErr.Error()
		out.Err = callErr
	}
	attempt, applied := c.registry.Finish(out.UploadID, status, dur, errMsg)
	if !applied {
		out.Status = attempt.Status
		return out
	}
	out.Status = status
	if c.observer != nil {
		c.observer.UploadFinished(string(status), dur)
	}

	entry := c.outcomeEntry(session, out, len(session.Records), "")
	entry.Background = background
	if callErr != nil {
		entry.ErrorClass = ClassOf(callErr)
		entry.Error = errMsg
		c.logger.Error("upload failed",
			zap.String("session_id", session.SessionID),
			zap.String("upload_id", out.UploadID),
			zap.String("class", entry.ErrorClass),
			zap.Bool("background", background),
			zap.Error(callErr),
		)
		c.persist(ctx, track.KindAPIError, entry)
		return out
	}
	c.logger.Info("upload completed",
		zap.String("session_id", session.SessionID),
		zap.String("upload_id", out.UploadID),
		zap.Int("navigations", len(session.Records)),
		zap.Duration("duration", dur),
		zap.Bool("background", background),
	)
	c.persist(ctx, track.KindAPISuccess, entry)
	return out
}

func (c *Coordinator) publish(out Outcome) {
	select {
	case c.background <- out:
	default:
		c.logger.Warn("background outcome dropped; channel full",
			zap.String("upload_id", out.UploadID),
			zap.String("status", string(out.Status)),
		)
	}
}

func (c *Coordinator) outcomeEntry(session track.Session, out Outcome, navigations int, detail string) track.UploadOutcome {
	entry := track.UploadOutcome{
		UploadID:    out.UploadID,
		TestID:      out.TestID,
		SessionID:   session.SessionID,
		SpecFile:    session.SpecFile,
		TestName:    session.TestName,
		Trigger:     string(out.Trigger),
		Status:      string(out.Status),
		Navigations: navigations,
		DurationMs:  out.Duration.Milliseconds(),
		Reason:      out.Reason,
		Error:       detail,
	}
	return entry
}

func (c *Coordinator) persist(ctx context.Context, kind track.EntryKind, entry track.UploadOutcome) {
	if c.writer == nil {
		return
	}
	if err := c.writer.Write(context.WithoutCancel(ctx), kind, entry); err != nil {
		c.logger.Warn("durable upload entry not written",
			zap.String("kind", string(kind)),
			zap.String("session_id", entry.SessionID),
			zap.Error(err),
		)
	}
}

// ClassOf maps an upload error to its failure class.
func ClassOf(err error) string {
	var classified ErrorClassifier
	if errors.As(err, &classified) {
		return classified.ErrorClass()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return "unknown"
}

func mergeContext(metadata, extra map[string]string, trigger Trigger) map[string]string {
	out := make(map[string]string, len(metadata)+len(extra)+1)
	for k, v := range metadata {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	out["trigger"] = string(trigger)
	return out
}
