// Package ledger holds the ordered navigation records of one test session
// and writes every change through to the durable store.
package ledger

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/navtrack/internal/clock/system"
	"github.com/JakeFAU/navtrack/internal/normalize"
	"github.com/JakeFAU/navtrack/internal/track"
)

var (
	// ErrNullRecord is returned for records whose URL is the null sentinel.
	ErrNullRecord = errors.New("null navigation record")
	// ErrSealed is returned when appending to a session that left the active state.
	ErrSealed = errors.New("ledger sealed")
)

// Observer is notified of ledger activity.
type Observer interface {
	RecordAppended(t track.NavigationType)
	WriteThroughFailed(kind string)
}

// Options configure a Ledger.
type Options struct {
	SessionID string
	TestName  string
	SpecFile  string
	Metadata  map[string]string
	// PreserveHistory makes Clear a no-op.
	PreserveHistory bool
	Clock           track.Clock
}

// Ledger is safe for concurrent use. Durable writes are serialized so the
// session file sees snapshots in append order.
type Ledger struct {
	mu      sync.Mutex
	writeMu sync.Mutex

	session  track.Session
	preserve bool

	writer   track.EntryWriter
	observer Observer
	clock    track.Clock
	logger   *zap.Logger
}

// New creates an active ledger. writer may be nil for in-memory use.
func New(opts Options, writer track.EntryWriter, observer Observer, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = system.New()
	}
	session := track.Session{
		SessionID: opts.SessionID,
		TestName:  opts.TestName,
		SpecFile:  opts.SpecFile,
		Status:    track.StatusActive,
		UpdatedAt: clock.Now(),
	}
	if len(opts.Metadata) > 0 {
		session.Metadata = make(map[string]string, len(opts.Metadata))
		for k, v := range opts.Metadata {
			session.Metadata[k] = v
		}
	}
	return &Ledger{
		session:  session,
		preserve: opts.PreserveHistory,
		writer:   writer,
		observer: observer,
		clock:    clock,
		logger:   logger.With(zap.String("session_id", opts.SessionID)),
	}
}

// Append adds rec to the ledger, stamping the session's test name and spec
// file. A durable write failure is logged and does not fail the append.
func (l *Ledger) Append(ctx context.Context, rec track.Record) error {
	if _, null := normalize.Canonical(rec.CurrentURL); null {
		return ErrNullRecord
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.Lock()
	if l.session.Status != track.StatusActive {
		l.mu.Unlock()
		return ErrSealed
	}
	rec.SpecFile = l.session.SpecFile
	rec.TestName = l.session.TestName
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.clock.Now()
	}
	l.session.Records = append(l.session.Records, rec)
	l.session.UpdatedAt = l.clock.Now()
	snap := l.session.Clone()
	l.mu.Unlock()

	if l.observer != nil {
		l.observer.RecordAppended(rec.NavigationType)
	}
	l.writeThrough(ctx, snap)
	return nil
}

// All returns a copy of the records in append order.
func (l *Ledger) All() []track.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]track.Record(nil), l.session.Records...)
}

// Len returns the record count.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.session.Records)
}

// Clear drops all records. It reports false without clearing when history is
// preserved or the ledger is sealed.
func (l *Ledger) Clear() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.preserve || l.session.Status != track.StatusActive {
		return false
	}
	l.session.Records = nil
	l.session.UpdatedAt = l.clock.Now()
	return true
}

// SetSpecFile corrects the session's spec file. Every existing record is
// rewritten along with the session so no reader observes a mix. It reports
// whether anything changed.
func (l *Ledger) SetSpecFile(ctx context.Context, file string) bool {
	if file == "" {
		return false
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.Lock()
	if l.session.SpecFile == file {
		l.mu.Unlock()
		return false
	}
	l.session.SpecFile = file
	for i := range l.session.Records {
		l.session.Records[i].SpecFile = file
	}
	l.session.UpdatedAt = l.clock.Now()
	snap := l.session.Clone()
	l.mu.Unlock()

	if len(snap.Records) > 0 {
		l.writeThrough(ctx, snap)
	}
	return true
}

// SetMetadata merges md into the session metadata.
func (l *Ledger) SetMetadata(md map[string]string) {
	if len(md) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session.Metadata == nil {
		l.session.Metadata = make(map[string]string, len(md))
	}
	for k, v := range md {
		l.session.Metadata[k] = v
	}
}

// Snapshot returns a deep copy of the session.
func (l *Ledger) Snapshot() track.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session.Clone()
}

// Seal moves the session out of the active state. Only forward transitions
// are applied; it returns the resulting status.
func (l *Ledger) Seal(status track.SessionStatus) track.SessionStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rank(status) > rank(l.session.Status) {
		l.session.Status = status
		l.session.UpdatedAt = l.clock.Now()
	}
	return l.session.Status
}

func (l *Ledger) writeThrough(ctx context.Context, snap track.Session) {
	if l.writer == nil {
		return
	}
	if err := l.writer.Write(ctx, track.KindSession, snap); err != nil {
		l.logger.Warn("session write-through failed",
			zap.Int("records", len(snap.Records)),
			zap.Error(err),
		)
		if l.observer != nil {
			l.observer.WriteThroughFailed(string(track.KindSession))
		}
	}
}

func rank(s track.SessionStatus) int {
	switch s {
	case track.StatusActive:
		return 0
	case track.StatusCleanup:
		return 1
	case track.StatusClosed:
		return 2
	default:
		return -1
	}
}
