// Package durable implements the worker-local append-only log: one JSONL file
// per worker and entry kind, written under a sidecar lock and verified after
// every append.
package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/navtrack/internal/clock/system"
	"github.com/JakeFAU/navtrack/internal/fsx"
	"github.com/JakeFAU/navtrack/internal/track"
)

// Store defaults.
const (
	DefaultDir         = "test-results/workers"
	DefaultMaxAttempts = 3
	filePrefix         = "worker-"
	fileSuffix         = ".jsonl"
)

// ErrWriteExhausted is returned when every attempt failed. The entry has
// been written to an emergency backup file.
var ErrWriteExhausted = errors.New("durable write attempts exhausted")

// Entry is one line of a worker file.
type Entry struct {
	WorkerID  string          `json:"workerId"`
	Kind      track.EntryKind `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Observer receives write outcomes; the metrics package satisfies it.
type Observer interface {
	ObserveDurableWrite(kind string, result string)
	ObserveLockWait(d time.Duration)
}

// Config controls the Store.
type Config struct {
	// Dir is the shared directory every worker writes into.
	Dir string
	// BackupDir receives emergency backups. It must not be Dir.
	BackupDir string
	// WorkerID scopes file names to this process.
	WorkerID string
	// MaxAttempts bounds full lock-append-verify attempts.
	MaxAttempts int
	// Lock tunes sidecar lock acquisition.
	Lock fsx.LockOptions
	// Clock is optional; defaults to the wall clock.
	Clock track.Clock
}

// Store appends entries for a single worker.
type Store struct {
	cfg      Config
	logger   *zap.Logger
	observer Observer
}

// New validates cfg and returns a Store.
func New(cfg Config, observer Observer, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		cfg.Dir = DefaultDir
	}
	if strings.TrimSpace(cfg.WorkerID) == "" {
		cfg.WorkerID = ResolveWorkerID("")
	}
	if strings.ContainsAny(cfg.WorkerID, `/\`) {
		return nil, fmt.Errorf("worker id %q must not contain path separators", cfg.WorkerID)
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = filepath.Join(os.TempDir(), "navtrack-emergency")
	}
	if filepath.Clean(cfg.BackupDir) == filepath.Clean(cfg.Dir) {
		return nil, fmt.Errorf("backup dir must differ from the shared dir")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{cfg: cfg, logger: logger, observer: observer}, nil
}

// WorkerID returns the worker this store writes for.
func (s *Store) WorkerID() string {
	return s.cfg.WorkerID
}

// Dir returns the shared directory.
func (s *Store) Dir() string {
	return s.cfg.Dir
}

// Path returns the worker file for kind.
func (s *Store) Path(kind track.EntryKind) string {
	return filepath.Join(s.cfg.Dir, FileName(s.cfg.WorkerID, kind))
}

// FileName returns the base name of a worker file.
func FileName(workerID string, kind track.EntryKind) string {
	return filePrefix + workerID + "-" + string(kind) + fileSuffix
}

// Write appends one entry. Lock and I/O failures are retried up to
// MaxAttempts; a failed read-back verification is not retried because the
// line may be partially present. Both failure paths write an emergency backup
// before returning the error.
func (s *Store) Write(ctx context.Context, kind track.EntryKind, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	entry := Entry{
		WorkerID:  s.cfg.WorkerID,
		Kind:      kind,
		Timestamp: s.cfg.Clock.Now(),
		Payload:   raw,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal %s entry: %w", kind, err)
	}

	path := s.Path(kind)
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		lastErr = s.writeOnce(ctx, path, line)
		if lastErr == nil {
			s.observe(kind, "ok")
			return nil
		}
		if errors.Is(lastErr, fsx.ErrVerifyMismatch) {
			s.observe(kind, "verify_failed")
			return s.escalate(kind, line, lastErr)
		}
		if ctx.Err() != nil {
			break
		}
		s.logger.Debug("durable write attempt failed",
			zap.String("kind", string(kind)),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
	}
	s.observe(kind, "exhausted")
	return s.escalate(kind, line, fmt.Errorf("%w: %w", ErrWriteExhausted, lastErr))
}

func (s *Store) writeOnce(ctx context.Context, path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !os.IsExist(err) {
		return fmt.Errorf("create durable dir: %w", err)
	}
	lock, err := fsx.AcquireLock(ctx, path, s.cfg.Lock)
	if err != nil {
		return err
	}
	if s.observer != nil {
		s.observer.ObserveLockWait(lock.Waited)
	}
	if lock.Reclaimed > 0 {
		s.logger.Warn("reclaimed stale durable lock",
			zap.String("path", fsx.LockPath(path)),
			zap.Int("reclaimed", lock.Reclaimed),
		)
	}
	defer func() {
		if relErr := lock.Release(); relErr != nil {
			s.logger.Warn("durable lock release failed", zap.Error(relErr))
		}
	}()
	if err := fsx.AppendLine(path, line, 0o600); err != nil {
		return fmt.Errorf("append %s: %w", filepath.Base(path), err)
	}
	return nil
}

// escalate writes line to a process-and-time unique backup file and returns
// cause wrapped with the backup location.
func (s *Store) escalate(kind track.EntryKind, line []byte, cause error) error {
	backup, err := s.writeBackup(kind, line)
	if err != nil {
		s.logger.Error("emergency backup failed",
			zap.String("kind", string(kind)),
			zap.Error(err),
			zap.NamedError("cause", cause),
		)
		return fmt.Errorf("%w (emergency backup failed: %v)", cause, err)
	}
	s.logger.Warn("durable write escalated to emergency backup",
		zap.String("kind", string(kind)),
		zap.String("backup", backup),
		zap.Error(cause),
	)
	return fmt.Errorf("%w (emergency backup at %s)", cause, backup)
}

func (s *Store) writeBackup(kind track.EntryKind, line []byte) (string, error) {
	if err := os.MkdirAll(s.cfg.BackupDir, 0o750); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	name := fmt.Sprintf("emergency-%s-%s-%d-%d.json",
		s.cfg.WorkerID, kind, os.Getpid(), time.Now().UnixNano())
	path := filepath.Join(s.cfg.BackupDir, name)
	if err := os.WriteFile(path, append(line, '\n'), 0o600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	return path, nil
}

func (s *Store) observe(kind track.EntryKind, result string) {
	if s.observer != nil {
		s.observer.ObserveDurableWrite(string(kind), result)
	}
}

// ResolveWorkerID picks the worker identity: explicit value, then the test
// runner's worker index variables, then the process ID.
func ResolveWorkerID(explicit string) string {
	if v := strings.TrimSpace(explicit); v != "" {
		return v
	}
	for _, key := range []string{"TEST_WORKER_INDEX", "TEST_PARALLEL_INDEX"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return strconv.Itoa(os.Getpid())
}
