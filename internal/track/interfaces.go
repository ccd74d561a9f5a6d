package track

import (
	"context"
	"time"
)

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session and upload IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// EventSource emits driver signals until the session ends.
type EventSource interface {
	Events() <-chan DriverEvent
}

// UploadRequest is what the remote collector receives for one session.
type UploadRequest struct {
	UploadID  string            `json:"upload_id"`
	TestID    string            `json:"test_id"`
	SessionID string            `json:"session_id"`
	SpecFile  string            `json:"spec_file"`
	TestName  string            `json:"test_name"`
	Records   []Record          `json:"navigations"`
	Context   map[string]string `json:"context,omitempty"`
}

// UploadResult is the collector's acknowledgement.
type UploadResult struct {
	UploadID  string `json:"upload_id"`
	Accepted  bool   `json:"accepted"`
	Duplicate bool   `json:"duplicate"`
}

// Collector delivers navigation ledgers to the remote collector. Calls are
// idempotent per UploadID.
type Collector interface {
	Upload(ctx context.Context, req UploadRequest) (UploadResult, error)
}

// EntryKind tags a durable log entry.
type EntryKind string

// Durable entry kinds. Each kind lives in its own worker file.
const (
	KindSession    EntryKind = "session"
	KindAPISuccess EntryKind = "api-success"
	KindAPIError   EntryKind = "api-error"
	KindAPISkip    EntryKind = "api-skip"
	KindCleanup    EntryKind = "cleanup"
)

// EntryKinds lists every durable entry kind.
var EntryKinds = []EntryKind{KindSession, KindAPISuccess, KindAPIError, KindAPISkip, KindCleanup}

// EntryWriter appends durable entries for the current worker.
type EntryWriter interface {
	Write(ctx context.Context, kind EntryKind, payload any) error
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes report notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}
