// Package storage defines the persistence contracts of the reference
// collector. Implementations live in the memory and postgres subpackages.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when an upload ID is unknown.
var ErrNotFound = errors.New("upload not found")

// Upload is one accepted session upload.
type Upload struct {
	UploadID    string          `json:"upload_id"`
	TestID      string          `json:"test_id"`
	SessionID   string          `json:"session_id"`
	SpecFile    string          `json:"spec_file"`
	TestName    string          `json:"test_name"`
	Navigations int             `json:"navigations"`
	Payload     json.RawMessage `json:"payload"`
	ReceivedAt  time.Time       `json:"received_at"`
}

// UploadStore persists uploads idempotently by UploadID.
type UploadStore interface {
	// SaveUpload stores u. duplicate is true when the upload ID already
	// existed; the stored row is left untouched in that case.
	SaveUpload(ctx context.Context, u Upload) (duplicate bool, err error)
	GetUpload(ctx context.Context, uploadID string) (Upload, error)
}
