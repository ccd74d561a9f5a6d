package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/navtrack/internal/storage"
)

func sampleUpload() storage.Upload {
	return storage.Upload{
		UploadID:    "upload-1",
		TestID:      "t-1",
		SessionID:   "session-1",
		SpecFile:    "specs/login.spec.ts",
		TestName:    "logs in",
		Navigations: 2,
		Payload:     []byte(`{"navigations":[]}`),
		ReceivedAt:  time.Unix(1700000000, 0).UTC(),
	}
}

func expectInsert(mock pgxmock.PgxPoolIface, u storage.Upload) *pgxmock.ExpectedExec {
	return mock.ExpectExec("INSERT INTO uploads").
		WithArgs(
			u.UploadID,
			u.TestID,
			u.SessionID,
			u.SpecFile,
			u.TestName,
			u.Navigations,
			[]byte(u.Payload),
			u.ReceivedAt,
		)
}

func TestSaveUploadInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewUploadStoreWithPool(mock, "uploads")
	require.NoError(t, err)

	u := sampleUpload()
	expectInsert(mock, u).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	dup, err := store.SaveUpload(context.Background(), u)
	require.NoError(t, err)
	require.False(t, dup)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveUploadReportsDuplicate(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewUploadStoreWithPool(mock, "")
	require.NoError(t, err)

	u := sampleUpload()
	expectInsert(mock, u).WillReturnResult(pgxmock.NewResult("INSERT", 0))

	dup, err := store.SaveUpload(context.Background(), u)
	require.NoError(t, err)
	require.True(t, dup)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveUploadWrapsExecError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewUploadStoreWithPool(mock, "uploads")
	require.NoError(t, err)

	u := sampleUpload()
	expectInsert(mock, u).WillReturnError(errors.New("connection reset"))

	_, err = store.SaveUpload(context.Background(), u)
	require.ErrorContains(t, err, "insert upload")

	_, err = store.SaveUpload(context.Background(), storage.Upload{})
	require.Error(t, err)
}

func TestGetUpload(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewUploadStoreWithPool(mock, "uploads")
	require.NoError(t, err)

	u := sampleUpload()
	rows := mock.NewRows([]string{
		"upload_id", "test_id", "session_id", "spec_file", "test_name", "navigations", "payload", "received_at",
	}).AddRow(u.UploadID, u.TestID, u.SessionID, u.SpecFile, u.TestName, u.Navigations, []byte(u.Payload), u.ReceivedAt)
	mock.ExpectQuery("SELECT upload_id").WithArgs(u.UploadID).WillReturnRows(rows)
	mock.ExpectQuery("SELECT upload_id").WithArgs("missing").WillReturnError(pgx.ErrNoRows)

	got, err := store.GetUpload(context.Background(), u.UploadID)
	require.NoError(t, err)
	require.Equal(t, u.SessionID, got.SessionID)
	require.Equal(t, 2, got.Navigations)
	require.JSONEq(t, string(u.Payload), string(got.Payload))

	_, err = store.GetUpload(context.Background(), "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewUploadStoreWithPool(mock, "uploads")
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS uploads").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewUploadStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewUploadStoreWithPool(nil, "uploads")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewUploadStoreWithPool(mock, "bad-name;")
	require.Error(t, err)

	_, err = NewUploadStore(context.Background(), UploadStoreConfig{})
	require.Error(t, err)
}
