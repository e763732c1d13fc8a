package outcomedb_test

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/incidentpipe/internal/outcomedb"
	"github.com/fieldops/incidentpipe/internal/pipeline"
)

func TestRecordOutcome(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	finalizedAt := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO ingest_outcomes").
		WithArgs("corr-1", "incoming/batch.csv", "OK", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), finalizedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	r := outcomedb.NewRecorder(db)
	err = r.RecordOutcome(context.Background(), pipeline.OutcomeEvent{
		CorrelationID: "corr-1",
		SourceKey:     "incoming/batch.csv",
		Status:        "OK",
		MappedKey:     "processed/batch_mapped.csv",
		DBDocumentID:  "17",
		FinalizedAt:   finalizedAt,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordOutcomeDuplicateIsNoOp(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// ON CONFLICT DO NOTHING: zero rows affected, still no error
	mock.ExpectExec("INSERT INTO ingest_outcomes").
		WillReturnResult(sqlmock.NewResult(0, 0))

	r := outcomedb.NewRecorder(db)
	err = r.RecordOutcome(context.Background(), pipeline.OutcomeEvent{
		CorrelationID: "corr-1",
		SourceKey:     "incoming/batch.csv",
		Status:        "ERROR",
		Error:         "schema mismatch",
		FinalizedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
