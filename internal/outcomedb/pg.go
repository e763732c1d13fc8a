// package outcomedb persists terminal ingest outcomes into Postgres as an
// insert-only evidence table. The ledger stays the source of truth; this
// recorder exists for reporting and audit queries.
package outcomedb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fieldops/incidentpipe/internal/pipeline"
)

// Recorder writes one row per finalized submission.
type Recorder struct {
	db *sql.DB
}

func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

// Ping verifies connectivity to Postgres.
func (r *Recorder) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// RecordOutcome inserts the outcome row. Re-recording the same correlation id
// (a re-run after a partial failure) is a no-op thanks to the conflict clause.
func (r *Recorder) RecordOutcome(ctx context.Context, ev pipeline.OutcomeEvent) error {
	q := `
		INSERT INTO ingest_outcomes (correlation_id, source_key, status, mapped_key, db_document_id, error, finalized_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (correlation_id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, q,
		ev.CorrelationID,
		ev.SourceKey,
		ev.Status,
		nullable(ev.MappedKey),
		nullable(ev.DBDocumentID),
		nullable(ev.Error),
		ev.FinalizedAt,
	)
	if err != nil {
		return fmt.Errorf("outcomedb: insert outcome %s: %w", ev.CorrelationID, err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
