package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"time"

	"github.com/fieldops/incidentpipe/internal/ledger"
	"github.com/fieldops/incidentpipe/internal/objstore"
)

// OutcomeEvent is the terminal result published to the optional outcome
// sinks (Kafka notifier, Postgres recorder).
type OutcomeEvent struct {
	CorrelationID string    `json:"correlation_id"`
	SourceKey     string    `json:"source_key"`
	Status        string    `json:"status"`
	MappedKey     string    `json:"mapped_key,omitempty"`
	DBDocumentID  string    `json:"db_document_id,omitempty"`
	Error         string    `json:"error,omitempty"`
	FinalizedAt   time.Time `json:"finalized_at"`
}

// Notifier publishes terminal outcomes to a message topic.
type Notifier interface {
	PublishOutcome(ctx context.Context, ev OutcomeEvent) error
}

// Recorder persists terminal outcomes to a database.
type Recorder interface {
	RecordOutcome(ctx context.Context, ev OutcomeEvent) error
}

// Finalizer reconciles pending entries against received callback events and
// commits (or terminally fails) each matched submission.
type Finalizer struct {
	Store  objstore.Store
	Ledger *ledger.Ledger

	ProcessedPrefix string

	Notifier Notifier // optional
	Recorder Recorder // optional
}

type readyPair struct {
	entry ledger.PendingEntry
	event ledger.CallbackEvent
}

// Run performs one finalization pass. No lock is held across an object-store
// call: a snapshot transaction selects the ready pairs, commit side effects
// run lock-free (and are idempotent, so a crash-and-rerun converges), then a
// commit transaction re-checks each pair before mutating state. Repeated runs
// with no new events are no-ops.
func (f *Finalizer) Run(ctx context.Context) error {
	snapshot, err := f.Ledger.Transact(ctx, nil)
	if err != nil {
		return fmt.Errorf("finalizer: snapshot: %w", err)
	}

	var ready []readyPair
	for id, entry := range snapshot.Pending {
		if ev, ok := snapshot.Events[id]; ok {
			ready = append(ready, readyPair{entry: entry, event: ev})
		}
	}
	if len(ready) == 0 {
		return nil
	}

	var outcomes []OutcomeEvent
	for _, pair := range ready {
		if pair.event.Status == ledger.StatusOK {
			if err := f.commitArtifacts(ctx, pair.entry); err != nil {
				// leave the pair for the next pass; nothing was recorded yet
				log.Printf("[finalizer] commit side effects %s: %v", pair.entry.CorrelationID, err)
				continue
			}
		}
		outcome, err := f.commitState(ctx, pair)
		if err != nil {
			log.Printf("[finalizer] commit state %s: %v", pair.entry.CorrelationID, err)
			continue
		}
		if outcome != nil {
			outcomes = append(outcomes, *outcome)
		}
	}

	f.emit(ctx, outcomes)
	return nil
}

// commitArtifacts moves the staged mapped artifact into the processed area
// and deletes the original source object. Both steps tolerate already-moved
// and already-deleted keys.
func (f *Finalizer) commitArtifacts(ctx context.Context, entry ledger.PendingEntry) error {
	processedKey := f.ProcessedPrefix + path.Base(entry.MappedKey)

	staged, err := f.Store.Get(ctx, entry.MappedKey)
	switch {
	case err == nil:
		putErr := f.Store.Put(ctx, processedKey, staged, "text/csv")
		staged.Close()
		if putErr != nil {
			return fmt.Errorf("move to processed: %w", putErr)
		}
		if err := f.Store.Delete(ctx, entry.MappedKey); err != nil {
			return fmt.Errorf("remove staged: %w", err)
		}
	case errors.Is(err, objstore.ErrNotFound):
		// staged artifact already moved by an earlier, interrupted pass
	default:
		return fmt.Errorf("read staged: %w", err)
	}

	if err := f.Store.Delete(ctx, entry.SourceKey); err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	return nil
}

// commitState removes the pending entry and its event atomically and records
// the terminal outcome. Returns nil outcome when another pass already
// finalized the pair.
func (f *Finalizer) commitState(ctx context.Context, pair readyPair) (*OutcomeEvent, error) {
	id := pair.entry.CorrelationID
	var outcome *OutcomeEvent

	_, err := f.Ledger.Transact(ctx, func(state *ledger.State) error {
		entry, stillPending := state.Pending[id]
		event, hasEvent := state.Events[id]
		if !stillPending || !hasEvent {
			return nil
		}

		now := time.Now().UTC()
		result := ledger.Outcome{
			CorrelationID: id,
			DBDocumentID:  event.DBDocumentID,
			FinalizedAt:   now,
		}
		if event.Status == ledger.StatusOK {
			result.Status = ledger.StatusOK
			result.MappedKey = f.ProcessedPrefix + path.Base(entry.MappedKey)
			state.MarkProcessed(entry.SourceKey)
		} else {
			result.Status = ledger.StatusError
			result.Error = event.Error
			if result.Error == "" {
				result.Error = fmt.Sprintf("ingest reported status %q", event.Status)
			}
		}
		state.Results[entry.SourceKey] = result
		delete(state.Pending, id)
		delete(state.Events, id)

		outcome = &OutcomeEvent{
			CorrelationID: id,
			SourceKey:     entry.SourceKey,
			Status:        result.Status,
			MappedKey:     result.MappedKey,
			DBDocumentID:  result.DBDocumentID,
			Error:         result.Error,
			FinalizedAt:   now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		log.Printf("[finalizer] finalized %s source=%s status=%s", id, outcome.SourceKey, outcome.Status)
	}
	return outcome, nil
}

// emit fans terminal outcomes out to the optional sinks. Sink failures are
// logged, never propagated: the ledger is the source of truth.
func (f *Finalizer) emit(ctx context.Context, outcomes []OutcomeEvent) {
	for _, ev := range outcomes {
		if f.Notifier != nil {
			if err := f.Notifier.PublishOutcome(ctx, ev); err != nil {
				log.Printf("[finalizer] publish outcome %s: %v", ev.CorrelationID, err)
			}
		}
		if f.Recorder != nil {
			if err := f.Recorder.RecordOutcome(ctx, ev); err != nil {
				log.Printf("[finalizer] record outcome %s: %v", ev.CorrelationID, err)
			}
		}
	}
}
