package pipeline_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/incidentpipe/internal/ledger"
	"github.com/fieldops/incidentpipe/internal/objstore"
	"github.com/fieldops/incidentpipe/internal/pipeline"
)

type capturingSink struct {
	published []pipeline.OutcomeEvent
	recorded  []pipeline.OutcomeEvent
}

func (c *capturingSink) PublishOutcome(ctx context.Context, ev pipeline.OutcomeEvent) error {
	c.published = append(c.published, ev)
	return nil
}

func (c *capturingSink) RecordOutcome(ctx context.Context, ev pipeline.OutcomeEvent) error {
	c.recorded = append(c.recorded, ev)
	return nil
}

func seedPending(t *testing.T, l *ledger.Ledger, store *objstore.MemoryStore, corrID, sourceKey, stagedKey string) {
	t.Helper()
	store.PutWithTime(sourceKey, []byte("raw,rows\n1,2\n"), time.Now().UTC())
	store.PutWithTime(stagedKey, []byte("mapped,rows\n1,2\n"), time.Now().UTC())
	_, err := l.Transact(context.Background(), func(s *ledger.State) error {
		s.Pending[corrID] = ledger.PendingEntry{
			CorrelationID: corrID,
			SourceKey:     sourceKey,
			MappedKey:     stagedKey,
			CreatedAt:     time.Now().UTC(),
		}
		return nil
	})
	require.NoError(t, err)
}

func recordEvent(t *testing.T, l *ledger.Ledger, ev ledger.CallbackEvent) {
	t.Helper()
	_, err := l.Transact(context.Background(), func(s *ledger.State) error {
		s.Events[ev.CorrelationID] = ev
		return nil
	})
	require.NoError(t, err)
}

func TestFinalizeCommitOnOK(t *testing.T) {
	store := objstore.NewMemoryStore()
	l := ledger.New(filepath.Join(t.TempDir(), "state.json"), time.Second)
	sink := &capturingSink{}
	f := &pipeline.Finalizer{
		Store:           store,
		Ledger:          l,
		ProcessedPrefix: "processed/",
		Notifier:        sink,
		Recorder:        sink,
	}

	seedPending(t, l, store, "corr-1", "incoming/batch.csv", "staging/batch_mapped.csv")
	recordEvent(t, l, ledger.CallbackEvent{
		CorrelationID: "corr-1",
		Status:        ledger.StatusOK,
		DBDocumentID:  "17",
		ReceivedAt:    time.Now().UTC(),
	})

	require.NoError(t, f.Run(context.Background()))

	// artifact moved, staged and source removed
	assert.True(t, store.Exists("processed/batch_mapped.csv"))
	assert.False(t, store.Exists("staging/batch_mapped.csv"))
	assert.False(t, store.Exists("incoming/batch.csv"))

	state, err := l.Transact(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, state.HasProcessed("incoming/batch.csv"))
	assert.Empty(t, state.Pending)
	assert.Empty(t, state.Events)
	require.Contains(t, state.Results, "incoming/batch.csv")
	result := state.Results["incoming/batch.csv"]
	assert.Equal(t, ledger.StatusOK, result.Status)
	assert.Equal(t, "17", result.DBDocumentID)
	assert.Equal(t, "processed/batch_mapped.csv", result.MappedKey)

	require.Len(t, sink.published, 1)
	require.Len(t, sink.recorded, 1)
	assert.Equal(t, "corr-1", sink.published[0].CorrelationID)
	assert.Equal(t, ledger.StatusOK, sink.published[0].Status)
}

func TestFinalizeTerminalFailureOnError(t *testing.T) {
	store := objstore.NewMemoryStore()
	l := ledger.New(filepath.Join(t.TempDir(), "state.json"), time.Second)
	f := &pipeline.Finalizer{Store: store, Ledger: l, ProcessedPrefix: "processed/"}

	seedPending(t, l, store, "corr-2", "incoming/bad.csv", "staging/bad_mapped.csv")
	recordEvent(t, l, ledger.CallbackEvent{
		CorrelationID: "corr-2",
		Status:        ledger.StatusError,
		Error:         "schema mismatch",
		ReceivedAt:    time.Now().UTC(),
	})

	require.NoError(t, f.Run(context.Background()))

	// source retained for manual remediation; nothing moved to processed
	assert.True(t, store.Exists("incoming/bad.csv"))
	assert.False(t, store.Exists("processed/bad_mapped.csv"))

	state, err := l.Transact(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, state.HasProcessed("incoming/bad.csv"))
	assert.Empty(t, state.Pending)
	assert.Empty(t, state.Events)
	require.Contains(t, state.Results, "incoming/bad.csv")
	assert.Equal(t, ledger.StatusError, state.Results["incoming/bad.csv"].Status)
	assert.Equal(t, "schema mismatch", state.Results["incoming/bad.csv"].Error)
}

func TestFinalizeIdempotent(t *testing.T) {
	store := objstore.NewMemoryStore()
	l := ledger.New(filepath.Join(t.TempDir(), "state.json"), time.Second)
	sink := &capturingSink{}
	f := &pipeline.Finalizer{
		Store:           store,
		Ledger:          l,
		ProcessedPrefix: "processed/",
		Notifier:        sink,
	}

	seedPending(t, l, store, "corr-3", "incoming/x.csv", "staging/x_mapped.csv")
	recordEvent(t, l, ledger.CallbackEvent{CorrelationID: "corr-3", Status: ledger.StatusOK})

	require.NoError(t, f.Run(context.Background()))
	first, err := l.Transact(context.Background(), nil)
	require.NoError(t, err)

	// no new events: the second pass must observe and change nothing
	require.NoError(t, f.Run(context.Background()))
	second, err := l.Transact(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, first.ProcessedKeys, second.ProcessedKeys)
	assert.Equal(t, first.Results, second.Results)
	assert.Empty(t, second.Pending)
	assert.Len(t, sink.published, 1)
}

func TestFinalizeNoDoubleCommitOnDuplicateEvents(t *testing.T) {
	store := objstore.NewMemoryStore()
	l := ledger.New(filepath.Join(t.TempDir(), "state.json"), time.Second)
	f := &pipeline.Finalizer{Store: store, Ledger: l, ProcessedPrefix: "processed/"}

	seedPending(t, l, store, "corr-4", "incoming/y.csv", "staging/y_mapped.csv")
	recordEvent(t, l, ledger.CallbackEvent{CorrelationID: "corr-4", Status: ledger.StatusOK})
	require.NoError(t, f.Run(context.Background()))

	// duplicate callback arrives after finalization
	recordEvent(t, l, ledger.CallbackEvent{CorrelationID: "corr-4", Status: ledger.StatusOK})
	require.NoError(t, f.Run(context.Background()))

	state, err := l.Transact(context.Background(), nil)
	require.NoError(t, err)
	// processed exactly once
	count := 0
	for _, k := range state.ProcessedKeys {
		if k == "incoming/y.csv" {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.True(t, store.Exists("processed/y_mapped.csv"))
}

func TestFinalizeLeavesUnmatchedPending(t *testing.T) {
	store := objstore.NewMemoryStore()
	l := ledger.New(filepath.Join(t.TempDir(), "state.json"), time.Second)
	f := &pipeline.Finalizer{Store: store, Ledger: l, ProcessedPrefix: "processed/"}

	seedPending(t, l, store, "corr-5", "incoming/z.csv", "staging/z_mapped.csv")

	require.NoError(t, f.Run(context.Background()))
	require.NoError(t, f.Run(context.Background()))

	state, err := l.Transact(context.Background(), nil)
	require.NoError(t, err)
	assert.Contains(t, state.Pending, "corr-5")
	assert.True(t, store.Exists("incoming/z.csv"))
	assert.True(t, store.Exists("staging/z_mapped.csv"))
}
