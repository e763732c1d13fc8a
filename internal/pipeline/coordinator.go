package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/incidentpipe/internal/ingest"
	"github.com/fieldops/incidentpipe/internal/ledger"
	"github.com/fieldops/incidentpipe/internal/mapper"
	"github.com/fieldops/incidentpipe/internal/objstore"
)

// BudgetedEnricher lets the coordinator restore the per-batch enrichment call
// budget before each mapping pass.
type BudgetedEnricher interface {
	ResetBudget()
}

// Coordinator maps one source object, stages the mapped artifact, submits it
// downstream and registers the resulting Pending Entry.
type Coordinator struct {
	Store    objstore.Store
	Mapper   *mapper.Mapper
	Ingest   *ingest.Client
	Ledger   *ledger.Ledger
	Enricher BudgetedEnricher // optional

	TmpDir        string
	StagingPrefix string
	CallbackURL   string
	MapperVersion string
	Namespace     string
}

// Submit processes sourceKey end to end up to (and including) registering the
// Pending Entry. On any error before registration no state is recorded and
// the object stays eligible for the next cycle: submission attempts are
// at-least-once, matching is handled by the correlation id.
func (c *Coordinator) Submit(ctx context.Context, sourceKey string, fxRate float64) (string, error) {
	if c.Enricher != nil {
		c.Enricher.ResetBudget()
	}

	src, err := c.Store.Get(ctx, sourceKey)
	if err != nil {
		return "", fmt.Errorf("download source: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(c.TmpDir, 0o755); err != nil {
		return "", fmt.Errorf("ensure tmp dir: %w", err)
	}
	local, err := os.CreateTemp(c.TmpDir, "mapped_*.csv")
	if err != nil {
		return "", fmt.Errorf("create staging file: %w", err)
	}
	localPath := local.Name()
	defer os.Remove(localPath)

	rows, err := c.Mapper.MapAll(ctx, src, local, fxRate)
	if err != nil {
		local.Close()
		return "", fmt.Errorf("map %s: %w", sourceKey, err)
	}
	if err := local.Close(); err != nil {
		return "", fmt.Errorf("close staging file: %w", err)
	}
	log.Printf("[coordinator] mapped %s (%d rows)", sourceKey, rows)

	mappedName := mappedBaseName(sourceKey)
	stagedKey := c.StagingPrefix + mappedName

	staged, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("reopen staging file: %w", err)
	}
	if err := c.Store.Put(ctx, stagedKey, staged, "text/csv"); err != nil {
		staged.Close()
		return "", fmt.Errorf("stage artifact: %w", err)
	}
	staged.Close()

	correlationID := c.newCorrelationID(sourceKey)

	artifact, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("reopen artifact: %w", err)
	}
	defer artifact.Close()

	ack, err := c.Ingest.Submit(ctx, ingest.Submission{
		CorrelationID: correlationID,
		MapperVersion: c.MapperVersion,
		CallbackURL:   c.CallbackURL,
		ArtifactName:  mappedName,
		Artifact:      artifact,
	})
	if err != nil {
		return "", fmt.Errorf("submit %s: %w", sourceKey, err)
	}

	_, err = c.Ledger.Transact(ctx, func(state *ledger.State) error {
		if state.HasProcessed(sourceKey) {
			return fmt.Errorf("source %s already finalized", sourceKey)
		}
		state.Pending[correlationID] = ledger.PendingEntry{
			CorrelationID:  correlationID,
			SourceKey:      sourceKey,
			MappedKey:      stagedKey,
			CreatedAt:      time.Now().UTC(),
			SubmitResponse: ack.Raw,
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("register pending entry: %w", err)
	}

	log.Printf("[coordinator] submitted %s correlation_id=%s staged=%s", sourceKey, correlationID, stagedKey)
	return correlationID, nil
}

// newCorrelationID derives an id from namespace, source key and wall clock
// plus a random suffix, so ids never collide across restarts.
func (c *Coordinator) newCorrelationID(sourceKey string) string {
	base := strings.TrimSuffix(path.Base(sourceKey), ".csv")
	return fmt.Sprintf("%s-%s-%d-%s", c.Namespace, base, time.Now().UnixNano(), uuid.NewString()[:8])
}

func mappedBaseName(sourceKey string) string {
	return strings.TrimSuffix(path.Base(sourceKey), ".csv") + "_mapped.csv"
}
