package pipeline

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/fieldops/incidentpipe/internal/ledger"
	"github.com/fieldops/incidentpipe/internal/objstore"
)

// RateResolver is the per-cycle FX rate source.
type RateResolver interface {
	Resolve(ctx context.Context) (float64, error)
}

// Runner drives the poll loop: finalize, admission check, discover, submit,
// sleep. It is single-threaded; the webhook receiver is the only concurrent
// writer, and the two meet exclusively inside ledger transactions.
type Runner struct {
	Store       objstore.Store
	Ledger      *ledger.Ledger
	Finalizer   *Finalizer
	Coordinator *Coordinator
	Rates       RateResolver

	IncomingPrefix string
	Interval       time.Duration
}

// Run loops until ctx is cancelled. Errors inside a cycle are logged and the
// loop continues; crash recovery needs nothing beyond running the loop again.
func (r *Runner) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	log.Printf("[processor] poll loop started (interval=%s prefix=%s)", interval, r.IncomingPrefix)
	defer log.Printf("[processor] poll loop stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := r.RunCycle(ctx); err != nil {
			log.Printf("[processor] cycle error: %v", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// RunCycle executes one poll cycle. A cycle that cannot make progress (busy
// ledger, pending in-flight batch, unavailable rate) returns nil and leaves
// the work for the next interval.
func (r *Runner) RunCycle(ctx context.Context) error {
	if err := r.Finalizer.Run(ctx); err != nil {
		if errors.Is(err, ledger.ErrBusy) {
			log.Printf("[processor] ledger busy, retrying next cycle")
			return nil
		}
		return err
	}

	state, err := r.Ledger.Transact(ctx, nil)
	if err != nil {
		if errors.Is(err, ledger.ErrBusy) {
			log.Printf("[processor] ledger busy, retrying next cycle")
			return nil
		}
		return err
	}

	// Admission control: at most one outstanding batch system-wide. While any
	// submission awaits its callback, nothing new is accepted.
	if n := len(state.Pending); n > 0 {
		log.Printf("[processor] waiting on %d pending ingest(s)", n)
		return nil
	}

	rate, err := r.Rates.Resolve(ctx)
	if err != nil {
		// rate-unavailable aborts this cycle's mapping pass only
		log.Printf("[processor] rate resolution failed, skipping cycle: %v", err)
		return nil
	}

	// Exclude settled keys: committed ones and terminal failures alike. A
	// failed ingest is never retried automatically; remediation clears the
	// recorded result by hand.
	settled := func(key string) bool {
		if state.HasProcessed(key) {
			return true
		}
		_, ok := state.Results[key]
		return ok
	}
	keys, err := ListNew(ctx, r.Store, r.IncomingPrefix, settled)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		log.Printf("[processor] no new source objects")
		return nil
	}

	for _, key := range keys {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if _, err := r.Coordinator.Submit(ctx, key, rate); err != nil {
			log.Printf("[processor] submit %s failed: %v", key, err)
			continue
		}
	}
	return nil
}
