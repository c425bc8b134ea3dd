// Package reconcile sweeps idempotency claims left behind by deliveries that
// died between claiming a message and writing its QueueRecord.
//
// A stale claim with no QueueRecord is released for one replay; a claim that
// goes stale again after its replay is marked abandoned for an operator. A
// stale claim whose QueueRecord is already terminal is completed. A stale claim
// whose record is stuck in parsed is moved to in_doubt and reported, since the
// ledger post may have happened; it is not listed again.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/invoiceingest/internal/idempotency"
	"github.com/Lllllllleong/invoiceingest/internal/models"
	"github.com/Lllllllleong/invoiceingest/internal/queue"
)

// Sweeper runs one reconciliation pass per call to Run.
type Sweeper struct {
	gate        *idempotency.Gate
	queue       queue.Store
	staleAfter  time.Duration
	batchSize   int
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

// NewSweeper creates a Sweeper.
func NewSweeper(gate *idempotency.Gate, store queue.Store, staleAfter time.Duration, batchSize, concurrency int, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Sweeper{
		gate:        gate,
		queue:       store,
		staleAfter:  staleAfter,
		batchSize:   batchSize,
		concurrency: concurrency,
		logger:      logger.With("component", "reconciler"),
		now:         time.Now,
	}
}

// Run performs one sweep. Per-claim failures are logged and joined into the
// returned error; the report covers every claim that was handled.
func (s *Sweeper) Run(ctx context.Context) (models.ReconcileReport, error) {
	var report models.ReconcileReport

	stale, err := s.gate.Stale(ctx, s.staleAfter, s.batchSize)
	if err != nil {
		return report, err
	}
	s.logger.Info("Reconciliation started", "staleClaims", len(stale))

	var mu sync.Mutex
	var failures []error
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, claim := range stale {
		g.Go(func() error {
			action, err := s.reconcileClaim(gctx, claim)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.logger.Error("Failed to reconcile claim", "messageId", claim.MessageID, "error", err)
				failures = append(failures, fmt.Errorf("%s: %w", claim.MessageID, err))
				return nil
			}
			switch action {
			case idempotency.StateReleased:
				report.Released++
			case idempotency.StateAbandoned:
				report.Abandoned++
				s.logger.Error("Claim abandoned after replay, operator action required",
					"messageId", claim.MessageID, "claimedAt", claim.ClaimedAt, "replays", claim.Replays)
			case idempotency.StateCompleted:
				report.Completed++
			case idempotency.StateInDoubt:
				report.InDoubt++
				s.logger.Warn("Claim left in doubt, ledger post unknown",
					"messageId", claim.MessageID, "claimedAt", claim.ClaimedAt)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		failures = append(failures, err)
	}

	stuck, err := s.queue.ListByStatus(ctx, models.StatusParsed, s.now().UTC().Add(-s.staleAfter), s.batchSize)
	if err != nil {
		failures = append(failures, fmt.Errorf("failed to list parsed records: %w", err))
	}
	for _, rec := range stuck {
		s.logger.Warn("Queue record stuck in parsed", "messageId", rec.Key(), "updatedAt", rec.UpdatedAt)
	}
	report.StuckParse = len(stuck)

	s.logger.Info("Reconciliation finished",
		"released", report.Released,
		"abandoned", report.Abandoned,
		"completed", report.Completed,
		"inDoubt", report.InDoubt,
		"stuckParsed", report.StuckParse,
		"failures", len(failures))
	return report, errors.Join(failures...)
}

// reconcileClaim returns the state the claim was moved to.
func (s *Sweeper) reconcileClaim(ctx context.Context, claim *idempotency.Record) (idempotency.State, error) {
	rec, err := s.queue.Get(ctx, claim.MessageID)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return s.gate.ReleaseForReplay(ctx, claim.MessageID)
	case err != nil:
		return "", err
	case rec.Status.Terminal():
		if err := s.gate.Complete(ctx, claim.MessageID, rec.Key(), rec.Status); err != nil {
			return "", err
		}
		return idempotency.StateCompleted, nil
	default:
		return s.gate.MarkInDoubt(ctx, claim.MessageID)
	}
}
