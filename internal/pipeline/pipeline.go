// Package pipeline drives one inbound message from idempotency claim to a
// terminal QueueRecord status:
//
//	received -> claimed -> admitted -> parsed -> posted|skipped|error|queued|no_pdf
//
// A failure before the pre-post record exists releases the claim so the
// relay's redelivery can try again. After that point every outcome is
// recorded on the QueueRecord and the claim is completed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lllllllleong/invoiceingest/internal/extract"
	"github.com/Lllllllleong/invoiceingest/internal/idempotency"
	"github.com/Lllllllleong/invoiceingest/internal/ledger"
	"github.com/Lllllllleong/invoiceingest/internal/models"
	"github.com/Lllllllleong/invoiceingest/internal/queue"
	"github.com/Lllllllleong/invoiceingest/internal/ratelimit"
)

// StatusInProgress is reported for a duplicate delivery whose first delivery
// has not written a QueueRecord yet.
const StatusInProgress = "in_progress"

// RateLimitedError is the error detail stored for a denied message.
const RateLimitedError = "rate limit exceeded"

// Poster posts an invoice to the ledger. *ledger.Client implements it.
type Poster interface {
	PostInvoice(ctx context.Context, inv *models.ParsedInvoice) (ledger.PostResult, error)
}

// Limiter admits messages per sender. *ratelimit.Limiter implements it.
type Limiter interface {
	Dimension(sender string) (string, error)
	CheckAndIncrement(ctx context.Context, dimension string) (ratelimit.Decision, error)
}

// Archiver stores the raw message and returns a reference to it.
type Archiver interface {
	Archive(ctx context.Context, msg *models.InboundMessage) (string, error)
}

// Notifier is told about every terminal outcome.
type Notifier interface {
	Notify(ctx context.Context, payload any) (string, error)
}

// Outcome is what the caller reports back to the transport.
type Outcome struct {
	MessageID   string   `json:"message_id"`
	Status      string   `json:"status"`
	LedgerID    string   `json:"ledger_id,omitempty"`
	Error       string   `json:"error,omitempty"`
	Duplicate   bool     `json:"duplicate,omitempty"`
	RateLimited bool     `json:"rate_limited,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
}

// Deps are the collaborators of an Orchestrator. Limiter, Archiver and
// Notifier are optional.
type Deps struct {
	Gate      *idempotency.Gate
	Queue     queue.Store
	Extractor extract.Extractor
	Poster    Poster
	Limiter   Limiter
	Archiver  Archiver
	Notifier  Notifier
	Logger    *slog.Logger
}

// Orchestrator composes the gate, limiter, queue store and ledger client.
type Orchestrator struct {
	deps           Deps
	postingEnabled bool
	logger         *slog.Logger
	now            func() time.Time
}

// New creates an Orchestrator. With postingEnabled false every admitted
// message is finalized as queued without calling the ledger.
func New(deps Deps, postingEnabled bool) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{
		deps:           deps,
		postingEnabled: postingEnabled,
		logger:         logger,
		now:            time.Now,
	}
}

// PostingEnabled reports whether admitted messages are sent to the ledger.
func (o *Orchestrator) PostingEnabled() bool { return o.postingEnabled }

// Process runs msg through the pipeline. A returned error means nothing
// terminal was recorded and the transport should redeliver.
func (o *Orchestrator) Process(ctx context.Context, msg *models.InboundMessage) (Outcome, error) {
	if msg == nil || msg.ID == "" {
		return Outcome{}, errors.New("inbound message has no id")
	}
	logger := o.logger.With("messageId", msg.ID, "from", msg.From)

	claim, err := o.deps.Gate.Claim(ctx, msg.ID)
	if err != nil {
		return Outcome{}, err
	}
	if !claim.Claimed {
		out := o.priorOutcome(ctx, msg.ID, claim.Record)
		logger.Info("Duplicate delivery short-circuited", "claimState", claim.Record.State, "status", out.Status)
		return out, nil
	}

	admitted, err := o.admit(ctx, msg, logger)
	if err != nil {
		o.release(ctx, msg.ID, logger)
		return Outcome{}, err
	}
	if !admitted {
		return o.reject(ctx, msg, logger)
	}

	if o.deps.Archiver != nil && msg.RawRef == "" && len(msg.Raw) > 0 {
		ref, err := o.deps.Archiver.Archive(ctx, msg)
		if err != nil {
			logger.Warn("Failed to archive raw message, continuing", "error", err)
		} else {
			m := *msg
			m.RawRef = ref
			msg = &m
		}
	}

	status := models.StatusParsed
	var parsed *models.ParsedInvoice
	var extractErr error
	if msg.Attachment == nil {
		status = models.StatusNoPDF
		extractErr = extract.ErrNoPDF
	} else if parsed, extractErr = o.deps.Extractor.Extract(ctx, msg.Attachment); extractErr != nil {
		status = models.StatusNoPDF
		parsed = nil
	}

	rec := models.NewQueueRecord(msg, parsed, status, o.now().UTC())
	if status == models.StatusNoPDF {
		rec.Error = models.Result{Error: extractErr.Error()}.ErrorPtr()
	}
	if err := o.deps.Queue.Create(ctx, rec); err != nil {
		if errors.Is(err, queue.ErrAlreadyFinalized) {
			return o.adoptFinalized(ctx, msg.ID, logger)
		}
		o.release(ctx, msg.ID, logger)
		return Outcome{}, fmt.Errorf("failed to write pre-post record: %w", err)
	}

	if status == models.StatusNoPDF {
		logger.Info("No extractable PDF", "attachments", msg.AttachmentCount, "error", extractErr)
		out := Outcome{MessageID: msg.ID, Status: string(models.StatusNoPDF), Error: *rec.Error}
		o.complete(ctx, msg.ID, models.StatusNoPDF, logger)
		o.notify(ctx, out, logger)
		return out, nil
	}

	if !o.postingEnabled {
		return o.finalize(ctx, msg.ID, models.StatusQueued, models.Result{}, parsed.Warnings, logger)
	}

	status, result := o.post(ctx, parsed, logger)
	return o.finalize(ctx, msg.ID, status, result, parsed.Warnings, logger)
}

// admit consumes one unit of the sender's daily quota.
func (o *Orchestrator) admit(ctx context.Context, msg *models.InboundMessage, logger *slog.Logger) (bool, error) {
	if o.deps.Limiter == nil {
		return true, nil
	}
	dim, err := o.deps.Limiter.Dimension(msg.From)
	if err != nil {
		logger.Warn("Sender has no usable rate-limit dimension", "error", err)
		dim = "unknown-sender"
	}
	d, err := o.deps.Limiter.CheckAndIncrement(ctx, dim)
	if err != nil {
		return false, err
	}
	if !d.Allowed {
		logger.Warn("Rate limit exceeded", "key", d.Key, "count", d.Count, "limit", d.Limit)
	}
	return d.Allowed, nil
}

// reject records a rate-limited message as error so its redeliveries are not
// reprocessed. The claim is kept.
func (o *Orchestrator) reject(ctx context.Context, msg *models.InboundMessage, logger *slog.Logger) (Outcome, error) {
	rec := models.NewQueueRecord(msg, nil, models.StatusParsed, o.now().UTC())
	if err := o.deps.Queue.Create(ctx, rec); err != nil {
		if errors.Is(err, queue.ErrAlreadyFinalized) {
			return o.adoptFinalized(ctx, msg.ID, logger)
		}
		o.release(ctx, msg.ID, logger)
		return Outcome{}, fmt.Errorf("failed to write rejection record: %w", err)
	}
	out, err := o.finalize(ctx, msg.ID, models.StatusError, models.Result{Error: RateLimitedError}, nil, logger)
	out.RateLimited = true
	return out, err
}

// post maps the ledger result onto a terminal status.
func (o *Orchestrator) post(ctx context.Context, parsed *models.ParsedInvoice, logger *slog.Logger) (models.Status, models.Result) {
	res, err := o.deps.Poster.PostInvoice(ctx, parsed)
	if err != nil {
		logger.Error("Ledger post failed", "kind", ledger.KindOf(err), "error", err)
		return models.StatusError, models.Result{Error: err.Error()}
	}
	switch res.Outcome {
	case ledger.OutcomeCreated:
		return models.StatusPosted, models.Result{LedgerID: res.ID}
	case ledger.OutcomeDuplicate:
		return models.StatusSkipped, models.Result{LedgerID: res.ID}
	default:
		return models.StatusError, models.Result{Error: fmt.Sprintf("unexpected ledger outcome %q", res.Outcome)}
	}
}

func (o *Orchestrator) finalize(ctx context.Context, id string, status models.Status, result models.Result, warnings []string, logger *slog.Logger) (Outcome, error) {
	rec, err := o.deps.Queue.Finalize(ctx, id, status, result)
	if err != nil {
		if errors.Is(err, queue.ErrAlreadyFinalized) {
			return o.adoptFinalized(ctx, id, logger)
		}
		// The record stays parsed and the claim stays held; the reconciler reports it.
		return Outcome{}, fmt.Errorf("failed to finalize queue record as %s: %w", status, err)
	}
	out := outcomeFromRecord(rec)
	out.Warnings = warnings
	logger.Info("Message finalized", "status", out.Status, "ledgerId", out.LedgerID)
	o.complete(ctx, id, status, logger)
	o.notify(ctx, out, logger)
	return out, nil
}

// adoptFinalized completes a claim whose queue record was already terminal,
// which happens when a replay follows a crash between finalize and complete.
func (o *Orchestrator) adoptFinalized(ctx context.Context, id string, logger *slog.Logger) (Outcome, error) {
	rec, err := o.deps.Queue.Get(ctx, id)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to read finalized record: %w", err)
	}
	logger.Warn("Queue record already finalized, adopting its outcome", "status", rec.Status)
	o.complete(ctx, id, rec.Status, logger)
	out := outcomeFromRecord(rec)
	out.Duplicate = true
	return out, nil
}

// priorOutcome describes the first delivery's result to a duplicate.
func (o *Orchestrator) priorOutcome(ctx context.Context, id string, claim *idempotency.Record) Outcome {
	rec, err := o.deps.Queue.Get(ctx, id)
	if err == nil {
		out := outcomeFromRecord(rec)
		out.Duplicate = true
		return out
	}
	if claim != nil && claim.State == idempotency.StateCompleted && claim.Outcome != "" {
		return Outcome{MessageID: id, Status: claim.Outcome, Duplicate: true}
	}
	return Outcome{MessageID: id, Status: StatusInProgress, Duplicate: true}
}

func (o *Orchestrator) complete(ctx context.Context, id string, status models.Status, logger *slog.Logger) {
	if err := o.deps.Gate.Complete(ctx, id, id, status); err != nil {
		logger.Error("Failed to complete idempotency claim", "error", err)
	}
}

func (o *Orchestrator) release(ctx context.Context, id string, logger *slog.Logger) {
	if err := o.deps.Gate.Release(ctx, id); err != nil {
		logger.Error("Failed to release idempotency claim", "error", err)
	}
}

func (o *Orchestrator) notify(ctx context.Context, out Outcome, logger *slog.Logger) {
	if o.deps.Notifier == nil {
		return
	}
	if _, err := o.deps.Notifier.Notify(ctx, out); err != nil {
		logger.Warn("Failed to notify outcome", "error", err)
	}
}

func outcomeFromRecord(rec *models.QueueRecord) Outcome {
	out := Outcome{MessageID: rec.Key(), Status: string(rec.Status)}
	if rec.LedgerResult != nil {
		out.LedgerID = *rec.LedgerResult
	}
	if rec.Error != nil {
		out.Error = *rec.Error
	}
	if rec.Parsed != nil {
		out.Warnings = rec.Parsed.Warnings
	}
	return out
}
