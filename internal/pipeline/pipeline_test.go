package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/invoiceingest/internal/config"
	"github.com/Lllllllleong/invoiceingest/internal/extract"
	"github.com/Lllllllleong/invoiceingest/internal/idempotency"
	"github.com/Lllllllleong/invoiceingest/internal/ledger"
	"github.com/Lllllllleong/invoiceingest/internal/models"
	"github.com/Lllllllleong/invoiceingest/internal/queue"
	"github.com/Lllllllleong/invoiceingest/internal/ratelimit"
)

// fakeLedger records posts and answers duplicates by reference.
type fakeLedger struct {
	mu      sync.Mutex
	calls   atomic.Int32
	posted  map[string]string
	err     error
	delay   time.Duration
	counter int
}

func newFakeLedger() *fakeLedger { return &fakeLedger{posted: map[string]string{}} }

func (f *fakeLedger) PostInvoice(_ context.Context, inv *models.ParsedInvoice) (ledger.PostResult, error) {
	f.calls.Add(1)
	time.Sleep(f.delay)
	if f.err != nil {
		return ledger.PostResult{}, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.posted[inv.SupplierReference]; ok {
		return ledger.PostResult{Outcome: ledger.OutcomeDuplicate, ID: id}, nil
	}
	f.counter++
	id := fmt.Sprintf("pi_%d", f.counter)
	f.posted[inv.SupplierReference] = id
	return ledger.PostResult{Outcome: ledger.OutcomeCreated, ID: id}, nil
}

type fakeExtractor struct {
	ref string
	err error
}

func (f fakeExtractor) Extract(_ context.Context, att *models.Attachment) (*models.ParsedInvoice, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.ParsedInvoice{
		SupplierReference: f.ref,
		InvoiceDate:       "2025-01-15",
		LedgerCode:        "5001",
		VATNet:            100,
		VATAmount:         20,
		Total:             120,
	}, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	seen []Outcome
}

func (n *recordingNotifier) Notify(_ context.Context, payload any) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seen = append(n.seen, payload.(Outcome))
	return "exec-1", nil
}

type failingQueue struct {
	queue.Store
	createErr error
}

func (f failingQueue) Create(ctx context.Context, rec *models.QueueRecord) error {
	if f.createErr != nil {
		return f.createErr
	}
	return f.Store.Create(ctx, rec)
}

type harness struct {
	orch     *Orchestrator
	gate     *idempotency.Gate
	claims   *idempotency.MemoryStore
	queue    *queue.MemoryStore
	ledger   *fakeLedger
	notifier *recordingNotifier
}

type option func(*Deps, *bool)

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	h := &harness{
		claims:   idempotency.NewMemoryStore(),
		queue:    queue.NewMemoryStore(),
		ledger:   newFakeLedger(),
		notifier: &recordingNotifier{},
	}
	h.gate = idempotency.NewGate(h.claims)
	deps := Deps{
		Gate:      h.gate,
		Queue:     h.queue,
		Extractor: fakeExtractor{ref: "INV-1"},
		Poster:    h.ledger,
		Limiter:   ratelimit.New(ratelimit.NewMemoryCounter(), 50, config.RateLimitBySender),
		Notifier:  h.notifier,
	}
	posting := true
	for _, opt := range opts {
		opt(&deps, &posting)
	}
	h.orch = New(deps, posting)
	return h
}

func message(id string) *models.InboundMessage {
	return &models.InboundMessage{
		ID:      id,
		From:    "ap@vendor.com",
		To:      "invoices@example.com",
		Subject: "Invoice",
		Attachment: &models.Attachment{
			Name: "inv.pdf", ContentType: "application/pdf", Size: 4, Data: []byte("%PDF"),
		},
		AttachmentCount: 1,
	}
}

func TestProcess_Posted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	out, err := h.orch.Process(ctx, message("m1"))
	require.NoError(t, err)
	assert.Equal(t, "posted", out.Status)
	assert.Equal(t, "pi_1", out.LedgerID)
	assert.False(t, out.Duplicate)

	rec, err := h.queue.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPosted, rec.Status)
	assert.Equal(t, "inv.pdf", rec.Attachment.Name)

	claim, err := h.gate.Lookup(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StateCompleted, claim.State)
	assert.Equal(t, "posted", claim.Outcome)

	require.Len(t, h.notifier.seen, 1)
	assert.Equal(t, "posted", h.notifier.seen[0].Status)
}

func TestProcess_RepeatedDeliveryPostsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.orch.Process(ctx, message("m1"))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := h.orch.Process(ctx, message("m1"))
		require.NoError(t, err)
		assert.True(t, again.Duplicate)
		assert.Equal(t, first.Status, again.Status)
		assert.Equal(t, first.LedgerID, again.LedgerID)
	}
	assert.Equal(t, int32(1), h.ledger.calls.Load())
}

func TestProcess_ConcurrentSameID(t *testing.T) {
	h := newHarness(t)
	h.ledger.delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	outs := make([]Outcome, 8)
	for i := range outs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := h.orch.Process(context.Background(), message("same"))
			assert.NoError(t, err)
			outs[i] = out
		}(i)
	}
	wg.Wait()

	var firsts int
	for _, out := range outs {
		if !out.Duplicate {
			firsts++
			assert.Equal(t, "posted", out.Status)
		}
	}
	assert.Equal(t, 1, firsts, "exactly one delivery processes the message")
	assert.Equal(t, int32(1), h.ledger.calls.Load())
}

func TestProcess_DuplicateInvoiceSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Process(ctx, message("m1"))
	require.NoError(t, err)
	out, err := h.orch.Process(ctx, message("m2"))
	require.NoError(t, err)

	assert.Equal(t, "skipped", out.Status)
	assert.Equal(t, "pi_1", out.LedgerID)
	assert.False(t, out.Duplicate)
	assert.Len(t, h.ledger.posted, 1, "no second ledger creation")
}

func TestProcess_NoAttachment(t *testing.T) {
	h := newHarness(t)
	msg := message("m1")
	msg.Attachment = nil

	out, err := h.orch.Process(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "no_pdf", out.Status)
	assert.Zero(t, h.ledger.calls.Load())

	rec, err := h.queue.Get(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusNoPDF, rec.Status)
	assert.Nil(t, rec.Parsed)
}

func TestProcess_ExtractionFailureIsNoPDF(t *testing.T) {
	h := newHarness(t, func(d *Deps, _ *bool) {
		d.Extractor = fakeExtractor{err: errors.Join(extract.ErrNoPDF, errors.New("model unavailable"))}
	})

	out, err := h.orch.Process(context.Background(), message("m1"))
	require.NoError(t, err)
	assert.Equal(t, "no_pdf", out.Status)
	assert.Contains(t, out.Error, "model unavailable")
	assert.Zero(t, h.ledger.calls.Load())
}

func TestProcess_PostingDisabled(t *testing.T) {
	h := newHarness(t, func(_ *Deps, posting *bool) { *posting = false })
	ctx := context.Background()

	out, err := h.orch.Process(ctx, message("m1"))
	require.NoError(t, err)
	assert.Equal(t, "queued", out.Status)
	assert.Zero(t, h.ledger.calls.Load())

	again, err := h.orch.Process(ctx, message("m1"))
	require.NoError(t, err)
	assert.True(t, again.Duplicate, "idempotency still claimed")
	assert.Equal(t, "queued", again.Status)
}

func TestProcess_LedgerErrorRecorded(t *testing.T) {
	h := newHarness(t)
	h.ledger.err = &ledger.Error{Kind: ledger.KindAuth, Op: "create purchase invoice", StatusCode: 401}

	out, err := h.orch.Process(context.Background(), message("m1"))
	require.NoError(t, err)
	assert.Equal(t, "error", out.Status)
	assert.Contains(t, out.Error, "auth")

	again, err := h.orch.Process(context.Background(), message("m1"))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, int32(1), h.ledger.calls.Load(), "no further retries for the message")
}

func TestProcess_RateLimited(t *testing.T) {
	h := newHarness(t, func(d *Deps, _ *bool) {
		d.Limiter = ratelimit.New(ratelimit.NewMemoryCounter(), 2, config.RateLimitBySender)
	})
	ctx := context.Background()

	for _, id := range []string{"m1", "m2"} {
		out, err := h.orch.Process(ctx, message(id))
		require.NoError(t, err)
		assert.False(t, out.RateLimited)
	}
	out, err := h.orch.Process(ctx, message("m3"))
	require.NoError(t, err)
	assert.True(t, out.RateLimited)
	assert.Equal(t, "error", out.Status)
	assert.Equal(t, RateLimitedError, out.Error)

	again, err := h.orch.Process(ctx, message("m3"))
	require.NoError(t, err)
	assert.True(t, again.Duplicate, "denied message stays claimed")
	assert.False(t, again.RateLimited)
	assert.Equal(t, int32(2), h.ledger.calls.Load())
}

func TestProcess_PrePostFailureReleasesClaim(t *testing.T) {
	h := newHarness(t)
	h.orch.deps.Queue = failingQueue{Store: h.queue, createErr: errors.New("firestore unavailable")}
	ctx := context.Background()

	_, err := h.orch.Process(ctx, message("m1"))
	require.Error(t, err)
	_, err = h.gate.Lookup(ctx, "m1")
	require.ErrorIs(t, err, idempotency.ErrNotFound, "claim released")

	h.orch.deps.Queue = h.queue
	out, err := h.orch.Process(ctx, message("m1"))
	require.NoError(t, err)
	assert.Equal(t, "posted", out.Status)
}

func TestProcess_InProgressDuplicate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.gate.Claim(ctx, "m1")
	require.NoError(t, err)

	out, err := h.orch.Process(ctx, message("m1"))
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
	assert.Equal(t, StatusInProgress, out.Status)
	assert.Zero(t, h.ledger.calls.Load())
}

func TestProcess_ReplayAdoptsFinalizedRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Crash after finalize, before the claim was completed, then the
	// reconciler released it for replay.
	_, err := h.gate.Claim(ctx, "m1")
	require.NoError(t, err)
	require.NoError(t, h.queue.Create(ctx, models.NewQueueRecord(message("m1"), nil, models.StatusParsed, time.Now())))
	_, err = h.queue.Finalize(ctx, "m1", models.StatusPosted, models.Result{LedgerID: "pi_9"})
	require.NoError(t, err)
	_, err = h.gate.ReleaseForReplay(ctx, "m1")
	require.NoError(t, err)

	out, err := h.orch.Process(ctx, message("m1"))
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
	assert.Equal(t, "posted", out.Status)
	assert.Equal(t, "pi_9", out.LedgerID)
	assert.Zero(t, h.ledger.calls.Load())

	claim, err := h.gate.Lookup(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StateCompleted, claim.State)
}

func TestProcess_RejectsMissingID(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Process(context.Background(), &models.InboundMessage{})
	require.Error(t, err)
}
