package queue

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/invoiceingest/internal/models"
)

func newRecord(id string, status models.Status, at time.Time) *models.QueueRecord {
	msg := &models.InboundMessage{
		ID:      id,
		From:    "ap@vendor.com",
		To:      "invoices@example.com",
		Subject: "Invoice INV-1",
		Attachment: &models.Attachment{
			Name:        "inv.pdf",
			ContentType: "application/pdf",
			Size:        1024,
		},
	}
	return models.NewQueueRecord(msg, &models.ParsedInvoice{SupplierReference: "INV-1"}, status, at)
}

func TestCreateFinalize_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Create(ctx, newRecord("m1", models.StatusParsed, time.Now())))
	rec, err := s.Finalize(ctx, "m1", models.StatusPosted, models.Result{LedgerID: "pi_123"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPosted, rec.Status)
	require.NotNil(t, rec.LedgerResult)
	assert.Equal(t, "pi_123", *rec.LedgerResult)
	assert.Nil(t, rec.Error)

	got, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "inv.pdf", got.Attachment.Name)
	assert.Equal(t, models.StatusPosted, got.Status)
}

func TestFinalize_TerminalIsFinal(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, newRecord("m2", models.StatusParsed, time.Now())))
	_, err := s.Finalize(ctx, "m2", models.StatusSkipped, models.Result{LedgerID: "pi_9"})
	require.NoError(t, err)

	_, err = s.Finalize(ctx, "m2", models.StatusPosted, models.Result{LedgerID: "pi_10"})
	require.ErrorIs(t, err, ErrAlreadyFinalized)

	got, err := s.Get(ctx, "m2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSkipped, got.Status)
}

func TestCreate_DoesNotOverwriteTerminal(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, newRecord("m3", models.StatusNoPDF, time.Now())))

	err := s.Create(ctx, newRecord("m3", models.StatusParsed, time.Now()))
	require.ErrorIs(t, err, ErrAlreadyFinalized)
}

func TestCreate_ReplacesLeftoverParsed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, newRecord("m4", models.StatusParsed, time.Now())))
	require.NoError(t, s.Create(ctx, newRecord("m4", models.StatusParsed, time.Now())))
	assert.Equal(t, 1, s.Len())
}

func TestCreate_RejectsOtherStatuses(t *testing.T) {
	err := NewMemoryStore().Create(context.Background(), newRecord("m5", models.StatusPosted, time.Now()))
	require.ErrorIs(t, err, models.ErrUnknownStatus)
}

func TestFinalize_Errors(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Finalize(ctx, "missing", models.StatusPosted, models.Result{})
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Create(ctx, newRecord("m6", models.StatusParsed, time.Now())))
	_, err = s.Finalize(ctx, "m6", models.StatusParsed, models.Result{})
	require.ErrorIs(t, err, models.ErrUnknownStatus)
	_, err = s.Finalize(ctx, "m6", models.Status("archived"), models.Result{})
	require.ErrorIs(t, err, models.ErrUnknownStatus)
}

func TestFinalize_TruncatesErrorDetail(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, newRecord("m7", models.StatusParsed, time.Now())))

	rec, err := s.Finalize(ctx, "m7", models.StatusError, models.Result{Error: strings.Repeat("e", 2000)})
	require.NoError(t, err)
	require.NotNil(t, rec.Error)
	assert.Len(t, *rec.Error, 512)
	assert.True(t, strings.HasSuffix(*rec.Error, "..."))
	assert.Nil(t, rec.LedgerResult)
}

func TestListByStatus_StuckParsed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	old := time.Now().Add(-time.Hour)
	require.NoError(t, s.Create(ctx, newRecord("stuck", models.StatusParsed, old)))
	require.NoError(t, s.Create(ctx, newRecord("recent", models.StatusParsed, time.Now())))
	require.NoError(t, s.Create(ctx, newRecord("nopdf", models.StatusNoPDF, old)))

	got, err := s.ListByStatus(ctx, models.StatusParsed, time.Now().Add(-10*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "stuck", got[0].Key())
}
