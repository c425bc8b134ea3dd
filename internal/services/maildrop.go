package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Lllllllleong/invoiceingest/internal/gcp"
	"github.com/Lllllllleong/invoiceingest/internal/mailparse"
	"github.com/Lllllllleong/invoiceingest/internal/models"
	"github.com/Lllllllleong/invoiceingest/internal/pipeline"
)

// GCSEvent is the payload of a Cloud Storage object finalize event.
type GCSEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

// ObjectReader reads a whole object from a bucket.
type ObjectReader func(ctx context.Context, bucket, name string) ([]byte, error)

// Processor runs one message through the pipeline.
type Processor interface {
	Process(ctx context.Context, msg *models.InboundMessage) (pipeline.Outcome, error)
}

// MailDropFunction ingests raw .eml files dropped into a bucket.
type MailDropFunction struct {
	read      ObjectReader
	processor Processor
	logger    *slog.Logger
}

// NewMailDrop loads the configuration and wires the mail-drop function.
func NewMailDrop(ctx context.Context) (*MailDropFunction, error) {
	c, err := loadComponents(ctx)
	if err != nil {
		return nil, err
	}
	sc, err := c.StorageClient(ctx)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	maxBytes := c.Config.Inbound.MaxRequestBytes
	read := func(ctx context.Context, bucket, name string) ([]byte, error) {
		return gcp.ReadGCSObject(ctx, sc.Bucket(bucket), name, maxBytes)
	}
	return NewMailDropWith(read, c.Pipeline, c.Logger), nil
}

// NewMailDropWith creates a MailDropFunction over explicit collaborators.
func NewMailDropWith(read ObjectReader, processor Processor, logger *slog.Logger) *MailDropFunction {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &MailDropFunction{read: read, processor: processor, logger: logger.With("component", "mail-drop")}
}

// Process ingests one stored message. Objects that are not .eml files or do
// not parse are skipped without error so the event is not redelivered.
func (f *MailDropFunction) Process(ctx context.Context, e GCSEvent) error {
	logger := f.logger.With("bucket", e.Bucket, "object", e.Name)
	if !strings.HasSuffix(strings.ToLower(e.Name), ".eml") {
		logger.Info("Skipping non-eml object")
		return nil
	}

	raw, err := f.read(ctx, e.Bucket, e.Name)
	if err != nil {
		return fmt.Errorf("failed to read stored email: %w", err)
	}
	msg, err := mailparse.ParseRaw(raw)
	if err != nil {
		if errors.Is(err, mailparse.ErrMalformed) {
			logger.Error("Stored email is malformed, skipping", "error", err)
			return nil
		}
		return err
	}
	msg.RawRef = fmt.Sprintf("gs://%s/%s", e.Bucket, e.Name)

	out, err := f.processor.Process(ctx, msg)
	if err != nil {
		logger.Error("Failed to process stored email", "messageId", msg.ID, "error", err)
		return err
	}
	logger.Info("Stored email processed", "messageId", out.MessageID, "status", out.Status, "duplicate", out.Duplicate)
	return nil
}
