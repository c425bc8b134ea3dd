// Package queue stores the QueueRecord kept for every inbound message. A record
// is written before any posting attempt and finalized exactly once.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Lllllllleong/invoiceingest/internal/models"
)

var (
	// ErrAlreadyFinalized is returned when a record already holds a terminal status.
	ErrAlreadyFinalized = errors.New("queue record already finalized")
	// ErrNotFound is returned when no record exists for the key.
	ErrNotFound = errors.New("queue record not found")
)

// Store persists QueueRecords keyed by inbound message id.
type Store interface {
	// Create writes rec. It fails with ErrAlreadyFinalized when a terminal
	// record exists for the key; a leftover parsed record is overwritten.
	Create(ctx context.Context, rec *models.QueueRecord) error
	// Finalize moves a non-terminal record to a terminal status.
	Finalize(ctx context.Context, key string, status models.Status, result models.Result) (*models.QueueRecord, error)
	Get(ctx context.Context, key string) (*models.QueueRecord, error)
	// ListByStatus returns records in status last updated before olderThan.
	ListByStatus(ctx context.Context, status models.Status, olderThan time.Time, limit int) ([]*models.QueueRecord, error)
}

// checkCreate validates the status a record may be created in.
func checkCreate(rec *models.QueueRecord) error {
	if rec.Key() == "" {
		return errors.New("queue record has no message id")
	}
	switch rec.Status {
	case models.StatusParsed, models.StatusNoPDF:
		return nil
	default:
		return fmt.Errorf("%w: records are created as %q or %q, got %q",
			models.ErrUnknownStatus, models.StatusParsed, models.StatusNoPDF, rec.Status)
	}
}

// applyFinalize mutates rec into its terminal form, rejecting invalid transitions.
func applyFinalize(rec *models.QueueRecord, status models.Status, result models.Result, now time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", models.ErrUnknownStatus, status)
	}
	if !status.Terminal() {
		return fmt.Errorf("%w: %q is not terminal", models.ErrUnknownStatus, status)
	}
	if rec.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyFinalized, rec.Key(), rec.Status)
	}
	rec.Status = status
	rec.LedgerResult = result.LedgerIDPtr()
	rec.Error = result.ErrorPtr()
	rec.UpdatedAt = now
	return nil
}
