// Package idempotency implements the first-writer-wins claim on inbound
// message ids. A claim is created with an atomic create-if-absent on the
// backing store, so only one of several concurrent deliveries of the same
// message proceeds to posting.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Lllllllleong/invoiceingest/internal/models"
)

var (
	// ErrExists is returned by Store.Create when a record already exists for the key.
	ErrExists = errors.New("claim already exists")
	// ErrNotFound is returned when no claim exists for the key.
	ErrNotFound = errors.New("claim not found")
)

// State is the lifecycle state of a claim.
type State string

const (
	StateClaimed   State = "claimed"   // owned by an in-flight delivery
	StateCompleted State = "completed" // queue record finalized, Outcome set
	StateReleased  State = "released"  // stale claim handed back for one replay
	StateAbandoned State = "abandoned" // replay also stalled, needs an operator
	StateInDoubt   State = "in_doubt"  // delivery died after its pre-post record; ledger post unknown
)

// Record is the durable idempotency entry for one message id.
type Record struct {
	MessageID   string    `firestore:"message_id"`
	State       State     `firestore:"state"`
	ClaimedAt   time.Time `firestore:"claimed_at"`
	CompletedAt time.Time `firestore:"completed_at,omitempty"`
	QueueKey    string    `firestore:"queue_key,omitempty"`
	Outcome     string    `firestore:"outcome,omitempty"`
	Replays     int       `firestore:"replays"`
}

// Store persists claims. Create and Update must be atomic per key.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, messageID string) (*Record, error)
	// Update applies fn to the stored record inside one read-modify-write.
	// The record is written back only when fn returns true.
	Update(ctx context.Context, messageID string, fn func(*Record) (bool, error)) (*Record, error)
	Delete(ctx context.Context, messageID string) error
	ListByState(ctx context.Context, state State, claimedBefore time.Time, limit int) ([]*Record, error)
}

// ClaimResult reports the outcome of Gate.Claim.
type ClaimResult struct {
	// Claimed is true when the caller owns the message and must process it.
	Claimed bool
	// Record is the caller's claim when Claimed, otherwise the existing one.
	Record *Record
}

// Gate wraps a Store with the claim lifecycle used by the pipeline.
type Gate struct {
	store Store
	now   func() time.Time
}

// NewGate creates a Gate over store.
func NewGate(store Store) *Gate {
	return &Gate{store: store, now: time.Now}
}

// WithClock overrides the clock, for tests.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

var errNotReclaimable = errors.New("claim not reclaimable")

// Claim takes ownership of messageID. When another delivery already owns it the
// existing record is returned with Claimed false. A claim released by the
// reconciler is taken over exactly once.
func (g *Gate) Claim(ctx context.Context, messageID string) (ClaimResult, error) {
	if messageID == "" {
		return ClaimResult{}, errors.New("message id must not be empty")
	}
	now := g.now().UTC()
	rec := &Record{MessageID: messageID, State: StateClaimed, ClaimedAt: now}

	err := g.store.Create(ctx, rec)
	if err == nil {
		return ClaimResult{Claimed: true, Record: rec}, nil
	}
	if !errors.Is(err, ErrExists) {
		return ClaimResult{}, fmt.Errorf("failed to claim message %s: %w", messageID, err)
	}

	var existing Record
	updated, err := g.store.Update(ctx, messageID, func(r *Record) (bool, error) {
		existing = *r
		if r.State != StateReleased {
			return false, errNotReclaimable
		}
		r.State = StateClaimed
		r.ClaimedAt = now
		return true, nil
	})
	switch {
	case err == nil:
		return ClaimResult{Claimed: true, Record: updated}, nil
	case errors.Is(err, errNotReclaimable):
		return ClaimResult{Claimed: false, Record: &existing}, nil
	case errors.Is(err, ErrNotFound):
		// Released and deleted between our two calls; the next delivery will claim it.
		return ClaimResult{}, fmt.Errorf("claim for %s vanished during takeover: %w", messageID, err)
	default:
		return ClaimResult{}, fmt.Errorf("failed to inspect existing claim %s: %w", messageID, err)
	}
}

// Complete records the terminal outcome of a claimed message.
func (g *Gate) Complete(ctx context.Context, messageID, queueKey string, outcome models.Status) error {
	if !outcome.Terminal() {
		return fmt.Errorf("%w: %q is not terminal", models.ErrUnknownStatus, outcome)
	}
	now := g.now().UTC()
	_, err := g.store.Update(ctx, messageID, func(r *Record) (bool, error) {
		r.State = StateCompleted
		r.CompletedAt = now
		r.QueueKey = queueKey
		r.Outcome = string(outcome)
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("failed to complete claim %s: %w", messageID, err)
	}
	return nil
}

// Release drops a claim whose processing aborted before a queue record was
// written, so a legitimate redelivery is not blocked.
func (g *Gate) Release(ctx context.Context, messageID string) error {
	if err := g.store.Delete(ctx, messageID); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to release claim %s: %w", messageID, err)
	}
	return nil
}

// ReleaseForReplay hands a stale claim back for one more delivery. A claim that
// has already been replayed once is marked abandoned instead. It returns the
// state the claim was moved to.
func (g *Gate) ReleaseForReplay(ctx context.Context, messageID string) (State, error) {
	var next State
	_, err := g.store.Update(ctx, messageID, func(r *Record) (bool, error) {
		if r.State != StateClaimed {
			next = r.State
			return false, nil
		}
		if r.Replays >= 1 {
			r.State = StateAbandoned
		} else {
			r.State = StateReleased
			r.Replays++
		}
		next = r.State
		return true, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to release claim %s for replay: %w", messageID, err)
	}
	return next, nil
}

// MarkInDoubt moves a stale claim whose queue record never left parsed out of
// the claimed set, so later sweeps do not list it again. It returns the state
// the claim is in afterwards; claims no longer in claimed are left unchanged.
func (g *Gate) MarkInDoubt(ctx context.Context, messageID string) (State, error) {
	var next State
	_, err := g.store.Update(ctx, messageID, func(r *Record) (bool, error) {
		next = r.State
		if r.State != StateClaimed {
			return false, nil
		}
		r.State = StateInDoubt
		next = r.State
		return true, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to mark claim %s in doubt: %w", messageID, err)
	}
	return next, nil
}

// Stale lists claims still owned by a delivery and older than age.
func (g *Gate) Stale(ctx context.Context, age time.Duration, limit int) ([]*Record, error) {
	recs, err := g.store.ListByState(ctx, StateClaimed, g.now().UTC().Add(-age), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale claims: %w", err)
	}
	return recs, nil
}

// Lookup returns the claim for messageID.
func (g *Gate) Lookup(ctx context.Context, messageID string) (*Record, error) {
	return g.store.Get(ctx, messageID)
}
