package idempotency

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lllllllleong/invoiceingest/internal/gcp"
)

// FirestoreStore keeps claims in a Firestore collection keyed by message id.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore creates a FirestoreStore over the named collection.
func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	return &FirestoreStore{client: client, collection: collection}
}

func (s *FirestoreStore) doc(messageID string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(gcp.DocID(messageID))
}

// Create uses DocumentRef.Create, which fails with AlreadyExists when the
// document is present. That is the compare-and-set the claim relies on.
func (s *FirestoreStore) Create(ctx context.Context, rec *Record) error {
	_, err := s.doc(rec.MessageID).Create(ctx, rec)
	if status.Code(err) == codes.AlreadyExists {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("failed to create claim document: %w", err)
	}
	return nil
}

func (s *FirestoreStore) Get(ctx context.Context, messageID string) (*Record, error) {
	snap, err := s.doc(messageID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read claim document: %w", err)
	}
	var rec Record
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode claim document: %w", err)
	}
	return &rec, nil
}

func (s *FirestoreStore) Update(ctx context.Context, messageID string, fn func(*Record) (bool, error)) (*Record, error) {
	ref := s.doc(messageID)
	var out *Record
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var rec Record
		if err := snap.DataTo(&rec); err != nil {
			return fmt.Errorf("failed to decode claim document: %w", err)
		}
		write, err := fn(&rec)
		if err != nil {
			return err
		}
		out = &rec
		if !write {
			return nil
		}
		return tx.Set(ref, &rec)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *FirestoreStore) Delete(ctx context.Context, messageID string) error {
	_, err := s.doc(messageID).Delete(ctx, firestore.Exists)
	if status.Code(err) == codes.NotFound {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete claim document: %w", err)
	}
	return nil
}

func (s *FirestoreStore) ListByState(ctx context.Context, state State, claimedBefore time.Time, limit int) ([]*Record, error) {
	q := s.client.Collection(s.collection).
		Where("state", "==", string(state)).
		Where("claimed_at", "<", claimedBefore).
		OrderBy("claimed_at", firestore.Asc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query claims: %w", err)
	}
	out := make([]*Record, 0, len(docs))
	for _, d := range docs {
		var rec Record
		if err := d.DataTo(&rec); err != nil {
			return nil, fmt.Errorf("failed to decode claim %s: %w", d.Ref.ID, err)
		}
		out = append(out, &rec)
	}
	return out, nil
}

var _ Store = (*FirestoreStore)(nil)

