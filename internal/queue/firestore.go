package queue

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lllllllleong/invoiceingest/internal/gcp"
	"github.com/Lllllllleong/invoiceingest/internal/models"
)

// FirestoreStore keeps QueueRecords in a Firestore collection, one document
// per message id.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore creates a FirestoreStore over the named collection.
func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	return &FirestoreStore{client: client, collection: collection}
}

func (s *FirestoreStore) doc(key string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(gcp.DocID(key))
}

func (s *FirestoreStore) Create(ctx context.Context, rec *models.QueueRecord) error {
	if err := checkCreate(rec); err != nil {
		return err
	}
	ref := s.doc(rec.Key())
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			var existing models.QueueRecord
			if err := snap.DataTo(&existing); err != nil {
				return fmt.Errorf("failed to decode queue record: %w", err)
			}
			if existing.Status.Terminal() {
				return ErrAlreadyFinalized
			}
		}
		return tx.Set(ref, rec)
	})
}

func (s *FirestoreStore) Finalize(ctx context.Context, key string, st models.Status, result models.Result) (*models.QueueRecord, error) {
	ref := s.doc(key)
	var out *models.QueueRecord
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var rec models.QueueRecord
		if err := snap.DataTo(&rec); err != nil {
			return fmt.Errorf("failed to decode queue record: %w", err)
		}
		if err := applyFinalize(&rec, st, result, time.Now().UTC()); err != nil {
			return err
		}
		out = &rec
		return tx.Update(ref, []firestore.Update{
			{Path: "status", Value: string(rec.Status)},
			{Path: "ledger_result", Value: rec.LedgerResult},
			{Path: "error", Value: rec.Error},
			{Path: "updated_at", Value: rec.UpdatedAt},
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *FirestoreStore) Get(ctx context.Context, key string) (*models.QueueRecord, error) {
	snap, err := s.doc(key).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read queue record: %w", err)
	}
	return decodeRecord(snap)
}

// decodeRecord rejects documents whose status is not a known value.
func decodeRecord(snap *firestore.DocumentSnapshot) (*models.QueueRecord, error) {
	var rec models.QueueRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode queue record %s: %w", snap.Ref.ID, err)
	}
	st, err := models.ParseStatus(string(rec.Status))
	if err != nil {
		return nil, fmt.Errorf("queue record %s: %w", snap.Ref.ID, err)
	}
	rec.Status = st
	return &rec, nil
}

func (s *FirestoreStore) ListByStatus(ctx context.Context, st models.Status, olderThan time.Time, limit int) ([]*models.QueueRecord, error) {
	q := s.client.Collection(s.collection).
		Where("status", "==", string(st)).
		Where("updated_at", "<", olderThan).
		OrderBy("updated_at", firestore.Asc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query queue records: %w", err)
	}
	out := make([]*models.QueueRecord, 0, len(docs))
	for _, d := range docs {
		rec, err := decodeRecord(d)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

var _ Store = (*FirestoreStore)(nil)
