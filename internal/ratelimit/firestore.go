package ratelimit

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lllllllleong/invoiceingest/internal/gcp"
)

type counterDoc struct {
	Key       string    `firestore:"key"`
	Count     int64     `firestore:"count"`
	ExpiresAt time.Time `firestore:"expires_at"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

// FirestoreCounter stores one document per counter key. The read, compare and
// write happen in a single transaction, which Firestore retries on contention.
type FirestoreCounter struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreCounter creates a FirestoreCounter over the named collection.
func NewFirestoreCounter(client *firestore.Client, collection string) *FirestoreCounter {
	return &FirestoreCounter{client: client, collection: collection}
}

// doc maps the counter key onto a document. Keys embed the sender, which may
// contain a slash.
func (c *FirestoreCounter) doc(key string) *firestore.DocumentRef {
	return c.client.Collection(c.collection).Doc(gcp.DocID(key))
}

// IncrementBelow sets expires_at so a Firestore TTL policy can purge old buckets.
func (c *FirestoreCounter) IncrementBelow(ctx context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error) {
	ref := c.doc(key)
	var count int64
	var allowed bool
	err := c.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc := counterDoc{Key: key}
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("failed to decode counter: %w", err)
			}
		}
		count, allowed = doc.Count, false
		if doc.Count >= limit {
			return nil
		}
		now := time.Now().UTC()
		doc.Count++
		doc.UpdatedAt = now
		doc.ExpiresAt = now.Add(ttl)
		count, allowed = doc.Count, true
		return tx.Set(ref, &doc)
	})
	if err != nil {
		return 0, false, err
	}
	return count, allowed, nil
}

var _ Counter = (*FirestoreCounter)(nil)
