package token

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Store persists the latest refresh token. Providers that rotate refresh
// tokens invalidate the configured seed after the first refresh.
type Store interface {
	// Load returns the stored refresh token, or "" when none is stored.
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, refreshToken string) error
}

// MemoryStore keeps the refresh token in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	value string
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Load(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, nil
}

func (s *MemoryStore) Save(_ context.Context, refreshToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = refreshToken
	return nil
}

type tokenDoc struct {
	RefreshToken string    `firestore:"refresh_token"`
	UpdatedAt    time.Time `firestore:"updated_at"`
}

// FirestoreStore keeps the refresh token in a single Firestore document.
type FirestoreStore struct {
	ref *firestore.DocumentRef
}

// NewFirestoreStore stores the token at collection/docID.
func NewFirestoreStore(client *firestore.Client, collection, docID string) *FirestoreStore {
	return &FirestoreStore{ref: client.Collection(collection).Doc(docID)}
}

func (s *FirestoreStore) Load(ctx context.Context) (string, error) {
	snap, err := s.ref.Get(ctx)
	if status.Code(err) == codes.NotFound {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read token document: %w", err)
	}
	var doc tokenDoc
	if err := snap.DataTo(&doc); err != nil {
		return "", fmt.Errorf("failed to decode token document: %w", err)
	}
	return doc.RefreshToken, nil
}

func (s *FirestoreStore) Save(ctx context.Context, refreshToken string) error {
	_, err := s.ref.Set(ctx, tokenDoc{RefreshToken: refreshToken, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to write token document: %w", err)
	}
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*FirestoreStore)(nil)
)
