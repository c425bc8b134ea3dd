package gcp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
)

// NewFirestoreClient creates and returns a new Firestore client for the given
// project and database. An empty database selects "(default)".
func NewFirestoreClient(ctx context.Context, projectID, database string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}
	if database == "" {
		database = firestore.DefaultDatabaseID
	}

	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}

// DocID maps an arbitrary key, such as an RFC 5322 Message-Id, onto a valid
// Firestore document name. Keys containing a slash, reserved names and
// oversize keys are replaced by their SHA-256.
func DocID(key string) string {
	if key == "." || key == ".." || strings.HasPrefix(key, "__") ||
		strings.Contains(key, "/") || len(key) > 1000 {
		sum := sha256.Sum256([]byte(key))
		return "sha256-" + hex.EncodeToString(sum[:])
	}
	return key
}
