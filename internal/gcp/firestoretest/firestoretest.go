// Package firestoretest connects tests to the Firestore emulator.
package firestoretest

import (
	"context"
	"os"
	"testing"

	"cloud.google.com/go/firestore"
)

// NewClient returns a client bound to the emulator named by
// FIRESTORE_EMULATOR_HOST, or skips the test when it is unset.
func NewClient(t *testing.T) *firestore.Client {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	client, err := firestore.NewClient(context.Background(), "invoice-ingest-test")
	if err != nil {
		t.Fatalf("failed to create emulator client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}
