package gcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/Lllllllleong/invoiceingest/internal/models"
)

// SaveToGCSAtomically writes content to a GCS object only if it doesn't already exist.
// An existing object is not a failure: redelivered messages archive to the same name.
func SaveToGCSAtomically(ctx context.Context, bucket *storage.BucketHandle, objectName string, content []byte, contentType string) error {
	writer := bucket.Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = contentType

	if _, err := io.Copy(writer, bytes.NewReader(content)); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			slog.Info("Object already exists, skipping write", "object", objectName)
			return nil
		}
		return fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			slog.Info("Object already exists, skipping write", "object", objectName)
			return nil
		}
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return nil
}

// ReadGCSObject reads a whole object, refusing objects larger than maxBytes.
func ReadGCSObject(ctx context.Context, bucket *storage.BucketHandle, objectName string, maxBytes int64) ([]byte, error) {
	reader, err := bucket.Object(objectName).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open gs object %s: %w", objectName, err)
	}
	defer reader.Close()

	if maxBytes > 0 && reader.Attrs.Size > maxBytes {
		return nil, fmt.Errorf("object %s is %d bytes, limit is %d", objectName, reader.Attrs.Size, maxBytes)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read gs object %s: %w", objectName, err)
	}
	return data, nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

// EmailArchiver stores raw inbound messages under raw/ in a bucket.
type EmailArchiver struct {
	bucket     *storage.BucketHandle
	bucketName string
}

// NewEmailArchiver creates an archiver writing to bucketName.
func NewEmailArchiver(client *storage.Client, bucketName string) *EmailArchiver {
	return &EmailArchiver{bucket: client.Bucket(bucketName), bucketName: bucketName}
}

// Archive writes the raw bytes of msg once and returns its gs:// URI.
// Redelivered messages map to the same object.
func (a *EmailArchiver) Archive(ctx context.Context, msg *models.InboundMessage) (string, error) {
	objectName, contentType := ArchiveObjectName(msg)
	if err := SaveToGCSAtomically(ctx, a.bucket, objectName, msg.Raw, contentType); err != nil {
		return "", err
	}
	return fmt.Sprintf("gs://%s/%s", a.bucketName, objectName), nil
}

// ArchiveObjectName returns the object name and content type for msg. Relay
// JSON payloads are kept as .json, everything else as .eml.
func ArchiveObjectName(msg *models.InboundMessage) (string, string) {
	trimmed := bytes.TrimLeft(msg.Raw, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return "raw/" + DocID(msg.ID) + ".json", "application/json"
	}
	return "raw/" + DocID(msg.ID) + ".eml", "message/rfc822"
}
