package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/Lllllllleong/invoiceingest/internal/services"
)

var (
	mailDropInstance *services.MailDropFunction
	once             sync.Once
	initErr          error
)

func init() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	// Register the CloudEvent function for object finalize events.
	functions.CloudEvent("IngestStoredEmail", ingestStoredEmail)
}

// main is required by the Go Functions Framework.
func main() {}

func ingestStoredEmail(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		mailDropInstance, initErr = services.NewMailDrop(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	var gcsEvent services.GCSEvent
	if err := json.Unmarshal(e.Data(), &gcsEvent); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}
	return mailDropInstance.Process(ctx, gcsEvent)
}
