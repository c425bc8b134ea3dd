package main

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/Lllllllleong/invoiceingest/internal/services"
)

var (
	reconcilerInstance *services.ReconcilerFunction
	once               sync.Once
	initErr            error
)

func init() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	// Triggered by Cloud Scheduler through Pub/Sub; the event body is ignored.
	functions.CloudEvent("ReconcileClaims", reconcileClaims)
}

// main is required by the Go Functions Framework.
func main() {}

func reconcileClaims(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		reconcilerInstance, initErr = services.NewReconciler(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	report, err := reconcilerInstance.Process(ctx)
	if err != nil {
		// Handled claims are already reflected in the report; the rest are
		// picked up by the next tick.
		slog.Error("Reconciliation finished with errors", "eventId", e.ID(), "report", report, "error", err)
		return err
	}
	slog.Info("Reconciliation complete", "eventId", e.ID(), "report", report)
	return nil
}
