package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/funcframework"
	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/Lllllllleong/invoiceingest/internal/config"
	"github.com/Lllllllleong/invoiceingest/internal/services"
)

var (
	ingestInstance *services.IngestFunction
	once           sync.Once
	initErr        error
)

func init() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	// "InvoiceIngest" is the entry point name configured in GCP.
	functions.HTTP("InvoiceIngest", handleInvoiceIngest)
}

// main serves the registered function locally. Deployed functions are
// started by the framework instead.
func main() {
	port := config.GetEnv("PORT", "8080")
	if err := funcframework.Start(port); err != nil {
		slog.Error("Function framework stopped", "error", err)
		os.Exit(1)
	}
}

func handleInvoiceIngest(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		ingestInstance, initErr = services.NewIngest(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	ingestInstance.ServeHTTP(w, r)
}
