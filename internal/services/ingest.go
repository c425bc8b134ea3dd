package services

import (
	"context"
	"net/http"

	"github.com/Lllllllleong/invoiceingest/internal/server"
)

// IngestFunction serves the inbound HTTP surface.
type IngestFunction struct {
	components *Components
	handler    http.Handler
}

// NewIngest loads the configuration and wires the HTTP function.
func NewIngest(ctx context.Context) (*IngestFunction, error) {
	c, err := loadComponents(ctx)
	if err != nil {
		return nil, err
	}
	return NewIngestWith(c), nil
}

// NewIngestWith wraps already built components.
func NewIngestWith(c *Components) *IngestFunction {
	return &IngestFunction{
		components: c,
		handler: server.New(c.Pipeline, c.Tokens, server.Options{
			Inbound:     c.Config.Inbound,
			MaxPDFBytes: c.Config.Extraction.MaxPDFBytes,
			Version:     c.Config.Version,
			Logger:      c.Logger,
		}),
	}
}

func (f *IngestFunction) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.handler.ServeHTTP(w, r)
}
