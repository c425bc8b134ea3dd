package services

import (
	"context"

	"github.com/Lllllllleong/invoiceingest/internal/models"
	"github.com/Lllllllleong/invoiceingest/internal/reconcile"
)

// ReconcilerFunction runs the stale-claim sweep on each scheduler tick.
type ReconcilerFunction struct {
	components *Components
	sweeper    *reconcile.Sweeper
}

// NewReconciler loads the configuration and wires the sweep.
func NewReconciler(ctx context.Context) (*ReconcilerFunction, error) {
	c, err := loadComponents(ctx)
	if err != nil {
		return nil, err
	}
	return NewReconcilerWith(c), nil
}

// NewReconcilerWith wraps already built components.
func NewReconcilerWith(c *Components) *ReconcilerFunction {
	rc := c.Config.Reconcile
	return &ReconcilerFunction{
		components: c,
		sweeper:    reconcile.NewSweeper(c.Gate, c.Queue, rc.StaleAfter.Duration, rc.BatchSize, rc.Concurrency, c.Logger),
	}
}

// Process runs one sweep.
func (f *ReconcilerFunction) Process(ctx context.Context) (models.ReconcileReport, error) {
	return f.sweeper.Run(ctx)
}
