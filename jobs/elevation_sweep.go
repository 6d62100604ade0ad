package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/authcore-io/authcore/internal/resolver"
	"github.com/authcore-io/authcore/internal/store"
)

// ElevationStore is the subset of the permission store the sweep uses.
type ElevationStore interface {
	ExpireElevations(ctx context.Context, now time.Time) ([]store.Subject, error)
}

// ElevationSweepHandler removes expired permission elevations and bumps
// the generation counter of every affected subject so their cached
// decisions stop serving the elevated grant.
type ElevationSweepHandler struct {
	store  ElevationStore
	gens   *resolver.Generations
	logger *slog.Logger
}

// NewElevationSweepHandler constructs the handler.
func NewElevationSweepHandler(s ElevationStore, gens *resolver.Generations, logger *slog.Logger) *ElevationSweepHandler {
	return &ElevationSweepHandler{store: s, gens: gens, logger: logger}
}

// Handle processes TaskTypeElevationSweep tasks.
func (h *ElevationSweepHandler) Handle(ctx context.Context, _ *asynq.Task) error {
	subjects, err := h.store.ExpireElevations(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("jobs: elevation sweep: %w", err)
	}
	if len(subjects) == 0 {
		return nil
	}
	if err := h.gens.BumpAll(ctx, subjects); err != nil {
		return fmt.Errorf("jobs: elevation sweep invalidate: %w", err)
	}
	h.logger.Info("expired elevations swept", slog.Int("subjects", len(subjects)))
	return nil
}
