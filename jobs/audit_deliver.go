package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/authcore-io/authcore/internal/audit"
)

// AuditDeliverHandler writes queued audit events to the durable sink.
// Sink writes are idempotent on event id, so asynq redelivery after a
// partial failure cannot duplicate trail entries.
type AuditDeliverHandler struct {
	sink   audit.Sink
	logger *slog.Logger
}

// NewAuditDeliverHandler constructs the handler.
func NewAuditDeliverHandler(sink audit.Sink, logger *slog.Logger) *AuditDeliverHandler {
	return &AuditDeliverHandler{sink: sink, logger: logger}
}

// Handle processes TaskTypeAuditDeliver tasks.
func (h *AuditDeliverHandler) Handle(ctx context.Context, t *asynq.Task) error {
	var payload AuditDeliverPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		h.logger.Error("audit deliver payload malformed", slog.Any("error", err))
		return asynq.SkipRetry
	}
	if err := h.sink.Write(ctx, []audit.Event{payload.Event}); err != nil {
		return fmt.Errorf("jobs: audit deliver: %w", err)
	}
	return nil
}
