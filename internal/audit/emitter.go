package audit

import (
	"context"
	"log/slog"

	"github.com/go-chi/chi/v5/middleware"
)

// Enqueuer hands an event to the background delivery queue. Implemented by
// the jobs package on top of asynq.
type Enqueuer interface {
	EnqueueAuditEvent(ctx context.Context, e Event) error
}

// Emitter converts authorization decisions and administrative changes into
// audit events. Critical and error events reach the sink before Emit
// returns; info and warning events are queued for batched delivery, with a
// synchronous fallback so the trail never has gaps.
type Emitter struct {
	sink   Sink
	queue  Enqueuer
	logger *slog.Logger
}

// NewEmitter constructs an Emitter. queue may be nil, in which case every
// event is written synchronously.
func NewEmitter(sink Sink, queue Enqueuer, logger *slog.Logger) *Emitter {
	return &Emitter{sink: sink, queue: queue, logger: logger}
}

// Emit records the event. Fire-and-forget for callers: delivery problems
// are handled internally and never propagate.
func (em *Emitter) Emit(ctx context.Context, e Event) {
	if em == nil || em.sink == nil {
		return
	}
	e.stamp(middleware.GetReqID(ctx))

	if e.Level == LevelCritical || e.Level == LevelError {
		em.flush(ctx, e)
		return
	}

	if em.queue != nil {
		if err := em.queue.EnqueueAuditEvent(ctx, e); err == nil {
			return
		} else if em.logger != nil {
			em.logger.Warn("audit enqueue failed, writing synchronously", slog.Any("error", err))
		}
	}
	em.flush(ctx, e)
}

// flush writes the event to the sink, retrying once.
func (em *Emitter) flush(ctx context.Context, e Event) {
	err := em.sink.Write(ctx, []Event{e})
	if err != nil {
		err = em.sink.Write(ctx, []Event{e})
	}
	if err != nil && em.logger != nil {
		em.logger.Error("audit event lost after retry",
			slog.String("event_id", e.ID),
			slog.String("type", e.Type),
			slog.String("subtype", e.Subtype),
			slog.Any("error", err))
	}
}
